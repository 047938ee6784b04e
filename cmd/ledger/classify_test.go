package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/Veraticus/the-books-must-balance/internal/common"
	"github.com/Veraticus/the-books-must-balance/internal/model"
	"github.com/Veraticus/the-books-must-balance/internal/service"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadSnapshots(t *testing.T) {
	input := `{"record_id":"doc-1","organization_id":"acme","description":"Walnuts in shell","amount":"1250.50","currency":"MXN"}

{"record_id":"doc-2","organization_id":"acme","document_kind":"payroll","description":"Payroll March"}
`
	snapshots, err := readSnapshots(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, snapshots, 2)

	assert.Equal(t, "doc-1", snapshots[0].RecordID)
	assert.Equal(t, model.KindExpense, snapshots[0].Kind)
	assert.True(t, decimal.RequireFromString("1250.50").Equal(snapshots[0].Amount))
	assert.Equal(t, model.KindPayroll, snapshots[1].Kind)
}

func TestReadSnapshots_InvalidLine(t *testing.T) {
	input := `{"record_id":"doc-1","organization_id":"acme","description":"ok"}
{not json}
`
	_, err := readSnapshots(strings.NewReader(input))
	require.Error(t, err)

	var userErr *common.UserError
	require.ErrorAs(t, err, &userErr)
	assert.Contains(t, err.Error(), "line 2")
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		n    int
	}{
		{name: "short", in: "Nuez", n: 10, want: "Nuez"},
		{name: "exact", in: "abcde", n: 5, want: "abcde"},
		{name: "long", in: "Servicio de energía eléctrica", n: 10, want: "Servicio …"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, truncate(tt.in, tt.n))
		})
	}
}

func TestDescribeRecord(t *testing.T) {
	rec := &model.ClassificationRecord{
		ID:            "doc-1",
		Description:   "Walnuts in shell",
		FamilyCode:    "50",
		SubfamilyCode: "502",
		AccountCode:   "502.01",
		Status:        model.StatusPending,
		Confidence:    0.95,
		Explanation:   "learned from 2 prior corrections",
	}

	out := describeRecord(rec, true)
	assert.Contains(t, out, "50 / 502 / 502.01")
	assert.Contains(t, out, "correction memory")
	assert.Contains(t, out, "learned from 2 prior corrections")

	failed := &model.ClassificationRecord{
		ID:           "doc-2",
		Description:  "Consulting",
		Status:       model.StatusFailed,
		FailurePhase: model.PhaseSubfamily,
	}
	out = describeRecord(failed, false)
	assert.Contains(t, out, "Failed at:   subfamily")
	assert.NotContains(t, out, "Codes:")
}

func TestFormatBatchStats(t *testing.T) {
	out := formatBatchStats(&service.ClassificationStats{
		Submitted:   5,
		AutoApplied: 2,
		Pending:     2,
		Skipped:     1,
		Duration:    3 * time.Second,
	})
	assert.Contains(t, out, "Submitted: 5")
	assert.Contains(t, out, "Auto-applied from memory: 2")
	assert.Contains(t, out, "Skipped: 1")

	assert.Equal(t, "No records were classified", formatBatchStats(nil))
}

func TestNewApp_InMemory(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("database.path", ":memory:")

	ctx := context.Background()
	a, err := newApp(ctx)
	require.NoError(t, err)
	defer a.Close()

	version, err := a.store.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Positive(t, version)
	assert.Positive(t, a.catalog.Len())
	assert.Equal(t, "60 Gastos de operación", a.familyName("60"))
	assert.Equal(t, "99", a.familyName("99"))

	_, err = a.feedback.Confirm(ctx, "missing", "ana")
	require.ErrorIs(t, err, common.ErrNotFound)
}
