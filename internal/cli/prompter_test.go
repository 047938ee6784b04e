package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/Veraticus/the-books-must-balance/internal/catalog"
	"github.com/Veraticus/the-books-must-balance/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Default()
	require.NoError(t, err)
	return cat
}

func pendingRecord() *model.ClassificationRecord {
	return &model.ClassificationRecord{
		ID:              "doc-1",
		OrganizationID:  "org-1",
		Description:     "Electricity bill March",
		CounterpartyKey: "CFE370814QI0",
		FamilyCode:      "60",
		SubfamilyCode:   "601",
		AccountCode:     "601.84",
		Status:          model.StatusPending,
		Confidence:      0.82,
		Explanation:     "utility service",
	}
}

func TestReviewPrompter_Review(t *testing.T) {
	tests := []struct {
		record     func() *model.ClassificationRecord
		name       string
		input      string
		wantOutput string
		want       ReviewDecision
	}{
		{
			name:       "accept suggestion",
			record:     pendingRecord,
			input:      "a\n",
			want:       ReviewDecision{Action: ReviewConfirm},
			wantOutput: "Accept",
		},
		{
			name:   "correct with note",
			record: pendingRecord,
			input:  "c\n604.01\nbilled through facilities\n",
			want: ReviewDecision{
				Action: ReviewCorrect,
				Code:   "604.01",
				Note:   "billed through facilities",
			},
		},
		{
			name:       "correct re-prompts for a non-account code",
			record:     pendingRecord,
			input:      "c\n604\n604.02\n\n",
			want:       ReviewDecision{Action: ReviewCorrect, Code: "604.02"},
			wantOutput: "Accounts under it",
		},
		{
			name:       "reclassify is not offered for pending records",
			record:     pendingRecord,
			input:      "r\ns\n",
			want:       ReviewDecision{Action: ReviewSkip},
			wantOutput: "Invalid choice",
		},
		{
			name: "reclassify failed record",
			record: func() *model.ClassificationRecord {
				rec := pendingRecord()
				rec.Status = model.StatusFailed
				rec.FamilyCode, rec.SubfamilyCode, rec.AccountCode = "", "", ""
				rec.FailurePhase = model.PhaseSubfamily
				return rec
			},
			input:      "R\n",
			want:       ReviewDecision{Action: ReviewReclassify},
			wantOutput: "Reclassify",
		},
		{
			name: "confirm is not offered without an account",
			record: func() *model.ClassificationRecord {
				rec := pendingRecord()
				rec.Status = model.StatusNeedsReview
				rec.AccountCode = ""
				return rec
			},
			input: "a\nq\n",
			want:  ReviewDecision{Action: ReviewQuit},
		},
	}

	cat := testCatalog(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			p := NewReviewPrompter(strings.NewReader(tt.input), &out, cat)

			got, err := p.Review(context.Background(), tt.record())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Contains(t, out.String(), "Electricity bill March")
			if tt.wantOutput != "" {
				assert.Contains(t, out.String(), tt.wantOutput)
			}
		})
	}
}

func TestReviewPrompter_ReviewErrors(t *testing.T) {
	cat := testCatalog(t)

	t.Run("input ends", func(t *testing.T) {
		p := NewReviewPrompter(strings.NewReader(""), &bytes.Buffer{}, cat)
		_, err := p.Review(context.Background(), pendingRecord())
		require.Error(t, err)
	})

	t.Run("unknown codes exhaust attempts", func(t *testing.T) {
		p := NewReviewPrompter(strings.NewReader("c\n999\n60\n612\n"), &bytes.Buffer{}, cat)
		_, err := p.Review(context.Background(), pendingRecord())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no valid account code")
	})

	t.Run("canceled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		p := NewReviewPrompter(strings.NewReader("a\n"), &bytes.Buffer{}, cat)
		_, err := p.Review(ctx, pendingRecord())
		require.ErrorIs(t, err, ErrInputCancelled)
	})
}

func TestReviewPrompter_Stats(t *testing.T) {
	cat := testCatalog(t)
	var out bytes.Buffer
	p := NewReviewPrompter(strings.NewReader("a\nc\n604.01\n\ns\nq\n"), &out, cat)
	p.Start(4)

	ctx := context.Background()
	for range 4 {
		d, err := p.Review(ctx, pendingRecord())
		require.NoError(t, err)
		if d.Action == ReviewQuit {
			break
		}
	}

	stats := p.Stats()
	assert.Equal(t, 3, stats.Reviewed)
	assert.Equal(t, 1, stats.Confirmed)
	assert.Equal(t, 1, stats.Corrected)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 0, stats.Reclassified)

	p.ShowCompletion()
	assert.Contains(t, out.String(), "Review Complete")
	assert.Contains(t, out.String(), "Corrected: 1")
}

func TestReviewAction_String(t *testing.T) {
	assert.Equal(t, "confirm", ReviewConfirm.String())
	assert.Equal(t, "correct", ReviewCorrect.String())
	assert.Equal(t, "reclassify", ReviewReclassify.String())
	assert.Equal(t, "quit", ReviewQuit.String())
	assert.Equal(t, "skip", ReviewSkip.String())
}
