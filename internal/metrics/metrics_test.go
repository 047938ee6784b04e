package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Veraticus/the-books-must-balance/internal/model"
	"github.com/Veraticus/the-books-must-balance/internal/storage"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAggregator(t *testing.T) (*Aggregator, *storage.SQLiteStorage) {
	t.Helper()
	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	agg, err := NewAggregator(store, nil)
	require.NoError(t, err)
	return agg, store
}

func TestAggregator_RecordOutcomeAndStats(t *testing.T) {
	agg, store := newTestAggregator(t)
	ctx := context.Background()

	require.NoError(t, agg.RecordOutcome(ctx, nil, "org-1", "60", true))
	require.NoError(t, agg.RecordOutcome(ctx, nil, "org-1", "60", false))
	require.NoError(t, agg.RecordOutcome(ctx, nil, "org-1", "50", true))

	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, agg.RecordOutcome(ctx, tx, "org-1", "60", true))
	require.NoError(t, tx.Commit())

	stats, err := agg.Stats(ctx, "org-1")
	require.NoError(t, err)
	require.Len(t, stats, 2)

	assert.Equal(t, "50", stats[0].Category)
	assert.Equal(t, 1, stats[0].TotalPredictions)
	assert.InDelta(t, 1.0, stats[0].Rate(), 0.0001)

	assert.Equal(t, "60", stats[1].Category)
	assert.Equal(t, 3, stats[1].TotalPredictions)
	assert.Equal(t, 2, stats[1].CorrectPredictions)

	empty, err := agg.Stats(ctx, "org-2")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestAggregator_Counters(t *testing.T) {
	agg, _ := newTestAggregator(t)

	agg.ObserveClassification(OutcomePending)
	agg.ObserveClassification(OutcomePending)
	agg.ObserveClassification(OutcomeNeedsReview)
	agg.ObserveAutoApplied()
	agg.ObserveFeedback(model.ActionCorrect)
	agg.ObservePhase(model.PhaseFamily, 120*time.Millisecond)

	assert.InDelta(t, 2, testutil.ToFloat64(agg.classificationsTotal.WithLabelValues(OutcomePending)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(agg.classificationsTotal.WithLabelValues(OutcomeNeedsReview)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(agg.autoAppliedTotal), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(agg.feedbackTotal.WithLabelValues("correct")), 0)

	var nilAgg *Aggregator
	assert.NotPanics(t, func() {
		nilAgg.ObserveClassification(OutcomeFailed)
		nilAgg.ObservePhase(model.PhaseAccount, time.Second)
	})
}

func TestAggregator_Handler(t *testing.T) {
	agg, _ := newTestAggregator(t)
	agg.ObserveAutoApplied()

	server := httptest.NewServer(agg.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "ledger_auto_applied_total 1")
}
