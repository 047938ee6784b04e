// Package metrics keeps per-organization accuracy counters in storage and
// exports classification activity as Prometheus metrics.
package metrics

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/Veraticus/the-books-must-balance/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AccuracyStore is the storage surface the aggregator writes through.
// Both service.Storage and service.Transaction satisfy it.
type AccuracyStore interface {
	IncrementAccuracy(ctx context.Context, organizationID, category string, correct bool) error
	GetAccuracy(ctx context.Context, organizationID string) ([]model.AccuracyMetric, error)
}

// Classification outcomes used as the outcome label.
const (
	OutcomePending     = "pending"
	OutcomeNeedsReview = "needs_review"
	OutcomeFailed      = "failed"
	OutcomeSkipped     = "skipped"
)

// Aggregator records accuracy outcomes and classification activity.
type Aggregator struct {
	store    AccuracyStore
	registry *prometheus.Registry

	classificationsTotal *prometheus.CounterVec
	autoAppliedTotal     prometheus.Counter
	feedbackTotal        *prometheus.CounterVec
	phaseDuration        *prometheus.HistogramVec
}

// NewAggregator creates an aggregator and registers its collectors on
// registry. A nil registry gets a fresh one.
func NewAggregator(store AccuracyStore, registry *prometheus.Registry) (*Aggregator, error) {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	a := &Aggregator{store: store, registry: registry}
	a.initMetrics()
	if err := registry.Register(a); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return a, nil
}

func (a *Aggregator) initMetrics() {
	a.classificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_classifications_total",
			Help: "Total number of classification runs by outcome",
		},
		[]string{"outcome"},
	)
	a.autoAppliedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_auto_applied_total",
			Help: "Total number of records classified from learned corrections",
		},
	)
	a.feedbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_feedback_total",
			Help: "Total number of reviewer actions applied",
		},
		[]string{"action"},
	)
	a.phaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "ledger_phase_duration_seconds",
			Help: "Time spent in each classification phase",
			// 10ms to ~40s, covering local lookups through slow external calls.
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"phase"},
	)
}

// Describe implements the Collector interface.
func (a *Aggregator) Describe(ch chan<- *prometheus.Desc) {
	a.classificationsTotal.Describe(ch)
	a.autoAppliedTotal.Describe(ch)
	a.feedbackTotal.Describe(ch)
	a.phaseDuration.Describe(ch)
}

// Collect implements the Collector interface.
func (a *Aggregator) Collect(ch chan<- prometheus.Metric) {
	a.classificationsTotal.Collect(ch)
	a.autoAppliedTotal.Collect(ch)
	a.feedbackTotal.Collect(ch)
	a.phaseDuration.Collect(ch)
}

// RecordOutcome counts one reviewed prediction for a category. q is usually
// the transaction the reviewer action runs in.
func (a *Aggregator) RecordOutcome(ctx context.Context, q AccuracyStore, organizationID, category string, correct bool) error {
	if q == nil {
		q = a.store
	}
	if err := q.IncrementAccuracy(ctx, organizationID, category, correct); err != nil {
		return fmt.Errorf("failed to record outcome for %s/%s: %w", organizationID, category, err)
	}
	return nil
}

// Stats returns the accuracy metrics of an organization sorted by category.
func (a *Aggregator) Stats(ctx context.Context, organizationID string) ([]model.AccuracyMetric, error) {
	stats, err := a.store.GetAccuracy(ctx, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load accuracy for %s: %w", organizationID, err)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Category < stats[j].Category })
	return stats, nil
}

// ObserveClassification counts a finished classification run.
func (a *Aggregator) ObserveClassification(outcome string) {
	if a == nil {
		return
	}
	a.classificationsTotal.WithLabelValues(outcome).Inc()
}

// ObserveAutoApplied counts a record classified from correction memory.
func (a *Aggregator) ObserveAutoApplied() {
	if a == nil {
		return
	}
	a.autoAppliedTotal.Inc()
}

// ObserveFeedback counts an applied reviewer action.
func (a *Aggregator) ObserveFeedback(action model.FeedbackAction) {
	if a == nil {
		return
	}
	a.feedbackTotal.WithLabelValues(string(action)).Inc()
}

// ObservePhase records how long a funnel phase took.
func (a *Aggregator) ObservePhase(phase model.Phase, d time.Duration) {
	if a == nil {
		return
	}
	a.phaseDuration.WithLabelValues(string(phase)).Observe(d.Seconds())
}

// Registry returns the registry the collectors live in.
func (a *Aggregator) Registry() *prometheus.Registry {
	return a.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (a *Aggregator) Handler() http.Handler {
	return promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{
		ErrorLog:      log.New(os.Stderr, "metrics handler: ", log.LstdFlags),
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
}
