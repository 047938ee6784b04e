// Package memory keeps human corrections and decides when they can be applied automatically.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/Veraticus/the-books-must-balance/internal/model"
	"github.com/patrickmn/go-cache"
)

// Defaults for the auto-apply policy.
const (
	DefaultThreshold   = 2
	DefaultDedupWindow = 10 * time.Minute
	maxHints           = 5
)

// Store is the persistence the memory needs. Both service.Storage and
// service.Transaction satisfy it.
type Store interface {
	FindCorrections(ctx context.Context, organizationID, counterpartyKey, secondaryKey string) ([]model.CorrectionEntry, error)
	AppendCorrection(ctx context.Context, entry *model.CorrectionEntry) error
	HasRecentCorrection(ctx context.Context, entry *model.CorrectionEntry, since time.Time) (bool, error)
}

// Config tunes the memory.
type Config struct {
	Threshold   int
	DedupWindow time.Duration
}

// Memory is the append-only correction memory.
type Memory struct {
	store     Store
	seen      *cache.Cache
	logger    *slog.Logger
	now       func() time.Time
	window    time.Duration
	threshold int
}

// New creates a correction memory backed by store.
func New(store Store, cfg Config, logger *slog.Logger) *Memory {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		store:     store,
		seen:      cache.New(cfg.DedupWindow, 2*cfg.DedupWindow),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		window:    cfg.DedupWindow,
		threshold: cfg.Threshold,
	}
}

// Threshold returns the number of agreeing corrections needed to auto-apply.
func (m *Memory) Threshold() int {
	return m.threshold
}

// Lookup returns prior corrections for a counterparty. With a secondary key,
// entries for that key and entries without a key are returned.
func (m *Memory) Lookup(ctx context.Context, organizationID, counterpartyKey, secondaryKey string) ([]model.CorrectionEntry, error) {
	if strings.TrimSpace(counterpartyKey) == "" {
		return nil, nil
	}
	entries, err := m.store.FindCorrections(ctx, organizationID, counterpartyKey, secondaryKey)
	if err != nil {
		return nil, fmt.Errorf("correction lookup failed: %w", err)
	}
	return entries, nil
}

// Record appends a correction unless an identical one was recorded within the dedup window.
// It reports whether the entry was written.
func (m *Memory) Record(ctx context.Context, entry *model.CorrectionEntry) (bool, error) {
	written, err := m.RecordIn(ctx, m.store, entry)
	if err != nil || !written {
		return written, err
	}
	m.Remember(entry)
	return true, nil
}

// RecordIn is Record against a caller-provided store, usually an open transaction.
// The caller must call Remember once the transaction commits.
func (m *Memory) RecordIn(ctx context.Context, store Store, entry *model.CorrectionEntry) (bool, error) {
	if _, found := m.seen.Get(entry.DedupKey()); found {
		m.logger.Debug("Skipping duplicate correction",
			"organization_id", entry.OrganizationID,
			"counterparty_key", entry.CounterpartyKey,
			"source", "cache")
		return false, nil
	}

	recent, err := store.HasRecentCorrection(ctx, entry, m.now().Add(-m.window))
	if err != nil {
		return false, err
	}
	if recent {
		m.logger.Debug("Skipping duplicate correction",
			"organization_id", entry.OrganizationID,
			"counterparty_key", entry.CounterpartyKey,
			"source", "storage")
		return false, nil
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = m.now()
	}
	if err := store.AppendCorrection(ctx, entry); err != nil {
		return false, err
	}
	return true, nil
}

// Remember marks an entry as seen for the dedup window.
func (m *Memory) Remember(entry *model.CorrectionEntry) {
	m.seen.Set(entry.DedupKey(), struct{}{}, cache.DefaultExpiration)
}

// Action is what the classifier should do with the memory.
type Action int

// Memory actions.
const (
	ActionNone Action = iota
	ActionHint
	ActionApply
)

func (a Action) String() string {
	switch a {
	case ActionHint:
		return "hint"
	case ActionApply:
		return "apply"
	default:
		return "none"
	}
}

// Decision is the outcome of the auto-apply policy.
type Decision struct {
	Code        string
	Explanation string
	Hints       []model.CorrectionEntry
	Count       int
	Confidence  float64
	Action      Action
}

// Decide applies the auto-apply policy to looked-up entries. When expectedPrefix is set,
// only a code under that prefix may be applied.
func (m *Memory) Decide(entries []model.CorrectionEntry, expectedPrefix string) Decision {
	return Decide(entries, expectedPrefix, m.threshold)
}

// Decide counts distinct entries per corrected code and applies the best code when it
// reaches threshold. Fewer agreeing entries are returned as hints.
func Decide(entries []model.CorrectionEntry, expectedPrefix string, threshold int) Decision {
	if len(entries) == 0 {
		return Decision{Action: ActionNone}
	}

	type tally struct {
		latest time.Time
		ids    map[string]bool
	}
	counts := make(map[string]*tally)
	for _, e := range entries {
		t, ok := counts[e.CorrectedCode]
		if !ok {
			t = &tally{ids: make(map[string]bool)}
			counts[e.CorrectedCode] = t
		}
		t.ids[e.ID] = true
		if e.CreatedAt.After(t.latest) {
			t.latest = e.CreatedAt
		}
	}

	var (
		bestCode  string
		bestCount int
		bestAt    time.Time
	)
	for code, t := range counts {
		n := len(t.ids)
		if n > bestCount || (n == bestCount && t.latest.After(bestAt)) ||
			(n == bestCount && t.latest.Equal(bestAt) && code < bestCode) {
			bestCode, bestCount, bestAt = code, n, t.latest
		}
	}

	prefixOK := expectedPrefix == "" || strings.HasPrefix(bestCode, expectedPrefix)
	if bestCount >= threshold && prefixOK {
		return Decision{
			Action:      ActionApply,
			Code:        bestCode,
			Count:       bestCount,
			Confidence:  AutoApplyConfidence(bestCount, threshold),
			Explanation: fmt.Sprintf("learned from %d prior corrections", bestCount),
		}
	}

	return Decision{
		Action: ActionHint,
		Code:   bestCode,
		Count:  bestCount,
		Hints:  recentHints(entries),
	}
}

// AutoApplyConfidence grows from 0.95 at the threshold by 0.01 per extra correction, up to 0.99.
func AutoApplyConfidence(count, threshold int) float64 {
	return min(0.99, 0.95+0.01*float64(count-threshold))
}

func recentHints(entries []model.CorrectionEntry) []model.CorrectionEntry {
	hints := append([]model.CorrectionEntry(nil), entries...)
	sort.SliceStable(hints, func(i, j int) bool {
		return hints[i].CreatedAt.After(hints[j].CreatedAt)
	})
	if len(hints) > maxHints {
		hints = hints[:maxHints]
	}
	return hints
}
