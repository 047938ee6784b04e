package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Veraticus/the-books-must-balance/internal/common"
	"github.com/Veraticus/the-books-must-balance/internal/llm"
	"github.com/Veraticus/the-books-must-balance/internal/memory"
	"github.com/Veraticus/the-books-must-balance/internal/metrics"
	"github.com/Veraticus/the-books-must-balance/internal/model"
	"github.com/Veraticus/the-books-must-balance/internal/profile"
	"github.com/Veraticus/the-books-must-balance/internal/retrieval"
	"github.com/Veraticus/the-books-must-balance/internal/service"
	"github.com/Veraticus/the-books-must-balance/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = service.RetryOptions{
	MaxAttempts:  3,
	InitialDelay: time.Millisecond,
	MaxDelay:     2 * time.Millisecond,
	Multiplier:   2,
}

type harness struct {
	db      *testutil.TestDB
	llm     *testutil.MockLLM
	metrics *metrics.Aggregator
	clf     *HierarchicalClassifier
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	return newHarnessWith(t, cfg, nil)
}

// newHarnessWith lets wrap replace the storage the classifier writes through.
func newHarnessWith(t *testing.T, cfg Config, wrap func(service.Storage) service.Storage) *harness {
	t.Helper()
	ctx := context.Background()

	db := testutil.SetupTestDB(t, testutil.FoodProducer(), testutil.ServicesCompany())
	var store service.Storage = db.Storage
	if wrap != nil {
		store = wrap(db.Storage)
	}
	mock := testutil.NewMockLLM()

	embedder := retrieval.NewHashEmbedder(retrieval.DefaultHashDimensions)
	index, err := retrieval.BuildIndex(ctx, db.Catalog, embedder)
	require.NoError(t, err)

	prompts, err := llm.NewPromptBuilder()
	require.NoError(t, err)
	phases, err := llm.NewPhaseClassifier(mock, prompts, llm.ClassifierOptions{Retry: fastRetry, RateLimit: 100000}, nil)
	require.NoError(t, err)

	agg, err := metrics.NewAggregator(db.Storage, nil)
	require.NoError(t, err)

	cfg.Retry = fastRetry
	clf, err := New(Deps{
		Storage:   store,
		Catalog:   db.Catalog,
		Phases:    phases,
		Retriever: retrieval.NewRetriever(embedder, index, db.Catalog, nil),
		Memory:    memory.New(db.Storage, memory.Config{}, nil),
		Profiles:  profile.NewResolver(db.Storage, nil),
		Metrics:   agg,
	}, cfg)
	require.NoError(t, err)

	return &harness{db: db, llm: mock, metrics: agg, clf: clf}
}

// electricityFunnel scripts family 60 and subfamily 604.
func (h *harness) electricityFunnel() {
	h.llm.Always(model.PhaseFamily, testutil.Answer("60", 0.9, "operating expense"))
	h.llm.Always(model.PhaseSubfamily, testutil.Answer("604", 0.85, "utilities"))
}

func priorCorrections(n int, org, counterparty, code string) []model.CorrectionEntry {
	base := time.Now().UTC().Add(-time.Duration(n+1) * time.Hour)
	entries := make([]model.CorrectionEntry, n)
	for i := range entries {
		entries[i] = model.CorrectionEntry{
			OrganizationID:      org,
			CounterpartyKey:     counterparty,
			OriginalDescription: "SERVICIO DE ENERGIA ELECTRICA",
			SuggestedCode:       "601.84",
			CorrectedCode:       code,
			ReviewerID:          "ana",
			ConfidenceBefore:    0.6,
			CreatedAt:           base.Add(time.Duration(i) * time.Hour),
		}
	}
	return entries
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Deps{}, DefaultConfig())
	assert.ErrorIs(t, err, common.ErrMissingConfig)

	_, err = ParseMemoryMode("sometimes")
	assert.ErrorIs(t, err, common.ErrInvalidConfig)

	mode, err := ParseMemoryMode("ACCOUNT")
	require.NoError(t, err)
	assert.Equal(t, MemoryAccount, mode)
}

func TestClassify_FullFunnel(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.llm.Then(model.PhaseFamily, testutil.Answer("50", 0.9, "raw material for production"))
	h.llm.Then(model.PhaseSubfamily, testutil.Answer("502", 0.85, "purchases"))
	h.llm.Then(model.PhaseAccount, testutil.Answer("502.01", 0.8, "walnuts are a raw material"))

	res, err := h.clf.Classify(context.Background(), testutil.NuezSnapshot("doc-a"))
	require.NoError(t, err)
	require.NotNil(t, res.Record)

	rec := h.db.MustGetRecord("doc-a")
	assert.Equal(t, model.StatusPending, rec.Status)
	assert.Equal(t, "50", rec.FamilyCode)
	assert.Equal(t, "502", rec.SubfamilyCode)
	assert.Equal(t, "502.01", rec.AccountCode)
	assert.True(t, rec.HierarchyConsistent())
	assert.GreaterOrEqual(t, rec.Confidence, 0.7)
	assert.InDelta(t, 0.8, rec.Confidence, 0.0001)
	assert.False(t, res.AutoApplied)
	assert.Contains(t, rec.Explanation, "walnuts are a raw material")

	familyPrompt := h.llm.Prompts(model.PhaseFamily)[0]
	assert.Contains(t, familyPrompt, "food_production")
	assert.Contains(t, familyPrompt, "walnut grower")

	accountPrompt := h.llm.Prompts(model.PhaseAccount)[0]
	assert.Contains(t, accountPrompt, "502.01")
	assert.NotContains(t, accountPrompt, "601.84", "candidates stay under the chosen subfamily")
}

func TestClassify_AutoAppliesLearnedCorrection(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.db.SeedCorrections(priorCorrections(2, testutil.OrgServices, "CFE370814QI0", "604.01")...)

	res, err := h.clf.Classify(context.Background(), testutil.ElectricitySnapshot("doc-b", testutil.OrgServices))
	require.NoError(t, err)

	assert.True(t, res.AutoApplied)
	assert.Zero(t, h.llm.TotalCalls())

	rec := h.db.MustGetRecord("doc-b")
	assert.Equal(t, "60", rec.FamilyCode)
	assert.Equal(t, "604", rec.SubfamilyCode)
	assert.Equal(t, "604.01", rec.AccountCode)
	assert.InDelta(t, 0.95, rec.Confidence, 0.0001)
	assert.Equal(t, "learned from 2 prior corrections", rec.Explanation)
	assert.Equal(t, model.StatusPending, rec.Status)
}

func TestClassify_BelowThresholdOnlyHints(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.db.SeedCorrections(priorCorrections(1, testutil.OrgServices, "CFE370814QI0", "604.01")...)
	h.electricityFunnel()
	h.llm.Then(model.PhaseAccount, testutil.Answer("604.01", 0.9, "electricity bill"))

	res, err := h.clf.Classify(context.Background(), testutil.ElectricitySnapshot("doc-hint", testutil.OrgServices))
	require.NoError(t, err)

	assert.False(t, res.AutoApplied)
	assert.Equal(t, 1, h.llm.Calls(model.PhaseFamily))
	assert.Equal(t, 1, h.llm.Calls(model.PhaseAccount))
	assert.Contains(t, h.llm.Prompts(model.PhaseFamily)[0], "corrected from 601.84 to 604.01")
	assert.Equal(t, "604.01", h.db.MustGetRecord("doc-hint").AccountCode)
}

func TestClassify_AccountOutsideSubfamily(t *testing.T) {
	tests := []struct {
		name          string
		replies       []testutil.Reply
		wantStatus    model.RecordStatus
		wantSubfamily string
		wantAccount   string
		wantNote      string
	}{
		{
			name: "still inconsistent after broadening",
			replies: []testutil.Reply{
				testutil.Answer("605.01", 0.8, "lodging"),
				testutil.Answer("614.02", 0.8, "marketing"),
			},
			wantStatus:    model.StatusNeedsReview,
			wantSubfamily: "604",
			wantNote:      "inconsistent",
		},
		{
			name: "broadened answer in a sibling subfamily",
			replies: []testutil.Reply{
				testutil.Answer("605.01", 0.8, "lodging"),
				testutil.Answer("605.03", 0.75, "passenger transport"),
			},
			wantStatus:    model.StatusPending,
			wantSubfamily: "605",
			wantAccount:   "605.03",
			wantNote:      "subfamily revised from 604 to 605",
		},
		{
			name: "model asks to broaden",
			replies: []testutil.Reply{
				testutil.Answer(llm.BroadenCode, 0.1, "no candidate fits"),
				testutil.Answer("604.02", 0.7, "water"),
			},
			wantStatus:    model.StatusPending,
			wantSubfamily: "604",
			wantAccount:   "604.02",
		},
		{
			name: "invented code twice",
			replies: []testutil.Reply{
				testutil.Answer("604.77", 0.9, "made up"),
				testutil.Answer("604.77", 0.9, "made up"),
			},
			wantStatus:    model.StatusNeedsReview,
			wantSubfamily: "604",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, DefaultConfig())
			h.electricityFunnel()
			h.llm.Then(model.PhaseAccount, tt.replies...)

			_, err := h.clf.Classify(context.Background(), testutil.ElectricitySnapshot("doc-c", testutil.OrgServices))
			require.NoError(t, err)

			rec := h.db.MustGetRecord("doc-c")
			assert.Equal(t, tt.wantStatus, rec.Status)
			assert.Equal(t, "60", rec.FamilyCode)
			assert.Equal(t, tt.wantSubfamily, rec.SubfamilyCode)
			assert.Equal(t, tt.wantAccount, rec.AccountCode)
			assert.Equal(t, 2, h.llm.Calls(model.PhaseAccount))
			if tt.wantStatus == model.StatusNeedsReview {
				assert.Equal(t, model.PhaseAccount, rec.FailurePhase)
			} else {
				assert.True(t, rec.HierarchyConsistent())
			}
			if tt.wantNote != "" {
				assert.Contains(t, rec.Explanation, tt.wantNote)
			}
		})
	}
}

func TestClassify_PhaseFailures(t *testing.T) {
	serviceDown := testutil.Reply{Err: common.Retryable(fmt.Errorf("%w: status 503", common.ErrExternalService))}

	tests := []struct {
		script     func(*testutil.MockLLM)
		name       string
		wantStatus model.RecordStatus
		wantPhase  model.Phase
		wantFamily string
		wantCalls  map[model.Phase]int
	}{
		{
			name: "family outside catalog twice",
			script: func(m *testutil.MockLLM) {
				m.Always(model.PhaseFamily, testutil.Answer("99", 0.9, "unknown"))
			},
			wantStatus: model.StatusNeedsReview,
			wantPhase:  model.PhaseFamily,
			wantCalls:  map[model.Phase]int{model.PhaseFamily: 2, model.PhaseSubfamily: 0},
		},
		{
			name: "subfamily outside family recovers on retry",
			script: func(m *testutil.MockLLM) {
				m.Always(model.PhaseFamily, testutil.Answer("60", 0.9, "expense"))
				m.Then(model.PhaseSubfamily,
					testutil.Answer("614", 0.9, "marketing"),
					testutil.Answer("604", 0.9, "utilities"))
				m.Always(model.PhaseAccount, testutil.Answer("604.01", 0.9, "electricity"))
			},
			wantStatus: model.StatusPending,
			wantFamily: "60",
			wantCalls:  map[model.Phase]int{model.PhaseSubfamily: 2, model.PhaseAccount: 1},
		},
		{
			name: "service unavailable",
			script: func(m *testutil.MockLLM) {
				m.Always(model.PhaseFamily, testutil.Answer("60", 0.9, "expense"))
				m.Always(model.PhaseSubfamily, serviceDown)
			},
			wantStatus: model.StatusFailed,
			wantPhase:  model.PhaseSubfamily,
			wantFamily: "60",
			wantCalls:  map[model.Phase]int{model.PhaseSubfamily: 3, model.PhaseAccount: 0},
		},
		{
			name: "malformed answers",
			script: func(m *testutil.MockLLM) {
				m.Always(model.PhaseFamily, testutil.Answer("60", 0.9, "expense"))
				m.Always(model.PhaseSubfamily, testutil.Answer("604", 0.9, "utilities"))
				m.Then(model.PhaseAccount,
					testutil.Reply{Text: `{"code":"604.01","confidence":1.4,"explanation_short":"x"}`},
					testutil.Reply{Text: "604.01"})
			},
			wantStatus: model.StatusNeedsReview,
			wantPhase:  model.PhaseAccount,
			wantFamily: "60",
			wantCalls:  map[model.Phase]int{model.PhaseAccount: 2},
		},
		{
			name: "low confidence",
			script: func(m *testutil.MockLLM) {
				m.Always(model.PhaseFamily, testutil.Answer("60", 0.9, "expense"))
				m.Always(model.PhaseSubfamily, testutil.Answer("604", 0.8, "utilities"))
				m.Always(model.PhaseAccount, testutil.Answer("604.01", 0.2, "unsure"))
			},
			wantStatus: model.StatusNeedsReview,
			wantFamily: "60",
			wantCalls:  map[model.Phase]int{model.PhaseAccount: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, DefaultConfig())
			tt.script(h.llm)

			_, err := h.clf.Classify(context.Background(), testutil.ElectricitySnapshot("doc-f", testutil.OrgServices))
			require.NoError(t, err)

			rec := h.db.MustGetRecord("doc-f")
			assert.Equal(t, tt.wantStatus, rec.Status)
			assert.Equal(t, tt.wantPhase, rec.FailurePhase)
			assert.Equal(t, tt.wantFamily, rec.FamilyCode)
			for phase, n := range tt.wantCalls {
				assert.Equal(t, n, h.llm.Calls(phase), "calls for %s", phase)
			}
			assert.GreaterOrEqual(t, rec.Confidence, 0.0)
			assert.LessOrEqual(t, rec.Confidence, 1.0)
		})
	}
}

func TestClassify_LowConfidenceKeepsCodes(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.electricityFunnel()
	h.llm.Always(model.PhaseAccount, testutil.Answer("604.01", 0.2, "unsure"))

	_, err := h.clf.Classify(context.Background(), testutil.ElectricitySnapshot("doc-low", testutil.OrgServices))
	require.NoError(t, err)

	rec := h.db.MustGetRecord("doc-low")
	assert.Equal(t, model.StatusNeedsReview, rec.Status)
	assert.Equal(t, "604.01", rec.AccountCode)
	assert.InDelta(t, 0.2, rec.Confidence, 0.0001)
	assert.Contains(t, rec.Explanation, "confidence below 0.30")
}

func TestClassify_SkipsIneligibleAndIncomplete(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	payroll := testutil.NewSnapshot("doc-payroll", testutil.OrgServices).
		WithDescription("NOMINA QUINCENA 12").
		WithKind(model.KindPayroll).
		Build()
	_, err := h.clf.Classify(ctx, payroll)
	assert.ErrorIs(t, err, common.ErrIneligibleDocument)

	empty := testutil.NewSnapshot("doc-empty", testutil.OrgServices).WithDescription("   ").Build()
	_, err = h.clf.Classify(ctx, empty)
	assert.ErrorIs(t, err, common.ErrExtractionIncomplete)

	for _, id := range []string{"doc-payroll", "doc-empty"} {
		_, err := h.db.Storage.GetRecord(ctx, id)
		assert.ErrorIs(t, err, common.ErrNotFound)
	}
	assert.Zero(t, h.llm.TotalCalls())
}

func TestClassify_LeavesClassifiedRecordsAlone(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	snap := testutil.MarketingSnapshot("doc-d", testutil.OrgServices)

	corrected := model.NewPendingRecord(snap, time.Now().UTC())
	corrected.Status = model.StatusCorrected
	corrected.FamilyCode, corrected.SubfamilyCode, corrected.AccountCode = "61", "614", "614.02"
	corrected.ReviewerID = "ana"
	h.db.SeedRecord(corrected)

	res, err := h.clf.Classify(ctx, snap)
	require.NoError(t, err)
	assert.True(t, res.Unchanged)
	assert.Zero(t, h.llm.TotalCalls())

	rec := h.db.MustGetRecord("doc-d")
	assert.Equal(t, model.StatusCorrected, rec.Status)
	assert.Equal(t, "614.02", rec.AccountCode)
	assert.Equal(t, 1, rec.Version)
}

func TestClassify_ResubmissionIsIdempotent(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	h.electricityFunnel()
	h.llm.Always(model.PhaseAccount, testutil.Answer("604.01", 0.9, "electricity"))
	snap := testutil.ElectricitySnapshot("doc-twice", testutil.OrgServices)

	first, err := h.clf.Classify(ctx, snap)
	require.NoError(t, err)
	assert.False(t, first.Unchanged)
	calls := h.llm.TotalCalls()

	second, err := h.clf.Classify(ctx, snap)
	require.NoError(t, err)
	assert.True(t, second.Unchanged)
	assert.Equal(t, calls, h.llm.TotalCalls())
	assert.Equal(t, first.Record.AccountCode, second.Record.AccountCode)

	history, err := h.db.Storage.GetRecordHistory(ctx, "doc-twice")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestClassify_MixedDocumentCapsConfidence(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.electricityFunnel()
	h.llm.Always(model.PhaseAccount, testutil.Answer("604.01", 0.95, "electricity"))

	snap := testutil.NewSnapshot("doc-mixed", testutil.OrgServices).
		WithCounterparty("SERVICIOS INTEGRALES", "SIN010101AA1").
		WithLine("ENERGIA ELECTRICA", "600", "83101800").
		WithLine("AGUA POTABLE", "400", "83101500").
		Build()

	_, err := h.clf.Classify(context.Background(), snap)
	require.NoError(t, err)

	rec := h.db.MustGetRecord("doc-mixed")
	assert.Equal(t, model.StatusPending, rec.Status)
	assert.Equal(t, "604.01", rec.AccountCode)
	assert.InDelta(t, 0.69, rec.Confidence, 0.0001)
	assert.Contains(t, rec.Explanation, "mixed document")
	assert.Contains(t, h.llm.Prompts(model.PhaseFamily)[0], "ENERGIA ELECTRICA")
}

func TestClassify_AccountMemoryMode(t *testing.T) {
	tests := []struct {
		name            string
		subfamily       string
		wantAccount     string
		wantAccountCall int
		wantConfidence  float64
		wantAutoApplied bool
	}{
		{name: "learned code under chosen subfamily", subfamily: "604", wantAccount: "604.01", wantConfidence: 0.85, wantAutoApplied: true},
		{name: "learned code elsewhere", subfamily: "601", wantAccount: "601.84", wantConfidence: 0.8, wantAccountCall: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.MemoryMode = MemoryAccount
			h := newHarness(t, cfg)
			h.db.SeedCorrections(priorCorrections(2, testutil.OrgServices, "CFE370814QI0", "604.01")...)
			h.llm.Always(model.PhaseFamily, testutil.Answer("60", 0.9, "expense"))
			h.llm.Always(model.PhaseSubfamily, testutil.Answer(tt.subfamily, 0.85, "general"))
			h.llm.Always(model.PhaseAccount, testutil.Answer("601.84", 0.8, "other"))

			res, err := h.clf.Classify(context.Background(), testutil.ElectricitySnapshot("doc-m", testutil.OrgServices))
			require.NoError(t, err)

			assert.Equal(t, tt.wantAutoApplied, res.AutoApplied)
			assert.Equal(t, tt.wantAccount, res.Record.AccountCode)
			assert.Equal(t, 1, h.llm.Calls(model.PhaseFamily))
			assert.Equal(t, tt.wantAccountCall, h.llm.Calls(model.PhaseAccount))
			assert.InDelta(t, tt.wantConfidence, res.Record.Confidence, 0.0001)
		})
	}
}

func TestReset(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	seed := func(id string, status model.RecordStatus) model.Snapshot {
		snap := testutil.ElectricitySnapshot(id, testutil.OrgServices)
		rec := model.NewPendingRecord(snap, time.Now().UTC())
		rec.Status = status
		if status != model.StatusFailed {
			rec.FamilyCode, rec.SubfamilyCode, rec.AccountCode = "60", "604", "604.01"
		}
		h.db.SeedRecord(rec)
		return snap
	}

	snap := seed("doc-failed", model.StatusFailed)
	seed("doc-confirmed", model.StatusConfirmed)
	seed("doc-corrected", model.StatusCorrected)

	rec, err := h.clf.Reset(ctx, "doc-failed")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, rec.Status)
	assert.Empty(t, rec.FamilyCode)

	h.electricityFunnel()
	h.llm.Always(model.PhaseAccount, testutil.Answer("604.01", 0.9, "electricity"))
	res, err := h.clf.Classify(ctx, snap)
	require.NoError(t, err)
	assert.Equal(t, "604.01", res.Record.AccountCode)

	_, err = h.clf.Reset(ctx, "doc-confirmed")
	assert.ErrorIs(t, err, common.ErrInvalidTransition)

	_, err = h.clf.Reset(ctx, "doc-corrected")
	assert.ErrorIs(t, err, common.ErrTerminalStatus)

	_, err = h.clf.Reset(ctx, "doc-missing")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestClassifyBatch(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.db.SeedCorrections(priorCorrections(2, testutil.OrgServices, "CFE370814QI0", "604.01")...)
	h.llm.Always(model.PhaseFamily, testutil.Answer("61", 0.9, "marketing"))
	h.llm.Always(model.PhaseSubfamily, testutil.Answer("614", 0.9, "advertising"))
	h.llm.Always(model.PhaseAccount, testutil.Answer("614.02", 0.9, "marketing services"))

	snapshots := []model.Snapshot{
		testutil.ElectricitySnapshot("batch-1", testutil.OrgServices),
		testutil.MarketingSnapshot("batch-2", testutil.OrgServices),
		testutil.NewSnapshot("batch-3", testutil.OrgServices).
			WithDescription("PAGO").
			WithKind(model.KindPaymentComplement).
			Build(),
	}

	progressed := 0
	stats, err := h.clf.ClassifyBatch(context.Background(), snapshots, BatchOptions{
		ParallelWorkers: 2,
		Progress:        func() { progressed++ },
	})
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Submitted)
	assert.Equal(t, 1, stats.AutoApplied)
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 1, stats.Skipped)
	assert.Zero(t, stats.Failed)
	assert.Equal(t, 3, progressed)
}

func TestClassify_RetriesVersionConflict(t *testing.T) {
	var racing *testutil.RacingStorage
	h := newHarnessWith(t, DefaultConfig(), func(inner service.Storage) service.Storage {
		racing = testutil.NewRacingStorage(inner, 1)
		return racing
	})
	h.llm.Then(model.PhaseFamily, testutil.Answer("50", 0.9, "raw material for production"))
	h.llm.Then(model.PhaseSubfamily, testutil.Answer("502", 0.85, "purchases"))
	h.llm.Then(model.PhaseAccount, testutil.Answer("502.01", 0.8, "walnuts are a raw material"))

	res, err := h.clf.Classify(context.Background(), testutil.NuezSnapshot("doc-a"))
	require.NoError(t, err)
	require.NotNil(t, res.Record)
	assert.Equal(t, 2, racing.Transactions())

	rec := h.db.MustGetRecord("doc-a")
	assert.Equal(t, model.StatusPending, rec.Status)
	assert.Equal(t, "502.01", rec.AccountCode)
	assert.Equal(t, 2, rec.Version, "only the retried write landed")
	assert.Len(t, h.llm.Prompts(model.PhaseAccount), 1, "the funnel is not rerun on conflict")
}
