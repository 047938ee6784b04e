package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Veraticus/the-books-must-balance/internal/catalog"
	"github.com/Veraticus/the-books-must-balance/internal/common"
	"github.com/Veraticus/the-books-must-balance/internal/llm"
	"github.com/Veraticus/the-books-must-balance/internal/memory"
	"github.com/Veraticus/the-books-must-balance/internal/model"
	"github.com/Veraticus/the-books-must-balance/internal/retrieval"
)

// outcome is what the funnel decided for a record, before persistence.
type outcome struct {
	status       model.RecordStatus
	family       string
	subfamily    string
	account      string
	failurePhase model.Phase
	source       model.ResultSource
	notes        []string
	confidences  []float64
	ceiling      float64
}

func (o *outcome) note(s string) {
	if s != "" {
		o.notes = append(o.notes, s)
	}
}

func (o *outcome) accept(r model.PhaseResult) {
	o.confidences = append(o.confidences, r.Confidence)
	o.note(fmt.Sprintf("%s %s: %s", r.Phase, r.Code, r.Short))
}

// confidence is the weakest phase confidence; an unfinished funnel has none.
func (o *outcome) confidence() float64 {
	if len(o.confidences) == 0 || o.account == "" {
		return 0
	}
	lowest := o.confidences[0]
	for _, c := range o.confidences[1:] {
		lowest = min(lowest, c)
	}
	if o.ceiling > 0 {
		lowest = min(lowest, o.ceiling)
	}
	return lowest
}

func (o *outcome) explanation() string {
	return strings.Join(o.notes, "; ")
}

// funnelState carries the per-record context shared by the phases.
type funnelState struct {
	data    llm.PromptData
	entries []model.CorrectionEntry
	work    model.Snapshot
}

// run executes the funnel and returns the outcome to persist. Only context
// errors are returned; every other failure is folded into the outcome.
func (c *HierarchicalClassifier) run(ctx context.Context, snap model.Snapshot) (*outcome, error) {
	work, mixed := snap.Dominant()
	out := &outcome{status: model.StatusPending, source: model.SourceLLM}

	state := &funnelState{work: work}
	state.data = llm.PromptData{Snapshot: work, Mixed: mixed}

	profile, err := c.profiles.Resolve(ctx, snap.OrganizationID)
	if err != nil {
		if ctxErr := contextError(err); ctxErr != nil {
			return nil, ctxErr
		}
		c.logger.Warn("Organization context unavailable, classifying without it",
			"record_id", snap.RecordID,
			"organization_id", snap.OrganizationID,
			"error", err)
	}
	state.data.Profile = profile
	if t, ok := profile.TreatmentFor(work.CounterpartyKey); ok {
		state.data.Treatment = &t
	}

	state.entries, err = c.memory.Lookup(ctx, snap.OrganizationID, work.CounterpartyKey, work.SecondaryKey)
	if err != nil {
		if ctxErr := contextError(err); ctxErr != nil {
			return nil, ctxErr
		}
		c.logger.Warn("Correction memory unavailable, classifying without it",
			"record_id", snap.RecordID,
			"error", err)
	}

	if c.config.MemoryMode == MemoryPreFunnel {
		decision := c.memory.Decide(state.entries, "")
		if c.applyMemory(snap.RecordID, decision, out, nil) {
			return c.finish(out, mixed), nil
		}
		state.data.Hints = decision.Hints
	}

	if err := c.runFamily(ctx, snap.RecordID, state, out); err != nil {
		return nil, err
	}
	if out.status != model.StatusPending {
		return c.finish(out, mixed), nil
	}

	if err := c.runSubfamily(ctx, snap.RecordID, state, out); err != nil {
		return nil, err
	}
	if out.status != model.StatusPending {
		return c.finish(out, mixed), nil
	}

	if c.config.MemoryMode == MemoryAccount {
		decision := c.memory.Decide(state.entries, out.subfamily)
		if c.applyMemory(snap.RecordID, decision, out, out.confidences) {
			return c.finish(out, mixed), nil
		}
		state.data.Hints = decision.Hints
	}

	if err := c.runAccount(ctx, snap.RecordID, state, out); err != nil {
		return nil, err
	}
	return c.finish(out, mixed), nil
}

// applyMemory turns an apply decision into the outcome. It reports false when
// the decision is not to apply or its code no longer resolves in the catalog.
func (c *HierarchicalClassifier) applyMemory(recordID string, d memory.Decision, out *outcome, prior []float64) bool {
	if d.Action != memory.ActionApply {
		return false
	}
	family, subfamily, account, err := c.catalog.Ancestry(d.Code)
	if err != nil || account == "" {
		c.logger.Warn("Learned code is not an account in the catalog, ignoring it",
			"record_id", recordID,
			"code", d.Code)
		return false
	}

	out.family, out.subfamily, out.account = family, subfamily, account
	out.source = model.SourceMemory
	out.confidences = append(append([]float64(nil), prior...), d.Confidence)
	out.notes = []string{d.Explanation}
	c.logger.Debug("Applied learned correction",
		"record_id", recordID,
		"code", d.Code,
		"count", d.Count)
	return true
}

// finish applies the confidence policy to a completed funnel.
func (c *HierarchicalClassifier) finish(out *outcome, mixed bool) *outcome {
	if mixed {
		out.ceiling = c.config.MixedConfidenceCap
		out.note("mixed document")
	}
	if out.status == model.StatusPending && out.confidence() < c.config.LowConfidence {
		out.status = model.StatusNeedsReview
		out.note(fmt.Sprintf("confidence below %.2f", c.config.LowConfidence))
	}
	return out
}

func (c *HierarchicalClassifier) runFamily(ctx context.Context, recordID string, state *funnelState, out *outcome) error {
	families := c.catalog.Families()
	data := state.data
	data.Options = toOptions(families)

	res, err := c.askChecked(ctx, recordID, model.PhaseFamily, data, "", codesOf(families))
	if err != nil {
		return c.escalate(recordID, model.PhaseFamily, out, err)
	}
	out.family = res.Code
	out.accept(res)
	return nil
}

func (c *HierarchicalClassifier) runSubfamily(ctx context.Context, recordID string, state *funnelState, out *outcome) error {
	family, _ := c.catalog.Lookup(out.family)
	children := c.catalog.Children(out.family)
	data := state.data
	data.Family = &llm.Option{Code: family.Code, Name: family.Name}
	data.Options = toOptions(children)

	res, err := c.askChecked(ctx, recordID, model.PhaseSubfamily, data, out.family, codesOf(children))
	if err != nil {
		return c.escalate(recordID, model.PhaseSubfamily, out, err)
	}
	out.subfamily = res.Code
	out.accept(res)
	return nil
}

// runAccount retrieves candidates under the subfamily and asks for one of
// them. A request to broaden, or an answer outside the candidates, triggers
// one retry over the whole family with a doubled candidate set.
func (c *HierarchicalClassifier) runAccount(ctx context.Context, recordID string, state *funnelState, out *outcome) error {
	family, _ := c.catalog.Lookup(out.family)
	subfamily, _ := c.catalog.Lookup(out.subfamily)
	data := state.data
	data.Family = &llm.Option{Code: family.Code, Name: family.Name}
	data.Subfamily = &llm.Option{Code: subfamily.Code, Name: subfamily.Name}

	candidates, err := c.candidates(ctx, recordID, state.work, out.subfamily, c.config.TopK)
	if err != nil {
		return c.escalate(recordID, model.PhaseCandidates, out, err)
	}

	var res model.PhaseResult
	if len(candidates) > 0 {
		data.Candidates = candidates
		data.AllowBroaden = true
		res, err = c.ask(ctx, recordID, model.PhaseAccount, data)
		if err != nil {
			return c.escalate(recordID, model.PhaseAccount, out, err)
		}
		if res.Code != llm.BroadenCode {
			err = c.guard.CheckPhase(res, out.subfamily, candidates.Codes())
			if err == nil {
				out.account = res.Code
				out.accept(res)
				return nil
			}
			c.logger.Warn("Account answer rejected, broadening",
				"record_id", recordID,
				"phase", model.PhaseAccount,
				"code", res.Code,
				"error", err)
		}
	}

	broadTopK := retrieval.BroadenedTopK(c.config.TopK)
	candidates, err = c.candidates(ctx, recordID, state.work, out.family, broadTopK)
	if err != nil {
		return c.escalate(recordID, model.PhaseCandidates, out, err)
	}
	if len(candidates) == 0 {
		return c.escalate(recordID, model.PhaseCandidates, out, common.ErrNoCandidatesFound)
	}

	data.Candidates = candidates
	data.AllowBroaden = false
	res, err = c.ask(ctx, recordID, model.PhaseAccount, data)
	if err == nil {
		err = c.guard.CheckPhase(res, out.family, candidates.Codes())
	}
	if err != nil {
		return c.escalate(recordID, model.PhaseAccount, out, err)
	}

	// The broadened search may settle on another subfamily of the same family.
	_, sub, account, err := c.catalog.Ancestry(res.Code)
	if err != nil || account == "" {
		return c.escalate(recordID, model.PhaseAccount, out, fmt.Errorf("%w: %s is not an account", common.ErrGuardrailViolation, res.Code))
	}
	if sub != out.subfamily {
		out.note(fmt.Sprintf("subfamily revised from %s to %s", out.subfamily, sub))
		out.subfamily = sub
	}
	out.account = account
	out.accept(res)
	return nil
}

// candidates retrieves and boosts accounts under prefix. An empty list is not an error.
func (c *HierarchicalClassifier) candidates(ctx context.Context, recordID string, work model.Snapshot, prefix string, topK int) (model.Candidates, error) {
	start := time.Now()
	defer func() { c.metrics.ObservePhase(model.PhaseCandidates, time.Since(start)) }()

	var found model.Candidates
	err := common.WithRetry(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
		defer cancel()

		var err error
		found, err = c.retriever.Retrieve(callCtx, work.Description, prefix, topK)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return common.Retryable(fmt.Errorf("%w: candidate search timed out", common.ErrExternalService))
		}
		return err
	}, c.config.Retry)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, common.ErrInvalidQuery) || errors.Is(err, common.ErrExternalService) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: candidate search: %w", common.ErrExternalService, err)
	}

	c.retriever.Boost(found, work.SecondaryKey, c.config.SecondaryBoost)
	c.logger.Debug("Candidates retrieved",
		"record_id", recordID,
		"phase", model.PhaseCandidates,
		"prefix", prefix,
		"count", len(found))
	return found, nil
}

// askChecked asks for a phase and checks the answer against the offered
// codes. An inconsistent answer is asked for once more.
func (c *HierarchicalClassifier) askChecked(ctx context.Context, recordID string, phase model.Phase, data llm.PromptData, parent string, offered []string) (model.PhaseResult, error) {
	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		res, err := c.ask(ctx, recordID, phase, data)
		if err != nil {
			return model.PhaseResult{}, err
		}
		if err := c.guard.CheckPhase(res, parent, offered); err != nil {
			lastErr = err
			c.logger.Warn("Phase answer rejected",
				"record_id", recordID,
				"phase", phase,
				"attempt", attempt,
				"code", res.Code,
				"error", err)
			continue
		}
		return res, nil
	}
	return model.PhaseResult{}, lastErr
}

func (c *HierarchicalClassifier) ask(ctx context.Context, recordID string, phase model.Phase, data llm.PromptData) (model.PhaseResult, error) {
	start := time.Now()
	res, err := c.phases.Classify(ctx, phase, data)
	c.metrics.ObservePhase(phase, time.Since(start))
	if err != nil {
		return model.PhaseResult{}, err
	}
	c.logger.Debug("Phase answered",
		"record_id", recordID,
		"phase", phase,
		"code", res.Code,
		"confidence", res.Confidence)
	return res, nil
}

func toOptions(entries []catalog.Entry) []llm.Option {
	options := make([]llm.Option, len(entries))
	for i, e := range entries {
		options[i] = llm.Option{Code: e.Code, Name: e.Name}
	}
	return options
}

func codesOf(entries []catalog.Entry) []string {
	codes := make([]string, len(entries))
	for i, e := range entries {
		codes[i] = e.Code
	}
	return codes
}
