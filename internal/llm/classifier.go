package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Veraticus/the-books-must-balance/internal/common"
	"github.com/Veraticus/the-books-must-balance/internal/model"
	"github.com/Veraticus/the-books-must-balance/internal/service"
)

// DefaultCallTimeout bounds a single external call.
const DefaultCallTimeout = 30 * time.Second

// ClassifierOptions tunes the phase classifier.
type ClassifierOptions struct {
	Retry       service.RetryOptions
	CallTimeout time.Duration
	RateLimit   int
	MaxTokens   int
}

// PhaseClassifier asks the model for one funnel phase at a time.
type PhaseClassifier struct {
	client      Client
	prompts     *PromptBuilder
	limiter     *rateLimiter
	logger      *slog.Logger
	system      string
	retryOpts   service.RetryOptions
	callTimeout time.Duration
	maxTokens   int
}

// NewPhaseClassifier creates a phase classifier.
func NewPhaseClassifier(client Client, prompts *PromptBuilder, opts ClassifierOptions, logger *slog.Logger) (*PhaseClassifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	system, err := prompts.System()
	if err != nil {
		return nil, err
	}

	retryOpts := opts.Retry
	if retryOpts.MaxAttempts == 0 {
		retryOpts = service.DefaultRetryOptions()
	}
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	return &PhaseClassifier{
		client:      client,
		prompts:     prompts,
		limiter:     newRateLimiter(opts.RateLimit),
		logger:      logger,
		system:      system,
		retryOpts:   retryOpts,
		callTimeout: timeout,
		maxTokens:   opts.MaxTokens,
	}, nil
}

// Classify runs one phase. Transient failures are retried with backoff and
// surface as common.ErrExternalService once exhausted. A malformed answer is
// retried once with stricter instructions before common.ErrMalformedResponse
// is returned.
func (c *PhaseClassifier) Classify(ctx context.Context, phase model.Phase, data PromptData) (model.PhaseResult, error) {
	result, err := c.attempt(ctx, phase, data, false)
	if err == nil || !errors.Is(err, common.ErrMalformedResponse) {
		return result, err
	}

	c.logger.Warn("Malformed classification response, retrying with strict instructions",
		"record_id", data.Snapshot.RecordID,
		"phase", phase,
		"error", err)

	return c.attempt(ctx, phase, data, true)
}

func (c *PhaseClassifier) attempt(ctx context.Context, phase model.Phase, data PromptData, strict bool) (model.PhaseResult, error) {
	prompt, err := c.prompts.Build(phase, data, strict)
	if err != nil {
		return model.PhaseResult{}, err
	}

	var raw string
	err = common.WithRetry(ctx, func() error {
		if err := c.limiter.wait(ctx); err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		defer cancel()

		out, err := c.client.Generate(callCtx, Request{
			System:    c.system,
			Prompt:    prompt,
			MaxTokens: c.maxTokens,
		})
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return common.Retryable(fmt.Errorf("%w: call timed out after %s", common.ErrExternalService, c.callTimeout))
			}
			return err
		}
		raw = out
		return nil
	}, c.retryOpts)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return model.PhaseResult{}, ctxErr
		}
		if errors.Is(err, common.ErrMalformedResponse) {
			return model.PhaseResult{}, err
		}
		if !errors.Is(err, common.ErrExternalService) {
			err = fmt.Errorf("%w: %w", common.ErrExternalService, err)
		}
		return model.PhaseResult{}, err
	}

	return ParsePhaseResponse(raw, phase)
}
