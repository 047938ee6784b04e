package llm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Veraticus/the-books-must-balance/internal/common"
	"github.com/Veraticus/the-books-must-balance/internal/model"
	"github.com/Veraticus/the-books-must-balance/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedReply struct {
	err  error
	text string
}

type scriptedClient struct {
	replies []scriptedReply
	prompts []string
	mu      sync.Mutex
}

func (s *scriptedClient) Generate(_ context.Context, req Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, req.Prompt)
	if len(s.replies) == 0 {
		return "", common.Permanent(common.ErrExternalService)
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r.text, r.err
}

func newTestClassifier(t *testing.T, client Client) *PhaseClassifier {
	t.Helper()
	pb, err := NewPromptBuilder()
	require.NoError(t, err)
	c, err := NewPhaseClassifier(client, pb, ClassifierOptions{
		Retry: service.RetryOptions{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
			Multiplier:   2,
		},
		RateLimit: 6000,
	}, nil)
	require.NoError(t, err)
	return c
}

const goodFamily = `{"code":"50","confidence":0.8,"explanation_short":"ingredient"}`

func TestPhaseClassifier_Success(t *testing.T) {
	client := &scriptedClient{replies: []scriptedReply{{text: goodFamily}}}
	c := newTestClassifier(t, client)

	res, err := c.Classify(context.Background(), model.PhaseFamily, PromptData{Snapshot: testSnapshot()})
	require.NoError(t, err)
	assert.Equal(t, "50", res.Code)
	assert.Len(t, client.prompts, 1)
}

func TestPhaseClassifier_TransientErrorsRetried(t *testing.T) {
	client := &scriptedClient{replies: []scriptedReply{
		{err: common.Retryable(common.ErrExternalService)},
		{err: common.ErrRateLimit},
		{text: goodFamily},
	}}
	c := newTestClassifier(t, client)

	res, err := c.Classify(context.Background(), model.PhaseFamily, PromptData{Snapshot: testSnapshot()})
	require.NoError(t, err)
	assert.Equal(t, "50", res.Code)
	assert.Len(t, client.prompts, 3)
}

func TestPhaseClassifier_ExhaustedIsExternalServiceError(t *testing.T) {
	client := &scriptedClient{replies: []scriptedReply{
		{err: common.Retryable(common.ErrExternalService)},
		{err: common.Retryable(common.ErrExternalService)},
		{err: common.Retryable(common.ErrExternalService)},
	}}
	c := newTestClassifier(t, client)

	_, err := c.Classify(context.Background(), model.PhaseFamily, PromptData{Snapshot: testSnapshot()})
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrExternalService)
	assert.ErrorIs(t, err, common.ErrMaxRetries)
	assert.Len(t, client.prompts, 3)
}

func TestPhaseClassifier_MalformedRetriedOnceStrict(t *testing.T) {
	client := &scriptedClient{replies: []scriptedReply{
		{text: `{"code":"50","confidence":7,"explanation_short":"x"}`},
		{text: goodFamily},
	}}
	c := newTestClassifier(t, client)

	res, err := c.Classify(context.Background(), model.PhaseFamily, PromptData{Snapshot: testSnapshot()})
	require.NoError(t, err)
	assert.Equal(t, "50", res.Code)
	require.Len(t, client.prompts, 2)
	assert.NotContains(t, client.prompts[0], "could not be parsed")
	assert.Contains(t, client.prompts[1], "could not be parsed")
}

func TestPhaseClassifier_MalformedTwice(t *testing.T) {
	client := &scriptedClient{replies: []scriptedReply{
		{text: "sixty"},
		{text: "still sixty"},
	}}
	c := newTestClassifier(t, client)

	_, err := c.Classify(context.Background(), model.PhaseFamily, PromptData{Snapshot: testSnapshot()})
	assert.ErrorIs(t, err, common.ErrMalformedResponse)
	assert.Len(t, client.prompts, 2)
}

func TestRateLimiter(t *testing.T) {
	rl := newRateLimiter(2)
	now := time.Now()
	rl.now = func() time.Time { return now }
	rl.lastRefill = now

	assert.Zero(t, rl.reserve())
	assert.Zero(t, rl.reserve())
	assert.Equal(t, 30*time.Second, rl.reserve())

	now = now.Add(30 * time.Second)
	assert.Zero(t, rl.reserve())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, rl.wait(ctx), context.Canceled)
}
