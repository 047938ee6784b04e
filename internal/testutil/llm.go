package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/Veraticus/the-books-must-balance/internal/llm"
	"github.com/Veraticus/the-books-must-balance/internal/model"
)

// Reply is one scripted answer of the mock classification service.
type Reply struct {
	Err  error
	Text string
}

// Answer builds a well-formed phase answer.
func Answer(code string, confidence float64, short string) Reply {
	return Reply{Text: fmt.Sprintf(
		`{"code":%q,"confidence":%g,"explanation_short":%q,"explanation_detail":""}`,
		code, confidence, short)}
}

// MockLLM is a scripted llm.Client. It recognizes the phase from the prompt
// and answers from a per-phase queue, falling back to a per-phase default.
type MockLLM struct {
	queued   map[model.Phase][]Reply
	defaults map[model.Phase]Reply
	calls    map[model.Phase]int
	prompts  map[model.Phase][]string
	mu       sync.Mutex
}

// NewMockLLM creates an empty mock. Unscripted calls fail permanently.
func NewMockLLM() *MockLLM {
	return &MockLLM{
		queued:   make(map[model.Phase][]Reply),
		defaults: make(map[model.Phase]Reply),
		calls:    make(map[model.Phase]int),
		prompts:  make(map[model.Phase][]string),
	}
}

// Then queues replies for phase, consumed in order.
func (m *MockLLM) Then(phase model.Phase, replies ...Reply) *MockLLM {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued[phase] = append(m.queued[phase], replies...)
	return m
}

// Always sets the reply used once the queue for phase is empty.
func (m *MockLLM) Always(phase model.Phase, reply Reply) *MockLLM {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaults[phase] = reply
	return m
}

// Generate implements llm.Client.
func (m *MockLLM) Generate(ctx context.Context, req llm.Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	phase := detectPhase(req.Prompt)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[phase]++
	m.prompts[phase] = append(m.prompts[phase], req.Prompt)

	if queue := m.queued[phase]; len(queue) > 0 {
		m.queued[phase] = queue[1:]
		return queue[0].Text, queue[0].Err
	}
	if reply, ok := m.defaults[phase]; ok {
		return reply.Text, reply.Err
	}
	return "", fmt.Errorf("unscripted %s call", phase)
}

// Calls returns how many times phase was requested.
func (m *MockLLM) Calls(phase model.Phase) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[phase]
}

// TotalCalls returns the number of requests across phases.
func (m *MockLLM) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.calls {
		total += n
	}
	return total
}

// Prompts returns the prompts sent for phase, oldest first.
func (m *MockLLM) Prompts(phase model.Phase) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts[phase]...)
}

func detectPhase(prompt string) model.Phase {
	switch {
	case strings.Contains(prompt, "Choose exactly one account"):
		return model.PhaseAccount
	case strings.Contains(prompt, "Choose the subfamily"):
		return model.PhaseSubfamily
	default:
		return model.PhaseFamily
	}
}
