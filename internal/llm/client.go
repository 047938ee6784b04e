package llm

import (
	"context"
	"time"
)

// Client defines the interface for LLM providers.
type Client interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Request is one completion request.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int
}

// Config configures a provider client.
type Config struct {
	Provider    string
	APIKey      string
	Model       string
	BaseURL     string
	MaxRetries  int
	RetryDelay  time.Duration
	Timeout     time.Duration
	RateLimit   int
	Temperature float64
	MaxTokens   int
}
