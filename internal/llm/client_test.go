package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Veraticus/the-books-must-balance/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIClient_Generate(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"code\":\"60\"}"},"index":0}]}`))
	}))
	defer server.Close()

	client, err := NewClient(Config{Provider: "openai", APIKey: "sk-test", BaseURL: server.URL})
	require.NoError(t, err)

	out, err := client.Generate(context.Background(), Request{System: "sys", Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, `{"code":"60"}`, out)

	messages, ok := captured["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, messages, 2)
	assert.Equal(t, "gpt-4o-mini", captured["model"])
}

func TestAnthropicClient_Generate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "sys", body["system"])

		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"{\"code\":"},{"type":"text","text":"\"50\"}"}]}`))
	}))
	defer server.Close()

	client, err := NewClient(Config{Provider: "anthropic", APIKey: "key", BaseURL: server.URL})
	require.NoError(t, err)

	out, err := client.Generate(context.Background(), Request{System: "sys", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, `{"code":"50"}`, out)
}

func TestClient_StatusHandling(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantRetryable bool
		wantRateLimit bool
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, wantRetryable: true, wantRateLimit: true},
		{name: "server error", status: http.StatusBadGateway, wantRetryable: true},
		{name: "bad request", status: http.StatusBadRequest, wantRetryable: false},
		{name: "unauthorized", status: http.StatusUnauthorized, wantRetryable: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"nope"}`))
			}))
			defer server.Close()

			client, err := NewClient(Config{Provider: "openai", APIKey: "k", BaseURL: server.URL})
			require.NoError(t, err)

			_, err = client.Generate(context.Background(), Request{Prompt: "x"})
			require.Error(t, err)
			assert.Equal(t, tt.wantRetryable, common.IsRetryable(err))
			assert.Equal(t, tt.wantRateLimit, errors.Is(err, common.ErrRateLimit))
			assert.Equal(t, !tt.wantRateLimit, errors.Is(err, common.ErrExternalService))
		})
	}
}

func TestClient_RateLimitRetryAfter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client, err := NewClient(Config{Provider: "anthropic", APIKey: "k", BaseURL: server.URL})
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), Request{Prompt: "x"})
	var rl *common.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 7*time.Second, rl.RetryAfter)
}

func TestRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, retryAfter("3"))
	assert.Equal(t, time.Duration(0), retryAfter(""))
	assert.Equal(t, time.Duration(0), retryAfter("Wed, 21 Oct 2026 07:28:00 GMT"))
	assert.Equal(t, time.Duration(0), retryAfter("-1"))
}

func TestNewClient_Errors(t *testing.T) {
	_, err := NewClient(Config{Provider: "cohere", APIKey: "k"})
	assert.ErrorIs(t, err, common.ErrInvalidConfig)

	_, err = NewClient(Config{Provider: "openai"})
	assert.ErrorIs(t, err, common.ErrMissingConfig)

	_, err = NewClient(Config{Provider: "Anthropic"})
	assert.ErrorIs(t, err, common.ErrMissingConfig)
}
