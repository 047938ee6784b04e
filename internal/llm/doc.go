// Package llm provides language model clients for account classification.
// It supports OpenAI and Anthropic over HTTP, renders versioned prompt templates,
// and validates every response into a strict per-phase result with retry logic
// and rate limiting.
package llm
