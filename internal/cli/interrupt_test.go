package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInterruptHandler(t *testing.T) {
	tests := []struct {
		name        string
		command     string
		expected    []string
		notExpected []string
	}{
		{
			name:    "resumable command",
			command: "ledger classify-batch --file docs.jsonl",
			expected: []string{
				"Classification interrupted!",
				"Run again with: ledger classify-batch --file docs.jsonl",
			},
		},
		{
			name:        "plain command",
			expected:    []string{"Classification interrupted!"},
			notExpected: []string{"Run again"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var output bytes.Buffer
			handler := NewInterruptHandler(&output)
			ctx := handler.HandleInterrupts(context.Background(), tt.command)

			assert.NoError(t, ctx.Err())
			handler.interrupt()
			handler.interrupt()

			assert.ErrorIs(t, ctx.Err(), context.Canceled)
			assert.True(t, handler.WasInterrupted())
			out := output.String()
			assert.Equal(t, 1, strings.Count(out, "Classification interrupted!"))
			for _, s := range tt.expected {
				assert.Contains(t, out, s)
			}
			for _, s := range tt.notExpected {
				assert.NotContains(t, out, s)
			}
		})
	}
}

func TestInterruptHandler_ParentCancel(t *testing.T) {
	var output bytes.Buffer
	handler := NewInterruptHandler(&output)

	parent, cancel := context.WithCancel(context.Background())
	ctx := handler.HandleInterrupts(parent, "")
	cancel()

	<-ctx.Done()
	assert.False(t, handler.WasInterrupted())
	assert.Empty(t, output.String())
}
