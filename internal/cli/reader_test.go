package cli

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNonBlockingReader_ReadLine(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{name: "single line", input: "confirm\n", want: []string{"confirm"}},
		{name: "whitespace trimmed", input: "  614.02  \n", want: []string{"614.02"}},
		{name: "last line without newline", input: "c\nx", want: []string{"c", "x"}},
		{name: "empty input", input: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewNonBlockingReader(strings.NewReader(tt.input))
			for _, want := range tt.want {
				got, err := r.ReadLine(context.Background())
				require.NoError(t, err)
				assert.Equal(t, want, got)
			}
			_, err := r.ReadLine(context.Background())
			assert.ErrorIs(t, err, io.EOF)
		})
	}
}

func TestNonBlockingReader_Cancellation(t *testing.T) {
	t.Run("already canceled", func(t *testing.T) {
		r := NewNonBlockingReader(strings.NewReader("c\n"))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := r.ReadLine(ctx)
		assert.ErrorIs(t, err, ErrInputCancelled)
	})

	t.Run("canceled while waiting", func(t *testing.T) {
		pr, pw := io.Pipe()
		defer func() { _ = pr.Close() }()
		defer func() { _ = pw.Close() }()

		r := NewNonBlockingReader(pr)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := r.ReadLine(ctx)
		assert.ErrorIs(t, err, ErrInputCancelled)
	})
}
