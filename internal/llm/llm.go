// Package llm wraps remote text-generation providers behind a single
// send-text, receive-text capability.
package llm

import (
	"context"
	"errors"
	"io"
)

// Request is one system+user exchange with sampling knobs.
type Request struct {
	System      string
	User        string
	Temperature float32
	MaxTokens   int
}

// Generator returns the model's raw text reply to a request.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// ErrEmptyResponse is returned when a provider answers without any text.
var ErrEmptyResponse = errors.New("llm: empty response")

// Close releases gen when it holds a client connection.
func Close(gen Generator) error {
	if c, ok := gen.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
