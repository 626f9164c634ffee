package model

import (
	"context"
	"errors"

	"github.com/stupiduntilnot/sigmoyd/internal/prompt"
)

// CompletionResponse is the common response model for model providers.
type CompletionResponse struct {
	Content      string
	InputTokens  int
	OutputTokens int
}

// Provider is the completion service abstraction used by the relay.
type Provider interface {
	ChatCompletion(ctx context.Context, messages []prompt.Message) (CompletionResponse, error)
}

// ErrEmptyResponse is returned when the provider answers without any text.
var ErrEmptyResponse = errors.New("empty model response")
