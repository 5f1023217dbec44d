package core

import (
	"context"

	"github.com/markdave123-py/Medico/internal/models"
)

// EmbeddingProvider turns text into fixed size vectors. Same text, same vector.
type EmbeddingProvider interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// PromptMessage is one turn handed to a completion engine.
type PromptMessage struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
}

// CompletionOptions overrides engine defaults when the fields are non-zero.
type CompletionOptions struct {
	Temperature float64
	MaxTokens   int
}

// CompletionStream yields text fragments in generation order and io.EOF once the
// model is done. It cannot be restarted.
type CompletionStream interface {
	Recv() (string, error)
	Close() error
}

// CompletionEngine wraps a remote language model. Failures come back as
// *ExternalServiceError and are never retried here.
type CompletionEngine interface {
	Complete(ctx context.Context, messages []PromptMessage, opts CompletionOptions) (string, error)
	CompleteStream(ctx context.Context, messages []PromptMessage, opts CompletionOptions) (CompletionStream, error)
}
