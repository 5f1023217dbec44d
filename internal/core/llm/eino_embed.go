package llm

import (
	"context"
	"fmt"
	"time"

	openaiEmbed "github.com/cloudwego/eino-ext/components/embedding/openai"
	"github.com/cloudwego/eino/components/embedding"

	"github.com/markdave123-py/Medico/internal/core"
)

const (
	// OllamaBaseURL is the OpenAI compatible endpoint of a local Ollama daemon.
	OllamaBaseURL = "http://localhost:11434/v1"
	// MiniLMModel is the Ollama tag for sentence-transformers/all-MiniLM-L6-v2.
	MiniLMModel = "all-minilm"
)

// EmbedderConfig describes an OpenAI compatible embeddings endpoint. Ollama,
// OpenAI and most hosted gateways speak the same /embeddings protocol.
type EmbedderConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Dim     int
	Timeout time.Duration
	// SendDimensions asks the server to truncate vectors to Dim. Ollama ignores it.
	SendDimensions bool
}

// EinoEmbedder adapts an eino embedding component to core.EmbeddingProvider.
type EinoEmbedder struct {
	emb  embedding.Embedder
	name string
	dim  int
}

var _ core.EmbeddingProvider = (*EinoEmbedder)(nil)

func NewEinoEmbedder(emb embedding.Embedder, name string, dim int) *EinoEmbedder {
	return &EinoEmbedder{emb: emb, name: name, dim: dim}
}

// NewOpenAIEmbedder connects to an OpenAI compatible embeddings endpoint. With the
// defaults it talks to a local Ollama serving all-minilm (384 dimensions).
func NewOpenAIEmbedder(ctx context.Context, cfg EmbedderConfig) (*EinoEmbedder, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = OllamaBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = MiniLMModel
	}
	if cfg.APIKey == "" {
		// ollama accepts any bearer token but the client insists on one
		cfg.APIKey = "ollama"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	ec := &openaiEmbed.EmbeddingConfig{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		Model:   cfg.Model,
		Timeout: cfg.Timeout,
	}
	if cfg.SendDimensions {
		dim := cfg.Dim
		ec.Dimensions = &dim
	}
	em, err := openaiEmbed.NewEmbedder(ctx, ec)
	if err != nil {
		return nil, fmt.Errorf("embedder %s: %w", cfg.Model, err)
	}
	return NewEinoEmbedder(em, cfg.Model, cfg.Dim), nil
}

func (e *EinoEmbedder) Dimension() int { return e.dim }

func (e *EinoEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := e.emb.EmbedStrings(ctx, texts)
	if err != nil {
		return nil, core.NewExternalError("embed "+e.name, err)
	}
	if len(vecs) != len(texts) {
		return nil, core.NewExternalError("embed "+e.name,
			fmt.Errorf("got %d vectors for %d texts", len(vecs), len(texts)))
	}

	out := make([][]float32, len(vecs))
	for i, v := range vecs {
		if len(v) != e.dim {
			return nil, core.NewExternalError("embed "+e.name,
				fmt.Errorf("dimension mismatch: got %d want %d", len(v), e.dim))
		}
		f := make([]float32, len(v))
		for j, x := range v {
			f[j] = float32(x)
		}
		out[i] = f
	}
	return out, nil
}
