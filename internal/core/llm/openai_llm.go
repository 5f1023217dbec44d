package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	openaiModel "github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/markdave123-py/Medico/internal/core"
	"github.com/markdave123-py/Medico/internal/models"
)

// OpenAIEngine talks to any OpenAI compatible chat completion endpoint (Groq by
// default) through an eino chat model.
type OpenAIEngine struct {
	cm       model.BaseChatModel
	defaults core.CompletionOptions
}

var _ core.CompletionEngine = (*OpenAIEngine)(nil)

type OpenAIConfig struct {
	APIKey   string
	BaseURL  string
	Model    string
	Timeout  time.Duration
	Defaults core.CompletionOptions
}

func NewOpenAIEngine(ctx context.Context, cfg OpenAIConfig) (*OpenAIEngine, error) {
	if cfg.APIKey == "" || cfg.Model == "" {
		return nil, fmt.Errorf("openai engine missing apiKey/model")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	cm, err := openaiModel.NewChatModel(ctx, &openaiModel.ChatModelConfig{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		Model:   cfg.Model,
		Timeout: cfg.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return NewOpenAIEngineFromModel(cm, cfg.Defaults), nil
}

// NewOpenAIEngineFromModel wraps an already built chat model.
func NewOpenAIEngineFromModel(cm model.BaseChatModel, defaults core.CompletionOptions) *OpenAIEngine {
	return &OpenAIEngine{cm: cm, defaults: defaults}
}

func (e *OpenAIEngine) Complete(ctx context.Context, messages []core.PromptMessage, opts core.CompletionOptions) (string, error) {
	out, err := e.cm.Generate(ctx, toSchema(messages), e.callOptions(opts)...)
	if err != nil {
		return "", core.NewExternalError("chat completion", err)
	}
	if out == nil {
		return "", nil
	}
	return out.Content, nil
}

func (e *OpenAIEngine) CompleteStream(ctx context.Context, messages []core.PromptMessage, opts core.CompletionOptions) (core.CompletionStream, error) {
	sr, err := e.cm.Stream(ctx, toSchema(messages), e.callOptions(opts)...)
	if err != nil {
		return nil, core.NewExternalError("chat completion stream", err)
	}
	return &openAIStream{sr: sr}, nil
}

func (e *OpenAIEngine) callOptions(opts core.CompletionOptions) []model.Option {
	opts = mergeOptions(opts, e.defaults)
	var out []model.Option
	if opts.Temperature > 0 {
		out = append(out, model.WithTemperature(float32(opts.Temperature)))
	}
	if opts.MaxTokens > 0 {
		out = append(out, model.WithMaxTokens(opts.MaxTokens))
	}
	return out
}

func toSchema(messages []core.PromptMessage) []*schema.Message {
	out := make([]*schema.Message, 0, len(messages))
	for _, m := range messages {
		role := schema.User
		switch m.Role {
		case models.RoleSystem:
			role = schema.System
		case models.RoleAssistant:
			role = schema.Assistant
		}
		out = append(out, &schema.Message{Role: role, Content: m.Content})
	}
	return out
}

type openAIStream struct {
	sr *schema.StreamReader[*schema.Message]
}

func (s *openAIStream) Recv() (string, error) {
	for {
		chunk, err := s.sr.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", core.NewExternalError("chat completion stream", err)
		}
		if chunk != nil && chunk.Content != "" {
			return chunk.Content, nil
		}
	}
}

func (s *openAIStream) Close() error {
	s.sr.Close()
	return nil
}
