package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/markdave123-py/Medico/internal/core"
	"github.com/markdave123-py/Medico/internal/models"
)

// GeminiEngine implements core.CompletionEngine on top of a Gemini chat session.
// System messages are merged into the system instruction, the last message must
// come from the user.
type GeminiEngine struct {
	client    *genai.Client
	modelName string
	defaults  core.CompletionOptions
}

var _ core.CompletionEngine = (*GeminiEngine)(nil)

func NewGeminiEngine(ctx context.Context, apiKey, modelName string, defaults core.CompletionOptions) (*GeminiEngine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini engine: api key is empty")
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	if modelName == "" {
		modelName = "gemini-1.5-flash"
	}
	return &GeminiEngine{client: cl, modelName: modelName, defaults: defaults}, nil
}

func (g *GeminiEngine) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

func (g *GeminiEngine) Complete(ctx context.Context, messages []core.PromptMessage, opts core.CompletionOptions) (string, error) {
	cs, last, err := g.chat(messages, opts)
	if err != nil {
		return "", err
	}
	resp, err := cs.SendMessage(ctx, genai.Text(last))
	if err != nil {
		return "", core.NewExternalError("gemini generate", err)
	}
	return responseText(resp), nil
}

func (g *GeminiEngine) CompleteStream(ctx context.Context, messages []core.PromptMessage, opts core.CompletionOptions) (core.CompletionStream, error) {
	cs, last, err := g.chat(messages, opts)
	if err != nil {
		return nil, err
	}
	return &geminiStream{it: cs.SendMessageStream(ctx, genai.Text(last))}, nil
}

func (g *GeminiEngine) chat(messages []core.PromptMessage, opts core.CompletionOptions) (*genai.ChatSession, string, error) {
	if len(messages) == 0 || messages[len(messages)-1].Role != models.RoleUser {
		return nil, "", core.NewExternalError("gemini generate", errors.New("conversation must end with a user message"))
	}
	opts = mergeOptions(opts, g.defaults)

	m := g.client.GenerativeModel(g.modelName)
	m.SetTemperature(float32(opts.Temperature))
	m.SetMaxOutputTokens(int32(opts.MaxTokens))

	var system []string
	cs := m.StartChat()
	for _, msg := range messages[:len(messages)-1] {
		switch msg.Role {
		case models.RoleSystem:
			system = append(system, msg.Content)
		case models.RoleAssistant:
			cs.History = append(cs.History, &genai.Content{Role: "model", Parts: []genai.Part{genai.Text(msg.Content)}})
		default:
			cs.History = append(cs.History, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(msg.Content)}})
		}
	}
	if len(system) > 0 {
		m.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(strings.Join(system, "\n\n"))},
		}
	}
	return cs, messages[len(messages)-1].Content, nil
}

type geminiStream struct {
	it *genai.GenerateContentResponseIterator
}

func (s *geminiStream) Recv() (string, error) {
	for {
		resp, err := s.it.Next()
		if errors.Is(err, iterator.Done) {
			return "", io.EOF
		}
		if err != nil {
			return "", core.NewExternalError("gemini stream", err)
		}
		if text := responseText(resp); text != "" {
			return text, nil
		}
	}
}

func (s *geminiStream) Close() error { return nil }

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String()
}

func mergeOptions(opts, defaults core.CompletionOptions) core.CompletionOptions {
	if opts.Temperature == 0 {
		opts.Temperature = defaults.Temperature
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = defaults.MaxTokens
	}
	return opts
}
