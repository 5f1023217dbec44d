package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		DBDriver:      "postgres",
		DatabaseURL:   "postgres://localhost/medico",
		StorageDriver: "s3",
		LLMProvider:   "openai",
		LLMAPIKey:     "key",
		EmbedProvider: "ollama",
		EmbedDim:      384,
		VectorBackend: "pgvector",
		JWTSecret:     "secret",
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing database url", func(c *Config) { c.DatabaseURL = "" }, "DATABASE_URL"},
		{"pgvector without postgres", func(c *Config) { c.DBDriver = "memory" }, "requires DB_DRIVER=postgres"},
		{"memory everything", func(c *Config) { c.DBDriver, c.VectorBackend, c.StorageDriver = "memory", "memory", "memory" }, ""},
		{"unknown provider", func(c *Config) { c.LLMProvider = "anthropic" }, "LLM_PROVIDER"},
		{"gemini without key", func(c *Config) { c.LLMProvider = "gemini" }, "GEMINI_API_KEY"},
		{"milvus without address", func(c *Config) { c.VectorBackend = "milvus" }, "MILVUS_ADDRESS"},
		{"missing secret", func(c *Config) { c.JWTSecret = "" }, "JWT_SECRET"},
		{"bad dim", func(c *Config) { c.EmbedDim = 0 }, "EMBED_DIM"},
		{"hash embedder", func(c *Config) { c.EmbedProvider = "hash" }, ""},
		{"gemini embedder at 384", func(c *Config) { c.EmbedProvider, c.GeminiAPIKey = "gemini", "k" }, "returns 768 dimensions"},
		{"gemini embedder at 768", func(c *Config) { c.EmbedProvider, c.GeminiAPIKey, c.EmbedDim = "gemini", "k", 768 }, ""},
		{"openai embedder without key", func(c *Config) { c.EmbedProvider, c.EmbedModel = "openai", "text-embedding-3-small" }, "EMBED_API_KEY"},
		{"unknown embedder", func(c *Config) { c.EmbedProvider = "local" }, "EMBED_PROVIDER"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("DB_DRIVER", "Memory")
	t.Setenv("ALLOWED_EXTENSIONS", "PDF, png,,")
	t.Setenv("RETRIEVAL_TOP_K", "7")
	t.Setenv("HISTORY_MESSAGES", "lots")
	t.Setenv("LLM_TEMPERATURE", "0.2")

	cfg := LoadConfig()
	assert.Equal(t, "memory", cfg.DBDriver)
	assert.Equal(t, []string{"pdf", "png"}, cfg.AllowedExtensions)
	assert.Equal(t, 7, cfg.RetrievalTopK)
	assert.Equal(t, 10, cfg.HistoryMessages)
	assert.InDelta(t, 0.2, cfg.Temperature, 1e-9)
	assert.False(t, cfg.IsProduction())
}

func TestEmbedDefaultsFollowProvider(t *testing.T) {
	tests := []struct {
		provider string
		model    string
		dim      int
		baseURL  string
	}{
		{"ollama", "all-minilm", 384, "http://localhost:11434/v1"},
		{"gemini", "text-embedding-004", 768, ""},
		{"openai", "", 384, "https://api.openai.com/v1"},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			t.Setenv("EMBED_PROVIDER", tt.provider)
			cfg := LoadConfig()
			assert.Equal(t, tt.model, cfg.EmbedModel)
			assert.Equal(t, tt.dim, cfg.EmbedDim)
			assert.Equal(t, tt.baseURL, cfg.EmbedBaseURL)
		})
	}
}
