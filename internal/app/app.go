package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/markdave123-py/Medico/internal/api/handlers"
	"github.com/markdave123-py/Medico/internal/config"
	"github.com/markdave123-py/Medico/internal/core"
	"github.com/markdave123-py/Medico/internal/core/conversation"
	db "github.com/markdave123-py/Medico/internal/core/database"
	"github.com/markdave123-py/Medico/internal/core/ingestion_engine"
	"github.com/markdave123-py/Medico/internal/core/llm"
	objectclient "github.com/markdave123-py/Medico/internal/core/object-client"
	"github.com/markdave123-py/Medico/internal/core/vectorindex"
	"github.com/markdave123-py/Medico/internal/services"
)

// Components are the long-lived dependencies shared by the API and the CLIs.
type Components struct {
	DB        core.DbClient
	Objects   core.ObjectClient
	Index     *vectorindex.KnowledgeIndex
	Engine    core.CompletionEngine
	Extractor core.TextExtractor

	closers []func() error
}

// Close releases every component in reverse construction order.
func (c *Components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		_ = c.closers[i]()
	}
}

// NewComponents builds storage, index and engine as selected by cfg. The
// knowledge index collection is created here, once, before anything serves.
func NewComponents(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Components, error) {
	c := &Components{}
	ok := false
	defer func() {
		if !ok {
			c.Close()
		}
	}()

	var sqlClient *db.DatabaseClient
	switch cfg.DBDriver {
	case "memory":
		c.DB = db.NewMemoryClient()
		log.Warn("using in-memory database, data is lost on restart")
	default:
		dbc, err := db.NewDatabaseClient(ctx, cfg, log.Named("database"))
		if err != nil {
			return nil, err
		}
		sqlClient = dbc
		c.DB = dbc
		c.closers = append(c.closers, dbc.Close)
	}
	log.Info("database ready", zap.String("driver", cfg.DBDriver))

	switch cfg.StorageDriver {
	case "memory":
		c.Objects = objectclient.NewMemoryClient()
	default:
		s3c, err := objectclient.NewS3Client(ctx, cfg, log.Named("s3"))
		if err != nil {
			return nil, err
		}
		c.Objects = s3c
	}
	log.Info("object storage ready", zap.String("driver", cfg.StorageDriver))

	embedder, err := newEmbedder(ctx, cfg, c)
	if err != nil {
		return nil, err
	}
	log.Info("embedder ready", zap.String("provider", cfg.EmbedProvider), zap.String("model", cfg.EmbedModel), zap.Int("dim", cfg.EmbedDim))

	store, err := newVectorStore(ctx, cfg, sqlClient, c)
	if err != nil {
		return nil, err
	}
	c.Index = vectorindex.NewKnowledgeIndex(store, embedder, log.Named("knowledge"))
	if err := c.Index.EnsureReady(ctx); err != nil {
		return nil, err
	}

	c.Engine, err = newEngine(ctx, cfg, c)
	if err != nil {
		return nil, err
	}
	log.Info("completion engine ready", zap.String("provider", cfg.LLMProvider), zap.String("model", cfg.GenModel))

	c.Extractor = ingestion_engine.NewDocconvExtractor(false, log.Named("extractor"))

	ok = true
	return c, nil
}

func newEmbedder(ctx context.Context, cfg *config.Config, c *Components) (core.EmbeddingProvider, error) {
	switch cfg.EmbedProvider {
	case "gemini":
		ge, err := llm.NewGeminiEmbedder(ctx, cfg.GeminiAPIKey, cfg.EmbedModel, cfg.EmbedDim)
		if err != nil {
			return nil, fmt.Errorf("couldn't initialize the embedder, %w", err)
		}
		c.closers = append(c.closers, ge.Close)
		return llm.NewCachedEmbedder(ge, time.Duration(cfg.EmbedCacheTTLMins)*time.Minute), nil
	case "openai":
		oe, err := llm.NewOpenAIEmbedder(ctx, llm.EmbedderConfig{
			APIKey:         cfg.EmbedAPIKey,
			BaseURL:        cfg.EmbedBaseURL,
			Model:          cfg.EmbedModel,
			Dim:            cfg.EmbedDim,
			SendDimensions: true,
		})
		if err != nil {
			return nil, err
		}
		return llm.NewCachedEmbedder(oe, time.Duration(cfg.EmbedCacheTTLMins)*time.Minute), nil
	case "hash":
		return llm.NewHashEmbedder(cfg.EmbedDim), nil
	default:
		oe, err := llm.NewOpenAIEmbedder(ctx, llm.EmbedderConfig{
			APIKey:  cfg.EmbedAPIKey,
			BaseURL: cfg.EmbedBaseURL,
			Model:   cfg.EmbedModel,
			Dim:     cfg.EmbedDim,
		})
		if err != nil {
			return nil, err
		}
		return llm.NewCachedEmbedder(oe, time.Duration(cfg.EmbedCacheTTLMins)*time.Minute), nil
	}
}

func newVectorStore(ctx context.Context, cfg *config.Config, sqlClient *db.DatabaseClient, c *Components) (vectorindex.VectorStore, error) {
	switch cfg.VectorBackend {
	case "memory":
		return vectorindex.NewMemoryStore(), nil
	case "milvus":
		ms, err := vectorindex.NewMilvusStore(ctx, vectorindex.MilvusConfig{
			Address:    cfg.MilvusAddress,
			Username:   cfg.MilvusUsername,
			Password:   cfg.MilvusPassword,
			Collection: cfg.VectorCollection,
		})
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, ms.Close)
		return ms, nil
	default:
		if sqlClient == nil {
			return nil, fmt.Errorf("vector backend %q needs the postgres database driver", cfg.VectorBackend)
		}
		return vectorindex.NewPgVectorStore(sqlClient.SQL(), cfg.VectorCollection)
	}
}

func newEngine(ctx context.Context, cfg *config.Config, c *Components) (core.CompletionEngine, error) {
	defaults := core.CompletionOptions{Temperature: cfg.Temperature, MaxTokens: cfg.MaxTokens}
	switch cfg.LLMProvider {
	case "gemini":
		ge, err := llm.NewGeminiEngine(ctx, cfg.GeminiAPIKey, cfg.GenModel, defaults)
		if err != nil {
			return nil, fmt.Errorf("couldn't initialize the completion engine, %w", err)
		}
		c.closers = append(c.closers, ge.Close)
		return ge, nil
	default:
		return llm.NewOpenAIEngine(ctx, llm.OpenAIConfig{
			APIKey:   cfg.LLMAPIKey,
			BaseURL:  cfg.LLMBaseURL,
			Model:    cfg.GenModel,
			Timeout:  time.Duration(cfg.LLMTimeoutSeconds) * time.Second,
			Defaults: defaults,
		})
	}
}

// Services are the application services built on top of the components.
type Services struct {
	Accounts *services.AccountService
	Reports  *services.ReportService
	Chat     *services.ChatService
	Health   map[string]handlers.Pinger
}

func NewServices(cfg *config.Config, c *Components, log *zap.Logger) *Services {
	ingestCfg := ingestion_engine.NewIngestConfig(cfg)
	analyzer := ingestion_engine.NewReportAnalyzer(c.Engine, cfg.AnalysisTemperature, cfg.MaxTokens)
	pipeline := ingestion_engine.NewIngestionPipeline(c.DB, c.Objects, c.Extractor, analyzer, c.Index, ingestCfg, log.Named("ingestion"))

	assembler := conversation.NewContextAssembler(c.DB, c.Index, conversation.AssemblerConfig{
		ReportLimit:     cfg.ReportContextLimit,
		TopK:            cfg.RetrievalTopK,
		HistoryMessages: cfg.HistoryMessages,
	}, log.Named("context"))
	turns := conversation.NewPipeline(c.DB, assembler, c.Engine, conversation.PipelineConfig{
		Completion:    core.CompletionOptions{Temperature: cfg.Temperature, MaxTokens: cfg.MaxTokens},
		TitleMaxChars: cfg.TitleMaxChars,
	}, log.Named("conversation"))

	return &Services{
		Accounts: services.NewAccountService(c.DB, c.Objects, c.Index, cfg.BucketName, log.Named("accounts")),
		Reports:  services.NewReportService(c.DB, c.Objects, c.Index, pipeline, cfg.BucketName, log.Named("reports")),
		Chat:     services.NewChatService(c.DB, turns),
		Health: map[string]handlers.Pinger{
			"database":     c.DB,
			"vector_store": c.Index,
		},
	}
}

type App struct {
	Components *Components
	Server     *Server
}

func NewApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	appCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	comps, err := NewComponents(appCtx, cfg, log)
	if err != nil {
		return nil, err
	}
	svc := NewServices(cfg, comps, log)
	return &App{Components: comps, Server: NewServer(cfg, svc, log)}, nil
}

func (a *App) Close() {
	if a.Components != nil {
		a.Components.Close()
	}
}
