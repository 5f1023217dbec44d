package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// geminiEmbedDim is the output size of the Gemini text embedding models.
const geminiEmbedDim = 768

// embedDefaults holds per provider fallbacks for the EMBED_* settings. The ollama
// default serves all-MiniLM-L6-v2 locally.
var embedDefaults = map[string]struct {
	baseURL string
	model   string
	dim     int
}{
	"ollama": {"http://localhost:11434/v1", "all-minilm", 384},
	"openai": {"https://api.openai.com/v1", "", 384},
	"gemini": {"", "text-embedding-004", geminiEmbedDim},
	"hash":   {"", "", 384},
}

type Config struct {
	Environment    string
	Port           string
	LogFilePath    string
	AllowedOrigins []string

	JWTSecret            string
	JWTIssuer            string
	RequireVerifiedEmail bool

	DBDriver    string
	DatabaseURL string
	SslCertPath string

	StorageDriver string
	AwsAccessKey  string
	AwsSecretKey  string
	AwsRegion     string
	BucketName    string

	LLMProvider         string
	LLMAPIKey           string
	LLMBaseURL          string
	GeminiAPIKey        string
	GenModel            string
	Temperature         float64
	AnalysisTemperature float64
	MaxTokens           int
	LLMTimeoutSeconds   int

	EmbedProvider     string
	EmbedBaseURL      string
	EmbedAPIKey       string
	EmbedModel        string
	EmbedDim          int
	EmbedCacheTTLMins int
	VectorBackend     string
	VectorCollection  string
	MilvusAddress     string
	MilvusUsername    string
	MilvusPassword    string

	MaxUploadSize      int64
	AllowedExtensions  []string
	ReportContextLimit int
	RetrievalTopK      int
	HistoryMessages    int
	TitleMaxChars      int
}

// LoadConfig loads the environment variables and return config
func LoadConfig() *Config {

	_ = godotenv.Load()

	embedProvider := strings.ToLower(getEnv("EMBED_PROVIDER", "ollama"))

	cfg := &Config{
		Environment:    getEnv("ENVIRONMENT", "development"),
		Port:           getEnv("PORT", "8080"),
		LogFilePath:    getEnv("LOG_FILE_PATH", "logs/medico.log"),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),

		JWTSecret: getEnv("JWT_SECRET", ""),
		JWTIssuer: getEnv("JWT_ISSUER", ""),

		RequireVerifiedEmail: getEnvBool("REQUIRE_VERIFIED_EMAIL", true),

		DBDriver:    strings.ToLower(getEnv("DB_DRIVER", "postgres")),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		SslCertPath: getEnv("SSL_CERT_PATH", ""),

		StorageDriver: strings.ToLower(getEnv("STORAGE_DRIVER", "s3")),
		AwsAccessKey:  getEnv("AWS_ACCESS_KEY", ""),
		AwsSecretKey:  getEnv("AWS_SECRET_KEY", ""),
		AwsRegion:     getEnv("AWS_REGION", "us-east-2"),
		BucketName:    getEnv("BUCKET_NAME", "medico-reports"),

		LLMProvider:         strings.ToLower(getEnv("LLM_PROVIDER", "openai")),
		LLMAPIKey:           getEnv("OPENAI_API_KEY", getEnv("GROQ_API_KEY", "")),
		LLMBaseURL:          getEnv("OPENAI_BASE_URL", "https://api.groq.com/openai/v1"),
		GeminiAPIKey:        getEnv("GEMINI_API_KEY", ""),
		GenModel:            getEnv("GEN_MODEL", "llama-3.3-70b-versatile"),
		Temperature:         getEnvFloat("LLM_TEMPERATURE", 0.7),
		AnalysisTemperature: getEnvFloat("ANALYSIS_TEMPERATURE", 0.3),
		MaxTokens:           getEnvInt("LLM_MAX_TOKENS", 2048),
		LLMTimeoutSeconds:   getEnvInt("LLM_TIMEOUT_SECONDS", 120),

		EmbedProvider:     embedProvider,
		EmbedBaseURL:      getEnv("EMBED_BASE_URL", embedDefaults[embedProvider].baseURL),
		EmbedAPIKey:       getEnv("EMBED_API_KEY", ""),
		EmbedModel:        getEnv("EMBED_MODEL", embedDefaults[embedProvider].model),
		EmbedDim:          getEnvInt("EMBED_DIM", embedDefaults[embedProvider].dim),
		EmbedCacheTTLMins: getEnvInt("EMBED_CACHE_TTL_MINUTES", 30),
		VectorBackend:     strings.ToLower(getEnv("VECTOR_BACKEND", "pgvector")),
		VectorCollection:  getEnv("VECTOR_COLLECTION", "medico_knowledge"),
		MilvusAddress:     getEnv("MILVUS_ADDRESS", ""),
		MilvusUsername:    getEnv("MILVUS_USERNAME", ""),
		MilvusPassword:    getEnv("MILVUS_PASSWORD", ""),

		MaxUploadSize:      int64(getEnvInt("MAX_UPLOAD_SIZE", 10*1024*1024)),
		AllowedExtensions:  getEnvList("ALLOWED_EXTENSIONS", []string{"pdf", "jpg", "jpeg", "png"}),
		ReportContextLimit: getEnvInt("REPORT_CONTEXT_LIMIT", 5),
		RetrievalTopK:      getEnvInt("RETRIEVAL_TOP_K", 3),
		HistoryMessages:    getEnvInt("HISTORY_MESSAGES", 10),
		TitleMaxChars:      getEnvInt("TITLE_MAX_CHARS", 50),
	}

	return cfg
}

// IsProduction reports whether the service runs with production settings.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// Validate rejects combinations the app cannot start with.
func (c *Config) Validate() error {
	var errs []error

	switch c.DBDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL not set"))
		}
	case "memory":
		if c.VectorBackend == "pgvector" {
			errs = append(errs, errors.New("VECTOR_BACKEND=pgvector requires DB_DRIVER=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown DB_DRIVER %q", c.DBDriver))
	}

	switch c.StorageDriver {
	case "s3", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver))
	}

	switch c.LLMProvider {
	case "openai":
		if c.LLMAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY (or GROQ_API_KEY) not set"))
		}
	case "gemini":
		if c.GeminiAPIKey == "" {
			errs = append(errs, errors.New("GEMINI_API_KEY not set"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown LLM_PROVIDER %q", c.LLMProvider))
	}

	switch c.EmbedProvider {
	case "ollama", "hash":
	case "openai":
		if c.EmbedAPIKey == "" || c.EmbedModel == "" {
			errs = append(errs, errors.New("EMBED_PROVIDER=openai requires EMBED_API_KEY and EMBED_MODEL"))
		}
	case "gemini":
		if c.GeminiAPIKey == "" {
			errs = append(errs, errors.New("EMBED_PROVIDER=gemini requires GEMINI_API_KEY"))
		}
		if c.EmbedDim != geminiEmbedDim {
			errs = append(errs, fmt.Errorf("EMBED_PROVIDER=gemini returns %d dimensions, EMBED_DIM is %d", geminiEmbedDim, c.EmbedDim))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown EMBED_PROVIDER %q", c.EmbedProvider))
	}

	switch c.VectorBackend {
	case "pgvector", "memory":
	case "milvus":
		if c.MilvusAddress == "" {
			errs = append(errs, errors.New("VECTOR_BACKEND=milvus requires MILVUS_ADDRESS"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown VECTOR_BACKEND %q", c.VectorBackend))
	}

	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET not set"))
	}
	if c.EmbedDim <= 0 {
		errs = append(errs, fmt.Errorf("EMBED_DIM must be positive, got %d", c.EmbedDim))
	}

	return errors.Join(errs...)
}

// Helper to read environment variables with a default fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("WARN: %s=%q not an int, using default %d", key, v, def)
		return def
	}
	return n
}

func getEnvBool(key string, def bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("WARN: %s=%q not a bool, using default %t", key, v, def)
		return def
	}
	return b
}

func getEnvFloat(key string, def float64) float64 {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("WARN: %s=%q not a float, using default %g", key, v, def)
		return def
	}
	return f
}

// getEnvList splits a comma separated value, dropping empty items.
func getEnvList(key string, def []string) []string {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, strings.ToLower(item))
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
