package ingestion_engine

import (
	"time"

	"github.com/markdave123-py/Medico/internal/config"
)

// IngestConfig tunes uploads and the knowledge loader.
//
// Bucket:            object storage bucket for raw report files.
// AllowedExtensions: lower case extensions without the dot.
// MaxUploadSize:     byte ceiling for a single upload.
// TargetTokens:      approximate tokens per knowledge chunk.
// OverlapTokens:     tokens carried over from the previous chunk.
// BatchSize:         chunks embedded and upserted per call.
type IngestConfig struct {
	Bucket            string
	AllowedExtensions []string
	MaxUploadSize     int64
	TargetTokens      int
	OverlapTokens     int
	BatchSize         int
}

func NewIngestConfig(cfg *config.Config) *IngestConfig {
	return &IngestConfig{
		Bucket:            cfg.BucketName,
		AllowedExtensions: cfg.AllowedExtensions,
		MaxUploadSize:     cfg.MaxUploadSize,
		TargetTokens:      100,
		OverlapTokens:     10,
		BatchSize:         16,
	}
}

// chunk is the internal representation passed through the knowledge loader.
//
// Pos:      stable, zero-based position of the chunk inside the source.
// Text:     chunk content (built from one or more fragments).
// TokenCnt: approximate token count (used for batching and overlap math).
type chunk struct {
	Pos      int
	Text     string
	TokenCnt int
}

const persistTimeout = 30 * time.Second
