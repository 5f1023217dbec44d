package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/markdave123-py/Medico/internal/core"
)

// CachedEmbedder memoises vectors per text for ttl. Safe because embeddings are a
// pure function of the text.
type CachedEmbedder struct {
	next  core.EmbeddingProvider
	cache *gocache.Cache
}

var _ core.EmbeddingProvider = (*CachedEmbedder)(nil)

func NewCachedEmbedder(next core.EmbeddingProvider, ttl time.Duration) *CachedEmbedder {
	return &CachedEmbedder{next: next, cache: gocache.New(ttl, 2*ttl)}
}

func (c *CachedEmbedder) Dimension() int { return c.next.Dimension() }

func (c *CachedEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var (
		missing    []string
		missingIdx []int
	)
	for i, t := range texts {
		if v, ok := c.cache.Get(cacheKey(t)); ok {
			out[i] = v.([]float32)
			continue
		}
		missing = append(missing, t)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	vecs, err := c.next.EmbedTexts(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missing) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(missing))
	}
	for j, v := range vecs {
		out[missingIdx[j]] = v
		c.cache.SetDefault(cacheKey(missing[j]), v)
	}
	return out, nil
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
