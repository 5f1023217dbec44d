package ingestion_engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/Medico/internal/core"
)

// KnowledgeSource is one general-knowledge document to seed.
type KnowledgeSource struct {
	Name string
	Data []byte
}

// KnowledgeLoader chunks reference documents and upserts them as general knowledge.
// Entry ids are kb_{source}_{position}, where source is the slugged file name with
// its extension, so reloading a source overwrites its chunks.
type KnowledgeLoader struct {
	index     core.KnowledgeIndex
	extractor core.TextExtractor
	cfg       *IngestConfig
	log       *zap.Logger
}

func NewKnowledgeLoader(index core.KnowledgeIndex, extractor core.TextExtractor, cfg *IngestConfig, log *zap.Logger) *KnowledgeLoader {
	return &KnowledgeLoader{index: index, extractor: extractor, cfg: cfg, log: log}
}

// Load processes sources with numWorkers workers. A failing source does not stop
// the others; all failures are joined into the returned error. Sources whose names
// slug to an id already claimed by an earlier source are skipped and reported.
func (l *KnowledgeLoader) Load(ctx context.Context, sources []KnowledgeSource, numWorkers int) (int, error) {
	if numWorkers < 1 {
		numWorkers = 1
	}
	jobs := make(chan KnowledgeSource)

	var (
		total int64
		mu    sync.Mutex
		errs  []error
	)

	owners := make(map[string]string, len(sources))
	queued := make([]KnowledgeSource, 0, len(sources))
	for _, src := range sources {
		slug := sourceSlug(src.Name)
		if first, dup := owners[slug]; dup {
			l.log.Warn("knowledge source id collision", zap.String("source", src.Name), zap.String("kept", first))
			errs = append(errs, fmt.Errorf("%s: ids kb_%s_* already used by %s", src.Name, slug, first))
			continue
		}
		owners[slug] = src.Name
		queued = append(queued, src)
	}

	var wg sync.WaitGroup
	for w := 1; w <= numWorkers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for src := range jobs {
				l.log.Debug("loading knowledge source", zap.String("source", src.Name), zap.Int("worker", w))
				n, err := l.processOne(ctx, src)
				if err != nil {
					l.log.Error("knowledge source failed", zap.String("source", src.Name), zap.Error(err))
					mu.Lock()
					errs = append(errs, fmt.Errorf("%s: %w", src.Name, err))
					mu.Unlock()
					continue
				}
				atomic.AddInt64(&total, int64(n))
				l.log.Info("knowledge source loaded", zap.String("source", src.Name), zap.Int("chunks", n))
			}
		}(w)
	}

feed:
	for _, src := range queued {
		select {
		case jobs <- src:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return int(total), errors.Join(errs...)
}

// processOne extracts, chunks and upserts a single source.
func (l *KnowledgeLoader) processOne(ctx context.Context, src KnowledgeSource) (int, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(src.Name), "."))
	res, err := l.extractor.Extract(ctx, src.Data, ext)
	if err != nil {
		return 0, err
	}
	if res.IsDegraded() {
		return 0, fmt.Errorf("extraction degraded: %s", res.Degraded)
	}

	slug := sourceSlug(src.Name)
	g, gctx := errgroup.WithContext(ctx)

	fragCh := streamFragments(gctx, g, res.Text, l.cfg.TargetTokens)
	chunkCh := streamChunk(gctx, g, fragCh, l.cfg.TargetTokens, l.cfg.OverlapTokens)

	var written int
	g.Go(func() error {
		n, err := l.upsertBatches(gctx, slug, chunkCh)
		written = n
		return err
	})

	if err := g.Wait(); err != nil {
		return written, err
	}
	return written, nil
}

func (l *KnowledgeLoader) upsertBatches(ctx context.Context, slug string, chunks <-chan chunk) (int, error) {
	batchSize := l.cfg.BatchSize
	if batchSize < 1 {
		batchSize = 1
	}
	batch := make([]core.KnowledgeEntry, 0, batchSize)
	written := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := l.index.Upsert(ctx, batch...); err != nil {
			return err
		}
		written += len(batch)
		batch = batch[:0]
		return nil
	}

	for ch := range chunks {
		batch = append(batch, core.KnowledgeEntry{
			ID:   fmt.Sprintf("kb_%s_%d", slug, ch.Pos),
			Kind: core.KindGeneralKnowledge,
			Text: ch.Text,
		})
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return written, err
			}
		}
	}
	return written, flush()
}

var slugChars = regexp.MustCompile(`[^a-z0-9]+`)

func sourceSlug(name string) string {
	s := strings.Trim(slugChars.ReplaceAllString(strings.ToLower(filepath.Base(name)), "_"), "_")
	if s == "" {
		return "source"
	}
	return s
}
