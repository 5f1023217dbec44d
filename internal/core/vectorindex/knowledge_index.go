package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/markdave123-py/Medico/internal/core"
)

// Record is an index entry together with its embedding.
type Record struct {
	core.KnowledgeEntry
	Vector []float32
}

// VectorStore is the similarity search backend. Search results come back ordered by
// descending score.
type VectorStore interface {
	EnsureCollection(ctx context.Context, dim int) error
	Upsert(ctx context.Context, records []Record) error
	Search(ctx context.Context, vector []float32, topK int, scope core.QueryScope) ([]core.KnowledgeMatch, error)
	Delete(ctx context.Context, filter core.KnowledgeFilter) error
	Ping(ctx context.Context) error
}

// KnowledgeIndex embeds text locally and keeps it in a VectorStore.
type KnowledgeIndex struct {
	store    VectorStore
	embedder core.EmbeddingProvider
	log      *zap.Logger

	mu    sync.Mutex
	ready bool
}

var _ core.KnowledgeIndex = (*KnowledgeIndex)(nil)

func NewKnowledgeIndex(store VectorStore, embedder core.EmbeddingProvider, log *zap.Logger) *KnowledgeIndex {
	return &KnowledgeIndex{store: store, embedder: embedder, log: log}
}

// EnsureReady creates the backing collection on first use. Later calls are no-ops.
func (k *KnowledgeIndex) EnsureReady(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.ready {
		return nil
	}
	if err := k.store.EnsureCollection(ctx, k.embedder.Dimension()); err != nil {
		return core.NewExternalError("vector index", fmt.Errorf("ensure collection: %w", err))
	}
	k.ready = true
	k.log.Info("knowledge index ready", zap.Int("dim", k.embedder.Dimension()))
	return nil
}

func (k *KnowledgeIndex) Upsert(ctx context.Context, entries ...core.KnowledgeEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := k.EnsureReady(ctx); err != nil {
		return err
	}

	texts := make([]string, len(entries))
	for i, e := range entries {
		if e.ID == "" {
			return errors.New("knowledge entry without id")
		}
		texts[i] = e.Text
	}
	vecs, err := k.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		return core.NewExternalError("embedding", err)
	}
	if len(vecs) != len(entries) {
		return core.NewExternalError("embedding", fmt.Errorf("got %d vectors for %d texts", len(vecs), len(entries)))
	}

	records := make([]Record, len(entries))
	for i, e := range entries {
		e.Text = snippet(e.Text)
		records[i] = Record{KnowledgeEntry: e, Vector: vecs[i]}
	}
	if err := k.store.Upsert(ctx, records); err != nil {
		return core.NewExternalError("vector index", fmt.Errorf("upsert: %w", err))
	}
	return nil
}

func (k *KnowledgeIndex) Query(ctx context.Context, text string, scope core.QueryScope, topK int) ([]core.KnowledgeMatch, error) {
	if topK <= 0 {
		return nil, nil
	}
	if err := k.EnsureReady(ctx); err != nil {
		return nil, err
	}
	vecs, err := k.embedder.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, core.NewExternalError("embedding", fmt.Errorf("embed query: %w", err))
	}
	if len(vecs) != 1 {
		return nil, core.NewExternalError("embedding", fmt.Errorf("embed query: got %d vectors for 1 text", len(vecs)))
	}
	matches, err := k.store.Search(ctx, vecs[0], topK, scope)
	if err != nil {
		return nil, core.NewExternalError("vector index", fmt.Errorf("search: %w", err))
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (k *KnowledgeIndex) DeleteWhere(ctx context.Context, filter core.KnowledgeFilter) error {
	if filter.IsEmpty() {
		return errors.New("refusing to delete with an empty filter")
	}
	if err := k.EnsureReady(ctx); err != nil {
		return err
	}
	if err := k.store.Delete(ctx, filter); err != nil {
		return core.NewExternalError("vector index", fmt.Errorf("delete: %w", err))
	}
	return nil
}

func (k *KnowledgeIndex) IndexReport(ctx context.Context, ownerID, reportID int64, summary string) error {
	return k.Upsert(ctx, core.ReportEntry(ownerID, reportID, summary))
}

func (k *KnowledgeIndex) DeleteReport(ctx context.Context, ownerID, reportID int64) error {
	return k.DeleteWhere(ctx, core.KnowledgeFilter{OwnerID: ownerID, Kind: core.KindUserReport, SourceID: reportID})
}

// PurgeUserReports removes every user_report entry of the owner.
func (k *KnowledgeIndex) PurgeUserReports(ctx context.Context, ownerID int64) error {
	return k.DeleteWhere(ctx, core.KnowledgeFilter{OwnerID: ownerID, Kind: core.KindUserReport})
}

func (k *KnowledgeIndex) Ping(ctx context.Context) error {
	return k.store.Ping(ctx)
}

func snippet(text string) string {
	r := []rune(text)
	if len(r) <= core.SnippetLimit {
		return text
	}
	return string(r[:core.SnippetLimit])
}

// visible applies QueryScope to a single entry. Backends that cannot express the
// scope natively filter with it.
func visible(e core.KnowledgeEntry, scope core.QueryScope) bool {
	if e.Kind != core.KindUserReport {
		return true
	}
	return scope.IncludeUserReports && e.OwnerID == scope.OwnerID
}

func matchesFilter(e core.KnowledgeEntry, f core.KnowledgeFilter) bool {
	if f.OwnerID != 0 && e.OwnerID != f.OwnerID {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.SourceID != 0 && e.SourceID != f.SourceID {
		return false
	}
	return true
}
