package vectorindex

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/markdave123-py/Medico/internal/core"
)

// MemoryStore is a brute force cosine store for VECTOR_BACKEND=memory and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	dim         int
	created     int
	records     map[string]Record
	FailUpserts bool
}

var _ VectorStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]Record{}}
}

func (m *MemoryStore) EnsureCollection(_ context.Context, dim int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dim == 0 {
		m.dim = dim
		m.created++
	}
	return nil
}

// Collections reports how many times the collection was actually created.
func (m *MemoryStore) Collections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.created
}

func (m *MemoryStore) Upsert(_ context.Context, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailUpserts {
		return errUnavailable
	}
	for _, r := range records {
		if len(r.Vector) != m.dim {
			return errDimMismatch(r.ID, len(r.Vector), m.dim)
		}
		m.records[r.ID] = r
	}
	return nil
}

func (m *MemoryStore) Search(_ context.Context, vector []float32, topK int, scope core.QueryScope) ([]core.KnowledgeMatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []core.KnowledgeMatch{}
	for _, r := range m.records {
		if !visible(r.KnowledgeEntry, scope) {
			continue
		}
		out = append(out, core.KnowledgeMatch{Entry: r.KnowledgeEntry, Score: cosine(vector, r.Vector)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].Entry.ID < out[j].Entry.ID
		}
		return out[i].Score > out[j].Score
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, filter core.KnowledgeFilter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.records {
		if matchesFilter(r.KnowledgeEntry, filter) {
			delete(m.records, id)
		}
	}
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

// Get returns the stored entry by id.
func (m *MemoryStore) Get(id string) (core.KnowledgeEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	return r.KnowledgeEntry, ok
}

// Len reports the number of stored entries.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
