package objectclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/markdave123-py/Medico/internal/core"
)

// MemoryClient keeps objects in a map. Used with STORAGE_DRIVER=memory and in tests.
type MemoryClient struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

var _ core.ObjectClient = (*MemoryClient)(nil)

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{objects: map[string][]byte{}}
}

func objectPath(bucket, key string) string { return bucket + "/" + key }

func (m *MemoryClient) UploadFile(_ context.Context, bucket, key string, data []byte, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.objects[objectPath(bucket, key)] = cp
	return "memory://" + objectPath(bucket, key), nil
}

func (m *MemoryClient) DeleteFile(_ context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, objectPath(bucket, key))
	return nil
}

func (m *MemoryClient) GetFile(_ context.Context, bucket, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.objects[objectPath(bucket, key)]
	if !ok {
		return nil, core.NewExternalError("memory get", fmt.Errorf("object %s not found", objectPath(bucket, key)))
	}
	return b, nil
}

// Len reports how many objects are stored.
func (m *MemoryClient) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
