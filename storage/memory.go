package storage

import (
	"context"
	"sync"
)

// MemoryStore keeps encoded artifacts in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	manifest []byte
	blobs    map[string][]byte
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Save(ctx context.Context, a *Artifacts) error {
	if err := a.validate(); err != nil {
		return err
	}
	blobs, manifest, err := encode(a)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.blobs, s.manifest = blobs, manifest
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Load(ctx context.Context) (*Artifacts, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	blobs, manifest := s.blobs, s.manifest
	s.mu.RUnlock()
	if manifest == nil {
		return nil, notFound(keyManifest)
	}
	return decode(manifest, blobs)
}

func (s *MemoryStore) Close() error {
	return nil
}
