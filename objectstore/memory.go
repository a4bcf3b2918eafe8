package objectstore

import (
	"context"
	"fmt"
	"sync"
)

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*FileStore)(nil)
	_ Store = (*BadgerStore)(nil)
)

// MemoryStore keeps objects in process memory. Useful for tests and for
// short-lived runs that never need to resume.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: map[string][]byte{}}
}

func (s *MemoryStore) Put(ctx context.Context, data []byte, mimeType string) (Reference, error) {
	ref := NewReference(data, mimeType)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.objects[ref.ID]; !exists {
		stored := make([]byte, len(data))
		copy(stored, data)
		s.objects[ref.ID] = stored
	}
	return ref, nil
}

func (s *MemoryStore) Get(ctx context.Context, ref Reference) ([]byte, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.objects[ref.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref.ID)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, ref Reference) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.objects, ref.ID)
	return nil
}

// Len returns the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.objects)
}
