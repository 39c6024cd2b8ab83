package blob

import (
	"context"
	"sync"

	"github.com/agendaanalytics/agenda-analytics/internal/pkg/hash"
)

// MemoryStore is a content-addressed in-process store.
type MemoryStore struct {
	mu        sync.RWMutex
	blobs     map[string][]byte
	names     map[string]string
	publicURL string
}

// NewMemoryStore creates an empty store. publicURL may be empty.
func NewMemoryStore(publicURL string) *MemoryStore {
	return &MemoryStore{
		blobs:     make(map[string][]byte),
		names:     make(map[string]string),
		publicURL: publicURL,
	}
}

// Put stores data. Identical content yields the same id.
func (s *MemoryStore) Put(ctx context.Context, name string, data []byte) (string, error) {
	id := hash.BlobID(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.blobs[id] = append([]byte(nil), data...)
	s.names[id] = safeName(name)
	return id, nil
}

// Get returns a copy of the blob.
func (s *MemoryStore) Get(ctx context.Context, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.blobs[IDFromURL(id)]
	if !ok {
		return nil, notFound(id)
	}
	return append([]byte(nil), data...), nil
}

// Name returns the display name recorded for id.
func (s *MemoryStore) Name(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.names[id]
	return n, ok
}

// Len returns the number of stored blobs.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

// URL returns the public address of id.
func (s *MemoryStore) URL(id string) string {
	if s.publicURL == "" {
		return "mem://files/" + id
	}
	return fileURL(s.publicURL, id)
}
