package broker

import (
	"context"
	"sync"

	apperrors "github.com/agendaanalytics/agenda-analytics/internal/pkg/errors"
)

// MemoryStore is an in-process entity store.
type MemoryStore struct {
	mu       sync.RWMutex
	entities map[string]Entity
	order    []string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities: make(map[string]Entity),
	}
}

// Get returns a copy of the entity with the given id.
func (s *MemoryStore) Get(ctx context.Context, id string) (Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entities[id]
	if !ok {
		return Entity{}, apperrors.NotFoundError("entity " + id)
	}
	return e.Clone(), nil
}

// Query returns copies of all entities of typ in insertion order.
func (s *MemoryStore) Query(ctx context.Context, typ string) ([]Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entity
	for _, id := range s.order {
		if e := s.entities[id]; e.Type == typ {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

// Upsert creates e or merges it into the entity with the same identity.
func (s *MemoryStore) Upsert(ctx context.Context, e Entity) (UpsertResult, error) {
	// serialise whole upserts so identity lookups cannot race
	s.mu.Lock()
	defer s.mu.Unlock()
	return upsert(ctx, lockedMemory{s}, e)
}

// Update overwrites the named attributes of an existing entity.
func (s *MemoryStore) Update(ctx context.Context, id string, attrs map[string]Attribute) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[id]
	if !ok {
		return apperrors.NotFoundError("entity " + id)
	}
	e = e.Clone()
	for k, v := range attrs {
		e.Attrs[k] = v
	}
	s.entities[id] = e.Clone()
	return nil
}

// Delete removes an entity. Deleting a missing id is not an error.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entities[id]; !ok {
		return nil
	}
	delete(s.entities, id)
	for i, cur := range s.order {
		if cur == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// Len returns the number of stored entities.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

// lockedMemory is the backend view of a MemoryStore whose lock is held.
type lockedMemory struct {
	s *MemoryStore
}

func (m lockedMemory) Query(ctx context.Context, typ string) ([]Entity, error) {
	var out []Entity
	for _, id := range m.s.order {
		if e := m.s.entities[id]; e.Type == typ {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m lockedMemory) create(ctx context.Context, e Entity) error {
	if _, exists := m.s.entities[e.ID]; exists {
		return apperrors.AlreadyExistsError("entity " + e.ID)
	}
	m.s.entities[e.ID] = e.Clone()
	m.s.order = append(m.s.order, e.ID)
	return nil
}

func (m lockedMemory) appendAttrs(ctx context.Context, id string, attrs map[string]Attribute) error {
	e, ok := m.s.entities[id]
	if !ok {
		return apperrors.NotFoundError("entity " + id)
	}
	e = e.Clone()
	for k, v := range attrs {
		if _, exists := e.Attrs[k]; !exists {
			e.Attrs[k] = v
		}
	}
	m.s.entities[id] = e
	return nil
}
