package medctx

import (
	"context"
	"sync"
	"time"
)

// Storage persists conversation contexts by conversation identifier.
// Implementations must return ErrNotFound for missing keys and must not
// retain references to the contexts passed to Save.
type Storage interface {
	Load(ctx context.Context, id string) (*Context, error)
	Save(ctx context.Context, c *Context) error
	Delete(ctx context.Context, id string) error
	// DeleteIdle removes contexts last updated before cutoff and reports how many.
	DeleteIdle(ctx context.Context, cutoff time.Time) (int, error)
}

// MemoryStorage keeps contexts in an in-process map.
type MemoryStorage struct {
	mu       sync.RWMutex
	contexts map[string]*Context
}

// NewMemoryStorage returns an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{contexts: make(map[string]*Context)}
}

func (m *MemoryStorage) Load(_ context.Context, id string) (*Context, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contexts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (m *MemoryStorage) Save(_ context.Context, c *Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contexts[c.ConversationID] = c.Clone()
	return nil
}

func (m *MemoryStorage) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.contexts, id)
	return nil
}

func (m *MemoryStorage) DeleteIdle(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, c := range m.contexts {
		if c.LastUpdated.Before(cutoff) {
			delete(m.contexts, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored contexts.
func (m *MemoryStorage) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.contexts)
}
