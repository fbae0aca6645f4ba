package storage

import (
	"context"
	"errors"
	"sync"
)

// MemoryStore keeps scrims in a map.
type MemoryStore struct {
	mu     sync.RWMutex
	scrims map[int64]Scrim
}

func NewMemory() *MemoryStore { return &MemoryStore{scrims: map[int64]Scrim{}} }

func (m *MemoryStore) GetScrim(ctx context.Context, id int64) (Scrim, error) {
	if err := ctx.Err(); err != nil {
		return Scrim{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.scrims[id]
	if !ok {
		return Scrim{}, ErrScrimNotFound
	}
	return s, nil
}

func (m *MemoryStore) UpsertScrim(_ context.Context, s Scrim) error {
	if s.ID <= 0 {
		return errors.New("scrim id must be positive")
	}
	m.mu.Lock()
	m.scrims[s.ID] = s
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Close() error { return nil }
