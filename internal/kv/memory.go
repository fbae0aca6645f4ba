package kv

import (
	"bytes"
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Locks taken through it only exclude
// goroutines of the same process.
type MemoryStore struct {
	mu     sync.Mutex
	now    func() time.Time
	keys   map[string]memEntry
	hashes map[string]map[string][]byte
	closed bool
}

type memEntry struct {
	value   []byte
	expires time.Time // zero: no expiry
}

// NewMemory returns an empty MemoryStore. now may be nil (time.Now).
func NewMemory(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:    now,
		keys:   map[string]memEntry{},
		hashes: map[string]map[string][]byte{},
	}
}

func (s *MemoryStore) liveLocked(key string) (memEntry, bool) {
	e, ok := s.keys[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expires.IsZero() && !s.now().Before(e.expires) {
		delete(s.keys, key)
		return memEntry{}, false
	}
	return e, true
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	e, ok := s.liveLocked(key)
	if !ok {
		return nil, false, nil
	}
	return copyBytes(e.value), true, nil
}

func (s *MemoryStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	if _, ok := s.liveLocked(key); ok {
		return false, nil
	}
	e := memEntry{value: copyBytes(value)}
	if ttl > 0 {
		e.expires = s.now().Add(ttl)
	}
	s.keys[key] = e
	return true, nil
}

func (s *MemoryStore) CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	e, ok := s.liveLocked(key)
	if !ok || !bytes.Equal(e.value, value) {
		return false, nil
	}
	delete(s.keys, key)
	return true, nil
}

func (s *MemoryStore) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	h := s.hashes[key]
	out := make(map[string][]byte, len(h))
	for f, v := range h {
		out[f] = copyBytes(v)
	}
	return out, nil
}

func (s *MemoryStore) HSet(ctx context.Context, key, field string, value []byte) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	h := s.hashes[key]
	if h == nil {
		h = map[string][]byte{}
		s.hashes[key] = h
	}
	h[field] = copyBytes(value)
	return nil
}

func (s *MemoryStore) HDel(ctx context.Context, key, field string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	h := s.hashes[key]
	delete(h, field)
	if len(h) == 0 {
		delete(s.hashes, key)
	}
	return nil
}

func (s *MemoryStore) Replace(ctx context.Context, r Replacement) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for k, v := range r.Keys {
		s.keys[k] = memEntry{value: copyBytes(v)}
	}
	for k, fields := range r.Hashes {
		if len(fields) == 0 {
			delete(s.hashes, k)
			continue
		}
		h := make(map[string][]byte, len(fields))
		for f, v := range fields {
			h[f] = copyBytes(v)
		}
		s.hashes[k] = h
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
