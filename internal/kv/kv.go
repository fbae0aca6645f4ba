// Package kv is the key-value medium shared by the guild mirror and the lock manager.
//
// Two shapes are supported:
//   - plain keys with an optional TTL (guild metadata, lock leases)
//   - hashes: a key holding field -> value pairs (channel and role mappings)
//
// Drivers: "memory" (single process, tests), "sqlite" (modernc), "redis" (go-redis).
package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrUnavailable wraps backend I/O failures (connection refused, timeouts, locked db).
	ErrUnavailable = errors.New("kv store unavailable")
	ErrClosed      = errors.New("kv store closed")
)

// Store is the minimal key-value API used by mirror and lock.
type Store interface {
	// Get returns the value of a plain key. Expired keys are reported as missing.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// SetNX sets key to value only if it does not exist (or has expired).
	// A ttl <= 0 means no expiry. It is a single conditional write.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// CompareAndDelete deletes key only if its current value equals value.
	CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error)

	HGetAll(ctx context.Context, key string) (map[string][]byte, error)
	HSet(ctx context.Context, key, field string, value []byte) error
	HDel(ctx context.Context, key, field string) error

	// Replace applies r atomically: plain keys are overwritten, hashes are
	// cleared and rewritten with exactly the given fields.
	Replace(ctx context.Context, r Replacement) error

	Close() error
}

// Replacement is a wholesale overwrite of a group of keys.
type Replacement struct {
	Keys   map[string][]byte
	Hashes map[string]map[string][]byte
}

// Sweeper is implemented by drivers that keep expired rows around until swept.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// Keyspace builds namespaced keys. Mirror and lock keys use different
// prefixes so one can never be read as the other.
type Keyspace struct {
	Prefix string
}

const (
	NamespaceMirror = "mirror"
	NamespaceLock   = "lock"
)

func (k Keyspace) Key(namespace string, parts ...string) string {
	var b strings.Builder
	if p := strings.TrimSpace(k.Prefix); p != "" {
		b.WriteString(p)
		b.WriteString(":")
	}
	b.WriteString(namespace)
	for _, p := range parts {
		b.WriteString(":")
		b.WriteString(p)
	}
	return b.String()
}

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
