// Package lock provides a lease-based mutual exclusion primitive over the
// shared key-value store, in the style of a single-instance Redlock.
//
// A lock is a key whose value is the holder's random token and whose TTL is
// the lease. Acquisition is one conditional write; release deletes the key
// only if it still holds the caller's token. A holder that outlives its lease
// loses exclusivity silently, so work done under the lock must finish within
// the validity window passed to fn as a context deadline.
package lock

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"

	"scrimbot/internal/kv"
	logx "scrimbot/pkg/logx"
)

// ErrLockUnavailable means every acquisition attempt failed. fn did not run.
var ErrLockUnavailable = errors.New("lock unavailable")

type Config struct {
	RetryCount  int
	RetryDelay  time.Duration
	RetryJitter time.Duration
	// DriftFactor is the fraction of the lease reserved for clock drift
	// between processes.
	DriftFactor float64
}

func (c Config) withDefaults() Config {
	if c.RetryCount <= 0 {
		c.RetryCount = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 200 * time.Millisecond
	}
	if c.RetryJitter < 0 {
		c.RetryJitter = 0
	} else if c.RetryJitter == 0 {
		c.RetryJitter = 100 * time.Millisecond
	}
	if c.DriftFactor <= 0 {
		c.DriftFactor = 0.01
	}
	return c
}

type Manager struct {
	st  kv.Store
	ks  kv.Keyspace
	cfg Config
	log logx.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	token func() string
}

func NewManager(st kv.Store, ks kv.Keyspace, cfg Config, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		st:    st,
		ks:    ks,
		cfg:   cfg.withDefaults(),
		log:   log.With(logx.String("comp", "lock")),
		now:   time.Now,
		sleep: sleepCtx,
		token: func() string { return uuid.NewString() },
	}
}

// Option changes how a single WithLock call behaves.
type Option func(*callOpts)

type callOpts struct {
	holdOnSuccess bool
}

// HoldOnSuccess keeps the lease until it expires when fn returns nil, so a
// second attempt at the same work inside the lease window finds the lock
// taken. The lock is still released when fn fails, letting a retry proceed.
func HoldOnSuccess() Option { return func(o *callOpts) { o.holdOnSuccess = true } }

// Lease describes a held lock.
type Lease struct {
	Resource string
	Token    string
	Validity time.Duration
}

// WithLock runs fn while holding resource for at most lease. It returns
// ErrLockUnavailable (wrapping the last store error, if any) when the lock
// could not be taken, otherwise fn's error.
func (m *Manager) WithLock(ctx context.Context, resource string, lease time.Duration, fn func(ctx context.Context) error, opts ...Option) error {
	var co callOpts
	for _, o := range opts {
		if o != nil {
			o(&co)
		}
	}
	l, err := m.Acquire(ctx, resource, lease)
	if err != nil {
		return err
	}

	fctx, cancel := context.WithTimeout(ctx, l.Validity)
	ferr := fn(fctx)
	cancel()

	if ferr == nil && co.holdOnSuccess {
		m.log.Debug("lock held until expiry", logx.String("resource", resource))
		return nil
	}
	// Release with a fresh context: ctx may be what made fn fail.
	rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer rcancel()
	if rerr := m.Release(rctx, l); rerr != nil {
		m.log.Warn("lock release failed; lease will expire", logx.String("resource", resource), logx.Err(rerr))
	}
	return ferr
}

// Acquire takes the lock with retries. Most callers want WithLock.
func (m *Manager) Acquire(ctx context.Context, resource string, lease time.Duration) (Lease, error) {
	resource = strings.TrimSpace(resource)
	if resource == "" {
		return Lease{}, fmt.Errorf("lock: empty resource")
	}
	if lease <= 0 {
		return Lease{}, fmt.Errorf("lock %s: lease must be positive", resource)
	}
	key := m.ks.Key(kv.NamespaceLock, resource)
	drift := time.Duration(float64(lease)*m.cfg.DriftFactor) + 2*time.Millisecond

	var lastErr error
	for attempt := 0; attempt < m.cfg.RetryCount; attempt++ {
		if attempt > 0 {
			if err := m.sleep(ctx, m.retryWait()); err != nil {
				return Lease{}, err
			}
		}
		token := m.token()
		start := m.now()
		ok, err := m.st.SetNX(ctx, key, []byte(token), lease)
		if err != nil {
			lastErr = err
			m.log.Debug("lock attempt failed", logx.String("resource", resource), logx.Int("attempt", attempt+1), logx.Err(err))
			if ctx.Err() != nil {
				return Lease{}, ctx.Err()
			}
			continue
		}
		if !ok {
			continue
		}
		validity := lease - m.now().Sub(start) - drift
		if validity <= 0 {
			l := Lease{Resource: resource, Token: token}
			if err := m.Release(ctx, l); err != nil {
				lastErr = err
			}
			continue
		}
		return Lease{Resource: resource, Token: token, Validity: validity}, nil
	}
	if lastErr != nil {
		return Lease{}, fmt.Errorf("%w: %s: %w", ErrLockUnavailable, resource, lastErr)
	}
	return Lease{}, fmt.Errorf("%w: %s", ErrLockUnavailable, resource)
}

// Release deletes the lock only if it is still held with l's token.
// Releasing an expired or foreign lock is a no-op.
func (m *Manager) Release(ctx context.Context, l Lease) error {
	if l.Token == "" {
		return nil
	}
	_, err := m.st.CompareAndDelete(ctx, m.ks.Key(kv.NamespaceLock, l.Resource), []byte(l.Token))
	return err
}

func (m *Manager) retryWait() time.Duration {
	d := m.cfg.RetryDelay
	if m.cfg.RetryJitter > 0 {
		d += rand.N(m.cfg.RetryJitter)
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
