package engine

import (
	"errors"
	"time"
)

var (
	ErrDisabled    = errors.New("task engine disabled")
	ErrStopped     = errors.New("task engine stopped")
	ErrStopping    = errors.New("task engine stopping")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrOverlapSkip = errors.New("task skipped: previous run still queued or running")
)

// NoRetry marks a permanent failure (bad payload, platform 4xx). Neither the
// engine nor the queue dispatcher redelivers it.
//
//	return engine.NoRetry(fmt.Errorf("scrim %d: %w", id, err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &permanent{err}
}

func IsNoRetry(err error) bool {
	var p *permanent
	return errors.As(err, &p)
}

type permanent struct{ error }

func (p *permanent) Error() string { return "no-retry: " + p.error.Error() }
func (p *permanent) Unwrap() error { return p.error }

// RetryAfterError is implemented by errors that carry the delay the remote
// side asked for.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// RetryAfter attaches a retry hint, e.g. the Retry-After of a 429. Negative
// hints are treated as zero.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &retryHint{err: err, after: max(after, 0)}
}

type retryHint struct {
	err   error
	after time.Duration
}

func (r *retryHint) Error() string             { return "retry after " + r.after.String() + ": " + r.err.Error() }
func (r *retryHint) Unwrap() error             { return r.err }
func (r *retryHint) RetryAfter() time.Duration { return r.after }
