package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Ack, Retry and Bury for an unknown job id.
	ErrNotFound = errors.New("job not found")
	// ErrStaleReservation means the job is no longer reserved by the given
	// attempt: the visibility window lapsed and another consumer reserved
	// or settled it. The caller must leave the job alone.
	ErrStaleReservation = errors.New("job reservation lost")
)

type State string

const (
	StateReady    State = "ready"
	StateReserved State = "reserved"
	StateDone     State = "done"
	StateDead     State = "dead"
)

// Record is one stored job as handed out by Reserve.
type Record struct {
	ID       int64
	Payload  []byte
	Attempts int // including the current delivery
	State    State
	RunAt    time.Time
	Created  time.Time
}

type Stats struct {
	Ready    int64 `json:"ready"`
	Due      int64 `json:"due"`
	Reserved int64 `json:"reserved"`
	Done     int64 `json:"done"`
	Dead     int64 `json:"dead"`
}

// Backend stores jobs durably and hands each due job to one consumer at a
// time.
//
// Reserve marks a due job reserved for visibility; a reservation that is not
// acknowledged within that window expires and the job is handed out again.
// Delivery is therefore at-least-once.
//
// Ack, Retry and Bury settle one reservation. attempt is Record.Attempts as
// returned by Reserve and fences out a consumer whose reservation expired.
type Backend interface {
	Push(ctx context.Context, payload []byte, runAt time.Time) (int64, error)
	Reserve(ctx context.Context, now time.Time, visibility time.Duration) (Record, bool, error)
	Ack(ctx context.Context, id int64, attempt int) error
	Retry(ctx context.Context, id int64, attempt int, runAt time.Time, lastErr string) error
	Bury(ctx context.Context, id int64, attempt int, lastErr string) error
	// Prune deletes done and dead jobs last updated before olderThan.
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
	Stats(ctx context.Context, now time.Time) (Stats, error)
	Close() error
}
