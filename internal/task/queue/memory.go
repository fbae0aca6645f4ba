package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// MemoryBackend keeps jobs in process memory. Tests and single-process runs
// only; jobs are lost on exit.
type MemoryBackend struct {
	mu     sync.Mutex
	seq    int64
	jobs   map[int64]*memJob
	closed bool
}

type memJob struct {
	rec     Record
	updated time.Time
	lastErr string
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{jobs: map[int64]*memJob{}}
}

var errBackendClosed = errors.New("queue backend closed")

func (b *MemoryBackend) Push(_ context.Context, payload []byte, runAt time.Time) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, errBackendClosed
	}
	b.seq++
	now := time.Now()
	b.jobs[b.seq] = &memJob{
		rec:     Record{ID: b.seq, Payload: append([]byte(nil), payload...), State: StateReady, RunAt: runAt, Created: now},
		updated: now,
	}
	return b.seq, nil
}

func (b *MemoryBackend) Reserve(_ context.Context, now time.Time, visibility time.Duration) (Record, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Record{}, false, errBackendClosed
	}
	var due []*memJob
	for _, j := range b.jobs {
		if (j.rec.State == StateReady || j.rec.State == StateReserved) && !j.rec.RunAt.After(now) {
			due = append(due, j)
		}
	}
	if len(due) == 0 {
		return Record{}, false, nil
	}
	sort.Slice(due, func(i, k int) bool {
		if !due[i].rec.RunAt.Equal(due[k].rec.RunAt) {
			return due[i].rec.RunAt.Before(due[k].rec.RunAt)
		}
		return due[i].rec.ID < due[k].rec.ID
	})
	j := due[0]
	j.rec.State = StateReserved
	j.rec.Attempts++
	j.rec.RunAt = now.Add(visibility)
	j.updated = now
	out := j.rec
	out.Payload = append([]byte(nil), j.rec.Payload...)
	return out, true, nil
}

func (b *MemoryBackend) settle(id int64, attempt int, fn func(j *memJob)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errBackendClosed
	}
	j, ok := b.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.rec.State != StateReserved || j.rec.Attempts != attempt {
		return ErrStaleReservation
	}
	fn(j)
	j.updated = time.Now()
	return nil
}

func (b *MemoryBackend) Ack(_ context.Context, id int64, attempt int) error {
	return b.settle(id, attempt, func(j *memJob) { j.rec.State = StateDone })
}

func (b *MemoryBackend) Retry(_ context.Context, id int64, attempt int, runAt time.Time, lastErr string) error {
	return b.settle(id, attempt, func(j *memJob) {
		j.rec.State = StateReady
		j.rec.RunAt = runAt
		j.lastErr = lastErr
	})
}

func (b *MemoryBackend) Bury(_ context.Context, id int64, attempt int, lastErr string) error {
	return b.settle(id, attempt, func(j *memJob) {
		j.rec.State = StateDead
		j.lastErr = lastErr
	})
}

func (b *MemoryBackend) Prune(_ context.Context, olderThan time.Time) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int64
	for id, j := range b.jobs {
		if (j.rec.State == StateDone || j.rec.State == StateDead) && j.updated.Before(olderThan) {
			delete(b.jobs, id)
			n++
		}
	}
	return n, nil
}

func (b *MemoryBackend) Stats(_ context.Context, now time.Time) (Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var s Stats
	for _, j := range b.jobs {
		switch j.rec.State {
		case StateReady:
			s.Ready++
			if !j.rec.RunAt.After(now) {
				s.Due++
			}
		case StateReserved:
			s.Reserved++
		case StateDone:
			s.Done++
		case StateDead:
			s.Dead++
		}
	}
	return s, nil
}

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}
