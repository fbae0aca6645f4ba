// Package queue is the durable scheduled-action queue. Jobs are small tagged
// payloads with a due time; the Dispatcher hands due jobs to registered
// handlers through the worker pool and acknowledges, retries or buries them
// depending on the outcome.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "scrimbot/pkg/logx"
)

type Config struct {
	// Driver: "memory", "sqlite" or "postgres".
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration
}

// Open initializes the configured backend.
func Open(cfg Config, log logx.Logger) (Backend, error) {
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "memory":
		return NewMemoryBackend(), nil
	case "sqlite", "sqlite3":
		b, err := openSQLite(cfg.Path, cfg.BusyTimeout, log.With(logx.String("comp", "queue.sqlite")))
		if err != nil {
			return nil, err
		}
		return b, nil
	case "postgres", "postgresql":
		b, err := openPostgres(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, errors.New("unknown queue driver: " + driver)
	}
}

// Queue is the producer side.
type Queue struct {
	b   Backend
	log logx.Logger
	now func() time.Time
}

func New(b Backend, log logx.Logger) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Queue{b: b, log: log.With(logx.String("comp", "queue")), now: time.Now}
}

func (q *Queue) Backend() Backend { return q.b }

// Enqueue schedules action on targetID to run after delay.
func (q *Queue) Enqueue(ctx context.Context, action ActionKind, targetID string, delay time.Duration) (int64, error) {
	return q.EnqueueAt(ctx, Job{Action: action, TargetID: targetID}, q.now().Add(max(delay, 0)))
}

// EnqueueAt schedules j to run at at. A time in the past runs on the next poll.
func (q *Queue) EnqueueAt(ctx context.Context, j Job, at time.Time) (int64, error) {
	payload, err := Encode(j)
	if err != nil {
		return 0, err
	}
	id, err := q.b.Push(ctx, payload, at)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", j.Name(), err)
	}
	q.log.Info("job enqueued", logx.Int64("job_id", id), logx.String("job", j.Name()), logx.Time("run_at", at))
	return id, nil
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) { return q.b.Stats(ctx, q.now()) }

// Prune removes finished jobs older than retention.
func (q *Queue) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := q.b.Prune(ctx, q.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.log.Info("finished jobs pruned", logx.Int64("count", n))
	}
	return n, nil
}
