package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"scrimbot/internal/eventbus"
	"scrimbot/internal/task/engine"
	logx "scrimbot/pkg/logx"
)

// Handler performs one job. Returning nil acknowledges it. An error wrapping
// ErrMalformedJob or engine.NoRetry drops it; any other error schedules a
// redelivery.
type Handler interface {
	Handle(ctx context.Context, j Job) error
}

type HandlerFunc func(ctx context.Context, j Job) error

func (f HandlerFunc) Handle(ctx context.Context, j Job) error { return f(ctx, j) }

// Submitter runs work on a pool. *engine.Service implements it.
type Submitter interface {
	Submit(ctx context.Context, t engine.Task) error
}

type DispatcherConfig struct {
	PollInterval time.Duration
	// Visibility is how long a reserved job stays hidden from other
	// consumers. It must exceed JobTimeout.
	Visibility time.Duration
	JobTimeout time.Duration
	// MaxAttempts counts deliveries; the job is buried after the last one fails.
	MaxAttempts int
	Retry       engine.TaskOptions
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = time.Minute
	}
	if c.Visibility <= c.JobTimeout {
		c.Visibility = max(5*time.Minute, c.JobTimeout*2)
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.Retry.RetryBase <= 0 {
		c.Retry.RetryBase = 2 * time.Second
	}
	if c.Retry.RetryMaxDelay <= 0 {
		c.Retry.RetryMaxDelay = 5 * time.Minute
	}
	return c
}

// Dispatcher is the consumer side: it polls the backend and routes due jobs
// by action tag.
type Dispatcher struct {
	q    *Queue
	pool Submitter
	cfg  DispatcherConfig
	log  logx.Logger
	bus  eventbus.Bus

	mu       sync.RWMutex
	handlers map[ActionKind]Handler
}

// NewDispatcher builds a dispatcher. pool may be nil to run jobs inline on
// the polling goroutine.
func NewDispatcher(q *Queue, pool Submitter, cfg DispatcherConfig, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Dispatcher{
		q:        q,
		pool:     pool,
		cfg:      cfg.withDefaults(),
		log:      log.With(logx.String("comp", "dispatcher")),
		bus:      bus,
		handlers: map[ActionKind]Handler{},
	}
}

func (d *Dispatcher) Register(action ActionKind, h Handler) {
	d.mu.Lock()
	d.handlers[action] = h
	d.mu.Unlock()
}

func (d *Dispatcher) handler(action ActionKind) (Handler, bool) {
	d.mu.RLock()
	h, ok := d.handlers[action]
	d.mu.RUnlock()
	return h, ok
}

// Run polls until ctx is canceled. Backend errors are logged and retried on
// the next tick.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("dispatcher started", logx.Duration("poll", d.cfg.PollInterval), logx.Duration("visibility", d.cfg.Visibility))
	t := time.NewTicker(d.cfg.PollInterval)
	defer t.Stop()
	for {
		// Drain everything due before sleeping.
		for {
			got, err := d.DispatchOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				d.log.Warn("queue poll failed", logx.Err(err))
				break
			}
			if !got {
				break
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// DispatchOnce reserves at most one due job and hands it off. It reports
// whether a job was reserved.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (bool, error) {
	rec, ok, err := d.q.b.Reserve(ctx, d.q.now(), d.cfg.Visibility)
	if err != nil || !ok {
		return false, err
	}

	if d.pool == nil {
		d.process(ctx, rec)
		return true, nil
	}
	name := "queue.job"
	if j, err := Decode(rec.Payload); err == nil {
		name = j.Name()
	}
	err = d.pool.Submit(ctx, engine.Task{
		Name:    name,
		Timeout: d.cfg.JobTimeout,
		Opt:     engine.TaskOptions{RetryMax: -1},
		Run: func(ctx context.Context) error {
			d.process(ctx, rec)
			return nil
		},
	})
	if err != nil {
		// Not acknowledged: the reservation expires and the job comes back.
		return true, fmt.Errorf("hand off job %d: %w", rec.ID, err)
	}
	return true, nil
}

func (d *Dispatcher) process(ctx context.Context, rec Record) {
	log := d.log.With(logx.Int64("job_id", rec.ID), logx.Int("attempt", rec.Attempts))
	ev := eventbus.JobEvent{JobID: rec.ID, Attempt: rec.Attempts}

	j, err := Decode(rec.Payload)
	if err != nil {
		log.Warn("dropping malformed job", logx.Err(err))
		d.ack(ctx, rec, eventbus.JobDropped, ev, "malformed")
		return
	}
	ev.Name = j.Name()
	log = log.With(logx.String("job", j.Name()))

	h, ok := d.handler(j.Action)
	if !ok {
		log.Warn("dropping job with unknown action")
		d.ack(ctx, rec, eventbus.JobDropped, ev, "unknown_action")
		return
	}

	err = h.Handle(ctx, j)
	switch {
	case err == nil:
		log.Debug("job done")
		d.ack(ctx, rec, eventbus.JobDone, ev, "")
		return
	case errors.Is(err, ErrMalformedJob), engine.IsNoRetry(err):
		log.Warn("dropping job after permanent failure", logx.Err(err))
		d.ack(ctx, rec, eventbus.JobDropped, ev, err.Error())
		return
	}

	bctx, cancel := detached(ctx)
	defer cancel()
	ev.Reason = err.Error()
	if rec.Attempts >= d.cfg.MaxAttempts {
		log.Error("job failed on final attempt; burying", logx.Err(err))
		if berr := d.q.b.Bury(bctx, rec.ID, rec.Attempts, err.Error()); berr != nil {
			d.settleFailed(log, "bury", berr)
			return
		}
		d.bus.Publish(eventbus.Event{Type: eventbus.JobBuried, Data: ev})
		return
	}
	delay := engine.Backoff(d.cfg.Retry, rec.Attempts, err)
	log.Warn("job failed; retrying", logx.Duration("delay", delay), logx.Err(err))
	if rerr := d.q.b.Retry(bctx, rec.ID, rec.Attempts, d.q.now().Add(delay), err.Error()); rerr != nil {
		d.settleFailed(log, "retry", rerr)
		return
	}
	d.bus.Publish(eventbus.Event{Type: eventbus.JobRetry, Data: ev})
}

func (d *Dispatcher) ack(ctx context.Context, rec Record, typ eventbus.Type, ev eventbus.JobEvent, reason string) {
	bctx, cancel := detached(ctx)
	defer cancel()
	if err := d.q.b.Ack(bctx, rec.ID, rec.Attempts); err != nil {
		d.settleFailed(d.log.With(logx.Int64("job_id", rec.ID), logx.Int("attempt", rec.Attempts)), "ack", err)
		return
	}
	ev.Reason = reason
	d.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

// settleFailed logs a bookkeeping write that did not land. A lost
// reservation belongs to another consumer now, so nothing is published.
func (d *Dispatcher) settleFailed(log logx.Logger, op string, err error) {
	if errors.Is(err, ErrStaleReservation) {
		log.Warn("reservation lost before "+op+"; leaving job to its new holder", logx.Err(err))
		return
	}
	log.Warn(op+" failed; reservation will expire and the job will be redelivered", logx.Err(err))
}

// detached keeps the bookkeeping write alive when the job context already
// timed out.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
}
