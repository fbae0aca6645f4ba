package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"scrimbot/internal/eventbus"
	rtsup "scrimbot/internal/runtime/supervisor"
	logx "scrimbot/pkg/logx"
)

// Service is a bounded worker pool. Tasks are held in memory only; work that
// must survive a restart goes through the durable queue first.
type Service struct {
	cfg  Config
	log  logx.Logger
	bus  eventbus.Bus
	hist *history

	mu  sync.Mutex
	run *pool

	gates sync.Map // name -> *RunState

	inFlight         atomic.Int32
	droppedQueueFull atomic.Uint64
	droppedStale     atomic.Uint64

	warnFull  rate.Sometimes
	warnStale rate.Sometimes
}

// pool is one Start..Stop generation of workers.
type pool struct {
	queue    chan queued
	stop     chan struct{}
	stopping bool
	done     chan struct{}
	sup      *rtsup.Supervisor
}

type queued struct {
	task    Task
	at      time.Time
	timeout time.Duration
	opt     TaskOptions
	gate    *RunState
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Service{
		cfg:       cfg,
		log:       log.With(logx.String("comp", "taskengine")),
		bus:       bus,
		hist:      newHistory(cfg.HistorySize),
		warnFull:  rate.Sometimes{Interval: 5 * time.Second},
		warnStale: rate.Sometimes{Interval: 5 * time.Second},
	}
}

func (s *Service) Enabled() bool { return s.cfg.Enabled }

// Start launches the workers. It is a no-op when disabled or running, and
// waits for an in-progress Stop to finish first.
func (s *Service) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		return
	}
	s.mu.Lock()
	if p := s.run; p != nil {
		stopping := p.stopping
		s.mu.Unlock()
		if !stopping {
			return
		}
		select {
		case <-p.done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.run != nil {
			s.mu.Unlock()
			return
		}
	}
	p := &pool{
		queue: make(chan queued, s.cfg.QueueSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		sup:   rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)),
	}
	s.run = p
	s.mu.Unlock()

	for i := range s.cfg.Workers {
		p.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.work(c, p, i)
			select {
			case <-p.stop:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("task engine started", logx.Int("workers", s.cfg.Workers), logx.Int("queue", s.cfg.QueueSize))
}

// Stop signals the workers and waits for in-flight tasks until ctx ends.
// Queued tasks that have not started are discarded.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	p := s.run
	if p == nil {
		s.mu.Unlock()
		return
	}
	first := !p.stopping
	if first {
		p.stopping = true
		close(p.stop)
	}
	s.mu.Unlock()

	if first {
		p.sup.Cancel()
		go func() {
			_ = p.sup.Wait(context.Background())
			s.mu.Lock()
			if s.run == p {
				s.run = nil
			}
			s.mu.Unlock()
			s.inFlight.Store(0)
			close(p.done)
		}()
	}

	select {
	case <-p.done:
		if first {
			s.log.Info("task engine stopped")
		}
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

// Enqueue never blocks; a full queue drops the task with ErrQueueFull.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit blocks until the task is accepted, ctx ends, or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	if t.Name = strings.TrimSpace(t.Name); t.Name == "" {
		return errors.New("task Name is required")
	}
	if strings.TrimSpace(t.ID) == "" {
		t.ID = uuid.NewString()
	}
	if !s.cfg.Enabled {
		return ErrDisabled
	}

	s.mu.Lock()
	p := s.run
	stopping := p != nil && p.stopping
	s.mu.Unlock()
	switch {
	case p == nil:
		return ErrStopped
	case stopping:
		return ErrStopping
	}

	q := queued{task: t, at: time.Now(), timeout: t.Timeout, opt: t.Opt.withDefaults(s.cfg)}
	if q.timeout <= 0 {
		q.timeout = s.cfg.DefaultTimeout
	}
	if q.opt.Overlap == OverlapSkipIfRunning {
		q.gate = t.State
		if q.gate == nil {
			q.gate = s.gateFor(t.Name)
		}
		if !q.gate.tryAcquire() {
			s.log.Debug("task skipped due to overlap", logx.String("task", t.Name), logx.String("id", t.ID))
			return ErrOverlapSkip
		}
	}

	if !block {
		select {
		case p.queue <- q:
			return nil
		default:
			q.gate.release()
			s.droppedFull(q, len(p.queue))
			return ErrQueueFull
		}
	}
	select {
	case p.queue <- q:
		return nil
	case <-ctx.Done():
		q.gate.release()
		return ctx.Err()
	case <-p.stop:
		q.gate.release()
		return ErrStopping
	}
}

func (s *Service) gateFor(name string) *RunState {
	g, _ := s.gates.LoadOrStore(name, &RunState{})
	return g.(*RunState)
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	p := s.run
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:          s.cfg.Enabled,
		Workers:          s.cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		DroppedQueueFull: s.droppedQueueFull.Load(),
		DroppedStale:     s.droppedStale.Load(),
		DefaultTimeout:   s.cfg.DefaultTimeout,
		MaxQueueDelay:    s.cfg.MaxQueueDelay,
		RetryMax:         s.cfg.RetryMax,
		History:          s.hist.list(),
	}
	snap.Dropped = snap.DroppedQueueFull + snap.DroppedStale
	if p != nil {
		snap.QueueLen, snap.QueueCap = len(p.queue), cap(p.queue)
	}
	return snap
}

func (s *Service) droppedFull(q queued, depth int) {
	n := s.droppedQueueFull.Add(1)
	s.bus.Publish(eventbus.Event{Type: eventbus.TaskDropped, Data: TaskEvent{ID: q.task.ID, Name: q.task.Name, Started: q.at, Error: "queue_full"}})
	s.warnFull.Do(func() {
		s.log.Warn("task dropped: queue full", logx.String("task", q.task.Name), logx.Int("queue_len", depth), logx.Int("queue_cap", s.cfg.QueueSize), logx.Uint64("dropped_queue_full", n))
	})
}

func (s *Service) droppedStaleTask(q queued, delay time.Duration) {
	n := s.droppedStale.Add(1)
	s.bus.Publish(eventbus.Event{Type: eventbus.TaskDropped, Data: TaskEvent{ID: q.task.ID, Name: q.task.Name, Started: q.at, QueueDelay: delay, Error: "stale_queue_delay"}})
	s.hist.add(HistoryItem{ID: q.task.ID, Name: q.task.Name, Started: time.Now(), QueueDelay: delay, Error: "stale_queue_delay"})
	s.warnStale.Do(func() {
		s.log.Warn("task dropped: stale queue", logx.String("task", q.task.Name), logx.Duration("queue_delay", delay), logx.Uint64("dropped_stale", n))
	})
}
