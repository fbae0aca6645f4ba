// Package supervisor runs the long-lived goroutines of a scrimbot process:
// gateway handlers, mirror applier shards, the queue dispatcher, pool
// workers and the maintenance scheduler.
//
// Every goroutine is named. The name keys its run statistics, prefixes its
// error and tags its log lines.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	logx "scrimbot/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	// cancelOnErr cancels ctx on the first goroutine failure.
	cancelOnErr bool

	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	firstErr error
	reg      registry
}

type SupervisorOption func(*Supervisor)

func WithLogger(log logx.Logger) SupervisorOption {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError makes the first non-nil goroutine error cancel the
// supervisor context.
func WithCancelOnError(enabled bool) SupervisorOption {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func NewSupervisor(parent context.Context, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{done: make(chan struct{}), reg: registry{}}
	s.ctx, s.cancel = context.WithCancel(parent)
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the supervisor context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err is the first recorded failure, or nil.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

// Go runs fn once. A panic is recovered and recorded as the goroutine's
// error. context.Canceled is a clean exit.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.spawn(name, func() {
		err := s.runOnce(name, fn, false)
		if err != nil {
			s.fail(err, s.cancelOnErr)
		}
	})
}

func (s *Supervisor) spawn(name string, body func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log := s.log.With(logx.String("goroutine", name))
		log.Debug("goroutine started")
		body()
		log.Debug("goroutine stopped")
	}()
}

// runOnce executes fn and books the run. The returned error is prefixed with
// name and nil for clean exits, including a return caused by shutdown.
func (s *Supervisor) runOnce(name string, fn func(ctx context.Context) error, restart bool) error {
	s.book(name, func(r *RoutineStats) { r.begin(time.Now(), restart) })
	err, panicked := s.call(name, fn)
	if err == nil || errors.Is(err, context.Canceled) || s.ctx.Err() != nil {
		s.book(name, func(r *RoutineStats) { r.end(nil, false) })
		return nil
	}
	err = fmt.Errorf("%s: %w", name, err)
	s.book(name, func(r *RoutineStats) { r.end(err, panicked) })
	return err
}

func (s *Supervisor) call(name string, fn func(ctx context.Context) error) (err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("goroutine panicked",
				logx.String("goroutine", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err, panicked = fmt.Errorf("panic: %v", r), true
		}
	}()
	return fn(s.ctx), false
}

// fail records err as the first error when none is set yet.
func (s *Supervisor) fail(err error, cancel bool) {
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()
	if cancel {
		s.cancel()
	}
}

func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine returned or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.once.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}

func (s *Supervisor) book(name string, fn func(r *RoutineStats)) {
	s.mu.Lock()
	fn(s.reg.get(name))
	s.mu.Unlock()
}
