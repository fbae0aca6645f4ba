package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"time"

	"scrimbot/internal/eventbus"
	logx "scrimbot/pkg/logx"
)

func (s *Service) work(ctx context.Context, p *pool, idx int) {
	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(idx)))
	for {
		// A closed stop channel wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case q := <-p.queue:
			s.inFlight.Add(1)
			s.exec(ctx, p.stop, q, rng)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) exec(ctx context.Context, stop <-chan struct{}, q queued, rng *rand.Rand) {
	defer q.gate.release()

	start := time.Now()
	delay := max(start.Sub(q.at), 0)
	if s.cfg.MaxQueueDelay > 0 && delay > s.cfg.MaxQueueDelay {
		s.droppedStaleTask(q, delay)
		return
	}
	log := s.log.With(logx.String("task", q.task.Name), logx.String("id", q.task.ID))
	log.Debug("task started", logx.Duration("queue_delay", delay))

	attempts, err := s.attempt(ctx, stop, q, rng, log)

	ev := TaskEvent{ID: q.task.ID, Name: q.task.Name, Started: start, QueueDelay: delay, Duration: time.Since(start), Attempts: attempts}
	if err != nil {
		ev.Error = err.Error()
	}
	s.hist.add(HistoryItem{ID: ev.ID, Name: ev.Name, Started: start, QueueDelay: delay, Duration: ev.Duration, Attempts: attempts, Error: ev.Error})

	fields := []logx.Field{logx.Duration("dur", ev.Duration), logx.Int("attempts", attempts)}
	switch {
	case err != nil:
		log.Warn("task failed", append(fields, logx.Err(err))...)
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskFailed, Data: ev})
	case ev.Duration >= 750*time.Millisecond:
		log.Info("task completed", fields...)
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskFinished, Data: ev})
	default:
		log.Debug("task completed", fields...)
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskFinished, Data: ev})
	}
}

// attempt runs q up to 1+RetryMax times, sleeping a backoff between tries.
func (s *Service) attempt(ctx context.Context, stop <-chan struct{}, q queued, rng *rand.Rand, log logx.Logger) (int, error) {
	limit := 1 + q.opt.RetryMax
	for n := 1; ; n++ {
		err := s.runOnce(ctx, q, log)
		if err == nil || IsNoRetry(err) || n >= limit {
			return n, err
		}
		wait := backoff(q.opt, n, err, rng.Float64)
		log.Debug("task retry scheduled", logx.Int("attempt", n+1), logx.Duration("delay", wait), logx.Err(err))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return n, ctx.Err()
		case <-stop:
			t.Stop()
			return n, ErrStopping
		case <-t.C:
		}
	}
}

// runOnce applies the task timeout and turns a panic into an error.
func (s *Service) runOnce(ctx context.Context, q queued, log logx.Logger) (err error) {
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("task panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return q.task.Run(ctx)
}

// Backoff returns the delay before retry number attempt (1-based) of a task
// that failed with err. The queue dispatcher uses it for redelivery.
func Backoff(opt TaskOptions, attempt int, err error) time.Duration {
	return backoff(opt.withDefaults(Config{}), attempt, err, rand.Float64)
}

// backoff doubles RetryBase per attempt up to RetryMaxDelay. A RetryAfter
// hint replaces the exponential step but is still capped and jittered.
func backoff(opt TaskOptions, attempt int, err error, float func() float64) time.Duration {
	d := opt.RetryBase
	var ra RetryAfterError
	if errors.As(err, &ra) {
		d = max(ra.RetryAfter(), 0)
	} else {
		for i := 1; i < attempt && d < opt.RetryMaxDelay; i++ {
			d *= 2
		}
	}
	d = min(d, opt.RetryMaxDelay)
	spread := (float()*2 - 1) * opt.RetryJitter
	return min(max(time.Duration(float64(d)*(1+spread)), 0), opt.RetryMaxDelay)
}
