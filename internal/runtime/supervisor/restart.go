package supervisor

import (
	"context"
	"math/rand/v2"
	"time"

	logx "scrimbot/pkg/logx"
)

// RestartOption configures GoRestart.
type RestartOption func(*restartPolicy)

type restartPolicy struct {
	base, cap time.Duration
	// limit <= 0 means unlimited. The first run is not a restart.
	limit int
	// publish records the first failure as Err while restarting.
	publish bool
	// healthy resets the backoff after a run this long.
	healthy time.Duration
}

func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.base = min
		}
		if max > 0 {
			p.cap = max
		}
	}
}

func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.limit = n } }

// WithPublishFirstError sets Err on the first failure even though the
// goroutine is restarted.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publish = enabled }
}

// delay is the wait before restart n (0-based), with up to 20% jitter.
func (p restartPolicy) delay(n int) time.Duration {
	d := p.base
	for i := 0; i < n && d < p.cap; i++ {
		d *= 2
	}
	d = min(d, p.cap)
	if j := int64(d) / 5; j > 0 {
		d += time.Duration(rand.Int64N(j + 1))
	}
	return d
}

// GoRestart runs fn and restarts it after an error or panic until the
// context is canceled. A nil return ends it. Giving up after WithMaxRestarts
// records the error and honors WithCancelOnError.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{base: 250 * time.Millisecond, cap: 30 * time.Second, healthy: 30 * time.Second}
	for _, o := range opts {
		o(&p)
	}
	p.cap = max(p.cap, p.base)

	s.spawn(name, func() {
		streak := 0
		for restarts := 0; s.ctx.Err() == nil; restarts++ {
			began := time.Now()
			err := s.runOnce(name, fn, restarts > 0)
			if err == nil {
				return
			}
			if p.publish {
				s.fail(err, false)
			}
			if p.limit > 0 && restarts >= p.limit {
				s.log.Error("goroutine gave up", logx.String("goroutine", name), logx.Int("restarts", restarts), logx.Err(err))
				s.fail(err, s.cancelOnErr)
				return
			}
			if time.Since(began) >= p.healthy {
				streak = 0
			}
			wait := p.delay(streak)
			streak++
			s.log.Warn("goroutine restarting", logx.String("goroutine", name), logx.Duration("backoff", wait), logx.Err(err))

			t := time.NewTimer(wait)
			select {
			case <-s.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	})
}
