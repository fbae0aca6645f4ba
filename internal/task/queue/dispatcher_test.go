package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"scrimbot/internal/eventbus"
	"scrimbot/internal/task/engine"
	logx "scrimbot/pkg/logx"
)

type fixture struct {
	b      *MemoryBackend
	q      *Queue
	d      *Dispatcher
	events <-chan eventbus.Event
	now    time.Time
}

func newFixture(t *testing.T, cfg DispatcherConfig) *fixture {
	t.Helper()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	t.Cleanup(unsub)

	f := &fixture{b: NewMemoryBackend(), events: events, now: time.Unix(1_700_000_000, 0)}
	f.q = New(f.b, logx.Nop())
	f.q.now = func() time.Time { return f.now }
	f.d = NewDispatcher(f.q, nil, cfg, logx.Nop(), bus)
	return f
}

func (f *fixture) next(t *testing.T) eventbus.Event {
	t.Helper()
	select {
	case e := <-f.events:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return eventbus.Event{}
	}
}

func (f *fixture) dispatch(t *testing.T) {
	t.Helper()
	got, err := f.d.DispatchOnce(context.Background())
	if err != nil || !got {
		t.Fatalf("DispatchOnce = %v, %v", got, err)
	}
}

func TestDispatcherRoutesByTag(t *testing.T) {
	t.Parallel()
	f := newFixture(t, DispatcherConfig{})

	var got []Job
	f.d.Register(ActionScrimRegistrationStart, HandlerFunc(func(_ context.Context, j Job) error {
		got = append(got, j)
		return nil
	}))
	if _, err := f.q.Enqueue(context.Background(), ActionScrimRegistrationStart, "42", 0); err != nil {
		t.Fatal(err)
	}
	f.dispatch(t)

	if len(got) != 1 || got[0].TargetID != "42" {
		t.Fatalf("handled = %+v", got)
	}
	if e := f.next(t); e.Type != eventbus.JobDone || e.Data.(eventbus.JobEvent).Name != "scrim_registration_start:42" {
		t.Fatalf("event = %+v", e)
	}
	if st, _ := f.q.Stats(context.Background()); st.Done != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestDispatcherDropsUnknownAndMalformed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, DispatcherConfig{})
	ctx := context.Background()

	_, _ = f.q.EnqueueAt(ctx, Job{Action: "scrim_close", TargetID: "1"}, f.now)
	f.dispatch(t)
	if e := f.next(t); e.Type != eventbus.JobDropped || e.Data.(eventbus.JobEvent).Reason != "unknown_action" {
		t.Fatalf("event = %+v", e)
	}

	_, _ = f.b.Push(ctx, []byte("garbage"), f.now)
	f.dispatch(t)
	if e := f.next(t); e.Type != eventbus.JobDropped || e.Data.(eventbus.JobEvent).Reason != "malformed" {
		t.Fatalf("event = %+v", e)
	}

	f.d.Register(ActionScrimRegistrationStart, HandlerFunc(func(context.Context, Job) error {
		return fmt.Errorf("target: %w", ErrMalformedJob)
	}))
	_, _ = f.q.Enqueue(ctx, ActionScrimRegistrationStart, "notanumber", 0)
	f.dispatch(t)
	if e := f.next(t); e.Type != eventbus.JobDropped {
		t.Fatalf("event = %+v", e)
	}

	st, _ := f.q.Stats(ctx)
	if st.Done != 3 || st.Ready != 0 || st.Reserved != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestDispatcherRetriesThenBuries(t *testing.T) {
	t.Parallel()
	f := newFixture(t, DispatcherConfig{MaxAttempts: 3, Retry: engine.TaskOptions{RetryBase: time.Second, RetryMaxDelay: time.Second}})
	ctx := context.Background()

	var calls int
	f.d.Register(ActionScrimRegistrationStart, HandlerFunc(func(context.Context, Job) error {
		calls++
		return errors.New("platform unavailable")
	}))
	_, _ = f.q.Enqueue(ctx, ActionScrimRegistrationStart, "42", 0)

	for attempt := 1; attempt <= 3; attempt++ {
		f.dispatch(t)
		e := f.next(t)
		want := eventbus.JobRetry
		if attempt == 3 {
			want = eventbus.JobBuried
		}
		if e.Type != want || e.Data.(eventbus.JobEvent).Attempt != attempt {
			t.Fatalf("attempt %d: event = %+v, want %s", attempt, e, want)
		}
		// Not due before the backoff elapses.
		if got, _ := f.d.DispatchOnce(ctx); got {
			t.Fatalf("attempt %d: redelivered before backoff", attempt)
		}
		f.now = f.now.Add(2 * time.Second)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if st, _ := f.q.Stats(ctx); st.Dead != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestDispatcherNoRetryIsDropped(t *testing.T) {
	t.Parallel()
	f := newFixture(t, DispatcherConfig{})
	f.d.Register(ActionScrimRegistrationStart, HandlerFunc(func(context.Context, Job) error {
		return engine.NoRetry(errors.New("403 missing access"))
	}))
	_, _ = f.q.Enqueue(context.Background(), ActionScrimRegistrationStart, "42", 0)
	f.dispatch(t)
	if e := f.next(t); e.Type != eventbus.JobDropped {
		t.Fatalf("event = %+v", e)
	}
}

func TestDispatcherRunWithPool(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	pool := engine.New(engine.Config{Enabled: true, Workers: 3}, logx.Nop(), nil)
	pool.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		pool.Stop(ctx)
	}()

	q := New(NewMemoryBackend(), logx.Nop())
	d := NewDispatcher(q, pool, DispatcherConfig{PollInterval: 10 * time.Millisecond}, logx.Nop(), bus)

	var (
		mu      sync.Mutex
		targets = map[string]int{}
	)
	d.Register(ActionScrimRegistrationStart, HandlerFunc(func(_ context.Context, j Job) error {
		mu.Lock()
		targets[j.TargetID]++
		mu.Unlock()
		return nil
	}))
	for i := 0; i < 10; i++ {
		_, _ = q.Enqueue(context.Background(), ActionScrimRegistrationStart, fmt.Sprint(i), 0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = d.Run(ctx); close(done) }()

	for n := 0; n < 10; {
		select {
		case e := <-events:
			if e.Type == eventbus.JobDone {
				n++
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("done %d of 10", n)
		}
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(targets) != 10 {
		t.Fatalf("targets = %v", targets)
	}
	for id, n := range targets {
		if n != 1 {
			t.Fatalf("target %s handled %d times", id, n)
		}
	}
}

func TestDispatcherLeavesJobTakenOverByAnotherConsumer(t *testing.T) {
	t.Parallel()
	f := newFixture(t, DispatcherConfig{Visibility: time.Minute, MaxAttempts: 5})
	ctx := context.Background()

	var calls int
	f.d.Register(ActionScrimRegistrationStart, HandlerFunc(func(context.Context, Job) error {
		calls++
		if calls == 1 {
			// This delivery stalls past its visibility window. Another
			// consumer reserves the job and finishes it first.
			f.now = f.now.Add(2 * time.Minute)
			f.dispatch(t)
			return errors.New("platform timeout")
		}
		return nil
	}))
	_, _ = f.q.Enqueue(ctx, ActionScrimRegistrationStart, "42", 0)
	f.dispatch(t)

	if e := f.next(t); e.Type != eventbus.JobDone || e.Data.(eventbus.JobEvent).Attempt != 2 {
		t.Fatalf("event = %+v", e)
	}
	select {
	case e := <-f.events:
		t.Fatalf("lapsed delivery published %+v", e)
	default:
	}

	f.now = f.now.Add(time.Hour)
	if got, err := f.d.DispatchOnce(ctx); err != nil || got {
		t.Fatalf("finished job delivered again: %v, %v", got, err)
	}
	if calls != 2 {
		t.Fatalf("handler calls = %d, want 2", calls)
	}
	if st, _ := f.q.Stats(ctx); st.Done != 1 || st.Ready != 0 {
		t.Fatalf("stats = %+v", st)
	}
}
