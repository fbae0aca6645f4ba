package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"scrimbot/internal/task/engine"
	logx "scrimbot/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    Schedule
		wantErr bool
	}{
		{in: "*/5 * * * *", want: Schedule{Cron: "*/5 * * * *"}},
		{in: "@hourly", want: Schedule{Cron: "@hourly"}},
		{in: " 0 3 * * * ", want: Schedule{Cron: "0 3 * * *"}},
		{in: "55m", want: Schedule{Every: 55 * time.Minute}},
		{in: "@every 1h", want: Schedule{Every: time.Hour}},
		{in: "", wantErr: true},
		{in: "0s", wantErr: true},
		{in: "@every -1m", wantErr: true},
		{in: "soon", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseSchedule(%q) = %+v, want error", tc.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSchedule(%q): %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("ParseSchedule(%q) = %+v, want %+v", tc.in, got, tc.want)
			}
		})
	}
}

func TestStartupSpreadOnlyMovesFirstRun(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	sched, offset := withStartupSpread(time.Minute, now, "queue.prune")
	if offset < 0 || offset >= 30*time.Second {
		t.Fatalf("offset = %s", offset)
	}
	first := sched.Next(now)
	if want := now.Add(time.Minute + offset); !first.Equal(want) {
		t.Fatalf("first = %s, want %s", first, want)
	}
	if next := sched.Next(first); !next.Equal(first.Add(time.Minute).Truncate(time.Second)) {
		t.Fatalf("second = %s after %s", next, first)
	}
}

type recordingEnqueuer struct {
	mu    sync.Mutex
	tasks []engine.Task
	fired chan struct{}
}

func (r *recordingEnqueuer) Enqueue(t engine.Task) error {
	r.mu.Lock()
	r.tasks = append(r.tasks, t)
	r.mu.Unlock()
	select {
	case r.fired <- struct{}{}:
	default:
	}
	return nil
}

func TestIntervalScheduleEnqueuesWithOverlapSkip(t *testing.T) {
	t.Parallel()
	rec := &recordingEnqueuer{fired: make(chan struct{}, 1)}
	s := New(Config{Enabled: true, Timezone: "UTC"}, rec, logx.Nop())
	if err := s.AddSchedule("queue.prune", "100ms", time.Second, func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())

	select {
	case <-rec.fired:
	case <-time.After(5 * time.Second):
		t.Fatal("schedule never fired")
	}
	rec.mu.Lock()
	got := rec.tasks[0]
	rec.mu.Unlock()
	if got.Name != "queue.prune" || got.Opt.Overlap != engine.OverlapSkipIfRunning || got.State == nil || got.Timeout != time.Second {
		t.Fatalf("task = %+v", got)
	}
}

func TestAddScheduleReplacesAndRemoves(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, nil, logx.Nop())
	job := func(context.Context) error { return nil }

	if err := s.AddSchedule("kv.sweep", "@hourly", 0, job); err != nil {
		t.Fatal(err)
	}
	if err := s.AddSchedule("kv.sweep", "10m", 0, job); err != nil {
		t.Fatal(err)
	}
	if err := s.AddSchedule("bad", "61 * * * *", 0, job); err == nil {
		t.Fatal("invalid cron accepted")
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())

	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Spec != "@every 10m0s" {
		t.Fatalf("schedules = %+v", snap.Schedules)
	}
	if snap.Schedules[0].Next.IsZero() {
		t.Fatal("next run not computed")
	}
	if !s.Remove("kv.sweep") || s.Remove("kv.sweep") {
		t.Fatal("Remove should succeed exactly once")
	}
}

func TestDisabledSchedulerNeverStarts(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, logx.Nop())
	_ = s.AddSchedule("x", "1m", 0, func(context.Context) error { return nil })
	s.Start(context.Background())
	if s.Snapshot().Schedules[0].Next != (time.Time{}) {
		t.Fatal("disabled scheduler computed a next run")
	}
	s.Stop(context.Background())
}
