package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	logx "scrimbot/pkg/logx"
)

func backends(t *testing.T) map[string]func(t *testing.T) Backend {
	t.Helper()
	return map[string]func(t *testing.T) Backend{
		"memory": func(t *testing.T) Backend { return NewMemoryBackend() },
		"sqlite": func(t *testing.T) Backend {
			b, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "queue.db")}, logx.Nop())
			if err != nil {
				t.Fatalf("Open sqlite: %v", err)
			}
			t.Cleanup(func() { _ = b.Close() })
			return b
		},
	}
}

func TestBackendReserveOrderAndVisibility(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := open(t)
			now := time.Now().Truncate(time.Millisecond)

			_, _ = b.Push(ctx, []byte("later"), now.Add(time.Minute))
			first, _ := b.Push(ctx, []byte("first"), now.Add(-2*time.Second))
			second, _ := b.Push(ctx, []byte("second"), now.Add(-time.Second))

			r, ok, err := b.Reserve(ctx, now, 30*time.Second)
			if err != nil || !ok || r.ID != first || string(r.Payload) != "first" || r.Attempts != 1 {
				t.Fatalf("Reserve #1 = %+v, %v, %v; want job %d", r, ok, err, first)
			}
			r, ok, _ = b.Reserve(ctx, now, 30*time.Second)
			if !ok || r.ID != second {
				t.Fatalf("Reserve #2 = %+v; want job %d", r, second)
			}
			if _, ok, _ := b.Reserve(ctx, now, 30*time.Second); ok {
				t.Fatal("reserved a job that is not due")
			}

			// The unacknowledged reservation of "first" expires.
			r, ok, _ = b.Reserve(ctx, now.Add(31*time.Second), 30*time.Second)
			if !ok || r.ID != first || r.Attempts != 2 {
				t.Fatalf("redelivery = %+v, %v; want job %d attempt 2", r, ok, first)
			}

			if err := b.Ack(ctx, second, 1); err != nil {
				t.Fatalf("Ack: %v", err)
			}
			if err := b.Ack(ctx, 9999, 1); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Ack(unknown) = %v, want ErrNotFound", err)
			}

			st, err := b.Stats(ctx, now)
			if err != nil {
				t.Fatalf("Stats: %v", err)
			}
			if st.Ready != 1 || st.Due != 0 || st.Reserved != 1 || st.Done != 1 {
				t.Fatalf("stats = %+v", st)
			}
		})
	}
}

func TestBackendRetryBuryPrune(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := open(t)
			now := time.Now()

			id, _ := b.Push(ctx, []byte("x"), now.Add(-time.Second))
			if _, ok, _ := b.Reserve(ctx, now, time.Minute); !ok {
				t.Fatal("not reserved")
			}
			if err := b.Retry(ctx, id, 1, now.Add(10*time.Second), "transient"); err != nil {
				t.Fatalf("Retry: %v", err)
			}
			if _, ok, _ := b.Reserve(ctx, now, time.Minute); ok {
				t.Fatal("retried job delivered before its run_at")
			}
			r, ok, _ := b.Reserve(ctx, now.Add(11*time.Second), time.Minute)
			if !ok || r.Attempts != 2 {
				t.Fatalf("retry delivery = %+v, %v", r, ok)
			}
			if err := b.Bury(ctx, id, 2, "gave up"); err != nil {
				t.Fatalf("Bury: %v", err)
			}
			if _, ok, _ := b.Reserve(ctx, now.Add(time.Hour), time.Minute); ok {
				t.Fatal("dead job delivered")
			}

			n, err := b.Prune(ctx, time.Now().Add(time.Hour))
			if err != nil || n != 1 {
				t.Fatalf("Prune = %d, %v; want 1", n, err)
			}
			st, _ := b.Stats(ctx, now)
			if st != (Stats{}) {
				t.Fatalf("stats after prune = %+v", st)
			}
		})
	}
}

func TestBackendRejectsLapsedReservation(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := open(t)
			now := time.Now().Truncate(time.Millisecond)

			id, _ := b.Push(ctx, []byte("x"), now.Add(-time.Second))
			first, ok, _ := b.Reserve(ctx, now, time.Second)
			if !ok {
				t.Fatal("not reserved")
			}
			// The first consumer stalls past its window; a second one takes over
			// and finishes the job.
			second, ok, _ := b.Reserve(ctx, now.Add(2*time.Second), time.Minute)
			if !ok || second.ID != id || second.Attempts != first.Attempts+1 {
				t.Fatalf("takeover = %+v, %v", second, ok)
			}

			// Settling with the lapsed attempt must not touch the live reservation.
			if err := b.Ack(ctx, id, first.Attempts); !errors.Is(err, ErrStaleReservation) {
				t.Fatalf("stale Ack = %v, want ErrStaleReservation", err)
			}
			if err := b.Ack(ctx, id, second.Attempts); err != nil {
				t.Fatalf("Ack: %v", err)
			}
			if err := b.Retry(ctx, id, first.Attempts, now, "late"); !errors.Is(err, ErrStaleReservation) {
				t.Fatalf("stale Retry = %v, want ErrStaleReservation", err)
			}
			if err := b.Bury(ctx, id, first.Attempts, "late"); !errors.Is(err, ErrStaleReservation) {
				t.Fatalf("stale Bury = %v, want ErrStaleReservation", err)
			}
			// A second Ack of a finished job is stale too.
			if err := b.Ack(ctx, id, second.Attempts); !errors.Is(err, ErrStaleReservation) {
				t.Fatalf("repeat Ack = %v, want ErrStaleReservation", err)
			}

			if r, ok, _ := b.Reserve(ctx, now.Add(time.Hour), time.Minute); ok {
				t.Fatalf("acknowledged job redelivered: %+v", r)
			}
			st, _ := b.Stats(ctx, now)
			if st.Done != 1 || st.Ready != 0 || st.Reserved != 0 {
				t.Fatalf("stats = %+v", st)
			}
		})
	}
}

func TestBackendConcurrentReserveIsExclusive(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := open(t)
			now := time.Now()
			const jobs = 20
			for i := 0; i < jobs; i++ {
				if _, err := b.Push(ctx, []byte("j"), now.Add(-time.Second)); err != nil {
					t.Fatal(err)
				}
			}

			var (
				mu   sync.Mutex
				seen = map[int64]int{}
				wg   sync.WaitGroup
			)
			for w := 0; w < 4; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for {
						r, ok, err := b.Reserve(ctx, now, time.Minute)
						if err != nil || !ok {
							return
						}
						mu.Lock()
						seen[r.ID]++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			if len(seen) != jobs {
				t.Fatalf("reserved %d distinct jobs, want %d", len(seen), jobs)
			}
			for id, n := range seen {
				if n != 1 {
					t.Fatalf("job %d reserved %d times", id, n)
				}
			}
		})
	}
}

func TestPostgresPlaceholders(t *testing.T) {
	t.Parallel()
	got := postgresDialect.bind(`UPDATE jobs SET state = ? WHERE id = ? AND run_at <= ?`)
	if want := `UPDATE jobs SET state = $1 WHERE id = $2 AND run_at <= $3`; got != want {
		t.Fatalf("bind = %q, want %q", got, want)
	}
	if got := sqliteDialect.bind("a = ?"); got != "a = ?" {
		t.Fatalf("sqlite bind = %q", got)
	}
}
