package scrim

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"scrimbot/internal/eventbus"
	"scrimbot/internal/kv"
	"scrimbot/internal/lock"
	"scrimbot/internal/storage"
	"scrimbot/internal/task/engine"
	"scrimbot/internal/task/queue"
	logx "scrimbot/pkg/logx"
)

type patch struct {
	channelID  string
	overwrites []PermissionOverwrite
}

type recordingPlatform struct {
	mu      sync.Mutex
	patches []patch
	err     error
}

func (p *recordingPlatform) SetChannelPermissions(_ context.Context, channelID string, ow []PermissionOverwrite) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.patches = append(p.patches, patch{channelID: channelID, overwrites: ow})
	return nil
}

func (p *recordingPlatform) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.patches)
}

type countingStore struct {
	storage.Store
	mu    sync.Mutex
	reads int
}

func (s *countingStore) GetScrim(ctx context.Context, id int64) (storage.Scrim, error) {
	s.mu.Lock()
	s.reads++
	s.mu.Unlock()
	return s.Store.GetScrim(ctx, id)
}

type countingLocker struct {
	Locker
	calls int
}

func (l *countingLocker) WithLock(ctx context.Context, resource string, lease time.Duration, fn func(ctx context.Context) error, opts ...lock.Option) error {
	l.calls++
	return l.Locker.WithLock(ctx, resource, lease, fn, opts...)
}

type harness struct {
	ctl      *Controller
	platform *recordingPlatform
	store    *countingStore
	locker   *countingLocker
	kv       *kv.MemoryStore
	queue    *queue.Queue
	disp     *queue.Dispatcher
	events   <-chan eventbus.Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	t.Cleanup(unsub)

	h := &harness{
		platform: &recordingPlatform{},
		store:    &countingStore{Store: storage.NewMemory()},
		kv:       kv.NewMemory(nil),
		events:   events,
	}
	mgr := lock.NewManager(h.kv, kv.Keyspace{Prefix: "scrimbot"}, lock.Config{RetryCount: 1, RetryJitter: -1}, logx.Nop())
	h.locker = &countingLocker{Locker: mgr}
	h.ctl = NewController(h.store, h.locker, h.platform, Config{Lease: time.Minute}, logx.Nop(), bus)

	h.queue = queue.New(queue.NewMemoryBackend(), logx.Nop())
	h.disp = queue.NewDispatcher(h.queue, nil, queue.DispatcherConfig{}, logx.Nop(), bus)
	h.ctl.Register(h.disp)

	if err := h.store.UpsertScrim(context.Background(), storage.Scrim{ID: 42, GuildID: "100", RegistrationChannelID: "200", Name: "Friday"}); err != nil {
		t.Fatal(err)
	}
	return h
}

func (h *harness) deliver(t *testing.T, name string) {
	t.Helper()
	j, err := queue.ParseName(name)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.queue.EnqueueAt(context.Background(), j, time.Now().Add(-time.Second)); err != nil {
		t.Fatal(err)
	}
	if ok, err := h.disp.DispatchOnce(context.Background()); !ok || err != nil {
		t.Fatalf("DispatchOnce = %v, %v", ok, err)
	}
}

func (h *harness) collect() map[eventbus.Type]int {
	got := map[eventbus.Type]int{}
	for {
		select {
		case e := <-h.events:
			got[e.Type]++
		default:
			return got
		}
	}
}

func TestDuplicateDeliveryPatchesOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.deliver(t, "scrim_registration_start:42")
	h.deliver(t, "scrim_registration_start:42")

	if n := h.platform.count(); n != 1 {
		t.Fatalf("patches = %d, want 1", n)
	}
	p := h.platform.patches[0]
	if p.channelID != "200" || len(p.overwrites) != 1 || p.overwrites[0] != RegistrationOverwrite("100") {
		t.Fatalf("patch = %+v", p)
	}
	ev := h.collect()
	if ev[eventbus.JobDone] != 2 || ev[eventbus.JobSkipped] != 1 || ev[eventbus.ScrimOutcome] != 2 {
		t.Fatalf("events = %v", ev)
	}
	// The lease is still held after success.
	if _, ok, _ := h.kv.Get(context.Background(), "scrimbot:lock:scrim:42:open-registration"); !ok {
		t.Fatal("lock released after success")
	}
}

func TestMalformedTargetIsDroppedWithoutLockOrLookup(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.deliver(t, "scrim_registration_start:notanumber")

	if h.locker.calls != 0 || h.store.reads != 0 || h.platform.count() != 0 {
		t.Fatalf("locks=%d reads=%d patches=%d, want all zero", h.locker.calls, h.store.reads, h.platform.count())
	}
	if ev := h.collect(); ev[eventbus.JobDropped] != 1 {
		t.Fatalf("events = %v", ev)
	}
	if st, _ := h.queue.Stats(context.Background()); st.Done != 1 || st.Ready != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestMissingScrimIsNoop(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	out := h.ctl.OpenRegistration(context.Background(), "7")
	if out.State != StateDone || out.Reason != ReasonScrimNotFound || out.Err != nil {
		t.Fatalf("outcome = %+v", out)
	}
	if h.platform.count() != 0 {
		t.Fatal("patched a missing scrim")
	}
}

func TestClearedChannelIsNoop(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	_ = h.store.UpsertScrim(context.Background(), storage.Scrim{ID: 43, GuildID: "100"})

	out := h.ctl.OpenRegistration(context.Background(), "43")
	if out.State != StateDone || out.Reason != ReasonNoChannel {
		t.Fatalf("outcome = %+v", out)
	}
	if h.platform.count() != 0 {
		t.Fatal("patched without a channel")
	}
}

func TestLockHeldElsewhereIsSkipped(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ok, _ := h.kv.SetNX(context.Background(), "scrimbot:lock:scrim:42:open-registration", []byte("other-worker"), time.Minute)
	if !ok {
		t.Fatal("setup lock failed")
	}

	out := h.ctl.OpenRegistration(context.Background(), "42")
	if out.State != StateSkipped || out.Err != nil {
		t.Fatalf("outcome = %+v", out)
	}
	if h.store.reads != 0 || h.platform.count() != 0 {
		t.Fatal("guarded work ran without the lock")
	}
}

func TestPlatformFailureReleasesLockAndRetries(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.platform.err = errors.New("502 bad gateway")

	out := h.ctl.OpenRegistration(context.Background(), "42")
	if out.State != StateFailed || !errors.Is(out.Err, ErrPlatformRequest) {
		t.Fatalf("outcome = %+v", out)
	}
	if _, ok, _ := h.kv.Get(context.Background(), "scrimbot:lock:scrim:42:open-registration"); ok {
		t.Fatal("lock kept after failure")
	}

	h.platform.mu.Lock()
	h.platform.err = nil
	h.platform.mu.Unlock()
	if out := h.ctl.OpenRegistration(context.Background(), "42"); out.State != StateDone || out.Reason != ReasonOpened {
		t.Fatalf("second attempt = %+v", out)
	}
	if h.platform.count() != 1 {
		t.Fatalf("patches = %d", h.platform.count())
	}
}

func TestPermanentPlatformErrorKeepsNoRetry(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.platform.err = engine.NoRetry(errors.New("403 missing access"))

	h.deliver(t, "scrim_registration_start:42")
	if ev := h.collect(); ev[eventbus.JobDropped] != 1 || ev[eventbus.JobRetry] != 0 {
		t.Fatalf("events = %v", ev)
	}
}

func TestTransientPlatformErrorIsRedelivered(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.platform.err = errors.New("connection reset")

	h.deliver(t, "scrim_registration_start:42")
	if ev := h.collect(); ev[eventbus.JobRetry] != 1 {
		t.Fatalf("events = %v", ev)
	}
}

func TestOpenRoleOverridesDefaultRole(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	_ = h.store.UpsertScrim(context.Background(), storage.Scrim{ID: 44, GuildID: "100", RegistrationChannelID: "201", OpenRoleID: "555"})

	if out := h.ctl.OpenRegistration(context.Background(), "44"); out.State != StateDone || out.Reason != ReasonOpened {
		t.Fatalf("outcome = %+v", out)
	}
	if p := h.platform.patches[0]; p.channelID != "201" || p.overwrites[0].ID != "555" {
		t.Fatalf("patch = %+v", p)
	}
}

func TestParseScrimID(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"42":                  true,
		"9223372036854775807": true,
		"9223372036854775808": false,
		"0":                   false,
		"-1":                  false,
		"+42":                 false,
		" 42":                 false,
		"4 2":                 false,
		"notanumber":          false,
		"":                    false,
	}
	for in, want := range cases {
		if _, ok := parseScrimID(in); ok != want {
			t.Errorf("parseScrimID(%q) ok = %v, want %v", in, ok, want)
		}
	}
}

func TestOverwriteBody(t *testing.T) {
	t.Parallel()
	b, err := json.Marshal(RegistrationOverwrite("100"))
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"id":"100","type":"role","allow":"68608"}`; string(b) != want {
		t.Fatalf("body = %s, want %s", b, want)
	}
}

func TestSchedulerEnqueuesJobName(t *testing.T) {
	t.Parallel()
	b := queue.NewMemoryBackend()
	s := NewScheduler(queue.New(b, logx.Nop()))

	if _, err := s.ScheduleRegistrationIn(context.Background(), 42, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ScheduleRegistration(context.Background(), 0, time.Now()); err == nil {
		t.Fatal("zero id accepted")
	}
	rec, ok, err := b.Reserve(context.Background(), time.Now().Add(time.Second), time.Minute)
	if err != nil || !ok {
		t.Fatalf("Reserve = %v, %v", ok, err)
	}
	j, err := queue.Decode(rec.Payload)
	if err != nil || j.Name() != "scrim_registration_start:42" {
		t.Fatalf("job = %+v, %v", j, err)
	}
}

type slowPlatform struct {
	recordingPlatform
	delay time.Duration
}

func (p *slowPlatform) SetChannelPermissions(ctx context.Context, channelID string, ow []PermissionOverwrite) error {
	time.Sleep(p.delay)
	return p.recordingPlatform.SetChannelPermissions(ctx, channelID, ow)
}

func TestConcurrentControllersPatchOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	shared := kv.NewMemory(nil)
	scrims := storage.NewMemory()
	if err := scrims.UpsertScrim(ctx, storage.Scrim{ID: 42, GuildID: "100", RegistrationChannelID: "200"}); err != nil {
		t.Fatal(err)
	}
	platform := &slowPlatform{delay: 50 * time.Millisecond}

	// One controller per simulated worker process, each with its own lock
	// manager over the shared store.
	const workers = 8
	ctls := make([]*Controller, workers)
	for i := range ctls {
		mgr := lock.NewManager(shared, kv.Keyspace{Prefix: "scrimbot"},
			lock.Config{RetryCount: 3, RetryDelay: 5 * time.Millisecond, RetryJitter: -1}, logx.Nop())
		ctls[i] = NewController(scrims, mgr, platform, Config{Lease: time.Minute}, logx.Nop(), eventbus.Nop())
	}

	var (
		start = make(chan struct{})
		wg    sync.WaitGroup
		mu    sync.Mutex
		seen  = map[State]int{}
	)
	for _, c := range ctls {
		wg.Add(1)
		go func(c *Controller) {
			defer wg.Done()
			<-start
			out := c.OpenRegistration(ctx, "42")
			mu.Lock()
			seen[out.State]++
			mu.Unlock()
		}(c)
	}
	close(start)
	wg.Wait()

	if n := platform.count(); n != 1 {
		t.Fatalf("patches = %d, want 1", n)
	}
	if seen[StateDone] != 1 || seen[StateSkipped] != workers-1 {
		t.Fatalf("outcomes = %v, want 1 done and %d skipped", seen, workers-1)
	}
}
