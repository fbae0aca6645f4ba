package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestRenderChannelLine(t *testing.T) {
	t.Parallel()

	line := `{"level":"error","time":"2026-01-01T00:00:00Z","caller":"dispatcher.go:88","message":"job failed","job":"scrim_registration_start:42","attempt":3}`
	got := renderChannelLine([]byte(line))
	want := "**ERROR** job failed\n`attempt=3` `job=scrim_registration_start:42`"
	if got != want {
		t.Fatalf("renderChannelLine:\n got %q\nwant %q", got, want)
	}

	if got := renderChannelLine([]byte("  not json  ")); got != "not json" {
		t.Fatalf("non-json line = %q", got)
	}

	long := strings.Repeat("x", 3000)
	if got := renderChannelLine([]byte(long)); len(got) != maxChannelMessage || !strings.HasSuffix(got, "...") {
		t.Fatalf("long line len=%d", len(got))
	}
}

type recordingSender struct {
	mu    sync.Mutex
	lines []string
	got   chan struct{}
}

func (r *recordingSender) SendLog(_ context.Context, channelID, text string) error {
	r.mu.Lock()
	r.lines = append(r.lines, channelID+"|"+text)
	r.mu.Unlock()
	r.got <- struct{}{}
	return nil
}

func TestServiceChannelFiltersByLevel(t *testing.T) {
	t.Parallel()

	rec := &recordingSender{got: make(chan struct{}, 4)}
	svc, log := New(Config{
		Level:   "debug",
		File:    FileConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "bot.log")},
		Channel: ChannelConfig{Enabled: true, ChannelID: "123", MinLevel: "warn", RatePerSec: 100},
	}, rec)
	defer func() { _ = svc.Close() }()

	log.Info("hello")
	log.Error("boom", String("scrim", "7"))

	select {
	case <-rec.got:
	case <-time.After(3 * time.Second):
		t.Fatal("error line never delivered")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.lines) != 1 || rec.lines[0] != "123|**ERROR** boom\n`scrim=7`" {
		t.Fatalf("delivered = %q", rec.lines)
	}
}

func TestChannelSinkNeverBlocks(t *testing.T) {
	t.Parallel()

	c := &channelSink{queue: make(chan channelLine, 1), channelID: "123", limiter: rate.NewLimiter(rate.Inf, 1)}
	for range 10 {
		if n, err := c.Write([]byte(`{"level":"error","message":"x"}`)); err != nil || n == 0 {
			t.Fatalf("Write = %d, %v", n, err)
		}
	}
	if len(c.queue) != 1 {
		t.Fatalf("queue len = %d, want 1", len(c.queue))
	}
}

func TestApplyReplacesOutputs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first, second := filepath.Join(dir, "a.log"), filepath.Join(dir, "b.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: first}}, nil)
	defer func() { _ = svc.Close() }()
	derived := log.With(String("comp", "test"))

	derived.Debug("hidden")
	derived.Info("to a")
	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: second}})
	derived.Debug("to b")

	a, _ := os.ReadFile(first)
	b, _ := os.ReadFile(second)
	if strings.Contains(string(a), "hidden") || !strings.Contains(string(a), "to a") {
		t.Fatalf("a.log = %s", a)
	}
	if !strings.Contains(string(b), "to b") || !strings.Contains(string(b), `"comp":"test"`) {
		t.Fatalf("b.log = %s", b)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	cases := map[string]Level{"TRACE": LevelTrace, " warning ": LevelWarn, "error": LevelError, "": LevelInfo, "loud": LevelInfo}
	for in, want := range cases {
		if got := ParseLevel(in, LevelInfo); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLoggerWithFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("component", "lock"))
	log.Info("acquired", Int64("scrim_id", 42))
	log.Trace("dropped")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines = %d, want 1: %q", len(lines), buf.String())
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["component"] != "lock" || m["scrim_id"] != float64(42) || m["message"] != "acquired" {
		t.Fatalf("fields = %v", m)
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var log Logger
	if !log.IsZero() {
		t.Fatal("zero logger not IsZero")
	}
	log.Error("ignored", Err(nil))
	if Nop().IsZero() {
		t.Fatal("Nop logger reported IsZero")
	}
}
