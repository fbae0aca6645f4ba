package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
)

func init() { color.NoColor = true }

func TestResolveRunAt(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name    string
		in      time.Duration
		inSet   bool
		at      string
		want    time.Time
		wantErr bool
	}{
		{name: "default now", want: now},
		{name: "in", in: 10 * time.Minute, inSet: true, want: now.Add(10 * time.Minute)},
		{name: "in zero", inSet: true, want: now},
		{name: "negative in", in: -time.Minute, inSet: true, wantErr: true},
		{name: "at", at: "2026-10-16T18:00:00Z", want: time.Date(2026, 10, 16, 18, 0, 0, 0, time.UTC)},
		{name: "bad at", at: "friday", wantErr: true},
	}
	for _, tc := range cases {
		got, err := resolveRunAt(now, tc.in, tc.at, tc.inSet)
		if (err != nil) != tc.wantErr {
			t.Errorf("%s: err = %v", tc.name, err)
			continue
		}
		if !tc.wantErr && !got.Equal(tc.want) {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func writeCLIConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	p := func(name string) string { return filepath.ToSlash(filepath.Join(dir, name)) }
	body := `{
		"logging": {"level": "error"},
		"kv": {"driver": "sqlite", "path": "` + p("kv.db") + `"},
		"database": {"driver": "sqlite", "path": "` + p("scrims.db") + `"},
		"queue": {"driver": "sqlite", "path": "` + p("queue.db") + `"}
	}`
	path := filepath.Join(dir, "scrimbot.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var cmd = ScheduleCmd()
	switch args[0] {
	case "queue":
		cmd = QueueCmd()
	case "scrim":
		cmd = ScrimCmd()
	case "mirror":
		cmd = MirrorCmd()
	}
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args[1:])
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("%v: %v\n%s", args, err, out.String())
	}
	return out.String()
}

func TestScheduleThenStats(t *testing.T) {
	t.Parallel()
	cfg := writeCLIConfig(t)

	out := execute(t, "schedule", "registration", "--config", cfg, "--scrim", "42", "--in", "1h")
	if !strings.Contains(out, "queued job 1") || !strings.Contains(out, "scrim 42") {
		t.Fatalf("schedule output = %q", out)
	}
	out = execute(t, "queue", "stats", "--config", cfg)
	if !strings.Contains(out, "ready:    1 (due 0)") {
		t.Fatalf("stats output = %q", out)
	}
}

func TestScrimPutGet(t *testing.T) {
	t.Parallel()
	cfg := writeCLIConfig(t)

	execute(t, "scrim", "put", "--config", cfg, "--id", "7", "--guild", "100", "--name", "Friday", "--registration-channel", "200")
	out := execute(t, "scrim", "get", "--config", cfg, "--id", "7")
	if !strings.Contains(out, "Scrim 7 - Friday") || !strings.Contains(out, "registration channel: 200") {
		t.Fatalf("get output = %q", out)
	}
}

func TestMirrorShowNotHydrated(t *testing.T) {
	t.Parallel()
	cfg := writeCLIConfig(t)
	out := execute(t, "mirror", "show", "--config", cfg, "--guild", "100")
	if !strings.Contains(out, "guild 100: not hydrated") {
		t.Fatalf("mirror output = %q", out)
	}
}
