package scheduler

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/robfig/cron/v3"
)

// Schedule is either a cron expression or a fixed interval. "@every" specs
// are parsed as intervals.
type Schedule struct {
	Cron  string
	Every time.Duration
}

func (s Schedule) String() string {
	if s.Every > 0 {
		return "@every " + s.Every.String()
	}
	return s.Cron
}

// ParseSchedule accepts a cron expression ("0 3 * * *", "@hourly",
// "@every 1h") or a bare Go duration ("10m").
func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, fmt.Errorf("schedule required")
	}
	if every, ok := strings.CutPrefix(s, "@every "); ok {
		return parseEvery(raw, every)
	}
	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		return Schedule{Cron: s}, nil
	}
	return parseEvery(raw, s)
}

func parseEvery(raw, v string) (Schedule, error) {
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid schedule %q (use a cron expression or a duration like 10m)", raw)
	}
	if d <= 0 {
		return Schedule{}, fmt.Errorf("schedule %q: interval must be > 0", raw)
	}
	return Schedule{Every: d}, nil
}

const maxStartupSpread = 30 * time.Second

// spreadSchedule moves only the first firing; later ones follow base.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// withStartupSpread delays the first run of an interval schedule by a
// random offset below min(every, maxStartupSpread), seeded per name.
func withStartupSpread(every time.Duration, now time.Time, name string) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	limit := min(every, maxStartupSpread)
	if limit <= 0 {
		return base, 0
	}
	rng := rand.New(rand.NewPCG(xxhash.Sum64String(name), uint64(now.UnixNano())))
	offset := time.Duration(rng.Int64N(int64(limit)))
	return &spreadSchedule{base: base, first: now.Add(every + offset)}, offset
}
