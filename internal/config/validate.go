package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Validate checks drivers, durations and bounds. It does not require a
// Discord token: worker and CLI modes run without one.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		check(err)
	}
	oneOf := func(path, v string, allowed ...string) {
		v = strings.ToLower(strings.TrimSpace(v))
		for _, a := range allowed {
			if v == a {
				return
			}
		}
		check(fmt.Errorf("%s: unknown driver %q", path, v))
	}

	d := cfg.Discord
	if d.ShardCount < 0 || d.ShardID < 0 || (d.ShardCount > 0 && d.ShardID >= d.ShardCount) {
		check(fmt.Errorf("discord: shard_id %d out of range for shard_count %d", d.ShardID, d.ShardCount))
	}
	if d.RESTRatePerSec < 0 || d.RESTBurst < 0 {
		check(errors.New("discord: rest_rate_per_sec and rest_burst must be >= 0"))
	}
	dur("discord.request_timeout", d.RequestTimeout)
	if cfg.Logging.Channel.Enabled && strings.TrimSpace(d.LogChannelID) == "" {
		check(errors.New("logging.channel.enabled requires discord.log_channel_id"))
	}

	oneOf("kv.driver", cfg.KV.Driver, "", "memory", "sqlite", "sqlite3", "redis")
	dur("kv.busy_timeout", cfg.KV.BusyTimeout)
	dur("kv.dial_timeout", cfg.KV.DialTimeout)
	if isDriver(cfg.KV.Driver, "sqlite", "sqlite3") && strings.TrimSpace(cfg.KV.Path) == "" {
		check(errors.New("kv.path is required when kv.driver=sqlite"))
	}
	if isDriver(cfg.KV.Driver, "redis") && strings.TrimSpace(cfg.KV.Addr) == "" {
		check(errors.New("kv.addr is required when kv.driver=redis"))
	}

	oneOf("database.driver", cfg.Database.Driver, "", "memory", "sqlite", "sqlite3", "postgres", "postgresql")
	dur("database.busy_timeout", cfg.Database.BusyTimeout)
	check(requirePathOrDSN("database", cfg.Database.Driver, cfg.Database.Path, cfg.Database.DSN))

	q := cfg.Queue
	oneOf("queue.driver", q.Driver, "", "memory", "sqlite", "sqlite3", "postgres", "postgresql")
	check(requirePathOrDSN("queue", q.Driver, q.Path, q.DSN))
	for path, raw := range map[string]string{
		"queue.busy_timeout":    q.BusyTimeout,
		"queue.poll_interval":   q.PollInterval,
		"queue.visibility":      q.Visibility,
		"queue.job_timeout":     q.JobTimeout,
		"queue.retry_base":      q.RetryBase,
		"queue.retry_max_delay": q.RetryMaxDelay,
	} {
		dur(path, raw)
	}
	if q.MaxAttempts < 0 {
		check(errors.New("queue.max_attempts must be >= 0"))
	}
	vis, _ := ParseDurationField("queue.visibility", q.Visibility)
	jt, _ := ParseDurationField("queue.job_timeout", q.JobTimeout)
	if vis > 0 && jt > 0 && vis <= jt {
		check(fmt.Errorf("queue.visibility (%s) must exceed queue.job_timeout (%s)", vis, jt))
	}

	if cfg.Lock.RetryCount < 0 {
		check(errors.New("lock.retry_count must be >= 0"))
	}
	if cfg.Lock.DriftFactor < 0 || cfg.Lock.DriftFactor >= 0.5 {
		check(errors.New("lock.drift_factor must be in [0, 0.5)"))
	}
	dur("lock.retry_delay", cfg.Lock.RetryDelay)
	// retry_jitter accepts a negative value to disable jitter.
	if s := strings.TrimSpace(cfg.Lock.RetryJitter); s != "" {
		if _, err := time.ParseDuration(s); err != nil {
			check(fmt.Errorf("lock.retry_jitter: invalid duration %q: %w", s, err))
		}
	}

	dur("scrim.lease", cfg.Scrim.Lease)

	if te := cfg.TaskEngine; te != nil {
		if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 || te.RetryMax < 0 {
			check(errors.New("task_engine: workers, queue_size, history_size and retry_max must be >= 0"))
		}
		dur("task_engine.default_timeout", te.DefaultTimeout)
		dur("task_engine.max_queue_delay", te.MaxQueueDelay)
	}

	m := cfg.Maintenance
	if tz := strings.TrimSpace(m.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			check(fmt.Errorf("maintenance.timezone: invalid %q: %w", tz, err))
		}
	}
	dur("maintenance.queue_retention", m.QueueRetention)

	o := cfg.Ops
	dur("ops.read_timeout", o.ReadTimeout)
	dur("ops.write_timeout", o.WriteTimeout)
	dur("ops.idle_timeout", o.IdleTimeout)
	if o.MutexProfileFraction < 0 || o.BlockProfileRate < 0 {
		check(errors.New("ops: mutex_profile_fraction and block_profile_rate must be >= 0"))
	}
	if addr := strings.TrimSpace(o.Addr); o.Enabled && addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			check(fmt.Errorf("ops.addr: invalid %q (expected host:port): %w", addr, err))
		}
	}

	return errors.Join(errs...)
}

func isDriver(v string, names ...string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	for _, n := range names {
		if v == n {
			return true
		}
	}
	return false
}

func requirePathOrDSN(section, driver, path, dsn string) error {
	switch {
	case isDriver(driver, "sqlite", "sqlite3") && strings.TrimSpace(path) == "":
		return fmt.Errorf("%s.path is required when %s.driver=sqlite", section, section)
	case isDriver(driver, "postgres", "postgresql") && strings.TrimSpace(dsn) == "":
		return fmt.Errorf("%s.dsn is required when %s.driver=postgres", section, section)
	}
	return nil
}

// ParseDurationField parses an optional, non-negative Go duration. An empty
// value is zero. path prefixes the error.
func ParseDurationField(path, raw string) (time.Duration, error) {
	return ParseDurationOrDefault(path, raw, 0)
}

// ParseDurationOrDefault is ParseDurationField with def substituted for an
// empty or zero value.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	case d == 0:
		return def, nil
	}
	return d, nil
}
