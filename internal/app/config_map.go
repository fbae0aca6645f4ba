package app

import (
	"fmt"
	"strings"
	"time"

	"scrimbot/internal/config"
	"scrimbot/internal/kv"
	"scrimbot/internal/lock"
	"scrimbot/internal/observability/ops"
	"scrimbot/internal/scrim"
	"scrimbot/internal/storage"
	"scrimbot/internal/task/engine"
	"scrimbot/internal/task/queue"
	"scrimbot/internal/transport/discord"
	logx "scrimbot/pkg/logx"
)

const defaultKeyPrefix = "scrimbot"

var (
	parseDurationField     = config.ParseDurationField
	parseDurationOrDefault = config.ParseDurationOrDefault
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Channel: logx.ChannelConfig{
			Enabled:    cfg.Logging.Channel.Enabled,
			ChannelID:  strings.TrimSpace(cfg.Discord.LogChannelID),
			MinLevel:   cfg.Logging.Channel.MinLevel,
			RatePerSec: cfg.Logging.Channel.RatePerSec,
		},
	}
}

func mapDiscordConfig(cfg *config.Config) (discord.Config, error) {
	d := cfg.Discord
	timeout, err := parseDurationOrDefault("discord.request_timeout", d.RequestTimeout, 10*time.Second)
	if err != nil {
		return discord.Config{}, err
	}
	return discord.Config{
		Token:          d.Token,
		ShardID:        d.ShardID,
		ShardCount:     d.ShardCount,
		RESTRate:       d.RESTRatePerSec,
		RESTBurst:      d.RESTBurst,
		RequestTimeout: timeout,
	}, nil
}

func mapKeyspace(cfg *config.Config) kv.Keyspace {
	p := strings.TrimSpace(cfg.KV.Prefix)
	if p == "" {
		p = defaultKeyPrefix
	}
	return kv.Keyspace{Prefix: p}
}

func mapKVConfig(cfg *config.Config) (kv.Config, error) {
	k := cfg.KV
	busy, err := parseDurationOrDefault("kv.busy_timeout", k.BusyTimeout, time.Second)
	if err != nil {
		return kv.Config{}, err
	}
	dial, err := parseDurationOrDefault("kv.dial_timeout", k.DialTimeout, 5*time.Second)
	if err != nil {
		return kv.Config{}, err
	}
	return kv.Config{
		Driver:      strings.ToLower(strings.TrimSpace(k.Driver)),
		Prefix:      mapKeyspace(cfg).Prefix,
		Path:        strings.TrimSpace(k.Path),
		BusyTimeout: busy,
		Addr:        strings.TrimSpace(k.Addr),
		Username:    k.Username,
		Password:    k.Password,
		DB:          k.DB,
		DialTimeout: dial,
	}, nil
}

// mapStorageConfig defaults an empty driver to memory so a fresh config
// boots; the caller logs that scrims will not persist.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	db := cfg.Database
	driver := strings.ToLower(strings.TrimSpace(db.Driver))
	if driver == "" {
		driver = "memory"
	}
	busy, err := parseDurationOrDefault("database.busy_timeout", db.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(db.Path),
		DSN:         strings.TrimSpace(db.DSN),
		BusyTimeout: busy,
	}, nil
}

func mapQueueConfig(cfg *config.Config) (queue.Config, queue.DispatcherConfig, error) {
	q := cfg.Queue
	busy, err := parseDurationOrDefault("queue.busy_timeout", q.BusyTimeout, time.Second)
	if err != nil {
		return queue.Config{}, queue.DispatcherConfig{}, err
	}
	var poll, vis, jobTimeout, base, maxDelay time.Duration
	for _, f := range []struct {
		path, raw string
		dst       *time.Duration
	}{
		{"queue.poll_interval", q.PollInterval, &poll},
		{"queue.visibility", q.Visibility, &vis},
		{"queue.job_timeout", q.JobTimeout, &jobTimeout},
		{"queue.retry_base", q.RetryBase, &base},
		{"queue.retry_max_delay", q.RetryMaxDelay, &maxDelay},
	} {
		if *f.dst, err = parseDurationField(f.path, f.raw); err != nil {
			return queue.Config{}, queue.DispatcherConfig{}, err
		}
	}
	return queue.Config{
			Driver:      strings.ToLower(strings.TrimSpace(q.Driver)),
			Path:        strings.TrimSpace(q.Path),
			DSN:         strings.TrimSpace(q.DSN),
			BusyTimeout: busy,
		}, queue.DispatcherConfig{
			PollInterval: poll,
			Visibility:   vis,
			JobTimeout:   jobTimeout,
			MaxAttempts:  q.MaxAttempts,
			Retry: engine.TaskOptions{
				RetryBase:     base,
				RetryMaxDelay: maxDelay,
			},
		}, nil
}

func mapLockConfig(cfg *config.Config) (lock.Config, error) {
	l := cfg.Lock
	delay, err := parseDurationField("lock.retry_delay", l.RetryDelay)
	if err != nil {
		return lock.Config{}, err
	}
	var jitter time.Duration
	if s := strings.TrimSpace(l.RetryJitter); s != "" {
		// negative disables jitter
		if jitter, err = time.ParseDuration(s); err != nil {
			return lock.Config{}, fmt.Errorf("lock.retry_jitter: invalid duration %q: %w", s, err)
		}
	}
	return lock.Config{
		RetryCount:  l.RetryCount,
		RetryDelay:  delay,
		RetryJitter: jitter,
		DriftFactor: l.DriftFactor,
	}, nil
}

func mapScrimConfig(cfg *config.Config) (scrim.Config, error) {
	lease, err := parseDurationField("scrim.lease", cfg.Scrim.Lease)
	if err != nil {
		return scrim.Config{}, err
	}
	return scrim.Config{Lease: lease}, nil
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{
		Enabled:     true,
		Workers:     4,
		QueueSize:   256,
		HistorySize: 200,
		RetryMax:    3,
	}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Enabled != nil {
		out.Enabled = *te.Enabled
	}
	if te.Workers > 0 {
		out.Workers = te.Workers
	}
	if te.QueueSize > 0 {
		out.QueueSize = te.QueueSize
	}
	if te.HistorySize > 0 {
		out.HistorySize = te.HistorySize
	}
	if te.RetryMax > 0 {
		out.RetryMax = te.RetryMax
	}
	var err error
	if out.DefaultTimeout, err = parseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = parseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

// mapOpsConfig never starts the server.
func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	oc := cfg.Ops
	out := ops.Config{
		Enabled:              oc.Enabled,
		Addr:                 strings.TrimSpace(oc.Addr),
		Token:                strings.TrimSpace(oc.Token),
		AllowInsecure:        oc.AllowInsecure,
		Pprof:                oc.Pprof,
		PprofPrefix:          strings.TrimSpace(oc.PprofPrefix),
		MutexProfileFraction: oc.MutexProfileFraction,
		BlockProfileRate:     oc.BlockProfileRate,
	}
	if out.Addr == "" {
		out.Addr = "127.0.0.1:6060"
	}
	var err error
	if out.ReadTimeout, err = parseDurationOrDefault("ops.read_timeout", oc.ReadTimeout, 5*time.Second); err != nil {
		return out, err
	}
	if out.WriteTimeout, err = parseDurationField("ops.write_timeout", oc.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = parseDurationOrDefault("ops.idle_timeout", oc.IdleTimeout, 2*time.Minute); err != nil {
		return out, err
	}
	if out.Enabled && !out.AllowInsecure && out.Token == "" && !ops.IsLoopbackAddr(out.Addr) {
		return out, fmt.Errorf("ops: addr %s is not loopback; set ops.token or ops.allow_insecure", out.Addr)
	}
	return out, nil
}
