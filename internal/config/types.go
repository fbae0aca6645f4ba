package config

type Config struct {
	Discord  DiscordConfig  `json:"discord"`
	Logging  LoggingConfig  `json:"logging"`
	KV       KVConfig       `json:"kv"`
	Database DatabaseConfig `json:"database"`
	Queue    QueueConfig    `json:"queue"`
	Lock     LockConfig     `json:"lock,omitempty"`
	Scrim    ScrimConfig    `json:"scrim,omitempty"`

	// TaskEngine controls the worker pool shared by queue jobs and
	// maintenance tasks.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
	Ops         OpsConfig         `json:"ops,omitempty"`
}

type DiscordConfig struct {
	Token string `json:"token"`
	// Sharding is optional; leave both zero for a single shard.
	ShardID    int `json:"shard_id,omitempty"`
	ShardCount int `json:"shard_count,omitempty"`

	// LogChannelID receives WARN+ log lines when logging.channel.enabled is set.
	LogChannelID string `json:"log_channel_id,omitempty"`

	RESTRatePerSec float64 `json:"rest_rate_per_sec,omitempty"`
	RESTBurst      int     `json:"rest_burst,omitempty"`
	// RequestTimeout is a Go duration string (default "10s").
	RequestTimeout string `json:"request_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LoggingFile    `json:"file"`
	Channel LoggingChannel `json:"channel"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingChannel struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// KVConfig selects the key-value store behind the mirror and the locks.
//
// Example:
//
//	"kv": { "driver": "redis", "addr": "127.0.0.1:6379", "prefix": "scrimbot" }
type KVConfig struct {
	// Driver: "memory", "sqlite" or "redis".
	Driver string `json:"driver"`
	Prefix string `json:"prefix,omitempty"`

	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`

	Addr        string `json:"addr,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"` // do not log
	DB          int    `json:"db,omitempty"`
	DialTimeout string `json:"dial_timeout,omitempty"`
}

// DatabaseConfig selects the relational store holding scrim records.
type DatabaseConfig struct {
	// Driver: "memory", "sqlite" or "postgres".
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // do not log
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// QueueConfig controls the durable job queue and its dispatcher.
//
// Defaults (when fields are omitted/zero):
//   - driver: "memory"
//   - poll_interval: "1s"
//   - visibility: "5m"
//   - job_timeout: "1m"
//   - max_attempts: 10
//   - retry_base: "2s"
//   - retry_max_delay: "5m"
type QueueConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // do not log
	BusyTimeout string `json:"busy_timeout,omitempty"`

	PollInterval  string `json:"poll_interval,omitempty"`
	Visibility    string `json:"visibility,omitempty"`
	JobTimeout    string `json:"job_timeout,omitempty"`
	MaxAttempts   int    `json:"max_attempts,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

type LockConfig struct {
	RetryCount  int     `json:"retry_count,omitempty"`
	RetryDelay  string  `json:"retry_delay,omitempty"`
	RetryJitter string  `json:"retry_jitter,omitempty"`
	DriftFactor float64 `json:"drift_factor,omitempty"`
}

type ScrimConfig struct {
	// Lease bounds one open-registration action (default "2m").
	Lease string `json:"lease,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Enabled is a pointer so we can distinguish "omitted" (default true)
// from an explicit false.
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - workers: 4
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 3
type TaskEngineConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	Workers int   `json:"workers,omitempty"`

	QueueSize int `json:"queue_size,omitempty"`

	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
	RetryMax    int `json:"retry_max,omitempty"`
}

// MaintenanceConfig controls periodic housekeeping on the scheduler.
// Schedules accept cron expressions or Go durations ("1h").
type MaintenanceConfig struct {
	Enabled bool `json:"enabled"`
	// Timezone for cron schedules (default: local).
	Timezone string `json:"timezone,omitempty"`

	// QueuePrune removes acknowledged and buried jobs older than QueueRetention.
	QueuePrune     string `json:"queue_prune,omitempty"`
	QueueRetention string `json:"queue_retention,omitempty"`

	// KVSweep deletes expired rows from the sqlite kv driver.
	KVSweep string `json:"kv_sweep,omitempty"`
}

// OpsConfig controls the operator HTTP server (/healthz, /statusz and
// optional pprof). It is applied on hot reload.
//
// Defaults: addr "127.0.0.1:6060", pprof_prefix "/debug/pprof/",
// read_timeout "5s", idle_timeout "2m".
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	Pprof       bool   `json:"pprof,omitempty"`
	PprofPrefix string `json:"pprof_prefix,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
