package config

import (
	"reflect"
	"sort"
	"strings"

	logx "scrimbot/pkg/logx"
)

// LiveSections are applied on hot reload. Every other changed section
// needs a restart.
var LiveSections = map[string]bool{"logging": true, "ops": true}

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. Tokens, passwords and DSNs are never
// included; only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	// Discord (never log token)
	od, nd := oldCfg.Discord, newCfg.Discord
	if od.Token != nd.Token || od.ShardID != nd.ShardID || od.ShardCount != nd.ShardCount ||
		strings.TrimSpace(od.LogChannelID) != strings.TrimSpace(nd.LogChannelID) ||
		od.RESTRatePerSec != nd.RESTRatePerSec || od.RESTBurst != nd.RESTBurst ||
		strings.TrimSpace(od.RequestTimeout) != strings.TrimSpace(nd.RequestTimeout) {
		changed = append(changed, "discord")
		attrs = append(attrs,
			logx.Bool("discord.token_changed", od.Token != nd.Token),
			logx.Int("discord.shard_id", nd.ShardID),
			logx.Int("discord.shard_count", nd.ShardCount),
			logx.Bool("discord.log_channel_set", strings.TrimSpace(nd.LogChannelID) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.channel_enabled", newCfg.Logging.Channel.Enabled),
		)
	}

	ok, nk := oldCfg.KV, newCfg.KV
	if !reflect.DeepEqual(ok, nk) {
		changed = append(changed, "kv")
		attrs = append(attrs,
			logx.String("kv.driver", strings.TrimSpace(nk.Driver)),
			logx.String("kv.prefix", strings.TrimSpace(nk.Prefix)),
			logx.Bool("kv.path_set", strings.TrimSpace(nk.Path) != ""),
			logx.String("kv.addr", strings.TrimSpace(nk.Addr)),
			logx.Bool("kv.password_set", nk.Password != ""),
			logx.Int("kv.db", nk.DB),
		)
	}

	if !reflect.DeepEqual(oldCfg.Database, newCfg.Database) {
		nb := newCfg.Database
		changed = append(changed, "database")
		attrs = append(attrs,
			logx.String("database.driver", strings.TrimSpace(nb.Driver)),
			logx.Bool("database.path_set", strings.TrimSpace(nb.Path) != ""),
			logx.Bool("database.dsn_set", strings.TrimSpace(nb.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue) {
		nq := newCfg.Queue
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.String("queue.driver", strings.TrimSpace(nq.Driver)),
			logx.Bool("queue.dsn_set", strings.TrimSpace(nq.DSN) != ""),
			logx.String("queue.visibility", strings.TrimSpace(nq.Visibility)),
			logx.Int("queue.max_attempts", nq.MaxAttempts),
		)
	}

	if !reflect.DeepEqual(oldCfg.Lock, newCfg.Lock) {
		changed = append(changed, "lock")
		attrs = append(attrs,
			logx.Int("lock.retry_count", newCfg.Lock.RetryCount),
			logx.String("lock.retry_delay", strings.TrimSpace(newCfg.Lock.RetryDelay)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scrim, newCfg.Scrim) {
		changed = append(changed, "scrim")
		attrs = append(attrs, logx.String("scrim.lease", strings.TrimSpace(newCfg.Scrim.Lease)))
	}

	oTE := derefTaskEngine(oldCfg.TaskEngine)
	nTE := derefTaskEngine(newCfg.TaskEngine)
	if (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || !reflect.DeepEqual(oTE, nTE) {
		changed = append(changed, "task_engine")
		enabled := true
		if nTE.Enabled != nil {
			enabled = *nTE.Enabled
		}
		attrs = append(attrs,
			logx.Bool("task_engine.enabled", enabled),
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(nTE.DefaultTimeout)),
			logx.Int("task_engine.retry_max", nTE.RetryMax),
		)
	}

	if !reflect.DeepEqual(oldCfg.Maintenance, newCfg.Maintenance) {
		nm := newCfg.Maintenance
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.Bool("maintenance.enabled", nm.Enabled),
			logx.String("maintenance.queue_prune", strings.TrimSpace(nm.QueuePrune)),
			logx.String("maintenance.kv_sweep", strings.TrimSpace(nm.KVSweep)),
		)
	}

	if oldCfg.Ops != newCfg.Ops {
		no := newCfg.Ops
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", no.Enabled),
			logx.String("ops.addr", strings.TrimSpace(no.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(no.Token) != ""),
			logx.Bool("ops.pprof", no.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired filters sections down to those not applied live.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if !LiveSections[s] {
			out = append(out, s)
		}
	}
	return out
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}
