package app

import (
	"context"
	"strings"
	"time"

	"scrimbot/internal/config"
	"scrimbot/internal/kv"
	logx "scrimbot/pkg/logx"
)

const (
	defaultQueuePrune     = "@every 1h"
	defaultQueueRetention = 7 * 24 * time.Hour
	defaultKVSweep        = "@every 10m"
)

// registerMaintenance adds housekeeping schedules. Each schedule is set to
// "off" to disable it.
func (a *App) registerMaintenance(mc config.MaintenanceConfig) error {
	retention, err := parseDurationOrDefault("maintenance.queue_retention", mc.QueueRetention, defaultQueueRetention)
	if err != nil {
		return err
	}
	log := a.log.With(logx.String("comp", "maintenance"))

	if spec := scheduleOrDefault(mc.QueuePrune, defaultQueuePrune); spec != "" {
		err := a.sched.AddSchedule("queue.prune", spec, time.Minute, func(ctx context.Context) error {
			n, err := a.queue.Prune(ctx, retention)
			if err != nil {
				return err
			}
			if n > 0 {
				log.Info("queue pruned", logx.Int64("removed", n), logx.Duration("retention", retention))
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	sw, ok := a.kv.(kv.Sweeper)
	if !ok {
		return nil
	}
	if spec := scheduleOrDefault(mc.KVSweep, defaultKVSweep); spec != "" {
		return a.sched.AddSchedule("kv.sweep", spec, time.Minute, func(ctx context.Context) error {
			n, err := sw.SweepExpired(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				log.Debug("expired kv rows swept", logx.Int64("removed", n))
			}
			return nil
		})
	}
	return nil
}

func scheduleOrDefault(raw, def string) string {
	s := strings.TrimSpace(raw)
	switch {
	case s == "":
		return def
	case strings.EqualFold(s, "off"):
		return ""
	}
	return s
}
