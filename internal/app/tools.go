package app

import (
	"errors"
	"fmt"

	"scrimbot/internal/config"
	"scrimbot/internal/eventbus"
	"scrimbot/internal/kv"
	"scrimbot/internal/mirror"
	"scrimbot/internal/scrim"
	"scrimbot/internal/storage"
	"scrimbot/internal/task/queue"
	logx "scrimbot/pkg/logx"
)

// Tools holds the stores named by a config file for one-shot CLI commands.
// Nothing is started; Close releases what was opened.
type Tools struct {
	Config *config.Config
	Queue  *queue.Queue
	Mirror *mirror.Mirror
	Scrims storage.Store
	// Schedule enqueues lifecycle jobs on Queue.
	Schedule *scrim.Scheduler

	closers []func() error
}

func OpenTools(cfgPath string, log logx.Logger) (*Tools, error) {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	t := &Tools{Config: cfg}
	if err := t.open(cfg, log); err != nil {
		_ = t.Close()
		return nil, err
	}
	return t, nil
}

func (t *Tools) open(cfg *config.Config, log logx.Logger) error {
	qCfg, _, err := mapQueueConfig(cfg)
	if err != nil {
		return err
	}
	if qCfg.Driver == "" || qCfg.Driver == "memory" {
		return errors.New("queue.driver is memory; a separate process cannot see its jobs")
	}
	jobs, err := queue.Open(qCfg, log)
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	t.closers = append(t.closers, jobs.Close)
	t.Queue = queue.New(jobs, log)
	t.Schedule = scrim.NewScheduler(t.Queue)

	kvCfg, err := mapKVConfig(cfg)
	if err != nil {
		return err
	}
	st, err := kv.Open(kvCfg, log)
	if err != nil {
		return fmt.Errorf("open kv: %w", err)
	}
	t.closers = append(t.closers, st.Close)
	t.Mirror = mirror.New(st, mapKeyspace(cfg), log, eventbus.Nop())

	dbCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	db, err := storage.Open(dbCfg, log)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	t.closers = append(t.closers, db.Close)
	t.Scrims = db
	return nil
}

func (t *Tools) Close() error {
	var errs []error
	for i := len(t.closers) - 1; i >= 0; i-- {
		errs = append(errs, t.closers[i]())
	}
	t.closers = nil
	return errors.Join(errs...)
}
