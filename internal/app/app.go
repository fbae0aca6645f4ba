// Package app wires scrimbot's components from a config file and runs them
// under one supervisor.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"scrimbot/internal/config"
	"scrimbot/internal/eventbus"
	"scrimbot/internal/kv"
	"scrimbot/internal/lock"
	"scrimbot/internal/mirror"
	"scrimbot/internal/observability/ops"
	rtsup "scrimbot/internal/runtime/supervisor"
	"scrimbot/internal/scrim"
	"scrimbot/internal/storage"
	"scrimbot/internal/task/engine"
	"scrimbot/internal/task/queue"
	"scrimbot/internal/task/scheduler"
	"scrimbot/internal/transport/discord"
	logx "scrimbot/pkg/logx"
	"scrimbot/pkg/systemd"
)

// Mode selects which parts of the bot run in this process.
type Mode int

const (
	// ModeBot runs the gateway, the mirror and the queue worker.
	ModeBot Mode = iota
	// ModeWorker runs only the queue worker. Any number of workers can share
	// one queue, kv store and database.
	ModeWorker
)

func (m Mode) String() string {
	if m == ModeWorker {
		return "worker"
	}
	return "bot"
}

type App struct {
	mode Mode

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	kv      kv.Store
	mirror  *mirror.Mirror
	applier *mirror.Applier
	store   storage.Store
	jobs    queue.Backend
	queue   *queue.Queue
	disp    *queue.Dispatcher
	engine  *engine.Service
	sched   *scheduler.Service
	discord *discord.Adapter
	scrims  *scrim.Controller
	ops     *ops.Service
}

func NewApp(cfgPath string, mode Mode) (a *App, err error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// The channel sink is attached once the adapter exists.
	logSvc, log := logx.New(mapLogConfig(cfg), nil)
	log = log.With(logx.String("comp", "app"), logx.String("mode", mode.String()))

	var closers []func() error
	defer func() {
		if err == nil {
			return
		}
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		_ = logSvc.Close()
	}()

	bus := eventbus.New()
	ks := mapKeyspace(cfg)

	kvCfg, err := mapKVConfig(cfg)
	if err != nil {
		return nil, err
	}
	kvStore, err := kv.Open(kvCfg, log)
	if err != nil {
		return nil, fmt.Errorf("open kv: %w", err)
	}
	closers = append(closers, kvStore.Close)

	dbCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if dbCfg.Driver == "memory" {
		log.Warn("database.driver is memory; scrims do not persist")
	}
	store, err := storage.Open(dbCfg, log)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	closers = append(closers, store.Close)

	qCfg, dCfg, err := mapQueueConfig(cfg)
	if err != nil {
		return nil, err
	}
	jobs, err := queue.Open(qCfg, log)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	closers = append(closers, jobs.Close)
	q := queue.New(jobs, log)

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	if !engCfg.Enabled {
		return nil, errors.New("task_engine.enabled=false leaves queued jobs unprocessed")
	}
	eng := engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus)
	disp := queue.NewDispatcher(q, eng, dCfg, log, bus)

	dc, err := mapDiscordConfig(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := discord.New(dc, log)
	if err != nil {
		return nil, err
	}
	logSvc.SetSender(ad)

	lockCfg, err := mapLockConfig(cfg)
	if err != nil {
		return nil, err
	}
	locks := lock.NewManager(kvStore, ks, lockCfg, log)

	scrimCfg, err := mapScrimConfig(cfg)
	if err != nil {
		return nil, err
	}
	ctl := scrim.NewController(store, locks, ad, scrimCfg, log, bus)
	ctl.Register(disp)

	a = &App{
		mode:    mode,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		kv:      kvStore,
		store:   store,
		jobs:    jobs,
		queue:   q,
		disp:    disp,
		engine:  eng,
		discord: ad,
		scrims:  ctl,
	}
	if mode == ModeBot {
		a.mirror = mirror.New(kvStore, ks, log, bus)
		a.applier = mirror.NewApplier(a.mirror, 0, 0, log)
	}

	a.sched = scheduler.New(scheduler.Config{
		Enabled:  cfg.Maintenance.Enabled,
		Timezone: cfg.Maintenance.Timezone,
	}, eng, log.With(logx.String("comp", "scheduler")))
	if err := a.registerMaintenance(cfg.Maintenance); err != nil {
		return nil, err
	}

	opsCfg, err := mapOpsConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.ops = ops.New(opsCfg, log, a.probes()...)
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateMapped(cfg)
	})

	a.engine.Start(run)

	if a.mode == ModeBot {
		a.sup.Go("mirror.applier", a.applier.Run)
		if err := a.discord.Start(run, a.applier); err != nil {
			a.sup.Cancel()
			return fmt.Errorf("open gateway: %w", err)
		}
	}

	a.sup.GoRestart("queue.dispatch", a.disp.Run, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	a.sched.Start(run)
	if opsCfg, err := mapOpsConfig(a.cfgm.Get()); err == nil {
		a.ops.Reconfigure(run, opsCfg)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", string(e.Type)), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", systemd.Watchdog)

	if ok, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started")
	return nil
}

// applyConfig applies logging live. Other sections are logged as needing a
// restart.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.logs.Apply(mapLogConfig(newCfg))
	if opsCfg, err := mapOpsConfig(newCfg); err == nil {
		a.ops.Reconfigure(a.sup.Context(), opsCfg)
	}
	if pending := config.RestartRequired(sections); len(pending) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(pending, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func validateMapped(cfg *config.Config) error {
	if _, err := mapDiscordConfig(cfg); err != nil {
		return err
	}
	if _, err := mapKVConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapQueueConfig(cfg); err != nil {
		return err
	}
	if _, err := mapLockConfig(cfg); err != nil {
		return err
	}
	if _, err := mapScrimConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	_, err := mapOpsConfig(cfg)
	return err
}

// probes feed /statusz.
func (a *App) probes() []ops.Probe {
	ps := []ops.Probe{
		{Name: "queue", Status: func(ctx context.Context) (any, error) { return a.queue.Stats(ctx) }},
		{Name: "taskengine", Status: func(context.Context) (any, error) { return a.engine.Snapshot(), nil }},
		{Name: "scheduler", Status: func(context.Context) (any, error) { return a.sched.Snapshot(), nil }},
		{Name: "supervisor", Status: func(context.Context) (any, error) {
			snap := a.sup.Snapshot()
			if snap.FirstError != "" {
				return snap, errors.New(snap.FirstError)
			}
			return snap, nil
		}},
	}
	if a.mode == ModeBot {
		ps = append(ps, ops.Probe{Name: "gateway", Status: func(context.Context) (any, error) {
			return map[string]uint64{"dropped_notifications": a.discord.Dropped()}, nil
		}})
	}
	return ps
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Gateway first so no new notifications arrive; the pool drains in-flight
	// jobs before the stores they use are closed.
	a.step(ctx, "ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "discord", 2*time.Second, a.discord.Stop)
	a.step(ctx, "taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.step(ctx, "queue", time.Second, func(context.Context) error { return a.jobs.Close() })
	a.step(ctx, "database", time.Second, func(context.Context) error { return a.store.Close() })
	a.step(ctx, "kv", time.Second, func(context.Context) error { return a.kv.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by max, never extending the caller's
// deadline. A step that overruns is left running and logged when it ends.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
	}
}
