package config

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "scrimbot/pkg/logx"
)

const (
	watchDebounce   = 250 * time.Millisecond
	watchRetryBase  = 250 * time.Millisecond
	watchRetryCap   = 5 * time.Second
	validateTimeout = 5 * time.Second
)

// Watch reloads the file on change until ctx is done. The parent directory
// is watched so atomic renames by editors are seen. A broken fsnotify
// watcher is recreated with jittered exponential backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	log := m.log.With(logx.String("path", m.path))

	failures := 0
	for ctx.Err() == nil {
		w, err := openWatcher(dir)
		if err != nil {
			log.Warn("config watch init failed", logx.Err(err))
		} else {
			failures = 0
			log.Debug("config watcher started")
			err = m.follow(ctx, w, file, log)
			_ = w.Close()
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("config watcher stopped; restarting", logx.Err(err))
		}

		wait := watchRetryBase << min(failures, 5)
		wait = min(wait, watchRetryCap)
		wait += rand.N(wait/2 + 1)
		failures++

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
	return nil
}

func openWatcher(dir string) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

// follow consumes watcher events until ctx is done or the watcher breaks.
// Bursts of events for file collapse into one reload after watchDebounce.
func (m *ConfigManager) follow(ctx context.Context, w *fsnotify.Watcher, file string, log logx.Logger) error {
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()
	kick := func() { debounce.Reset(watchDebounce) }

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-debounce.C:
			m.reload(ctx, log)
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("event channel closed")
			}
			if ev.Op&relevant != 0 && strings.EqualFold(filepath.Base(ev.Name), file) {
				kick()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("error channel closed")
			}
			if err == nil {
				continue
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				log.Warn("config watch overflow; forcing reload", logx.Err(err))
				kick()
				continue
			}
			log.Warn("config watch error", logx.Err(err))
		}
	}
}

// reload commits and publishes the file when it parses, validates and
// differs from the committed config.
func (m *ConfigManager) reload(ctx context.Context, log logx.Logger) {
	cfg, err := m.Parse()
	if err == nil {
		err = Validate(cfg)
	}
	if err != nil {
		log.Warn("config parse failed", logx.Err(err))
		return
	}
	h, changed := m.changed(cfg)
	if !changed {
		log.Debug("config unchanged; skipping publish")
		return
	}
	if m.validate != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.validate(vctx, cfg)
		cancel()
		if err != nil {
			log.Warn("config rejected", logx.Err(err))
			return
		}
	}
	m.Commit(cfg)
	if n := m.subs.send(cfg); n > 0 {
		log.Debug("config update dropped for slow subscribers", logx.Int("subscribers", n))
	}
	log.Debug("config published", logx.String("hash", fmt.Sprintf("%016x", h)))
}
