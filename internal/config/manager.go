package config

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	logx "scrimbot/pkg/logx"
)

// EnvToken overrides discord.token when set, so the token can stay out of
// the config file.
const EnvToken = "SCRIMBOT_DISCORD_TOKEN"

// ConfigManager owns the committed config of one file and fans reloads out
// to subscribers.
type ConfigManager struct {
	path string
	log  logx.Logger

	// validate runs after Validate and before a reload is committed, e.g.
	// to map the config onto component settings.
	validate func(ctx context.Context, cfg *Config) error

	mu   sync.RWMutex
	cfg  *Config
	hash uint64

	subs fanout
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, log: logx.Nop()}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log
}

// SetValidator installs the hook used by Watch before committing.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validate = fn
}

// Parse reads and decodes the file without validating or committing it.
func (m *ConfigManager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return Decode(m.path, raw)
}

// Load parses, validates and commits the file.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err == nil {
		err = Validate(cfg)
	}
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Commit(cfg *Config) {
	h := fingerprint(cfg)
	m.mu.Lock()
	m.cfg, m.hash = cfg, h
	m.mu.Unlock()
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// changed reports whether cfg differs from the committed config.
func (m *ConfigManager) changed(cfg *Config) (uint64, bool) {
	h := fingerprint(cfg)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return h, h == 0 || h != m.hash
}

// Subscribe returns a channel receiving every committed reload. A slow
// subscriber only ever sees the newest pending config.
func (m *ConfigManager) Subscribe(buffer int) chan *Config { return m.subs.add(buffer) }

// Unsubscribe closes ch. Unknown channels are ignored.
func (m *ConfigManager) Unsubscribe(ch chan *Config) { m.subs.remove(ch) }

// fingerprint hashes the normalized JSON form so formatting-only edits and
// repeated editor writes compare equal.
func fingerprint(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

type fanout struct {
	mu   sync.Mutex
	subs []chan *Config
}

func (f *fanout) add(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 0))
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch
}

func (f *fanout) remove(ch chan *Config) {
	if ch == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.subs {
		if f.subs[i] != ch {
			continue
		}
		f.subs = append(f.subs[:i], f.subs[i+1:]...)
		close(ch)
		return
	}
}

// send replaces a stale pending value instead of blocking. It returns the
// number of subscribers that could not take cfg.
func (f *fanout) send(cfg *Config) (dropped int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		if offer(ch, cfg) {
			continue
		}
		select {
		case <-ch:
		default:
		}
		if !offer(ch, cfg) {
			dropped++
		}
	}
	return dropped
}

func offer(ch chan *Config, cfg *Config) bool {
	select {
	case ch <- cfg:
		return true
	default:
		return false
	}
}
