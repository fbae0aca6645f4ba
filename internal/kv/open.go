package kv

import (
	"errors"
	"strings"
	"time"

	logx "scrimbot/pkg/logx"
)

// Config configures the key-value store.
//
// Driver values:
//   - "memory": in-process maps (single process only)
//   - "sqlite": SQLite database file at Path
//   - "redis": Redis server at Addr
type Config struct {
	Driver string
	Prefix string

	// sqlite
	Path        string
	BusyTimeout time.Duration

	// redis
	Addr        string
	Username    string
	Password    string
	DB          int
	DialTimeout time.Duration
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "memory":
		return NewMemory(nil), nil
	case "sqlite", "sqlite3":
		st, err := openSQLite(cfg, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "redis":
		st, err := openRedis(cfg, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, errors.New("unknown kv driver: " + driver)
	}
}
