package storage

import (
	"context"
	"errors"
	"strings"

	logx "scrimbot/pkg/logx"
)

// ScrimStore is the read side used by the lifecycle controller.
type ScrimStore interface {
	GetScrim(ctx context.Context, id int64) (Scrim, error)
}

// Store is a ScrimStore with the operator write path.
type Store interface {
	ScrimStore
	UpsertScrim(ctx context.Context, s Scrim) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"))

	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		st, err := openSQLite(cfg, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "postgres", "postgresql":
		st, err := openPostgres(cfg, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "":
		return nil, errors.New("database.driver is required")
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
