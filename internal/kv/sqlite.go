package kv

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"scrimbot/internal/sqlitex"
	logx "scrimbot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLiteStore keeps keys and hashes in a SQLite file. Several processes on one
// host may share the file; conditional writes are single statements.
type SQLiteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(cfg Config, log logx.Logger) (*SQLiteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("kv.path is required for sqlite driver")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	sqlitex.Tune(db, busy, log)

	if _, err := db.ExecContext(context.Background(), sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("kv sqlite migrate: %w", err)
	}
	return &SQLiteStore{db: db, log: log, now: time.Now}, nil
}

func (s *SQLiteStore) nowMS() int64 { return s.now().UnixMilli() }

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		v   []byte
		exp sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM kv WHERE key = ?`, key).Scan(&v, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable("get", err)
	}
	if exp.Valid && exp.Int64 <= s.nowMS() {
		return nil, false, nil
	}
	return v, true, nil
}

func (s *SQLiteStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	now := s.nowMS()
	var exp any
	if ttl > 0 {
		exp = now + ttl.Milliseconds()
	}
	// Insert, or take over a row whose lease already expired. One statement so
	// two processes racing on the same key cannot both win.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO kv(key, value, expires_at) VALUES(?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
		 WHERE kv.expires_at IS NOT NULL AND kv.expires_at <= ?`,
		key, value, exp, now,
	)
	if err != nil {
		return false, unavailable("setnx", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("setnx", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE key = ? AND value = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, value, s.nowMS(),
	)
	if err != nil {
		return false, unavailable("cad", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("cad", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT field, value FROM kv_hash WHERE key = ?`, key)
	if err != nil {
		return nil, unavailable("hgetall", err)
	}
	defer rows.Close()
	out := map[string][]byte{}
	for rows.Next() {
		var (
			f string
			v []byte
		)
		if err := rows.Scan(&f, &v); err != nil {
			return nil, unavailable("hgetall", err)
		}
		out[f] = v
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("hgetall", err)
	}
	return out, nil
}

func (s *SQLiteStore) HSet(ctx context.Context, key, field string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_hash(key, field, value) VALUES(?, ?, ?)
		 ON CONFLICT(key, field) DO UPDATE SET value = excluded.value`,
		key, field, value,
	)
	return unavailable("hset", err)
}

func (s *SQLiteStore) HDel(ctx context.Context, key, field string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_hash WHERE key = ? AND field = ?`, key, field)
	return unavailable("hdel", err)
}

func (s *SQLiteStore) Replace(ctx context.Context, r Replacement) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("replace", err)
	}
	defer func() { _ = tx.Rollback() }()

	for k, v := range r.Keys {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO kv(key, value, expires_at) VALUES(?, ?, NULL)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = NULL`,
			k, v,
		); err != nil {
			return unavailable("replace", err)
		}
	}
	for k, fields := range r.Hashes {
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv_hash WHERE key = ?`, k); err != nil {
			return unavailable("replace", err)
		}
		for f, v := range fields {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO kv_hash(key, field, value) VALUES(?, ?, ?)`, k, f, v,
			); err != nil {
				return unavailable("replace", err)
			}
		}
	}
	return unavailable("replace", tx.Commit())
}

// SweepExpired deletes expired plain keys. Reads already ignore them; this only reclaims space.
func (s *SQLiteStore) SweepExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= ?`, s.nowMS())
	if err != nil {
		return 0, unavailable("sweep", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Debug("kv expired keys swept", logx.Int64("count", n))
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
