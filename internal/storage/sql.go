package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"scrimbot/internal/sqlitex"
	logx "scrimbot/pkg/logx"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

//go:embed migrations_postgres.sql
var postgresMigrations string

// sqlStore serves both SQLite and Postgres; only placeholders differ.
type sqlStore struct {
	db       *sql.DB
	log      logx.Logger
	numbered bool
}

func openSQLite(cfg Config, log logx.Logger) (*sqlStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
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

	sqlitex.Tune(db, cfg.BusyTimeout, log)

	st := &sqlStore{db: db, log: log}
	if err := st.migrate(context.Background(), sqliteMigrations); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func openPostgres(cfg Config, log logx.Logger) (*sqlStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres db: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres db: %w", err)
	}
	st := &sqlStore{db: db, log: log, numbered: true}
	if err := st.migrate(ctx, postgresMigrations); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqlStore) migrate(ctx context.Context, ddl string) error {
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("storage migrate: %w", err)
	}
	s.log.Debug("storage schema ready", logx.Bool("postgres", s.numbered))
	return nil
}

func (s *sqlStore) q(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) GetScrim(ctx context.Context, id int64) (Scrim, error) {
	var (
		sc      Scrim
		channel sql.NullString
		role    sql.NullString
		created int64
	)
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT id, guild_id, registration_channel_id, name, open_role_id, created_at
		 FROM scrims WHERE id = ?`), id,
	).Scan(&sc.ID, &sc.GuildID, &channel, &sc.Name, &role, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Scrim{}, ErrScrimNotFound
	}
	if err != nil {
		return Scrim{}, fmt.Errorf("get scrim %d: %w", id, err)
	}
	sc.RegistrationChannelID = channel.String
	sc.OpenRoleID = role.String
	sc.CreatedAt = time.UnixMilli(created)
	return sc, nil
}

func (s *sqlStore) UpsertScrim(ctx context.Context, sc Scrim) error {
	if sc.ID <= 0 {
		return errors.New("scrim id must be positive")
	}
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO scrims(id, guild_id, registration_channel_id, name, open_role_id, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   guild_id = excluded.guild_id,
		   registration_channel_id = excluded.registration_channel_id,
		   name = excluded.name,
		   open_role_id = excluded.open_role_id`),
		sc.ID, sc.GuildID, nullStr(sc.RegistrationChannelID), sc.Name, nullStr(sc.OpenRoleID), sc.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert scrim %d: %w", sc.ID, err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
