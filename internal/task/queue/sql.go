package queue

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

//go:embed sqlite_schema.sql
var sqliteSchema string

//go:embed postgres_schema.sql
var postgresSchema string

// dialect covers the few places where SQLite and Postgres differ.
type dialect struct {
	name   string
	schema string
	// lockClause goes after the candidate subquery of Reserve.
	lockClause string
	// numbered placeholders ($1, $2, ...) instead of ?.
	numbered bool
}

var (
	sqliteDialect   = dialect{name: "sqlite", schema: sqliteSchema}
	postgresDialect = dialect{name: "postgres", schema: postgresSchema, lockClause: " FOR UPDATE SKIP LOCKED", numbered: true}
)

func (d dialect) bind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLBackend stores jobs in a relational table. Reserve is a single
// UPDATE ... RETURNING statement, so concurrent consumers in different
// processes never receive the same reservation.
type SQLBackend struct {
	db *sql.DB
	d  dialect
}

func openSQLite(path string, busy time.Duration, log logx.Logger) (*SQLBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("queue.path is required for sqlite driver")
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
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if busy <= 0 {
		busy = 5 * time.Second
	}
	sqlitex.Tune(db, busy, log)
	return newSQLBackend(db, sqliteDialect)
}

func openPostgres(dsn string) (*SQLBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("queue.dsn is required for postgres driver")
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
	return newSQLBackend(db, postgresDialect)
}

func newSQLBackend(db *sql.DB, d dialect) (*SQLBackend, error) {
	if _, err := db.ExecContext(context.Background(), d.schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue %s migrate: %w", d.name, err)
	}
	return &SQLBackend{db: db, d: d}, nil
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func (b *SQLBackend) Push(ctx context.Context, payload []byte, runAt time.Time) (int64, error) {
	now := ms(time.Now())
	var id int64
	err := b.db.QueryRowContext(ctx, b.d.bind(
		`INSERT INTO jobs(payload, state, attempts, run_at, created_at, updated_at)
		 VALUES(?, ?, 0, ?, ?, ?) RETURNING id`),
		payload, string(StateReady), ms(runAt), now, now,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("queue push: %w", err)
	}
	return id, nil
}

func (b *SQLBackend) Reserve(ctx context.Context, now time.Time, visibility time.Duration) (Record, bool, error) {
	var (
		r       Record
		state   string
		runAt   int64
		created int64
	)
	err := b.db.QueryRowContext(ctx, b.d.bind(
		`UPDATE jobs SET state = ?, attempts = attempts + 1, run_at = ?, updated_at = ?
		 WHERE id = (
		   SELECT id FROM jobs
		   WHERE state IN (?, ?) AND run_at <= ?
		   ORDER BY run_at, id
		   LIMIT 1`+b.d.lockClause+`
		 )
		 RETURNING id, payload, attempts, state, run_at, created_at`),
		string(StateReserved), ms(now.Add(visibility)), ms(now),
		string(StateReady), string(StateReserved), ms(now),
	).Scan(&r.ID, &r.Payload, &r.Attempts, &state, &runAt, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("queue reserve: %w", err)
	}
	r.State = State(state)
	r.RunAt = time.UnixMilli(runAt)
	r.Created = time.UnixMilli(created)
	return r, true, nil
}

// settle applies set to the job only while attempt still holds its
// reservation. No matching row is told apart as unknown or stale.
func (b *SQLBackend) settle(ctx context.Context, op string, id int64, attempt int, set string, args ...any) error {
	q := `UPDATE jobs SET ` + set + `, updated_at = ? WHERE id = ? AND state = ? AND attempts = ?`
	args = append(args, ms(time.Now()), id, string(StateReserved), attempt)
	res, err := b.db.ExecContext(ctx, b.d.bind(q), args...)
	if err != nil {
		return fmt.Errorf("queue %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue %s: %w", op, err)
	}
	if n > 0 {
		return nil
	}
	var one int
	err = b.db.QueryRowContext(ctx, b.d.bind(`SELECT 1 FROM jobs WHERE id = ?`), id).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("queue %s: %w", op, err)
	}
	return ErrStaleReservation
}

func (b *SQLBackend) Ack(ctx context.Context, id int64, attempt int) error {
	return b.settle(ctx, "ack", id, attempt, `state = ?`, string(StateDone))
}

func (b *SQLBackend) Retry(ctx context.Context, id int64, attempt int, runAt time.Time, lastErr string) error {
	return b.settle(ctx, "retry", id, attempt, `state = ?, run_at = ?, last_error = ?`,
		string(StateReady), ms(runAt), lastErr)
}

func (b *SQLBackend) Bury(ctx context.Context, id int64, attempt int, lastErr string) error {
	return b.settle(ctx, "bury", id, attempt, `state = ?, last_error = ?`, string(StateDead), lastErr)
}

func (b *SQLBackend) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := b.db.ExecContext(ctx, b.d.bind(`DELETE FROM jobs WHERE state IN (?, ?) AND updated_at < ?`),
		string(StateDone), string(StateDead), ms(olderThan))
	if err != nil {
		return 0, fmt.Errorf("queue prune: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (b *SQLBackend) Stats(ctx context.Context, now time.Time) (Stats, error) {
	rows, err := b.db.QueryContext(ctx, b.d.bind(
		`SELECT state,
		        COUNT(*),
		        SUM(CASE WHEN run_at <= ? THEN 1 ELSE 0 END)
		 FROM jobs GROUP BY state`), ms(now))
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	var s Stats
	for rows.Next() {
		var (
			state  string
			n, due int64
		)
		if err := rows.Scan(&state, &n, &due); err != nil {
			return Stats{}, fmt.Errorf("queue stats: %w", err)
		}
		switch State(state) {
		case StateReady:
			s.Ready, s.Due = n, due
		case StateReserved:
			s.Reserved = n
		case StateDone:
			s.Done = n
		case StateDead:
			s.Dead = n
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return s, nil
}

func (b *SQLBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}
