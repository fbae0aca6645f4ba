// Package sqlitex holds the connection settings shared by the SQLite-backed
// kv, queue and scrim stores.
package sqlitex

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	logx "scrimbot/pkg/logx"
)

// Tune sets busy_timeout (when busy > 0), WAL journaling and NORMAL sync on
// db and returns the journal mode SQLite ended up with. No setting is fatal:
// the store runs on SQLite defaults, and every refused setting is logged at
// debug. A database that stays out of WAL (read-only directory, network
// filesystem) shows up as journal mode "delete".
func Tune(db *sql.DB, busy time.Duration, log logx.Logger) string {
	if log.IsZero() {
		log = logx.Nop()
	}
	if busy > 0 {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds())); err != nil {
			log.Debug("sqlite busy_timeout not applied", logx.Err(err))
		}
	}

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode = WAL").Scan(&mode); err != nil {
		log.Debug("sqlite journal_mode not applied", logx.Err(err))
	}
	mode = strings.ToLower(mode)
	// In-memory databases cannot use WAL.
	if mode != "wal" && mode != "memory" {
		log.Debug("sqlite not in WAL mode", logx.String("journal_mode", mode))
	}

	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		log.Debug("sqlite synchronous not applied", logx.Err(err))
	}
	return mode
}
