package storage

import (
	"errors"
	"time"
)

var ErrScrimNotFound = errors.New("scrim not found")

// Config configures storage.
//
// Driver values:
//   - "memory": process-local, for tests and dry runs
//   - "sqlite": SQLite database file at Path
//   - "postgres": DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Scrim is the subset of a scrim row the lifecycle controller needs.
// RegistrationChannelID is empty when the channel was unset or deleted.
type Scrim struct {
	ID                    int64     `json:"id"`
	GuildID               string    `json:"guild_id"`
	RegistrationChannelID string    `json:"registration_channel_id,omitempty"`
	Name                  string    `json:"name"`
	OpenRoleID            string    `json:"open_role_id,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
}
