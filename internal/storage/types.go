package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"digestd/internal/digest"
)

var (
	ErrNotFound = errors.New("preference not found")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process maps, nothing survives a restart (default)
//   - "file": dependency-free file backend (jsonl journal + snapshot)
//   - "sqlite": SQLite database file
//   - "postgres": PostgreSQL via DSN
type Config struct {
	Driver       string
	Path         string        // file and sqlite
	DSN          string        // postgres
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only; 0 means default
}

// Store persists digest preferences and the append-only run history.
type Store interface {
	// ActivePreferences lists preferences with cadence c enabled.
	ActivePreferences(ctx context.Context, c digest.Cadence) ([]digest.Preference, error)
	// ListActive lists preferences with at least one cadence enabled.
	ListActive(ctx context.Context) ([]digest.Preference, error)
	GetPreference(ctx context.Context, userID string) (digest.Preference, error)
	SavePreference(ctx context.Context, p digest.Preference) error
	// UpdatePreference applies the post-send bookkeeping for one cadence.
	UpdatePreference(ctx context.Context, userID string, u digest.PreferenceUpdate) error
	AppendHistory(ctx context.Context, r digest.RunRecord) error
	// History returns the newest records first; limit <= 0 means all.
	History(ctx context.Context, userID string, limit int) ([]digest.RunRecord, error)
	Close() error
}

// SQLBacked is implemented by the database drivers. The content gatherer
// reads its CRM tables through the same pool.
type SQLBacked interface {
	DB() *sql.DB
	Rebind(query string) string
}
