// Package storage owns all persisted engine state: schedule records and the
// settings key-value bucket. The engine only holds transient in-memory
// copies during one orchestration pass and re-fetches before every tick.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"autosend/pkg/logx"
)

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free JSON snapshot backend (default)
//   - "sqlite": SQLite database file (build with -tags sqlite)
//   - "postgres": shared server deployments (DSN required)
type Config struct {
	Driver      string
	Path        string        // file/sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API the engine depends on. Ping doubles as the
// session-validity probe: a failing Ping means the store runtime is gone
// and the scheduler loop must stop, hand recovery to the store through
// OnSessionInvalidated, and never restart on its own.
type Store interface {
	ListSchedules(ctx context.Context) ([]Schedule, error)
	AddSchedule(ctx context.Context, s Schedule) (Schedule, error)
	RemoveSchedule(ctx context.Context, id string) error
	UpdateSchedule(ctx context.Context, id string, p Patch) error
	MarkSent(ctx context.Context, id, date string) error
	ResetDailyStatus(ctx context.Context, today string) error

	Settings(ctx context.Context) (Settings, error)
	SetSetting(ctx context.Context, key, value string) error

	Ping(ctx context.Context) error
	// OnSessionInvalidated is the recovery hand-off after a failed probe.
	// The scheduler calls it once before stopping; what recovery means is
	// the backend's business.
	OnSessionInvalidated(ctx context.Context)
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
