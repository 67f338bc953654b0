//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"autosend/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// OnSessionInvalidated releases the database handle so the owner can reopen
// it. Close is safe to call again on shutdown.
func (s *sqliteStore) OnSessionInvalidated(ctx context.Context) {
	_ = ctx
	s.log.Error("store session invalidated, closing database handle")
	_ = s.db.Close()
}

func (s *sqliteStore) ListSchedules(ctx context.Context) ([]Schedule, error) {
	today := time.Now().Format(DateLayout)
	if err := s.ResetDailyStatus(ctx, today); err != nil {
		s.log.Warn("daily reset failed", logx.Err(err))
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, send_time, message, use_clipboard, targets, sent, last_sent_date, created_at
		 FROM schedules ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		var (
			sch         Schedule
			useClip     int
			targetsJSON string
			sent        int
			lastSent    sql.NullString
			createdAt   string
		)
		if err := rows.Scan(&sch.ID, &sch.Time, &sch.Message, &useClip, &targetsJSON, &sent, &lastSent, &createdAt); err != nil {
			return nil, err
		}
		sch.UseClipboard = useClip != 0
		sch.Sent = sent != 0
		sch.LastSentDate = lastSent.String
		if err := json.Unmarshal([]byte(targetsJSON), &sch.Targets); err != nil {
			sch.Targets = nil
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			sch.CreatedAt = t
		}
		out = append(out, sch)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AddSchedule(ctx context.Context, sch Schedule) (Schedule, error) {
	if err := ParseClock(sch.Time); err != nil {
		return Schedule{}, err
	}
	if sch.ID == "" {
		sch.ID = uuid.NewString()
	}
	if sch.CreatedAt.IsZero() {
		sch.CreatedAt = time.Now()
	}
	sch.Sent = false
	sch.LastSentDate = ""

	targets, err := json.Marshal(sch.Targets)
	if err != nil {
		return Schedule{}, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules(id, send_time, message, use_clipboard, targets, sent, last_sent_date, created_at)
		 VALUES(?,?,?,?,?,0,NULL,?)`,
		sch.ID, sch.Time, sch.Message, boolInt(sch.UseClipboard), string(targets),
		sch.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return Schedule{}, err
	}
	return sch, nil
}

func (s *sqliteStore) RemoveSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (s *sqliteStore) UpdateSchedule(ctx context.Context, id string, p Patch) error {
	sch, err := s.getSchedule(ctx, id)
	if err != nil {
		return err
	}
	if err := p.apply(&sch); err != nil {
		return err
	}
	targets, err := json.Marshal(sch.Targets)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET send_time=?, message=?, use_clipboard=?, targets=? WHERE id=?`,
		sch.Time, sch.Message, boolInt(sch.UseClipboard), string(targets), id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (s *sqliteStore) getSchedule(ctx context.Context, id string) (Schedule, error) {
	var (
		sch         Schedule
		useClip     int
		targetsJSON string
		sent        int
		lastSent    sql.NullString
		createdAt   string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, send_time, message, use_clipboard, targets, sent, last_sent_date, created_at
		 FROM schedules WHERE id = ?`, id).
		Scan(&sch.ID, &sch.Time, &sch.Message, &useClip, &targetsJSON, &sent, &lastSent, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Schedule{}, ErrNotFound
	}
	if err != nil {
		return Schedule{}, err
	}
	sch.UseClipboard = useClip != 0
	sch.Sent = sent != 0
	sch.LastSentDate = lastSent.String
	_ = json.Unmarshal([]byte(targetsJSON), &sch.Targets)
	if t, perr := time.Parse(time.RFC3339Nano, createdAt); perr == nil {
		sch.CreatedAt = t
	}
	return sch, nil
}

func (s *sqliteStore) MarkSent(ctx context.Context, id, date string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET sent=1, last_sent_date=? WHERE id=?`, date, id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (s *sqliteStore) ResetDailyStatus(ctx context.Context, today string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET sent=0 WHERE sent=1 AND last_sent_date IS NOT NULL AND last_sent_date <> ?`,
		today)
	return err
}

func (s *sqliteStore) Settings(ctx context.Context) (Settings, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return Settings{}, err
	}
	defer rows.Close()
	kv := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return Settings{}, err
		}
		kv[k] = v
	}
	return settingsFromKV(kv), rows.Err()
}

func (s *sqliteStore) SetSetting(ctx context.Context, key, value string) error {
	if err := validateSetting(key, value); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	return err
}
