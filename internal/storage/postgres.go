package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // driver registration

	"autosend/pkg/logx"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS schedules (
    id             TEXT PRIMARY KEY,
    send_time      TEXT NOT NULL,
    message        TEXT NOT NULL DEFAULT '',
    use_clipboard  BOOLEAN NOT NULL DEFAULT FALSE,
    targets        JSONB NOT NULL DEFAULT '[]',
    sent           BOOLEAN NOT NULL DEFAULT FALSE,
    last_sent_date TEXT,
    created_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);`

type postgresStore struct {
	db  *sql.DB
	log logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	return &postgresStore{db: db, log: log}, nil
}

func (s *postgresStore) Close() error { return s.db.Close() }

func (s *postgresStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// OnSessionInvalidated releases the pool so the owner can reconnect with a
// fresh one. Close is safe to call again on shutdown.
func (s *postgresStore) OnSessionInvalidated(ctx context.Context) {
	_ = ctx
	s.log.Error("store session invalidated, releasing connection pool")
	_ = s.db.Close()
}

func (s *postgresStore) ListSchedules(ctx context.Context) ([]Schedule, error) {
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
			targetsJSON []byte
			lastSent    sql.NullString
		)
		if err := rows.Scan(&sch.ID, &sch.Time, &sch.Message, &sch.UseClipboard,
			&targetsJSON, &sch.Sent, &lastSent, &sch.CreatedAt); err != nil {
			return nil, err
		}
		sch.LastSentDate = lastSent.String
		if err := json.Unmarshal(targetsJSON, &sch.Targets); err != nil {
			sch.Targets = nil
		}
		out = append(out, sch)
	}
	return out, rows.Err()
}

func (s *postgresStore) AddSchedule(ctx context.Context, sch Schedule) (Schedule, error) {
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
		 VALUES($1,$2,$3,$4,$5,FALSE,NULL,$6)`,
		sch.ID, sch.Time, sch.Message, sch.UseClipboard, string(targets), sch.CreatedAt)
	if err != nil {
		return Schedule{}, fmt.Errorf("insert schedule: %w", err)
	}
	return sch, nil
}

func (s *postgresStore) RemoveSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (s *postgresStore) UpdateSchedule(ctx context.Context, id string, p Patch) error {
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
		`UPDATE schedules SET send_time=$1, message=$2, use_clipboard=$3, targets=$4 WHERE id=$5`,
		sch.Time, sch.Message, sch.UseClipboard, string(targets), id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (s *postgresStore) getSchedule(ctx context.Context, id string) (Schedule, error) {
	var (
		sch         Schedule
		targetsJSON []byte
		lastSent    sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, send_time, message, use_clipboard, targets, sent, last_sent_date, created_at
		 FROM schedules WHERE id = $1`, id).
		Scan(&sch.ID, &sch.Time, &sch.Message, &sch.UseClipboard,
			&targetsJSON, &sch.Sent, &lastSent, &sch.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Schedule{}, ErrNotFound
	}
	if err != nil {
		return Schedule{}, err
	}
	sch.LastSentDate = lastSent.String
	_ = json.Unmarshal(targetsJSON, &sch.Targets)
	return sch, nil
}

func (s *postgresStore) MarkSent(ctx context.Context, id, date string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET sent=TRUE, last_sent_date=$1 WHERE id=$2`, date, id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (s *postgresStore) ResetDailyStatus(ctx context.Context, today string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET sent=FALSE WHERE sent=TRUE AND last_sent_date IS NOT NULL AND last_sent_date <> $1`,
		today)
	return err
}

func (s *postgresStore) Settings(ctx context.Context) (Settings, error) {
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

func (s *postgresStore) SetSetting(ctx context.Context, key, value string) error {
	if err := validateSetting(key, value); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(key, value) VALUES($1,$2)
		 ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value`, key, value)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
