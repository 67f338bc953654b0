package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"autosend/pkg/logx"
)

// fileStore is the dependency-free backend: one JSON snapshot, rewritten
// atomically (tmp + rename) on every mutation. Schedule churn is tiny, so a
// journal would be overkill here.
type fileStore struct {
	log  logx.Logger
	path string

	mu     sync.Mutex
	state  fileState
	closed bool
}

type fileState struct {
	Schedules []Schedule        `json:"schedules"`
	Settings  map[string]string `json:"settings,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileStore) load() error {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.state = fileState{Settings: map[string]string{}}
		return nil
	}
	if err != nil {
		return err
	}
	var st fileState
	if err := json.Unmarshal(b, &st); err != nil {
		return err
	}
	if st.Settings == nil {
		st.Settings = map[string]string{}
	}
	s.state = st
	return nil
}

func (s *fileStore) persistLocked() error {
	tmp := s.path + ".tmp"
	b, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// OnSessionInvalidated has little to recover for the file backend: every
// mutation already rewrote the snapshot, so it records the event for
// whoever owns the state directory.
func (s *fileStore) OnSessionInvalidated(ctx context.Context) {
	_ = ctx
	s.log.Error("store session invalidated", logx.String("path", s.path))
}

func (s *fileStore) Ping(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	// The store is "valid" while its directory is still reachable.
	_, err := os.Stat(filepath.Dir(s.path))
	return err
}

func (s *fileStore) ListSchedules(ctx context.Context) ([]Schedule, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	// Daily reset is applied lazily on read so a schedule becomes
	// deliverable again the first time anyone looks after midnight.
	today := time.Now().Format(DateLayout)
	changed := false
	for i := range s.state.Schedules {
		if resetDue(&s.state.Schedules[i], today) {
			changed = true
		}
	}
	if changed {
		if err := s.persistLocked(); err != nil {
			s.log.Warn("daily reset persist failed", logx.Err(err))
		}
	}

	out := make([]Schedule, len(s.state.Schedules))
	copy(out, s.state.Schedules)
	return out, nil
}

func (s *fileStore) AddSchedule(ctx context.Context, sch Schedule) (Schedule, error) {
	_ = ctx
	if err := ParseClock(sch.Time); err != nil {
		return Schedule{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Schedule{}, ErrClosed
	}
	if sch.ID == "" {
		sch.ID = uuid.NewString()
	}
	if sch.CreatedAt.IsZero() {
		sch.CreatedAt = time.Now()
	}
	sch.Sent = false
	sch.LastSentDate = ""
	s.state.Schedules = append(s.state.Schedules, sch)
	if err := s.persistLocked(); err != nil {
		s.state.Schedules = s.state.Schedules[:len(s.state.Schedules)-1]
		return Schedule{}, err
	}
	return sch, nil
}

func (s *fileStore) RemoveSchedule(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for i := range s.state.Schedules {
		if s.state.Schedules[i].ID == id {
			s.state.Schedules = append(s.state.Schedules[:i], s.state.Schedules[i+1:]...)
			return s.persistLocked()
		}
	}
	return ErrNotFound
}

func (s *fileStore) UpdateSchedule(ctx context.Context, id string, p Patch) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for i := range s.state.Schedules {
		if s.state.Schedules[i].ID == id {
			if err := p.apply(&s.state.Schedules[i]); err != nil {
				return err
			}
			return s.persistLocked()
		}
	}
	return ErrNotFound
}

func (s *fileStore) MarkSent(ctx context.Context, id, date string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for i := range s.state.Schedules {
		if s.state.Schedules[i].ID == id {
			s.state.Schedules[i].Sent = true
			s.state.Schedules[i].LastSentDate = date
			return s.persistLocked()
		}
	}
	return ErrNotFound
}

func (s *fileStore) ResetDailyStatus(ctx context.Context, today string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	changed := false
	for i := range s.state.Schedules {
		if resetDue(&s.state.Schedules[i], today) {
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.persistLocked()
}

func (s *fileStore) Settings(ctx context.Context) (Settings, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Settings{}, ErrClosed
	}
	return settingsFromKV(s.state.Settings), nil
}

func (s *fileStore) SetSetting(ctx context.Context, key, value string) error {
	_ = ctx
	if err := validateSetting(key, value); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.state.Settings == nil {
		s.state.Settings = map[string]string{}
	}
	s.state.Settings[key] = value
	return s.persistLocked()
}
