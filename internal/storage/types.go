package storage

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("schedule not found")
	ErrClosed   = errors.New("store closed")
)

// ClockLayout is the trigger-time format: 24h, minute granularity, no date
// component. Schedules recur daily.
const ClockLayout = "15:04"

// DateLayout is the calendar-date format used for last_sent_date.
const DateLayout = "2006-01-02"

// Schedule is one persisted delivery record.
type Schedule struct {
	ID           string    `json:"id"`
	Time         string    `json:"time"` // "HH:MM"
	Message      string    `json:"message"`
	UseClipboard bool      `json:"use_clipboard"`
	// Targets lists conversation names in send order. Empty means "the
	// currently open conversation".
	Targets      []string  `json:"targets,omitempty"`
	Sent         bool      `json:"sent"`
	LastSentDate string    `json:"last_sent_date,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ShouldDeliver reports whether the schedule is due at the given clock
// reading. A schedule sent on date never re-delivers that day; clearing
// Sent on date advance is the store's job, so a still-set Sent flag always
// blocks delivery here.
func (s Schedule) ShouldDeliver(clock, date string) bool {
	if s.Sent && s.LastSentDate == date {
		return false
	}
	if s.Sent {
		return false
	}
	return s.Time == clock
}

// resetDue clears Sent once the calendar date has advanced past
// LastSentDate. Returns true when the record changed.
func resetDue(s *Schedule, today string) bool {
	if s.Sent && s.LastSentDate != "" && s.LastSentDate != today {
		s.Sent = false
		return true
	}
	return false
}

// ParseClock validates an "HH:MM" trigger time.
func ParseClock(s string) error {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return fmt.Errorf("invalid minute in %q", s)
	}
	return nil
}

// Patch is a partial schedule update from the interface layer. Nil fields
// are left untouched.
type Patch struct {
	Time         *string
	Message      *string
	UseClipboard *bool
	Targets      *[]string
}

func (p Patch) apply(s *Schedule) error {
	if p.Time != nil {
		if err := ParseClock(*p.Time); err != nil {
			return err
		}
		s.Time = *p.Time
	}
	if p.Message != nil {
		s.Message = *p.Message
	}
	if p.UseClipboard != nil {
		s.UseClipboard = *p.UseClipboard
	}
	if p.Targets != nil {
		s.Targets = append([]string(nil), (*p.Targets)...)
	}
	return nil
}

// Action is the privacy-motivated step taken after a confirmed send.
type Action string

const (
	ActionRefresh Action = "refresh"
	ActionClose   Action = "close"
	ActionNone    Action = "none"
)

// Settings are engine knobs owned by the store. They are immutable during a
// single delivery pass (read once at orchestration start); the post-action
// selection is re-read at action time.
type Settings struct {
	PostSendAction Action
	SendDelay      time.Duration // between sequential targets
	AutoRetry      bool
	ReloadEvery    time.Duration // auto-reload watchdog; 0 disables
	IdleEvery      time.Duration // anti-idle pulse interval
	Debug          bool
}

func DefaultSettings() Settings {
	return Settings{
		PostSendAction: ActionNone,
		SendDelay:      2 * time.Second,
		AutoRetry:      true,
		ReloadEvery:    0,
		IdleEvery:      5 * time.Minute,
		Debug:          false,
	}
}

// Settings key-value codec. The store persists settings as strings so the
// interface layer can patch one key at a time.
const (
	KeyPostSendAction = "post_send_action"
	KeySendDelay      = "send_delay"
	KeyAutoRetry      = "auto_retry"
	KeyReloadEvery    = "reload_every"
	KeyIdleEvery      = "idle_every"
	KeyDebug          = "debug"
)

func settingsFromKV(kv map[string]string) Settings {
	s := DefaultSettings()
	if v, ok := kv[KeyPostSendAction]; ok {
		switch Action(v) {
		case ActionRefresh, ActionClose, ActionNone:
			s.PostSendAction = Action(v)
		}
	}
	if v, ok := kv[KeySendDelay]; ok {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			s.SendDelay = d
		}
	}
	if v, ok := kv[KeyAutoRetry]; ok {
		if b, err := strconv.ParseBool(v); err == nil {
			s.AutoRetry = b
		}
	}
	if v, ok := kv[KeyReloadEvery]; ok {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			s.ReloadEvery = d
		}
	}
	if v, ok := kv[KeyIdleEvery]; ok {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			s.IdleEvery = d
		}
	}
	if v, ok := kv[KeyDebug]; ok {
		if b, err := strconv.ParseBool(v); err == nil {
			s.Debug = b
		}
	}
	return s
}

// validateSetting rejects unknown keys and malformed values before they
// reach persistence.
func validateSetting(key, value string) error {
	switch key {
	case KeyPostSendAction:
		switch Action(value) {
		case ActionRefresh, ActionClose, ActionNone:
			return nil
		}
		return fmt.Errorf("invalid %s: %q", key, value)
	case KeySendDelay, KeyReloadEvery, KeyIdleEvery:
		d, err := time.ParseDuration(value)
		if err != nil || d < 0 {
			return fmt.Errorf("invalid %s: %q", key, value)
		}
		return nil
	case KeyAutoRetry, KeyDebug:
		if _, err := strconv.ParseBool(value); err != nil {
			return fmt.Errorf("invalid %s: %q", key, value)
		}
		return nil
	default:
		return fmt.Errorf("unknown setting %q", key)
	}
}
