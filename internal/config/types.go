package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"autosend/internal/storage"
	"autosend/pkg/logx"
)

// Config is the process configuration. All durations are Go duration
// strings ("500ms", "10s", "1m"); runtime knobs a user may flip between
// deliveries (post-send action, retry, pacing) live in the store instead.
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Surface  SurfaceConfig  `json:"surface"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
}

type LoggingConfig struct {
	Level   string         `json:"level,omitempty"`
	Console bool           `json:"console"`
	File    FileLogConfig  `json:"file,omitempty"`
	Chat    ChatLogConfig  `json:"chat,omitempty"`
}

type FileLogConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
}

// ChatLogConfig mirrors warnings and errors into the ops chat.
type ChatLogConfig struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// SurfaceConfig selects and parameterizes the UI driver.
//
//	"surface": { "driver": "cdp", "attach": "http://127.0.0.1:9222", "url": "https://web.example.com" }
type SurfaceConfig struct {
	// Driver is "cdp" (attach to a running browser) or "mem" (dry run).
	Driver string `json:"driver,omitempty"`

	// Attach is the DevTools address of the already-authenticated browser.
	Attach string `json:"attach,omitempty"`

	// URL is navigated to after attach when the tab is somewhere else.
	URL string `json:"url,omitempty"`

	// ProcessNames are the executables the close fallback may kill.
	ProcessNames []string `json:"process_names,omitempty"`

	QueryTimeout string `json:"query_timeout,omitempty"`
}

type TelegramConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"`
	ChatID     int64  `json:"chat_id,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// Validate rejects configs that cannot produce a working process. Called by
// the watcher before a reload is committed, so a bad edit keeps the last
// good config running.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "file", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			return errors.New("storage.path is required")
		}
	case "postgres", "postgresql":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return errors.New("storage.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}

	switch strings.ToLower(strings.TrimSpace(c.Surface.Driver)) {
	case "", "cdp":
		if strings.TrimSpace(c.Surface.Attach) == "" {
			return errors.New("surface.attach is required for the cdp driver")
		}
	case "mem":
	default:
		return fmt.Errorf("unknown surface.driver %q", c.Surface.Driver)
	}
	if _, err := ParseDurationField("surface.query_timeout", c.Surface.QueryTimeout); err != nil {
		return err
	}

	if c.Telegram.Enabled && strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required when telegram.enabled")
	}
	return nil
}

// LogxConfig maps the logging block onto the log service config.
func (c *Config) LogxConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled:    c.Logging.File.Enabled,
			Path:       c.Logging.File.Path,
			MaxSizeMB:  c.Logging.File.MaxSizeMB,
			MaxBackups: c.Logging.File.MaxBackups,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    c.Logging.Chat.Enabled,
			ChatID:     c.Logging.Chat.ChatID,
			MinLevel:   c.Logging.Chat.MinLevel,
			RatePerSec: c.Logging.Chat.RatePerSec,
		},
	}
}

// StorageConfig maps the storage block onto the store config.
func (c *Config) StoreConfig() storage.Config {
	busy, _ := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	return storage.Config{
		Driver:      c.Storage.Driver,
		Path:        c.Storage.Path,
		DSN:         c.Storage.DSN,
		BusyTimeout: busy,
	}
}

// SurfaceQueryTimeout returns the per-query timeout with its default.
func (c *Config) SurfaceQueryTimeout() time.Duration {
	d, err := ParseDurationField("surface.query_timeout", c.Surface.QueryTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}
