// Package session applies the privacy action that follows a confirmed
// delivery: refresh the hosting surface, close it, or leave it alone.
package session

import (
	"context"
	"time"

	"autosend/internal/retry"
	"autosend/internal/storage"
	"autosend/pkg/logx"
)

// defaultSettle gives the surface time to flush pending renders before the
// session is torn down underneath it.
const defaultSettle = 1500 * time.Millisecond

// Host is the controllable surface session. surface.Driver satisfies it.
type Host interface {
	Reload(ctx context.Context) error
	Close(ctx context.Context) error
}

type Executor struct {
	host  Host
	store storage.Store
	log   logx.Logger

	settle       time.Duration
	processNames []string
	sleep        func(ctx context.Context, d time.Duration) error
	kill         func(names []string, log logx.Logger) error
}

type Option func(*Executor)

func WithSettle(d time.Duration) Option {
	return func(e *Executor) {
		if d >= 0 {
			e.settle = d
		}
	}
}

// WithProcessNames sets the executable names the close fallback may kill.
func WithProcessNames(names []string) Option {
	return func(e *Executor) { e.processNames = names }
}

// WithSleep replaces the settle wait (tests).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = fn }
}

func New(host Host, store storage.Store, log logx.Logger, opts ...Option) *Executor {
	e := &Executor{
		host:   host,
		store:  store,
		log:    log,
		settle: defaultSettle,
		sleep:  retry.Sleep,
		kill:   killByName,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Run executes the configured post-send action. The setting is re-read here,
// not captured at delivery start, so a user change made while a send was
// running still takes effect.
func (e *Executor) Run(ctx context.Context) error {
	if err := e.sleep(ctx, e.settle); err != nil {
		return err
	}

	settings, err := e.store.Settings(ctx)
	if err != nil {
		e.log.Warn("post-send settings read failed", logx.Err(err))
		settings = storage.DefaultSettings()
	}

	switch settings.PostSendAction {
	case storage.ActionRefresh:
		e.log.Info("post-send: reloading surface")
		return e.host.Reload(ctx)

	case storage.ActionClose:
		e.log.Info("post-send: closing surface")
		closeErr := e.host.Close(ctx)
		if closeErr == nil {
			return nil
		}
		e.log.Warn("surface close failed, falling back to process kill", logx.Err(closeErr))
		if len(e.processNames) == 0 {
			e.log.Warn("no process names configured, close fallback unavailable")
			return nil
		}
		return e.kill(e.processNames, e.log)

	default:
		return nil
	}
}
