// Package engine drives the scheduler: a coarse wall-clock tick loop that
// finds due schedules and hands them to the delivery orchestrator one at a
// time, plus the background loops keeping the surface session usable.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"autosend/internal/deliver"
	"autosend/internal/eventbus"
	"autosend/internal/resolve"
	"autosend/internal/retry"
	"autosend/internal/storage"
	"autosend/internal/surface"
	"autosend/pkg/logx"
)

const (
	tickEvery = 1 * time.Second

	// idleGrace suppresses the anti-idle pulse when the user touched the
	// surface themselves recently.
	idleGrace = 3 * time.Minute

	// watchdogRecheck paces the reload watchdog while auto-reload is off.
	watchdogRecheck = 1 * time.Minute

	// dueSettle spaces two deliveries triggered by the same minute. It holds
	// even when the earlier delivery failed before any confirmed submit, which
	// the orchestrator's send cooldown alone would not guarantee.
	dueSettle = 2 * time.Second
)

// ErrSessionInvalid means the store runtime disappeared underneath the
// scheduler. The loop stops; recovery belongs to whoever owns the store.
var ErrSessionInvalid = errors.New("schedule store session invalid")

type Engine struct {
	store storage.Store
	orch  *deliver.Orchestrator
	drv   surface.Driver
	res   *resolve.Resolver
	bus   eventbus.Bus
	log   logx.Logger

	checking atomic.Bool

	cron  *cron.Cron
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type Option func(*Engine)

// WithClock replaces the wall clock (tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSleep replaces the pacing waits (tests).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = fn }
}

func New(
	store storage.Store,
	orch *deliver.Orchestrator,
	drv surface.Driver,
	res *resolve.Resolver,
	bus eventbus.Bus,
	log logx.Logger,
	opts ...Option,
) *Engine {
	e := &Engine{
		store: store,
		orch:  orch,
		drv:   drv,
		res:   res,
		bus:   bus,
		log:   log,
		now:   time.Now,
		sleep: retry.Sleep,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Run is the scheduler loop. It returns nil when ctx ends, or
// ErrSessionInvalid when the store probe fails; callers must not restart it
// on the latter.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("scheduler started", logx.Duration("tick", tickEvery))

	t := time.NewTicker(tickEvery)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Info("scheduler stopped")
			return nil
		case <-t.C:
			if err := e.Tick(ctx); err != nil {
				e.bus.Publish(eventbus.Event{Type: eventbus.TypeConnectionLost})
				e.bus.Status("schedule storage became unreachable", eventbus.SeverityError)
				return err
			}
		}
	}
}

// Tick runs one scheduler pass. Overlapping passes are skipped, not queued:
// a pass still busy when the next tick fires simply owns that tick too.
func (e *Engine) Tick(ctx context.Context) error {
	if !e.checking.CompareAndSwap(false, true) {
		return nil
	}
	defer e.checking.Store(false)

	if err := e.store.Ping(ctx); err != nil {
		e.log.Error("store probe failed", logx.Err(err))
		e.store.OnSessionInvalidated(ctx)
		return ErrSessionInvalid
	}

	now := e.now()
	clock := now.Format(storage.ClockLayout)
	date := now.Format(storage.DateLayout)

	schedules, err := e.store.ListSchedules(ctx)
	if err != nil {
		e.log.Error("list schedules", logx.Err(err))
		return nil
	}

	var due []storage.Schedule
	for _, s := range schedules {
		if s.ShouldDeliver(clock, date) {
			due = append(due, s)
		}
	}
	if len(due) == 0 {
		return nil
	}

	switch state := e.res.Connectivity(ctx); state {
	case resolve.StateAuthRequired:
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeAuthRequired})
		e.bus.Status("authentication required on the message surface", eventbus.SeverityError)
		return nil
	case resolve.StateDisconnected:
		e.bus.Status("message surface is offline, deliveries deferred", eventbus.SeverityError)
		return nil
	}

	for i, sch := range due {
		if ctx.Err() != nil {
			return nil
		}
		if i > 0 {
			if err := e.sleep(ctx, dueSettle); err != nil {
				return nil
			}
		}
		ok := e.orch.Deliver(ctx, sch)
		if !ok && e.now().Format(storage.ClockLayout) != sch.Time {
			// The trigger minute elapsed while attempts were running; the
			// schedule stays unsent until its next daily occurrence.
			e.log.Warn("trigger minute elapsed during delivery",
				logx.String("schedule", sch.ID), logx.String("time", sch.Time))
		}
	}
	return nil
}

// SendNow delivers one schedule immediately, outside its trigger time. Used
// by the interface layer's "test send". A successful send still marks the
// schedule sent for today.
func (e *Engine) SendNow(ctx context.Context, id string) error {
	schedules, err := e.store.ListSchedules(ctx)
	if err != nil {
		return err
	}
	for _, s := range schedules {
		if s.ID == id {
			if !e.orch.Deliver(ctx, s) {
				return fmt.Errorf("delivery of schedule %s failed", id)
			}
			return nil
		}
	}
	return storage.ErrNotFound
}

// RunAntiIdle periodically pokes the surface so the hosting session does not
// expire from inactivity. Genuine user activity inside the grace window
// suppresses the pulse, as does an in-flight delivery. The loop doubles as a
// connectivity monitor: a flap to disconnected is published once per
// transition.
func (e *Engine) RunAntiIdle(ctx context.Context) error {
	wasConnected := true
	for {
		settings, err := e.store.Settings(ctx)
		if err != nil {
			settings = storage.DefaultSettings()
		}
		interval := settings.IdleEvery
		if interval <= 0 {
			interval = storage.DefaultSettings().IdleEvery
		}

		if err := e.sleep(ctx, interval); err != nil {
			return nil
		}
		if e.orch.InFlight() {
			continue
		}

		switch e.res.Connectivity(ctx) {
		case resolve.StateAuthRequired:
			if wasConnected {
				e.bus.Publish(eventbus.Event{Type: eventbus.TypeAuthRequired})
			}
			wasConnected = false
			continue
		case resolve.StateDisconnected:
			if wasConnected {
				e.bus.Publish(eventbus.Event{Type: eventbus.TypeConnectionLost})
				e.bus.Status("surface connection lost", eventbus.SeverityError)
			}
			wasConnected = false
			continue
		default:
			if !wasConnected {
				e.bus.Status("surface connection restored", eventbus.SeverityInfo)
			}
			wasConnected = true
		}

		if last, err := e.drv.LastUserActivity(ctx); err == nil && e.now().Sub(last) < idleGrace {
			continue
		}
		if err := e.drv.Nudge(ctx); err != nil {
			e.log.Debug("anti-idle nudge failed", logx.Err(err))
		}
	}
}

// RunReloadWatchdog reloads the surface on the configured cadence to shed
// leaked client state. Disabled while a delivery is in flight or when the
// interval setting is zero.
func (e *Engine) RunReloadWatchdog(ctx context.Context) error {
	for {
		settings, err := e.store.Settings(ctx)
		if err != nil {
			settings = storage.DefaultSettings()
		}

		wait := settings.ReloadEvery
		if wait <= 0 {
			if err := e.sleep(ctx, watchdogRecheck); err != nil {
				return nil
			}
			continue
		}
		if err := e.sleep(ctx, wait); err != nil {
			return nil
		}
		if e.orch.InFlight() {
			continue
		}
		e.log.Info("auto-reloading surface", logx.Duration("every", wait))
		if err := e.drv.Reload(ctx); err != nil {
			e.log.Warn("auto-reload failed", logx.Err(err))
		}
	}
}

// StartDailyReset installs the midnight cron that clears sent flags. The
// lazy reset in the store covers reads; this keeps long-idle processes
// correct even when nobody lists schedules overnight.
func (e *Engine) StartDailyReset() {
	if e.cron != nil {
		return
	}
	c := cron.New()
	_, err := c.AddFunc("@midnight", func() {
		today := e.now().Format(storage.DateLayout)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.store.ResetDailyStatus(ctx, today); err != nil {
			e.log.Warn("midnight reset failed", logx.Err(err))
		} else {
			e.log.Debug("daily sent flags reset", logx.String("date", today))
		}
	})
	if err != nil {
		e.log.Error("install daily reset", logx.Err(err))
		return
	}
	c.Start()
	e.cron = c
}

// StopDailyReset stops the midnight cron and waits for a running job.
func (e *Engine) StopDailyReset() {
	if e.cron == nil {
		return
	}
	<-e.cron.Stop().Done()
	e.cron = nil
}
