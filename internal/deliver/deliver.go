// Package deliver runs one scheduled delivery end to end: resolve the text,
// open each target conversation, inject, submit, confirm, then hand off to
// the post-send action.
package deliver

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"autosend/internal/convo"
	"autosend/internal/eventbus"
	"autosend/internal/inject"
	"autosend/internal/resolve"
	"autosend/internal/retry"
	"autosend/internal/storage"
	"autosend/internal/surface"
	"autosend/internal/verify"
	"autosend/pkg/logx"
)

const (
	// sendCooldown is the minimum spacing between two successful submits.
	sendCooldown = 2 * time.Second

	retryAttempts = 3
	singleAttempt = 1
)

// PostAction runs after a confirmed delivery (refresh, close, none).
type PostAction interface {
	Run(ctx context.Context) error
}

type Orchestrator struct {
	drv   surface.Driver
	clip  surface.Clipboard
	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger

	res  *resolve.Resolver
	inj  *inject.Injector
	ver  *verify.Verifier
	sw   *convo.Switcher
	post PostAction

	inFlight atomic.Bool

	mu       sync.Mutex
	lastSend time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type Option func(*Orchestrator)

// WithSleep replaces the pacing waits (tests).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

// WithClock replaces the cooldown clock (tests).
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func New(
	drv surface.Driver,
	clip surface.Clipboard,
	store storage.Store,
	bus eventbus.Bus,
	res *resolve.Resolver,
	inj *inject.Injector,
	ver *verify.Verifier,
	sw *convo.Switcher,
	post PostAction,
	log logx.Logger,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		drv:   drv,
		clip:  clip,
		store: store,
		bus:   bus,
		res:   res,
		inj:   inj,
		ver:   ver,
		sw:    sw,
		post:  post,
		log:   log,
		now:   time.Now,
		sleep: retry.Sleep,
	}
	for _, op := range opts {
		op(o)
	}
	return o
}

// InFlight reports whether a delivery is currently running.
func (o *Orchestrator) InFlight() bool { return o.inFlight.Load() }

// Deliver runs the schedule once. Overlapping calls are rejected, not
// queued: the second caller gets false immediately. A true return means at
// least one target received a confirmed message. No overall deadline wraps
// the pipeline; every wait inside it carries its own budget, so a long
// inter-target delay cannot starve the remaining targets.
func (o *Orchestrator) Deliver(ctx context.Context, sch storage.Schedule) bool {
	if !o.inFlight.CompareAndSwap(false, true) {
		o.log.Warn("delivery already in flight, rejecting", logx.String("schedule", sch.ID))
		return false
	}
	defer o.inFlight.Store(false)

	settings, err := o.store.Settings(ctx)
	if err != nil {
		o.log.Error("load settings", logx.Err(err))
		settings = storage.DefaultSettings()
	}
	attempts := singleAttempt
	if settings.AutoRetry {
		attempts = retryAttempts
	}

	text, ok := o.resolveText(ctx, sch)
	if !ok {
		o.bus.Status(fmt.Sprintf("schedule %s: nothing to send", sch.ID), eventbus.SeverityError)
		return false
	}

	if settings.Debug {
		// Debug mode reports what would happen and leaves the surface and the
		// schedule untouched.
		o.log.Info("debug mode: delivery skipped",
			logx.String("schedule", sch.ID),
			logx.Int("targets", len(sch.Targets)),
			logx.String("text_prefix", resolve.Prefix(text)))
		o.bus.Status(fmt.Sprintf("debug mode: schedule %s not sent", sch.ID), eventbus.SeverityInfo)
		return false
	}

	o.bus.Status(fmt.Sprintf("sending scheduled message (%s)", sch.Time), eventbus.SeverityWorking)

	delivered := o.deliverTargets(ctx, sch, text, attempts, settings.SendDelay)
	if !delivered {
		o.bus.Status(fmt.Sprintf("schedule %s: delivery failed", sch.ID), eventbus.SeverityError)
		return false
	}

	// An unrecorded send leaves the schedule re-deliverable this minute, so
	// a MarkSent failure is an error status, not a success.
	today := o.now().Format(storage.DateLayout)
	if err := o.store.MarkSent(ctx, sch.ID, today); err != nil {
		o.log.Error("mark sent", logx.String("schedule", sch.ID), logx.Err(err))
		o.bus.Status(fmt.Sprintf("schedule %s delivered but not recorded, duplicate send possible", sch.ID),
			eventbus.SeverityError)
	} else {
		o.bus.Publish(eventbus.Event{
			Type: eventbus.TypeMessageSent,
			Data: eventbus.SentPayload{ScheduleID: sch.ID, Targets: sch.Targets, At: o.now()},
		})
		o.bus.Status("message sent", eventbus.SeveritySuccess)
	}

	if o.post != nil {
		if err := o.post.Run(ctx); err != nil {
			o.log.Warn("post-send action failed", logx.Err(err))
		}
	}
	return true
}

// deliverTargets walks the target list. An empty list means "whatever
// conversation is open right now". Success is a logical OR across targets;
// a failed target is reported and skipped, not fatal.
func (o *Orchestrator) deliverTargets(ctx context.Context, sch storage.Schedule, text string, attempts int, delay time.Duration) bool {
	if len(sch.Targets) == 0 {
		return o.sendCurrent(ctx, text, attempts)
	}

	delivered := false
	for i, target := range sch.Targets {
		if i > 0 && delay > 0 {
			if err := o.sleep(ctx, delay); err != nil {
				return delivered
			}
		}
		if !o.sw.Open(ctx, target, attempts) {
			o.log.Error("conversation not reachable", logx.String("target", target))
			o.bus.Status(fmt.Sprintf("could not open conversation %q", target), eventbus.SeverityError)
			continue
		}
		if o.sendCurrent(ctx, text, attempts) {
			delivered = true
		} else {
			o.bus.Status(fmt.Sprintf("send to %q not confirmed", target), eventbus.SeverityError)
		}
	}
	return delivered
}

// resolveText picks the message body: the stored literal wins, otherwise the
// clipboard when the schedule opts in. An empty result aborts the delivery
// before any UI interaction.
func (o *Orchestrator) resolveText(ctx context.Context, sch storage.Schedule) (string, bool) {
	text := strings.TrimSpace(sch.Message)
	if text != "" {
		return text, true
	}
	if !sch.UseClipboard {
		return "", false
	}
	got, err := o.clip.ReadText(ctx)
	if err != nil {
		o.log.Warn("clipboard read failed", logx.Err(err))
		return "", false
	}
	got = strings.TrimSpace(got)
	return got, got != ""
}

// sendCurrent injects and submits text into the currently open conversation,
// retrying the whole inject-submit-confirm sequence with paced backoff.
func (o *Orchestrator) sendCurrent(ctx context.Context, text string, attempts int) bool {
	return retry.Do(ctx, attempts, func(ctx context.Context) (bool, error) {
		return o.sendOnce(ctx, text)
	}, retry.WithSleep(o.sleep))
}

func (o *Orchestrator) sendOnce(ctx context.Context, text string) (bool, error) {
	if err := o.waitCooldown(ctx); err != nil {
		return false, err
	}

	composer := o.res.Composer(ctx)
	if composer == nil {
		o.log.Debug("no composer on surface")
		return false, nil
	}

	filled := false
	for _, s := range inject.Strategies() {
		if err := o.inj.Fill(ctx, composer, text, s); err != nil {
			o.log.Debug("injection strategy failed",
				logx.String("strategy", s.String()), logx.Err(err))
			continue
		}
		filled = true
		break
	}
	if !filled {
		return false, nil
	}

	if err := o.submit(ctx, composer); err != nil {
		o.log.Debug("submit failed", logx.Err(err))
		return false, nil
	}

	if !o.ver.Confirm(ctx, text) {
		return false, nil
	}

	o.mu.Lock()
	o.lastSend = o.now()
	o.mu.Unlock()
	return true, nil
}

// submit prefers the explicit send control; Enter in the composer is the
// fallback when no labeled control is found.
func (o *Orchestrator) submit(ctx context.Context, composer surface.Element) error {
	if btn := o.res.SendButton(ctx); btn != nil {
		return o.drv.Click(ctx, btn)
	}
	return o.drv.SendKeys(ctx, composer, surface.KeyEnter)
}

// waitCooldown enforces the minimum spacing since the last confirmed send.
// Unconfirmed attempts do not advance the stamp.
func (o *Orchestrator) waitCooldown(ctx context.Context) error {
	o.mu.Lock()
	last := o.lastSend
	o.mu.Unlock()
	if last.IsZero() {
		return nil
	}
	remaining := sendCooldown - o.now().Sub(last)
	if remaining <= 0 {
		return nil
	}
	return o.sleep(ctx, remaining)
}
