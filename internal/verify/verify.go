// Package verify confirms that a submitted message was actually delivered.
//
// Neither signal is reliable alone: an emptied composer can be a client-side
// echo before server acceptance, and message-list rendering can lag composer
// clearing. Confirmation therefore requires both the composer clearing and a
// matching outgoing bubble inside one bounded polling window.
package verify

import (
	"context"
	"strings"
	"time"

	"autosend/internal/resolve"
	"autosend/internal/retry"
	"autosend/internal/surface"
	"autosend/pkg/logx"
)

const (
	defaultInterval = 250 * time.Millisecond
	defaultBudget   = 8 * time.Second
)

type Verifier struct {
	drv surface.Driver
	res *resolve.Resolver
	log logx.Logger

	interval time.Duration
	budget   time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
}

type Option func(*Verifier)

func WithInterval(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.interval = d
		}
	}
}

func WithBudget(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.budget = d
		}
	}
}

// WithSleep replaces the polling wait (tests).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(v *Verifier) { v.sleep = fn }
}

func New(drv surface.Driver, res *resolve.Resolver, log logx.Logger, opts ...Option) *Verifier {
	v := &Verifier{
		drv:      drv,
		res:      res,
		log:      log,
		interval: defaultInterval,
		budget:   defaultBudget,
		sleep:    retry.Sleep,
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Confirm polls until both conditions have held at least once or the budget
// runs out. It returns false on timeout; a timeout is a failed attempt, not
// a confirmed send.
func (v *Verifier) Confirm(ctx context.Context, text string) bool {
	prefix := resolve.Prefix(text)
	deadline := time.Now().Add(v.budget)

	emptied := false
	appeared := false
	for {
		if !emptied {
			emptied = v.composerEmpty(ctx)
		}
		if !appeared {
			appeared = v.res.OutgoingContains(ctx, prefix)
		}
		if emptied && appeared {
			return true
		}
		if time.Now().After(deadline) {
			v.log.Debug("send confirmation timed out",
				logx.Bool("composer_emptied", emptied),
				logx.Bool("outgoing_seen", appeared))
			return false
		}
		if err := v.sleep(ctx, v.interval); err != nil {
			return false
		}
	}
}

func (v *Verifier) composerEmpty(ctx context.Context) bool {
	composer := v.res.Composer(ctx)
	if composer == nil {
		// A vanished composer is not evidence of a cleared one.
		return false
	}
	got, err := v.drv.ElementText(ctx, composer)
	if err != nil {
		return false
	}
	return strings.TrimSpace(got) == ""
}
