// Package convo opens a named conversation by driving the search surface
// with synthetic keyboard interaction.
package convo

import (
	"context"
	"time"

	"autosend/internal/resolve"
	"autosend/internal/retry"
	"autosend/internal/surface"
	"autosend/pkg/logx"
)

const (
	defaultResultsWait = 1500 * time.Millisecond
	defaultSettleWait  = 700 * time.Millisecond
	defaultLoadBudget  = 5 * time.Second
	defaultPollEvery   = 250 * time.Millisecond
)

type Switcher struct {
	drv surface.Driver
	res *resolve.Resolver
	log logx.Logger

	resultsWait time.Duration
	settleWait  time.Duration
	loadBudget  time.Duration
	pollEvery   time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	retryOpts   []retry.Option
}

type Option func(*Switcher)

func WithWaits(results, settle, load, poll time.Duration) Option {
	return func(s *Switcher) {
		if results > 0 {
			s.resultsWait = results
		}
		if settle > 0 {
			s.settleWait = settle
		}
		if load > 0 {
			s.loadBudget = load
		}
		if poll > 0 {
			s.pollEvery = poll
		}
	}
}

// WithSleep replaces all internal waits (tests).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Switcher) {
		s.sleep = fn
		s.retryOpts = append(s.retryOpts, retry.WithSleep(fn))
	}
}

func New(drv surface.Driver, res *resolve.Resolver, log logx.Logger, opts ...Option) *Switcher {
	s := &Switcher{
		drv:         drv,
		res:         res,
		log:         log,
		resultsWait: defaultResultsWait,
		settleWait:  defaultSettleWait,
		loadBudget:  defaultLoadBudget,
		pollEvery:   defaultPollEvery,
		sleep:       retry.Sleep,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open tries to open the conversation named name, retrying the whole
// sequence up to attempts times with paced backoff. It returns true only
// when a usable composer is confirmed reachable within the load budget.
func (s *Switcher) Open(ctx context.Context, name string, attempts int) bool {
	return retry.Do(ctx, attempts, func(ctx context.Context) (bool, error) {
		return s.attempt(ctx, name)
	}, s.retryOpts...)
}

func (s *Switcher) attempt(ctx context.Context, name string) (bool, error) {
	search := s.res.SearchBox(ctx)
	if search == nil {
		s.log.Debug("search surface not found", logx.String("target", name))
		return false, nil
	}

	if err := s.drv.Focus(ctx, search); err != nil {
		return false, err
	}
	if err := s.drv.SendKeys(ctx, search, surface.KeySelectAll, surface.KeyBackspace); err != nil {
		return false, err
	}
	if err := s.drv.TypeText(ctx, search, name); err != nil {
		return false, err
	}

	if err := s.sleep(ctx, s.resultsWait); err != nil {
		return false, err
	}

	// Two advance-selection steps plus one activate. Keyboard focus order
	// survives result-list reordering where coordinate clicks would not.
	if err := s.drv.SendKeys(ctx, search, surface.KeyDown, surface.KeyDown, surface.KeyEnter); err != nil {
		return false, err
	}

	// Elapsed is accounted in slept time, so the budget behaves the same
	// under an injected sleep.
	var elapsed time.Duration
	for {
		settled := elapsed >= s.settleWait
		if s.res.ConversationLoaded(ctx, name, settled) {
			s.log.Debug("conversation opened", logx.String("target", name))
			return true, nil
		}
		if elapsed >= s.loadBudget {
			s.log.Debug("conversation load timed out", logx.String("target", name))
			return false, nil
		}
		if err := s.sleep(ctx, s.pollEvery); err != nil {
			return false, err
		}
		elapsed += s.pollEvery
	}
}
