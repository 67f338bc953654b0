// Package app wires the process together: config, logging, storage, the
// surface driver, the delivery engine and the ops notifier, all run under
// one supervisor.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"autosend/internal/config"
	"autosend/internal/convo"
	"autosend/internal/deliver"
	"autosend/internal/engine"
	"autosend/internal/eventbus"
	"autosend/internal/inject"
	"autosend/internal/notifier"
	"autosend/internal/resolve"
	"autosend/internal/runtime/supervisor"
	"autosend/internal/session"
	"autosend/internal/storage"
	"autosend/internal/surface"
	"autosend/internal/surface/cdp"
	"autosend/internal/verify"
	"autosend/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	cfg    *config.Config

	logSvc *logx.Service
	log    logx.Logger

	bus   eventbus.Bus
	store storage.Store
	drv   surface.Driver
	clip  surface.Clipboard
	eng   *engine.Engine
	notif *notifier.Notifier

	sup *supervisor.Supervisor
}

// New loads the config and builds every component. Nothing runs yet; Start
// launches the loops.
func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	a := &App{cfgMgr: mgr, cfg: cfg, bus: eventbus.New()}

	// Notifier first: the log service's chat sink shares its bot.
	if cfg.Telegram.Enabled {
		n, err := notifier.New(notifier.Config{
			Token:      cfg.Telegram.Token,
			ChatID:     cfg.Telegram.ChatID,
			RatePerSec: cfg.Telegram.RatePerSec,
		}, a.bus, logx.NewConsole(cfg.Logging.Level))
		if err != nil {
			return nil, fmt.Errorf("telegram notifier: %w", err)
		}
		a.notif = n
	}

	var sender logx.TextSender
	if a.notif != nil {
		sender = a.notif
	}
	a.logSvc, a.log = logx.New(cfg.LogxConfig(), sender)
	mgr.SetLogger(a.log.With(logx.String("comp", "config")))

	a.store, err = storage.Open(cfg.StoreConfig(), a.log.With(logx.String("comp", "storage")))
	if err != nil {
		a.close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	if err := a.buildSurface(context.Background()); err != nil {
		a.close()
		return nil, err
	}

	a.buildEngine()
	return a, nil
}

func (a *App) buildSurface(ctx context.Context) error {
	switch strings.ToLower(strings.TrimSpace(a.cfg.Surface.Driver)) {
	case "mem":
		// Dry run: deliveries mutate an in-memory tree only.
		mem := surface.NewMemDriver(surface.NewNode("body", nil))
		a.drv = mem
		a.clip = mem.Clip
		a.log.Warn("surface driver is mem: dry-run mode, nothing real will be sent")
		return nil

	default:
		drv, err := cdp.New(ctx, cdp.Config{
			Attach:       a.cfg.Surface.Attach,
			URL:          a.cfg.Surface.URL,
			QueryTimeout: a.cfg.SurfaceQueryTimeout(),
		}, surface.SystemClipboard{}, a.log.With(logx.String("comp", "surface")))
		if err != nil {
			return fmt.Errorf("attach surface: %w", err)
		}
		a.drv = drv
		a.clip = surface.SystemClipboard{}
		return nil
	}
}

func (a *App) buildEngine() {
	res := resolve.New(a.drv, a.log.With(logx.String("comp", "resolve")))
	inj := inject.New(a.drv, a.clip, a.log.With(logx.String("comp", "inject")))
	ver := verify.New(a.drv, res, a.log.With(logx.String("comp", "verify")))
	sw := convo.New(a.drv, res, a.log.With(logx.String("comp", "convo")))

	post := session.New(a.drv, a.store, a.log.With(logx.String("comp", "session")),
		session.WithProcessNames(a.cfg.Surface.ProcessNames))

	orch := deliver.New(a.drv, a.clip, a.store, a.bus, res, inj, ver, sw, post,
		a.log.With(logx.String("comp", "deliver")))

	a.eng = engine.New(a.store, orch, a.drv, res, a.bus,
		a.log.With(logx.String("comp", "engine")))
}

// Engine exposes the engine for manual operations (SendNow).
func (a *App) Engine() *engine.Engine { return a.eng }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))))

	// The scheduler loop is deliberately not restarted: ErrSessionInvalid
	// means the store is gone and a restart would spin.
	a.sup.Go("engine.tick", a.eng.Run)

	a.sup.GoRestart("engine.antiidle", a.eng.RunAntiIdle)
	a.sup.GoRestart("engine.reload_watchdog", a.eng.RunReloadWatchdog)
	a.sup.GoRestart("config.watch", func(ctx context.Context) error {
		return a.cfgMgr.Watch(ctx)
	})
	if a.notif != nil {
		a.sup.GoRestart("notifier", a.notif.Run)
	}
	a.sup.Go0("config.apply", a.applyConfigUpdates)

	a.eng.StartDailyReset()

	a.bus.Status("delivery engine started", eventbus.SeverityInfo)
	a.log.Info("started")
	return nil
}

// applyConfigUpdates consumes hot reloads. Only the logging block is applied
// live; storage and surface changes need a restart and are logged as such.
func (a *App) applyConfigUpdates(ctx context.Context) {
	ch := a.cfgMgr.Subscribe(4)
	defer a.cfgMgr.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok || cfg == nil {
				return
			}
			old := a.cfg
			a.cfg = cfg
			a.logSvc.Apply(cfg.LogxConfig())
			if old != nil && (old.Storage != cfg.Storage || old.Surface.Attach != cfg.Surface.Attach ||
				old.Surface.Driver != cfg.Surface.Driver) {
				a.log.Warn("storage/surface config changed; restart required to apply")
			}
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.eng != nil {
		a.eng.StopDailyReset()
	}

	var err error
	if a.sup != nil {
		wctx := ctx
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			wctx, cancel = context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
		}
		err = a.sup.Stop(wctx)
	}

	a.log.Info("stopped")
	a.close()
	return err
}

func (a *App) close() {
	if a.store != nil {
		_ = a.store.Close()
		a.store = nil
	}
	if d, ok := a.drv.(*cdp.Driver); ok && d != nil {
		d.Detach()
		a.drv = nil
	}
	if a.logSvc != nil {
		_ = a.logSvc.Close()
	}
}
