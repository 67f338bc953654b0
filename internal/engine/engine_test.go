package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"autosend/internal/convo"
	"autosend/internal/deliver"
	"autosend/internal/eventbus"
	"autosend/internal/inject"
	"autosend/internal/resolve"
	"autosend/internal/storage"
	"autosend/internal/surface"
	"autosend/internal/verify"
	"autosend/pkg/logx"
)

type harness struct {
	drv      *surface.MemDriver
	root     *surface.Node
	composer *surface.Node
	store    storage.Store
	bus      eventbus.Bus
	res      *resolve.Resolver
	orch     *deliver.Orchestrator

	mu     sync.Mutex
	sleeps []time.Duration
}

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func newHarness(t *testing.T) *harness {
	t.Helper()
	composer := surface.NewNode("div", map[string]string{
		"contenteditable": "true",
		"role":            "textbox",
	})
	composer.Bounds = surface.Rect{X: 700, Y: 720, W: 500, H: 40}
	footer := surface.NewNode("footer", nil, composer)
	footer.Bounds = surface.Rect{X: 660, Y: 700, W: 600, H: 80}
	root := surface.NewNode("body", nil, footer)
	root.Bounds = surface.Rect{W: 1280, H: 800}

	store, err := storage.Open(storage.Config{
		Driver: "file",
		Path:   filepath.Join(t.TempDir(), "state.json"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	h := &harness{
		drv:      surface.NewMemDriver(root),
		root:     root,
		composer: composer,
		store:    store,
		bus:      eventbus.New(),
	}

	// Submit clears the composer and renders the outgoing bubble.
	h.drv.OnKey = func(d *surface.MemDriver, el *surface.Node, k surface.Key) {
		if el != composer || k != surface.KeyEnter {
			return
		}
		text := composer.Text()
		composer.Kids = nil
		composer.TextOwn = ""
		bubble := surface.NewNode("div", map[string]string{"class": "message-out"})
		bubble.TextOwn = text
		bubble.Bounds = surface.Rect{X: 800, Y: 500, W: 300, H: 40}
		root.Append(bubble)
	}

	log := logx.Nop()
	h.res = resolve.New(h.drv, log)
	inj := inject.New(h.drv, h.drv.Clip, log)
	ver := verify.New(h.drv, h.res, log,
		verify.WithInterval(5*time.Millisecond), verify.WithBudget(50*time.Millisecond))
	sw := convo.New(h.drv, h.res, log, convo.WithSleep(noSleep))
	h.orch = deliver.New(h.drv, h.drv.Clip, h.store, h.bus, h.res, inj, ver, sw, nil, log,
		deliver.WithSleep(noSleep))
	return h
}

func (h *harness) bubbles() int {
	n := 0
	for _, k := range h.root.Kids {
		if k.Attr("class") == "message-out" {
			n++
		}
	}
	return n
}

func (h *harness) engine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	return New(h.store, h.orch, h.drv, h.res, h.bus, logx.Nop(), opts...)
}

// stepSleeper lets N sleeps pass instantly, then fails the next one so an
// otherwise endless background loop exits.
func (h *harness) stepSleeper(n int) func(ctx context.Context, d time.Duration) error {
	calls := 0
	return func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		h.sleeps = append(h.sleeps, d)
		h.mu.Unlock()
		calls++
		if calls > n {
			return context.Canceled
		}
		return nil
	}
}

func drain(ch <-chan eventbus.Event) []eventbus.Event {
	var out []eventbus.Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func countType(events []eventbus.Event, typ string) int {
	n := 0
	for _, e := range events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func TestTickDeliversDueSchedule(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	fixed := time.Date(2026, 8, 23, 14, 30, 5, 0, time.UTC)
	e := h.engine(t, WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	sch, _ := h.store.AddSchedule(ctx, storage.Schedule{Time: "14:30", Message: "hello there"})
	if _, err := h.store.AddSchedule(ctx, storage.Schedule{Time: "18:00", Message: "later"}); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}

	if err := e.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if h.bubbles() != 1 {
		t.Fatalf("bubbles = %d, want only the due schedule delivered", h.bubbles())
	}

	list, _ := h.store.ListSchedules(ctx)
	for _, s := range list {
		if s.ID == sch.ID && !s.Sent {
			t.Fatal("due schedule not marked sent")
		}
		if s.ID != sch.ID && s.Sent {
			t.Fatal("off-schedule record marked sent")
		}
	}

	// Same minute again: the sent flag blocks a duplicate.
	if err := e.Tick(ctx); err != nil {
		t.Fatalf("second Tick: %v", err)
	}
	if h.bubbles() != 1 {
		t.Fatalf("bubbles = %d after repeat tick, want 1", h.bubbles())
	}
}

func TestTickDefersWhenAuthRequired(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	qr := surface.NewNode("canvas", map[string]string{"data-testid": "qrcode"})
	qr.Bounds = surface.Rect{X: 500, Y: 300, W: 200, H: 200}
	h.root.Append(qr)

	fixed := time.Date(2026, 8, 23, 9, 0, 0, 0, time.UTC)
	e := h.engine(t, WithClock(func() time.Time { return fixed }))
	ctx := context.Background()
	h.store.AddSchedule(ctx, storage.Schedule{Time: "09:00", Message: "blocked"})

	events, unsub := h.bus.Subscribe(16)
	defer unsub()

	if err := e.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if h.bubbles() != 0 {
		t.Fatal("delivery ran against an unauthenticated surface")
	}
	if countType(drain(events), eventbus.TypeAuthRequired) != 1 {
		t.Fatal("auth.required event not published")
	}
	list, _ := h.store.ListSchedules(ctx)
	if list[0].Sent {
		t.Fatal("deferred schedule marked sent")
	}
}

func TestTickDefersWhenDisconnected(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	banner := surface.NewNode("div", map[string]string{"data-testid": "alert-phone"})
	banner.Bounds = surface.Rect{X: 0, Y: 0, W: 600, H: 40}
	h.root.Append(banner)

	fixed := time.Date(2026, 8, 23, 9, 0, 0, 0, time.UTC)
	e := h.engine(t, WithClock(func() time.Time { return fixed }))
	ctx := context.Background()
	h.store.AddSchedule(ctx, storage.Schedule{Time: "09:00", Message: "blocked"})

	if err := e.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if h.bubbles() != 0 {
		t.Fatal("delivery ran against an offline surface")
	}
}

// invalidationSpy counts the recovery hand-off calls.
type invalidationSpy struct {
	storage.Store
	calls int
}

func (s *invalidationSpy) OnSessionInvalidated(ctx context.Context) {
	s.calls++
	s.Store.OnSessionInvalidated(ctx)
}

func TestTickStoreGone(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	spy := &invalidationSpy{Store: h.store}
	e := New(spy, h.orch, h.drv, h.res, h.bus, logx.Nop())
	if err := h.store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := e.Tick(context.Background()); !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("Tick = %v, want ErrSessionInvalid", err)
	}
	// The stopped loop hands recovery to the store, exactly once.
	if spy.calls != 1 {
		t.Fatalf("invalidation hand-offs = %d, want 1", spy.calls)
	}
}

func TestTickSettlesBetweenDueSchedules(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	fixed := time.Date(2026, 8, 23, 14, 30, 5, 0, time.UTC)
	e := h.engine(t,
		WithClock(func() time.Time { return fixed }),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			h.mu.Lock()
			h.sleeps = append(h.sleeps, d)
			h.mu.Unlock()
			return nil
		}))
	ctx := context.Background()

	// The first due schedule fails before any confirmed submit (no search box
	// on this surface, so its target never opens); the settle must still
	// space the second one.
	h.store.AddSchedule(ctx, storage.Schedule{Time: "14:30", Message: "first", Targets: []string{"Nobody"}})
	h.store.AddSchedule(ctx, storage.Schedule{Time: "14:30", Message: "second"})

	if err := e.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if h.bubbles() != 1 {
		t.Fatalf("bubbles = %d, want only the reachable schedule delivered", h.bubbles())
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.sleeps) != 1 || h.sleeps[0] != 2*time.Second {
		t.Fatalf("sleeps = %v, want one 2s settle between the due deliveries", h.sleeps)
	}
}

func TestSendNow(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	e := h.engine(t)
	ctx := context.Background()
	sch, _ := h.store.AddSchedule(ctx, storage.Schedule{Time: "23:59", Message: "test send"})

	// Outside the trigger minute on purpose.
	if err := e.SendNow(ctx, sch.ID); err != nil {
		t.Fatalf("SendNow: %v", err)
	}
	if h.bubbles() != 1 {
		t.Fatalf("bubbles = %d, want 1", h.bubbles())
	}
	list, _ := h.store.ListSchedules(ctx)
	if !list[0].Sent {
		t.Fatal("manual send did not mark the schedule sent")
	}

	if err := e.SendNow(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("SendNow unknown id = %v, want ErrNotFound", err)
	}
}

func TestAntiIdleNudgesWhenIdle(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	e := h.engine(t, WithSleep(h.stepSleeper(1)))

	if err := e.RunAntiIdle(context.Background()); err != nil {
		t.Fatalf("RunAntiIdle: %v", err)
	}
	if h.drv.Nudges != 1 {
		t.Fatalf("nudges = %d, want 1", h.drv.Nudges)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sleeps[0] != storage.DefaultSettings().IdleEvery {
		t.Fatalf("pulse interval = %v, want settings default", h.sleeps[0])
	}
}

func TestAntiIdleSuppressedByRecentActivity(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.drv.SetUserActivity(time.Now())
	e := h.engine(t, WithSleep(h.stepSleeper(1)))

	if err := e.RunAntiIdle(context.Background()); err != nil {
		t.Fatalf("RunAntiIdle: %v", err)
	}
	if h.drv.Nudges != 0 {
		t.Fatalf("nudges = %d, want pulse suppressed by genuine input", h.drv.Nudges)
	}
}

func TestAntiIdlePublishesConnectionLossOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	banner := surface.NewNode("div", map[string]string{"data-testid": "alert-phone"})
	banner.Bounds = surface.Rect{X: 0, Y: 0, W: 600, H: 40}
	h.root.Append(banner)

	e := h.engine(t, WithSleep(h.stepSleeper(3)))
	events, unsub := h.bus.Subscribe(16)
	defer unsub()

	if err := e.RunAntiIdle(context.Background()); err != nil {
		t.Fatalf("RunAntiIdle: %v", err)
	}
	// Three passes over a down surface, one transition, one event.
	if got := countType(drain(events), eventbus.TypeConnectionLost); got != 1 {
		t.Fatalf("connection.lost events = %d, want 1", got)
	}
	if h.drv.Nudges != 0 {
		t.Fatal("nudged a disconnected surface")
	}
}

func TestReloadWatchdogRespectsInterval(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	if err := h.store.SetSetting(ctx, storage.KeyReloadEvery, "30m"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	e := h.engine(t, WithSleep(h.stepSleeper(1)))

	if err := e.RunReloadWatchdog(ctx); err != nil {
		t.Fatalf("RunReloadWatchdog: %v", err)
	}
	if h.drv.Reloads != 1 {
		t.Fatalf("reloads = %d, want 1", h.drv.Reloads)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sleeps[0] != 30*time.Minute {
		t.Fatalf("wait = %v, want configured 30m", h.sleeps[0])
	}
}

func TestReloadWatchdogDisabledByDefault(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	e := h.engine(t, WithSleep(h.stepSleeper(1)))

	if err := e.RunReloadWatchdog(context.Background()); err != nil {
		t.Fatalf("RunReloadWatchdog: %v", err)
	}
	if h.drv.Reloads != 0 {
		t.Fatalf("reloads = %d with auto-reload off", h.drv.Reloads)
	}
}
