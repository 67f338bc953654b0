package deliver

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"autosend/internal/convo"
	"autosend/internal/eventbus"
	"autosend/internal/inject"
	"autosend/internal/resolve"
	"autosend/internal/storage"
	"autosend/internal/surface"
	"autosend/internal/verify"
	"autosend/pkg/logx"
)

// harness assembles the full chat surface the orchestrator works against:
// sidebar search box, footer composer, and a store backing the schedule.
type harness struct {
	drv      *surface.MemDriver
	root     *surface.Node
	search   *surface.Node
	composer *surface.Node
	store    storage.Store
	bus      eventbus.Bus

	mu     sync.Mutex
	sleeps []time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	search := surface.NewNode("div", map[string]string{
		"contenteditable": "true",
		"data-tab":        "3",
	})
	search.Bounds = surface.Rect{X: 10, Y: 10, W: 300, H: 30}
	sidebar := surface.NewNode("div", map[string]string{"role": "search"}, search)
	sidebar.Bounds = surface.Rect{X: 0, Y: 0, W: 320, H: 800}

	composer := surface.NewNode("div", map[string]string{
		"contenteditable": "true",
		"role":            "textbox",
	})
	composer.Bounds = surface.Rect{X: 700, Y: 720, W: 500, H: 40}
	footer := surface.NewNode("footer", nil, composer)
	footer.Bounds = surface.Rect{X: 660, Y: 700, W: 600, H: 80}

	root := surface.NewNode("body", nil, sidebar, footer)
	root.Bounds = surface.Rect{W: 1280, H: 800}

	store, err := storage.Open(storage.Config{
		Driver: "file",
		Path:   filepath.Join(t.TempDir(), "state.json"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return &harness{
		drv:      surface.NewMemDriver(root),
		root:     root,
		search:   search,
		composer: composer,
		store:    store,
		bus:      eventbus.New(),
	}
}

// deliverOnEnter clears the composer and renders the outgoing bubble when
// Enter lands there, like the real app would on submit.
func (h *harness) deliverOnEnter() {
	h.drv.OnKey = func(d *surface.MemDriver, el *surface.Node, k surface.Key) {
		if el != h.composer || k != surface.KeyEnter {
			return
		}
		h.acceptSubmit()
	}
}

func (h *harness) acceptSubmit() {
	text := h.composer.Text()
	h.composer.Kids = nil
	h.composer.TextOwn = ""
	bubble := surface.NewNode("div", map[string]string{"class": "message-out"})
	bubble.TextOwn = text
	bubble.Bounds = surface.Rect{X: 800, Y: 500, W: 300, H: 40}
	h.root.Append(bubble)
}

// openOnEnter surfaces the conversation header for whatever the search box
// holds, so the switcher sees its target load.
func (h *harness) openOnEnter(prev func(d *surface.MemDriver, el *surface.Node, k surface.Key)) {
	h.drv.OnKey = func(d *surface.MemDriver, el *surface.Node, k surface.Key) {
		if prev != nil {
			prev(d, el, k)
		}
		if el != h.search || k != surface.KeyEnter {
			return
		}
		title := surface.NewNode("span", map[string]string{"title": el.Text()})
		title.Bounds = surface.Rect{X: 700, Y: 10, W: 200, H: 20}
		header := surface.NewNode("header", nil, title)
		header.Bounds = surface.Rect{X: 660, Y: 0, W: 600, H: 60}
		h.root.Append(header)
	}
}

func (h *harness) recordSleep(ctx context.Context, d time.Duration) error {
	h.mu.Lock()
	h.sleeps = append(h.sleeps, d)
	h.mu.Unlock()
	return nil
}

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func newOrchestrator(h *harness, post PostAction, opts ...Option) *Orchestrator {
	log := logx.Nop()
	res := resolve.New(h.drv, log)
	inj := inject.New(h.drv, h.drv.Clip, log)
	ver := verify.New(h.drv, res, log,
		verify.WithInterval(5*time.Millisecond), verify.WithBudget(50*time.Millisecond))
	sw := convo.New(h.drv, res, log, convo.WithSleep(noSleep))
	all := append([]Option{WithSleep(h.recordSleep)}, opts...)
	return New(h.drv, h.drv.Clip, h.store, h.bus, res, inj, ver, sw, post, log, all...)
}

type recordPost struct{ runs int }

func (p *recordPost) Run(ctx context.Context) error { p.runs++; return nil }

func TestDeliverCurrentConversation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.deliverOnEnter()
	post := &recordPost{}
	o := newOrchestrator(h, post)

	ctx := context.Background()
	sch, err := h.store.AddSchedule(ctx, storage.Schedule{Time: "14:30", Message: "on my way"})
	if err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}

	events, unsub := h.bus.Subscribe(32)
	defer unsub()

	if !o.Deliver(ctx, sch) {
		t.Fatal("Deliver = false, want confirmed send")
	}
	if h.composer.Text() != "" {
		t.Fatalf("composer = %q after send", h.composer.Text())
	}
	if post.runs != 1 {
		t.Fatalf("post action ran %d times, want 1", post.runs)
	}

	list, _ := h.store.ListSchedules(ctx)
	today := time.Now().Format(storage.DateLayout)
	if !list[0].Sent || list[0].LastSentDate != today {
		t.Fatalf("schedule = %+v, want marked sent for today", list[0])
	}

	sawSent := false
	for {
		select {
		case e := <-events:
			if e.Type == eventbus.TypeMessageSent {
				p := e.Data.(eventbus.SentPayload)
				if p.ScheduleID != sch.ID {
					t.Fatalf("sent payload schedule = %q, want %q", p.ScheduleID, sch.ID)
				}
				sawSent = true
			}
		default:
			if !sawSent {
				t.Fatal("no message.sent event published")
			}
			return
		}
	}
}

func TestDeliverRejectsOverlap(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.deliverOnEnter()

	started := make(chan struct{})
	release := make(chan struct{})
	post := postFunc(func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	o := newOrchestrator(h, post)

	ctx := context.Background()
	sch, _ := h.store.AddSchedule(ctx, storage.Schedule{Time: "14:30", Message: "first"})

	first := make(chan bool, 1)
	go func() { first <- o.Deliver(ctx, sch) }()
	<-started

	// The engine never queues: a trigger landing mid-delivery is refused.
	if o.Deliver(ctx, sch) {
		t.Fatal("second Deliver = true while first still in flight")
	}
	if !o.InFlight() {
		t.Fatal("InFlight = false during delivery")
	}

	close(release)
	if !<-first {
		t.Fatal("first Deliver = false")
	}
	if o.InFlight() {
		t.Fatal("InFlight = true after delivery finished")
	}
}

type postFunc func(ctx context.Context) error

func (f postFunc) Run(ctx context.Context) error { return f(ctx) }

func TestDeliverNothingToSend(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	o := newOrchestrator(h, nil)
	ctx := context.Background()
	sch, _ := h.store.AddSchedule(ctx, storage.Schedule{Time: "14:30", Message: "   "})

	if o.Deliver(ctx, sch) {
		t.Fatal("Deliver = true with no message and clipboard opted out")
	}
	// The abort happens before any surface interaction.
	if len(h.drv.Keys) != 0 {
		t.Fatalf("surface touched: %v", h.drv.Keys)
	}
	list, _ := h.store.ListSchedules(ctx)
	if list[0].Sent {
		t.Fatal("schedule marked sent without a delivery")
	}
}

func TestDeliverClipboardFallback(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.deliverOnEnter()
	h.drv.Clip.Text = "copied earlier today"
	o := newOrchestrator(h, nil)
	ctx := context.Background()
	sch, _ := h.store.AddSchedule(ctx, storage.Schedule{Time: "14:30", UseClipboard: true})

	if !o.Deliver(ctx, sch) {
		t.Fatal("Deliver = false, want clipboard text sent")
	}
	found := false
	for _, k := range h.root.Kids {
		if k.Attr("class") == "message-out" && k.Text() == "copied earlier today" {
			found = true
		}
	}
	if !found {
		t.Fatal("outgoing bubble with clipboard text not rendered")
	}
}

func TestDeliverClipboardDenied(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.drv.Clip.ReadErr = errors.New("denied")
	o := newOrchestrator(h, nil)
	ctx := context.Background()
	sch, _ := h.store.AddSchedule(ctx, storage.Schedule{Time: "14:30", UseClipboard: true})

	if o.Deliver(ctx, sch) {
		t.Fatal("Deliver = true with unreadable clipboard and no literal")
	}
	if len(h.drv.Keys) != 0 {
		t.Fatalf("surface touched: %v", h.drv.Keys)
	}
}

func TestDeliverSequentialTargets(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.openOnEnter(func(d *surface.MemDriver, el *surface.Node, k surface.Key) {
		if el == h.composer && k == surface.KeyEnter {
			h.acceptSubmit()
		}
	})

	fixed := time.Now()
	o := newOrchestrator(h, nil, WithClock(func() time.Time { return fixed }))
	ctx := context.Background()
	sch, _ := h.store.AddSchedule(ctx, storage.Schedule{
		Time:    "14:30",
		Message: "weekly sync moved",
		Targets: []string{"Alice", "Bob"},
	})

	if !o.Deliver(ctx, sch) {
		t.Fatal("Deliver = false")
	}

	// One bubble per target, opened in declared order.
	var titles []string
	for _, k := range h.root.Kids {
		if k.Tag() == "header" {
			titles = append(titles, k.Kids[0].Attr("title"))
		}
	}
	if len(titles) != 2 || titles[0] != "Alice" || titles[1] != "Bob" {
		t.Fatalf("opened conversations = %v, want [Alice Bob]", titles)
	}
	bubbles := 0
	for _, k := range h.root.Kids {
		if k.Attr("class") == "message-out" {
			bubbles++
		}
	}
	if bubbles != 2 {
		t.Fatalf("outgoing bubbles = %d, want 2", bubbles)
	}

	// Two pacing waits: the inter-target delay, then the send cooldown before
	// the second submit (the clock is frozen, so the full window remains).
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.sleeps) != 2 || h.sleeps[0] != 2*time.Second || h.sleeps[1] != 2*time.Second {
		t.Fatalf("sleeps = %v, want [2s 2s]", h.sleeps)
	}
}

func TestDeliverPartialTargetFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	// Only "Bob" ever loads; "Nobody" never produces a header.
	h.openOnEnter(func(d *surface.MemDriver, el *surface.Node, k surface.Key) {
		if el == h.composer && k == surface.KeyEnter {
			h.acceptSubmit()
		}
	})
	base := h.drv.OnKey
	h.drv.OnKey = func(d *surface.MemDriver, el *surface.Node, k surface.Key) {
		if el == h.search && k == surface.KeyEnter && el.Text() == "Nobody" {
			return
		}
		base(d, el, k)
	}

	o := newOrchestrator(h, nil)
	ctx := context.Background()
	sch, _ := h.store.AddSchedule(ctx, storage.Schedule{
		Time:    "14:30",
		Message: "ping",
		Targets: []string{"Nobody", "Bob"},
	})

	// One reachable target out of two still counts as delivered.
	if !o.Deliver(ctx, sch) {
		t.Fatal("Deliver = false, want success via the reachable target")
	}
	list, _ := h.store.ListSchedules(ctx)
	if !list[0].Sent {
		t.Fatal("schedule not marked sent")
	}
}

func TestDeliverNoOverallDeadline(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.openOnEnter(func(d *surface.MemDriver, el *surface.Node, k surface.Key) {
		if el == h.composer && k == surface.KeyEnter {
			h.acceptSubmit()
		}
	})

	ctx := context.Background()
	// A delay this long would blow any per-schedule deadline inside the
	// inter-target wait and silently drop the second target.
	if err := h.store.SetSetting(ctx, storage.KeySendDelay, "2m"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}

	deadlines := 0
	checkSleep := func(sctx context.Context, d time.Duration) error {
		if _, ok := sctx.Deadline(); ok {
			deadlines++
		}
		return h.recordSleep(sctx, d)
	}
	o := newOrchestrator(h, nil, WithSleep(checkSleep))
	sch, _ := h.store.AddSchedule(ctx, storage.Schedule{
		Time:    "14:30",
		Message: "quarterly numbers",
		Targets: []string{"Alice", "Bob"},
	})

	if !o.Deliver(ctx, sch) {
		t.Fatal("Deliver = false")
	}
	if deadlines != 0 {
		t.Fatalf("pipeline context carried a deadline in %d waits, want none", deadlines)
	}

	bubbles := 0
	for _, k := range h.root.Kids {
		if k.Attr("class") == "message-out" {
			bubbles++
		}
	}
	if bubbles != 2 {
		t.Fatalf("outgoing bubbles = %d, want both targets reached", bubbles)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.sleeps) == 0 || h.sleeps[0] != 2*time.Minute {
		t.Fatalf("sleeps = %v, want the full 2m inter-target delay first", h.sleeps)
	}
}

// markSentFailStore delivers fine but cannot record the sent flag.
type markSentFailStore struct {
	storage.Store
	err error
}

func (s *markSentFailStore) MarkSent(ctx context.Context, id, date string) error { return s.err }

func TestDeliverMarkSentFailureReported(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.deliverOnEnter()
	h.store = &markSentFailStore{Store: h.store, err: errors.New("disk full")}
	o := newOrchestrator(h, nil)
	ctx := context.Background()
	sch, _ := h.store.AddSchedule(ctx, storage.Schedule{Time: "14:30", Message: "went out"})

	events, unsub := h.bus.Subscribe(32)
	defer unsub()

	// The message did go out, so the delivery itself succeeded.
	if !o.Deliver(ctx, sch) {
		t.Fatal("Deliver = false, want true for a confirmed send")
	}

	// An unrecorded send must surface as an error, never as success: the
	// sent flag is still false and the next tick would deliver again.
	sawSent, sawError := false, false
	for drained := false; !drained; {
		select {
		case e := <-events:
			switch e.Type {
			case eventbus.TypeMessageSent:
				sawSent = true
			case eventbus.TypeStatusUpdate:
				if p, ok := e.Data.(eventbus.StatusPayload); ok && p.Severity == eventbus.SeverityError {
					sawError = true
				}
			}
		default:
			drained = true
		}
	}
	if sawSent {
		t.Fatal("message.sent published although the sent flag was not recorded")
	}
	if !sawError {
		t.Fatal("no error status for the unrecorded send")
	}
}

func TestDeliverDebugModeSkipsSend(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.deliverOnEnter()
	ctx := context.Background()
	if err := h.store.SetSetting(ctx, storage.KeyDebug, "true"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	o := newOrchestrator(h, nil)
	sch, _ := h.store.AddSchedule(ctx, storage.Schedule{Time: "14:30", Message: "not for real"})

	if o.Deliver(ctx, sch) {
		t.Fatal("Deliver = true in debug mode")
	}
	if len(h.drv.Keys) != 0 {
		t.Fatalf("surface touched in debug mode: %v", h.drv.Keys)
	}
	list, _ := h.store.ListSchedules(ctx)
	if list[0].Sent {
		t.Fatal("debug run marked the schedule sent")
	}
}

func TestCooldownOnlyAfterConfirmedSend(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	// First submit is swallowed, second goes through. The failed attempt must
	// not start the cooldown window.
	enters := 0
	h.drv.OnKey = func(d *surface.MemDriver, el *surface.Node, k surface.Key) {
		if el != h.composer || k != surface.KeyEnter {
			return
		}
		enters++
		if enters >= 2 {
			h.acceptSubmit()
		}
	}
	o := newOrchestrator(h, nil)
	ctx := context.Background()
	sch, _ := h.store.AddSchedule(ctx, storage.Schedule{Time: "14:30", Message: "retry me"})

	if !o.Deliver(ctx, sch) {
		t.Fatal("Deliver = false, want success on second attempt")
	}

	// The only pacing wait is the retry backoff. A cooldown sleep here would
	// mean the unconfirmed attempt advanced the stamp.
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.sleeps) != 1 || h.sleeps[0] != time.Second {
		t.Fatalf("sleeps = %v, want only the 1s retry backoff", h.sleeps)
	}
}
