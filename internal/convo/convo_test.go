package convo

import (
	"context"
	"testing"
	"time"

	"autosend/internal/resolve"
	"autosend/internal/surface"
	"autosend/pkg/logx"
)

// fixture wires a sidebar search plus a footer composer and lets tests
// script how the tree reacts to the Down-Down-Enter activation.
type fixture struct {
	drv      *surface.MemDriver
	root     *surface.Node
	search   *surface.Node
	composer *surface.Node
}

func newFixture() *fixture {
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

	return &fixture{
		drv:      surface.NewMemDriver(root),
		root:     root,
		search:   search,
		composer: composer,
	}
}

// openOnEnter makes Enter on the search field surface the conversation
// header, like the real list activation would.
func (f *fixture) openOnEnter() {
	f.drv.OnKey = func(d *surface.MemDriver, el *surface.Node, k surface.Key) {
		if el != f.search || k != surface.KeyEnter {
			return
		}
		title := surface.NewNode("span", map[string]string{"title": el.Text()})
		title.Bounds = surface.Rect{X: 700, Y: 10, W: 200, H: 20}
		header := surface.NewNode("header", nil, title)
		header.Bounds = surface.Rect{X: 660, Y: 0, W: 600, H: 60}
		f.root.Append(header)
	}
}

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func newSwitcher(f *fixture) *Switcher {
	res := resolve.New(f.drv, logx.Nop())
	return New(f.drv, res, logx.Nop(), WithSleep(noSleep))
}

func TestOpenTypesNameAndActivates(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.openOnEnter()
	s := newSwitcher(f)

	if !s.Open(context.Background(), "Alice", 1) {
		t.Fatal("Open = false, want conversation opened")
	}
	if got := f.search.Text(); got != "Alice" {
		t.Fatalf("search field = %q, want typed name", got)
	}

	// The activation sequence must be exactly two selection advances plus
	// Enter, after the clear gesture.
	var keys []surface.Key
	for _, kp := range f.drv.Keys {
		if kp.Node == f.search {
			keys = append(keys, kp.Key)
		}
	}
	want := []surface.Key{
		surface.KeySelectAll, surface.KeyBackspace,
		surface.KeyDown, surface.KeyDown, surface.KeyEnter,
	}
	if len(keys) != len(want) {
		t.Fatalf("key stream = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("key[%d] = %v, want %v", i, keys[i], want[i])
		}
	}
}

func TestOpenClearsPreviousQuery(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.search.TextOwn = "old query"
	f.openOnEnter()
	s := newSwitcher(f)

	if !s.Open(context.Background(), "Bob", 1) {
		t.Fatal("Open = false")
	}
	if got := f.search.Text(); got != "Bob" {
		t.Fatalf("search field = %q, want previous query replaced", got)
	}
}

func TestOpenTimesOutWhenNothingLoads(t *testing.T) {
	t.Parallel()
	f := newFixture()
	// No OnKey hook: Enter does nothing, no header ever appears. The focus
	// heuristic must not fire either because focus stays on the search box.
	s := newSwitcher(f)

	if s.Open(context.Background(), "Ghost", 1) {
		t.Fatal("Open = true for a conversation that never loads")
	}
}

func TestOpenRetriesWholeSequence(t *testing.T) {
	t.Parallel()
	f := newFixture()
	enters := 0
	f.drv.OnKey = func(d *surface.MemDriver, el *surface.Node, k surface.Key) {
		if el != f.search || k != surface.KeyEnter {
			return
		}
		enters++
		if enters < 2 {
			return // first activation is swallowed
		}
		title := surface.NewNode("span", map[string]string{"title": el.Text()})
		title.Bounds = surface.Rect{X: 700, Y: 10, W: 200, H: 20}
		header := surface.NewNode("header", nil, title)
		header.Bounds = surface.Rect{X: 660, Y: 0, W: 600, H: 60}
		f.root.Append(header)
	}
	s := newSwitcher(f)

	if !s.Open(context.Background(), "Carol", 3) {
		t.Fatal("Open = false, want success on the second attempt")
	}
	if enters != 2 {
		t.Fatalf("enter presses = %d, want 2", enters)
	}
}
