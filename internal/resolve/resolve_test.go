package resolve

import (
	"context"
	"strings"
	"testing"

	"autosend/internal/surface"
	"autosend/pkg/logx"
)

func box(x, y, w, h float64) surface.Rect { return surface.Rect{X: x, Y: y, W: w, H: h} }

// chatTree builds a markup shape close to what the engine meets in the wild:
// a sidebar with a search field and a footer composer on the right.
func chatTree() (*surface.Node, *surface.Node, *surface.Node) {
	search := surface.NewNode("div", map[string]string{
		"contenteditable": "true",
		"data-tab":        "3",
		"aria-label":      "Search input",
	})
	search.Bounds = box(10, 10, 300, 30)

	composer := surface.NewNode("div", map[string]string{
		"contenteditable": "true",
		"data-tab":        "10",
		"role":            "textbox",
	})
	composer.Bounds = box(700, 720, 500, 40)

	sidebar := surface.NewNode("div", map[string]string{"role": "search"}, search)
	sidebar.Bounds = box(0, 0, 320, 800)

	footer := surface.NewNode("footer", nil, composer)
	footer.Bounds = box(660, 700, 600, 80)

	root := surface.NewNode("body", nil, sidebar, footer)
	root.Bounds = box(0, 0, 1280, 800)
	return root, search, composer
}

func newResolver(root *surface.Node) (*Resolver, *surface.MemDriver) {
	drv := surface.NewMemDriver(root)
	return New(drv, logx.Nop()), drv
}

func TestComposerPrefersFooterEditor(t *testing.T) {
	t.Parallel()
	root, _, composer := chatTree()
	r, _ := newResolver(root)

	got := r.Composer(context.Background())
	if got == nil {
		t.Fatal("Composer = nil, want footer editor")
	}
	if got.(*surface.Node) != composer {
		t.Fatalf("Composer = %s[data-tab=%s], want the footer editor",
			got.Tag(), got.Attr("data-tab"))
	}
}

func TestComposerRejectsSearchField(t *testing.T) {
	t.Parallel()
	// Only the search editor exists; no usable composer may be reported.
	search := surface.NewNode("div", map[string]string{
		"contenteditable": "true",
		"aria-label":      "Search input",
	})
	search.Bounds = box(10, 10, 300, 30)
	sidebar := surface.NewNode("div", map[string]string{"role": "search"}, search)
	sidebar.Bounds = box(0, 0, 320, 800)
	root := surface.NewNode("body", nil, sidebar)
	root.Bounds = box(0, 0, 1280, 800)

	r, _ := newResolver(root)
	if got := r.Composer(context.Background()); got != nil {
		t.Fatalf("Composer = %s, want nil for a search-only tree", got.Tag())
	}
}

func TestComposerFallbackLargestRightHalf(t *testing.T) {
	t.Parallel()
	// No tier matches (plain textarea, no footer); the fallback picks the
	// largest visible editable in the content half.
	small := surface.NewNode("textarea", nil)
	small.Bounds = box(700, 100, 100, 20)
	large := surface.NewNode("textarea", nil)
	large.Bounds = box(700, 700, 500, 60)
	left := surface.NewNode("textarea", nil)
	left.Bounds = box(10, 700, 600, 200)

	root := surface.NewNode("body", nil, small, large, left)
	root.Bounds = box(0, 0, 1280, 800)

	r, _ := newResolver(root)
	got := r.Composer(context.Background())
	if got == nil || got.(*surface.Node) != large {
		t.Fatalf("Composer fallback picked %v, want the large right-half textarea", got)
	}
}

func TestSearchBoxFound(t *testing.T) {
	t.Parallel()
	root, search, _ := chatTree()
	r, _ := newResolver(root)

	got := r.SearchBox(context.Background())
	if got == nil || got.(*surface.Node) != search {
		t.Fatalf("SearchBox = %v, want the sidebar search editor", got)
	}
}

func TestSendButtonLocalizedLabels(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		attrs map[string]string
	}{
		{"english aria", map[string]string{"aria-label": "Send message"}},
		{"spanish aria", map[string]string{"aria-label": "Enviar"}},
		{"data icon", map[string]string{"data-icon": "send-filled"}},
		{"russian title", map[string]string{"title": "Отправить"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			btn := surface.NewNode("button", tt.attrs)
			btn.Bounds = box(1200, 740, 40, 40)
			footer := surface.NewNode("footer", nil, btn)
			footer.Bounds = box(660, 700, 600, 80)
			root := surface.NewNode("body", nil, footer)
			root.Bounds = box(0, 0, 1280, 800)

			r, _ := newResolver(root)
			if got := r.SendButton(context.Background()); got == nil {
				t.Fatal("SendButton = nil, want the labeled control")
			}
		})
	}
}

func TestSendButtonIgnoresUnrelated(t *testing.T) {
	t.Parallel()
	btn := surface.NewNode("button", map[string]string{"aria-label": "Attach file"})
	btn.Bounds = box(1200, 740, 40, 40)
	root := surface.NewNode("body", nil, btn)
	root.Bounds = box(0, 0, 1280, 800)

	r, _ := newResolver(root)
	if got := r.SendButton(context.Background()); got != nil {
		t.Fatalf("SendButton = %s, want nil", got.Attr("aria-label"))
	}
}

func TestConnectivityStates(t *testing.T) {
	t.Parallel()
	root, _, _ := chatTree()
	r, _ := newResolver(root)
	if got := r.Connectivity(context.Background()); got != StateConnected {
		t.Fatalf("Connectivity = %v, want connected", got)
	}

	banner := surface.NewNode("div", map[string]string{"data-testid": "alert-phone"})
	banner.Bounds = box(0, 0, 1280, 30)
	root.Append(banner)
	if got := r.Connectivity(context.Background()); got != StateDisconnected {
		t.Fatalf("Connectivity = %v, want disconnected with banner", got)
	}
	root.Remove(banner)

	qr := surface.NewNode("div", map[string]string{"data-testid": "qrcode"})
	qr.Bounds = box(400, 200, 264, 264)
	root.Append(qr)
	if got := r.Connectivity(context.Background()); got != StateAuthRequired {
		t.Fatalf("Connectivity = %v, want auth-required with qr element", got)
	}
}

func TestConversationLoadedSignals(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("header title", func(t *testing.T) {
		t.Parallel()
		root, _, _ := chatTree()
		title := surface.NewNode("span", map[string]string{"title": "Alice Smith"})
		title.Bounds = box(700, 10, 200, 20)
		header := surface.NewNode("header", nil, title)
		header.Bounds = box(660, 0, 600, 60)
		root.Append(header)

		r, _ := newResolver(root)
		if !r.ConversationLoaded(ctx, "alice", false) {
			t.Fatal("ConversationLoaded = false, want true via header title")
		}
	})

	t.Run("selected list entry", func(t *testing.T) {
		t.Parallel()
		root, _, _ := chatTree()
		entry := surface.NewNode("div", map[string]string{"aria-selected": "true"})
		entry.TextOwn = "Alice Smith"
		entry.Bounds = box(10, 100, 300, 50)
		root.Append(entry)

		r, _ := newResolver(root)
		if !r.ConversationLoaded(ctx, "Alice", false) {
			t.Fatal("ConversationLoaded = false, want true via selected entry")
		}
	})

	t.Run("focus left search after settle", func(t *testing.T) {
		t.Parallel()
		root, _, composer := chatTree()
		r, drv := newResolver(root)
		if err := drv.Focus(ctx, composer); err != nil {
			t.Fatalf("Focus: %v", err)
		}
		if r.ConversationLoaded(ctx, "Nobody", false) {
			t.Fatal("focus signal must be gated behind settle")
		}
		if !r.ConversationLoaded(ctx, "Nobody", true) {
			t.Fatal("ConversationLoaded = false, want true via settled focus")
		}
	})

	t.Run("no composer means not loaded", func(t *testing.T) {
		t.Parallel()
		root := surface.NewNode("body", nil)
		root.Bounds = box(0, 0, 1280, 800)
		r, _ := newResolver(root)
		if r.ConversationLoaded(ctx, "anyone", true) {
			t.Fatal("ConversationLoaded = true without a composer")
		}
	})
}

func TestOutgoingContains(t *testing.T) {
	t.Parallel()
	root, _, _ := chatTree()
	bubble := surface.NewNode("div", map[string]string{"class": "message-out focusable"})
	bubble.TextOwn = "hello from the scheduler"
	bubble.Bounds = box(800, 500, 300, 40)
	root.Append(bubble)

	r, _ := newResolver(root)
	if !r.OutgoingContains(context.Background(), "hello from") {
		t.Fatal("OutgoingContains = false, want true")
	}
	if r.OutgoingContains(context.Background(), "absent text") {
		t.Fatal("OutgoingContains = true for absent text")
	}
	if r.OutgoingContains(context.Background(), "") {
		t.Fatal("OutgoingContains = true for empty fragment")
	}
}

func TestPrefix(t *testing.T) {
	t.Parallel()
	if got := Prefix("  short  "); got != "short" {
		t.Fatalf("Prefix = %q, want trimmed", got)
	}
	long := strings.Repeat("ab", 40)
	if got := Prefix(long); len([]rune(got)) != 32 {
		t.Fatalf("Prefix length = %d runes, want 32", len([]rune(got)))
	}
	uni := strings.Repeat("щ", 40)
	if got := Prefix(uni); len([]rune(got)) != 32 {
		t.Fatalf("Prefix must truncate on rune boundaries, got %d runes", len([]rune(got)))
	}
}
