// Package surface abstracts the target application's live UI tree.
//
// The engine never talks to a backend protocol; it only sees an opaque,
// human-operable surface: query elements, focus, click, type, paste. Drivers
// implement this over a real browser session (cdp) or an in-memory tree
// (mem, used for tests and dry runs).
package surface

import (
	"context"
	"time"
)

// Rect is an element's rendered box in viewport coordinates.
type Rect struct {
	X float64
	Y float64
	W float64
	H float64
}

func (r Rect) Area() float64   { return r.W * r.H }
func (r Rect) Right() float64  { return r.X + r.W }
func (r Rect) CenterX() float64 { return r.X + r.W/2 }

// Key is a synthetic keyboard gesture understood by drivers.
type Key string

const (
	KeySelectAll Key = "select-all"
	KeyPaste     Key = "paste"
	KeyEnter     Key = "enter"
	KeyTab       Key = "tab"
	KeyDown      Key = "down"
	KeyEscape    Key = "escape"
	KeyBackspace Key = "backspace"
)

// Element is a handle to one node of the live UI tree. Handles are
// snapshots; a reflow can invalidate them, so callers re-resolve rather
// than holding on to elements across waits.
type Element interface {
	Tag() string
	Attr(name string) string
	Text() string
	Rect() Rect
	Visible() bool
	Editable() bool
	// Parent returns the ancestor handle, nil at the root. Drivers may cap
	// the chain depth; the resolver only walks a bounded number of levels.
	Parent() Element
}

// Driver exposes the target application as an opaque visual surface.
//
// Query never fails on "no match": it returns an empty slice. Errors are
// reserved for transport-level trouble (session gone, evaluation failed).
type Driver interface {
	Query(ctx context.Context, selector string) ([]Element, error)
	Focused(ctx context.Context) (Element, error)
	Viewport(ctx context.Context) (Rect, error)

	// ElementText re-reads the element's current text. Element.Text() is a
	// snapshot taken at query time; verification paths need the live value.
	ElementText(ctx context.Context, el Element) (string, error)

	Focus(ctx context.Context, el Element) error
	Click(ctx context.Context, el Element) error
	// SetText makes the element contain exactly text (programmatic insert,
	// clearing first).
	SetText(ctx context.Context, el Element, text string) error
	// TypeText simulates per-character keystrokes into the element.
	TypeText(ctx context.Context, el Element, text string) error
	SendKeys(ctx context.Context, el Element, keys ...Key) error

	// Nudge emits one low-amplitude synthetic activity pulse.
	Nudge(ctx context.Context) error
	// LastUserActivity reports when genuine (trusted, non-synthetic) input
	// was last observed on the surface.
	LastUserActivity(ctx context.Context) (time.Time, error)

	Reload(ctx context.Context) error
	Close(ctx context.Context) error
}

// Clipboard is the shared clipboard surface. Best-effort: read failures
// degrade to empty text, never to a delivery error.
type Clipboard interface {
	ReadText(ctx context.Context) (string, error)
	WriteText(ctx context.Context, text string) error
}
