package surface

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Node is an element of the mem driver's tree. Exported fields let tests
// (and the dry-run wiring) assemble arbitrary third-party-looking markup.
type Node struct {
	TagName       string
	Attrs         map[string]string
	TextOwn       string
	Bounds        Rect
	Hidden        bool
	ForceEditable bool
	Kids          []*Node

	parent *Node
}

// NewNode builds a node and links the given children.
func NewNode(tag string, attrs map[string]string, kids ...*Node) *Node {
	n := &Node{TagName: tag, Attrs: attrs}
	for _, k := range kids {
		n.Append(k)
	}
	return n
}

func (n *Node) Append(k *Node) *Node {
	k.parent = n
	n.Kids = append(n.Kids, k)
	return n
}

func (n *Node) Remove(k *Node) {
	for i, c := range n.Kids {
		if c == k {
			n.Kids = append(n.Kids[:i], n.Kids[i+1:]...)
			c.parent = nil
			return
		}
	}
}

func (n *Node) attr(name string) string {
	v, _ := n.lookupAttr(name)
	return v
}

func (n *Node) lookupAttr(name string) (string, bool) {
	if n.Attrs == nil {
		return "", false
	}
	v, ok := n.Attrs[name]
	return v, ok
}

// Element implementation.

func (n *Node) Tag() string           { return strings.ToLower(n.TagName) }
func (n *Node) Attr(name string) string { return n.attr(name) }
func (n *Node) Rect() Rect            { return n.Bounds }

func (n *Node) Text() string {
	var b strings.Builder
	n.collectText(&b)
	return b.String()
}

func (n *Node) collectText(b *strings.Builder) {
	if n.TextOwn != "" {
		b.WriteString(n.TextOwn)
	}
	for _, k := range n.Kids {
		k.collectText(b)
	}
}

func (n *Node) Visible() bool {
	for p := n; p != nil; p = p.parent {
		if p.Hidden {
			return false
		}
	}
	return n.Bounds.W > 0 && n.Bounds.H > 0
}

func (n *Node) Editable() bool {
	if n.ForceEditable {
		return true
	}
	switch n.Tag() {
	case "input", "textarea":
		return true
	}
	return n.attr("contenteditable") == "true"
}

func (n *Node) Parent() Element {
	if n.parent == nil {
		return nil
	}
	return n.parent
}

// KeyPress records one synthetic key gesture for test assertions.
type KeyPress struct {
	Node *Node
	Key  Key
}

// MemDriver drives an in-memory tree. It applies realistic edit semantics
// (select-all, paste, per-char typing) itself and delegates application
// behavior (what Enter does, how the result list reacts) to the OnKey hook.
type MemDriver struct {
	mu sync.Mutex

	Root *Node
	Clip *MemClipboard

	focused     *Node
	selectedAll bool
	lastUser    time.Time

	Keys    []KeyPress
	Nudges  int
	Reloads int
	Closes  int

	CloseErr error
	Screen   Rect

	// OnKey runs after a key is applied, outside the driver lock, so hooks
	// may mutate the tree.
	OnKey func(d *MemDriver, el *Node, k Key)
}

func NewMemDriver(root *Node) *MemDriver {
	return &MemDriver{
		Root:   root,
		Clip:   &MemClipboard{},
		Screen: Rect{W: 1280, H: 800},
	}
}

func (d *MemDriver) Query(ctx context.Context, selector string) ([]Element, error) {
	groups := parseSelector(selector)
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Element
	if d.Root == nil {
		return out, nil
	}
	d.Root.walk(func(n *Node) {
		for _, g := range groups {
			if g.matches(n) {
				out = append(out, n)
				return
			}
		}
	})
	return out, nil
}

func (n *Node) walk(fn func(*Node)) {
	fn(n)
	for _, k := range n.Kids {
		k.walk(fn)
	}
}

func (d *MemDriver) ElementText(ctx context.Context, el Element) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return el.(*Node).Text(), nil
}

func (d *MemDriver) Focused(ctx context.Context) (Element, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.focused == nil {
		return nil, nil
	}
	return d.focused, nil
}

func (d *MemDriver) Viewport(ctx context.Context) (Rect, error) {
	return d.Screen, nil
}

func (d *MemDriver) Focus(ctx context.Context, el Element) error {
	n := el.(*Node)
	d.mu.Lock()
	d.focused = n
	d.selectedAll = false
	d.mu.Unlock()
	return nil
}

func (d *MemDriver) Click(ctx context.Context, el Element) error {
	n := el.(*Node)
	d.mu.Lock()
	d.focused = n
	d.selectedAll = false
	d.mu.Unlock()
	return nil
}

func (d *MemDriver) SetText(ctx context.Context, el Element, text string) error {
	n := el.(*Node)
	d.mu.Lock()
	n.Kids = nil
	n.TextOwn = text
	d.mu.Unlock()
	return nil
}

func (d *MemDriver) TypeText(ctx context.Context, el Element, text string) error {
	n := el.(*Node)
	d.mu.Lock()
	if d.selectedAll {
		n.Kids = nil
		n.TextOwn = ""
		d.selectedAll = false
	}
	n.TextOwn += text
	d.mu.Unlock()
	return nil
}

func (d *MemDriver) SendKeys(ctx context.Context, el Element, keys ...Key) error {
	n := el.(*Node)
	for _, k := range keys {
		d.mu.Lock()
		switch k {
		case KeySelectAll:
			d.selectedAll = true
		case KeyPaste:
			text := ""
			if d.Clip != nil {
				text = d.Clip.Text
			}
			if d.selectedAll {
				n.Kids = nil
				n.TextOwn = ""
				d.selectedAll = false
			}
			n.TextOwn += text
		case KeyBackspace:
			if d.selectedAll {
				n.Kids = nil
				n.TextOwn = ""
				d.selectedAll = false
			} else if len(n.TextOwn) > 0 {
				n.TextOwn = n.TextOwn[:len(n.TextOwn)-1]
			}
		}
		d.Keys = append(d.Keys, KeyPress{Node: n, Key: k})
		hook := d.OnKey
		d.mu.Unlock()
		if hook != nil {
			hook(d, n, k)
		}
	}
	return nil
}

func (d *MemDriver) Nudge(ctx context.Context) error {
	d.mu.Lock()
	d.Nudges++
	d.mu.Unlock()
	return nil
}

func (d *MemDriver) LastUserActivity(ctx context.Context) (time.Time, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastUser, nil
}

// SetUserActivity marks genuine input, for tests exercising idle suppression.
func (d *MemDriver) SetUserActivity(t time.Time) {
	d.mu.Lock()
	d.lastUser = t
	d.mu.Unlock()
}

func (d *MemDriver) Reload(ctx context.Context) error {
	d.mu.Lock()
	d.Reloads++
	d.mu.Unlock()
	return nil
}

func (d *MemDriver) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Closes++
	return d.CloseErr
}

// MemClipboard is the in-memory clipboard used with the mem driver.
type MemClipboard struct {
	mu       sync.Mutex
	Text     string
	ReadErr  error
	WriteErr error
}

func (c *MemClipboard) ReadText(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ReadErr != nil {
		return "", c.ReadErr
	}
	return c.Text, nil
}

func (c *MemClipboard) WriteText(ctx context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.WriteErr != nil {
		return c.WriteErr
	}
	c.Text = text
	return nil
}
