// Package cdp drives a real browser tab over the DevTools protocol. It
// attaches to an already-running, already-authenticated browser; it never
// launches one or touches credentials.
package cdp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	"autosend/internal/surface"
	"autosend/pkg/logx"
)

type Config struct {
	// Attach is the DevTools address, e.g. "http://127.0.0.1:9222".
	Attach string

	// URL, when set, is navigated to after attaching.
	URL string

	// QueryTimeout bounds every individual protocol interaction.
	QueryTimeout time.Duration
}

type Driver struct {
	cfg  Config
	clip surface.Clipboard
	log  logx.Logger

	tabCtx      context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc

	// One protocol interaction at a time; interleaved key streams confuse
	// the page.
	mu sync.Mutex
}

// New attaches to the browser and installs the page helpers.
func New(ctx context.Context, cfg Config, clip surface.Clipboard, log logx.Logger) (*Driver, error) {
	if strings.TrimSpace(cfg.Attach) == "" {
		return nil, errors.New("cdp attach address is empty")
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 5 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	allocCtx, cancelAlloc := chromedp.NewRemoteAllocator(ctx, cfg.Attach)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)

	d := &Driver{
		cfg:         cfg,
		clip:        clip,
		log:         log,
		tabCtx:      tabCtx,
		cancelTab:   cancelTab,
		cancelAlloc: cancelAlloc,
	}

	setupCtx, cancel := context.WithTimeout(tabCtx, 30*time.Second)
	defer cancel()
	actions := []chromedp.Action{}
	if strings.TrimSpace(cfg.URL) != "" {
		actions = append(actions, chromedp.Navigate(cfg.URL))
	}
	actions = append(actions, chromedp.Evaluate(helperScript, nil))
	if err := chromedp.Run(setupCtx, actions...); err != nil {
		cancelTab()
		cancelAlloc()
		return nil, fmt.Errorf("cdp attach: %w", err)
	}
	d.log.Info("attached to surface", logx.String("devtools", cfg.Attach))
	return d, nil
}

// run executes protocol actions under the per-op timeout while honoring the
// caller's context.
func (d *Driver) run(ctx context.Context, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	tctx, cancel := context.WithTimeout(d.tabCtx, d.cfg.QueryTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- chromedp.Run(tctx, actions...) }()
	select {
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// ensureHelpers reinstalls the page helpers; the script is idempotent.
func (d *Driver) ensureHelpers(ctx context.Context) error {
	return d.run(ctx, chromedp.Evaluate(helperScript, nil))
}

func (d *Driver) Query(ctx context.Context, selector string) ([]surface.Element, error) {
	if err := d.ensureHelpers(ctx); err != nil {
		return nil, err
	}
	var infos []nodeInfo
	expr := fmt.Sprintf("window.__asq.query(%s)", strconv.Quote(selector))
	if err := d.run(ctx, chromedp.Evaluate(expr, &infos)); err != nil {
		return nil, err
	}
	out := make([]surface.Element, 0, len(infos))
	for i := range infos {
		out = append(out, newElement(infos[i]))
	}
	return out, nil
}

func (d *Driver) Focused(ctx context.Context) (surface.Element, error) {
	if err := d.ensureHelpers(ctx); err != nil {
		return nil, err
	}
	var info *nodeInfo
	if err := d.run(ctx, chromedp.Evaluate("window.__asq.focused()", &info)); err != nil {
		return nil, err
	}
	if info == nil || info.ID == "" {
		return nil, nil
	}
	return newElement(*info), nil
}

func (d *Driver) Viewport(ctx context.Context) (surface.Rect, error) {
	var vp struct {
		W int `json:"w"`
		H int `json:"h"`
	}
	err := d.run(ctx, chromedp.Evaluate("({w: window.innerWidth, h: window.innerHeight})", &vp))
	if err != nil {
		return surface.Rect{}, err
	}
	return surface.Rect{W: float64(vp.W), H: float64(vp.H)}, nil
}

func (d *Driver) ElementText(ctx context.Context, el surface.Element) (string, error) {
	id, err := elementID(el)
	if err != nil {
		return "", err
	}
	var text string
	expr := fmt.Sprintf("window.__asq.text(%s)", strconv.Quote(id))
	if err := d.run(ctx, chromedp.Evaluate(expr, &text)); err != nil {
		return "", err
	}
	return text, nil
}

func (d *Driver) Focus(ctx context.Context, el surface.Element) error {
	id, err := elementID(el)
	if err != nil {
		return err
	}
	var ok bool
	expr := fmt.Sprintf("window.__asq.focus(%s)", strconv.Quote(id))
	if err := d.run(ctx, chromedp.Evaluate(expr, &ok)); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("element %s is gone", id)
	}
	return nil
}

// Click reads the element's live center and issues a real protocol click;
// snapshot coordinates can be stale after layout shifts.
func (d *Driver) Click(ctx context.Context, el surface.Element) error {
	id, err := elementID(el)
	if err != nil {
		return err
	}
	var center []float64
	expr := fmt.Sprintf("window.__asq.center(%s)", strconv.Quote(id))
	if err := d.run(ctx, chromedp.Evaluate(expr, &center)); err != nil {
		return err
	}
	if len(center) != 2 {
		return fmt.Errorf("element %s is gone", id)
	}
	return d.run(ctx, chromedp.MouseClickXY(center[0], center[1]))
}

func (d *Driver) SetText(ctx context.Context, el surface.Element, text string) error {
	id, err := elementID(el)
	if err != nil {
		return err
	}
	var ok bool
	expr := fmt.Sprintf("window.__asq.setText(%s, %s)", strconv.Quote(id), strconv.Quote(text))
	if err := d.run(ctx, chromedp.Evaluate(expr, &ok)); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("element %s is gone", id)
	}
	return nil
}

// TypeText inserts text through the input domain, which the page sees as
// real typing.
func (d *Driver) TypeText(ctx context.Context, el surface.Element, text string) error {
	if err := d.Focus(ctx, el); err != nil {
		return err
	}
	return d.run(ctx, input.InsertText(text))
}

func (d *Driver) SendKeys(ctx context.Context, el surface.Element, keys ...surface.Key) error {
	if err := d.Focus(ctx, el); err != nil {
		return err
	}
	for _, k := range keys {
		if err := d.sendKey(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) sendKey(ctx context.Context, k surface.Key) error {
	switch k {
	case surface.KeySelectAll:
		return d.run(ctx, chromedp.KeyEvent("a", chromedp.KeyModifiers(input.ModifierCtrl)))
	case surface.KeyPaste:
		// Paste is modeled as inserting our clipboard's content; the page
		// cannot tell the difference and no native paste permission is
		// needed.
		text, err := d.clip.ReadText(ctx)
		if err != nil {
			return fmt.Errorf("clipboard read: %w", err)
		}
		return d.run(ctx, input.InsertText(text))
	case surface.KeyEnter:
		return d.run(ctx, chromedp.KeyEvent(kb.Enter))
	case surface.KeyTab:
		return d.run(ctx, chromedp.KeyEvent(kb.Tab))
	case surface.KeyDown:
		return d.run(ctx, chromedp.KeyEvent(kb.ArrowDown))
	case surface.KeyEscape:
		return d.run(ctx, chromedp.KeyEvent(kb.Escape))
	case surface.KeyBackspace:
		return d.run(ctx, chromedp.KeyEvent(kb.Backspace))
	default:
		return fmt.Errorf("unknown key %q", string(k))
	}
}

// Nudge dispatches a synthetic pointer wiggle. Synthetic events carry
// isTrusted=false, so the activity tracker ignores them and Nudge never
// masks real idleness.
func (d *Driver) Nudge(ctx context.Context) error {
	if err := d.ensureHelpers(ctx); err != nil {
		return err
	}
	return d.run(ctx, chromedp.Evaluate("window.__asq.nudge()", nil))
}

func (d *Driver) LastUserActivity(ctx context.Context) (time.Time, error) {
	var ms float64
	if err := d.run(ctx, chromedp.Evaluate("window.__asLastInput || 0", &ms)); err != nil {
		return time.Time{}, err
	}
	if ms <= 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(int64(ms)), nil
}

func (d *Driver) Reload(ctx context.Context) error {
	if err := d.run(ctx, chromedp.Reload()); err != nil {
		return err
	}
	return d.ensureHelpers(ctx)
}

// Close closes the hosting tab and detaches. An error here makes the
// session layer fall back to killing the browser process.
func (d *Driver) Close(ctx context.Context) error {
	err := d.run(ctx, page.Close())
	d.cancelTab()
	d.cancelAlloc()
	return err
}

// Detach releases protocol resources without closing the tab.
func (d *Driver) Detach() {
	d.cancelTab()
	d.cancelAlloc()
}
