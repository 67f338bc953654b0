// Package resolve locates semantic elements (composer, search field, send
// control, connectivity markers) inside a third-party UI tree the engine
// does not own.
//
// Every lookup is an ordered list of matcher tiers from most-specific to
// most-generic. A markup change on the target surface should degrade
// matching precision, not availability, so lookups never fail: a miss is a
// nil element, and callers handle nil as a normal outcome.
package resolve

import (
	"context"
	"strings"

	"autosend/internal/surface"
	"autosend/pkg/logx"
)

// State is the connectivity reading taken from the surface.
type State int

const (
	StateConnected State = iota
	StateDisconnected
	StateAuthRequired
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthRequired:
		return "auth-required"
	default:
		return "disconnected"
	}
}

// ancestorDepth bounds the search-like ancestor walk.
const ancestorDepth = 5

var composerTiers = []string{
	`footer div[contenteditable="true"]`,
	`div[contenteditable="true"][data-tab]`,
	`div[contenteditable="true"][role="textbox"]`,
	`[contenteditable="true"]`,
}

var searchTiers = []string{
	`[role="search"] [contenteditable="true"]`,
	`div[contenteditable="true"][data-tab="3"]`,
	`[aria-label*="Search"][contenteditable="true"]`,
	`input[type="search"]`,
	`[placeholder*="Search"]`,
}

// sendScopes is ordered compose-area-first, whole-document last.
var sendScopes = []string{
	`footer [data-icon]`,
	`footer [aria-label]`,
	`footer button`,
	`[data-testid*="send"]`,
	`[data-icon*="send"]`,
	`button`,
	`[role="button"]`,
}

// sendTokens is the localized "send" vocabulary matched against labels.
var sendTokens = []string{
	"send", "enviar", "senden", "envoyer", "invia", "kirim", "wyślij", "отправить",
}

var disconnectBanners = []string{
	`[data-testid="alert-phone"]`,
	`[data-testid="alert-computer"]`,
	`[aria-label*="Phone not connected"]`,
	`[aria-label*="Computer not connected"]`,
	`[class*="offline"]`,
}

var authMarkers = []string{
	`[data-testid="qrcode"]`,
	`canvas[aria-label*="Scan"]`,
	`div[data-ref] canvas`,
}

var outgoingSelectors = []string{
	`[class*="message-out"]`,
	`[data-testid*="msg-container"]`,
}

type Resolver struct {
	drv surface.Driver
	log logx.Logger
}

func New(drv surface.Driver, log logx.Logger) *Resolver {
	return &Resolver{drv: drv, log: log}
}

// Composer finds the outgoing-message editor. Tiers first; then "largest
// visible editable in the content half of the viewport"; then "right-most
// visible editable". Search-like candidates are always rejected.
func (r *Resolver) Composer(ctx context.Context) surface.Element {
	for _, sel := range composerTiers {
		if el := r.firstUsable(ctx, sel, true); el != nil {
			return el
		}
	}

	els := r.query(ctx, `[contenteditable="true"], textarea, input`)
	vp, err := r.drv.Viewport(ctx)
	if err != nil {
		vp = surface.Rect{W: 1280, H: 800}
	}

	var best surface.Element
	for _, el := range els {
		if !usableEditable(el) || r.SearchLike(el) {
			continue
		}
		if el.Rect().CenterX() < vp.W/2 {
			continue
		}
		if best == nil || el.Rect().Area() > best.Rect().Area() {
			best = el
		}
	}
	if best != nil {
		return best
	}

	// Last resort: right-most visible editable region.
	for _, el := range els {
		if !usableEditable(el) || r.SearchLike(el) {
			continue
		}
		if best == nil || el.Rect().Right() > best.Rect().Right() {
			best = el
		}
	}
	return best
}

// SearchBox finds the contact/conversation search field.
func (r *Resolver) SearchBox(ctx context.Context) surface.Element {
	for _, sel := range searchTiers {
		for _, el := range r.query(ctx, sel) {
			if usableEditable(el) {
				return el
			}
		}
	}
	return nil
}

// SendButton finds the submit control by label vocabulary, compose-area
// scopes first.
func (r *Resolver) SendButton(ctx context.Context) surface.Element {
	for _, scope := range sendScopes {
		for _, el := range r.query(ctx, scope) {
			if !el.Visible() {
				continue
			}
			if labelMatchesSend(el) {
				return el
			}
		}
	}
	return nil
}

// Connectivity reads the connection state off the surface. A driver error
// means the surface itself is unreachable, which reads as disconnected.
func (r *Resolver) Connectivity(ctx context.Context) State {
	for _, sel := range authMarkers {
		for _, el := range r.query(ctx, sel) {
			if el.Visible() {
				return StateAuthRequired
			}
		}
	}
	for _, sel := range disconnectBanners {
		for _, el := range r.query(ctx, sel) {
			if el.Visible() {
				return StateDisconnected
			}
		}
	}
	return StateConnected
}

// ConversationLoaded reports whether the conversation named name is open
// and usable. Header text, list-selection state and focus state are each
// unreliable alone, hence the three-way OR; settled gates the focus signal
// behind a minimum settle time the caller controls.
func (r *Resolver) ConversationLoaded(ctx context.Context, name string, settled bool) bool {
	composer := r.Composer(ctx)
	if composer == nil {
		return false
	}

	if r.headerContains(ctx, name) {
		return true
	}
	if r.selectedEntryContains(ctx, name) {
		return true
	}
	if settled {
		foc, err := r.drv.Focused(ctx)
		if err == nil && foc != nil && !r.SearchLike(foc) {
			return true
		}
	}
	return false
}

func (r *Resolver) headerContains(ctx context.Context, name string) bool {
	for _, sel := range []string{`header span[title]`, `header [data-testid*="conversation"]`} {
		for _, el := range r.query(ctx, sel) {
			if containsFold(el.Text(), name) || containsFold(el.Attr("title"), name) {
				return true
			}
		}
	}
	return false
}

func (r *Resolver) selectedEntryContains(ctx context.Context, name string) bool {
	for _, el := range r.query(ctx, `[aria-selected="true"]`) {
		if containsFold(el.Text(), name) {
			return true
		}
	}
	return false
}

// OutgoingContains reports whether a visible outgoing message contains the
// given text fragment.
func (r *Resolver) OutgoingContains(ctx context.Context, fragment string) bool {
	if fragment == "" {
		return false
	}
	for _, sel := range outgoingSelectors {
		for _, el := range r.query(ctx, sel) {
			if el.Visible() && strings.Contains(el.Text(), fragment) {
				return true
			}
		}
	}
	return false
}

// SearchLike reports whether el (or a bounded number of its ancestors)
// carries search-related markers.
func (r *Resolver) SearchLike(el surface.Element) bool {
	cur := el
	for i := 0; cur != nil && i <= ancestorDepth; i++ {
		if nodeSearchLike(cur) {
			return true
		}
		cur = cur.Parent()
	}
	return false
}

func nodeSearchLike(el surface.Element) bool {
	if el.Attr("role") == "search" || el.Attr("type") == "search" {
		return true
	}
	for _, a := range []string{"data-testid", "aria-label", "placeholder", "title", "class"} {
		if containsFold(el.Attr(a), "search") {
			return true
		}
	}
	return false
}

func (r *Resolver) firstUsable(ctx context.Context, sel string, rejectSearch bool) surface.Element {
	for _, el := range r.query(ctx, sel) {
		if !usableEditable(el) {
			continue
		}
		if rejectSearch && r.SearchLike(el) {
			continue
		}
		return el
	}
	return nil
}

func (r *Resolver) query(ctx context.Context, sel string) []surface.Element {
	els, err := r.drv.Query(ctx, sel)
	if err != nil {
		r.log.Debug("surface query failed", logx.String("selector", sel), logx.Err(err))
		return nil
	}
	return els
}

func usableEditable(el surface.Element) bool {
	return el != nil && el.Editable() && el.Visible() && el.Rect().Area() > 0
}

func labelMatchesSend(el surface.Element) bool {
	labels := []string{
		el.Attr("aria-label"),
		el.Attr("data-icon"),
		el.Attr("data-testid"),
		el.Attr("title"),
		el.Text(),
	}
	for _, l := range labels {
		if l == "" {
			continue
		}
		for _, tok := range sendTokens {
			if containsFold(l, tok) {
				return true
			}
		}
	}
	return false
}

func containsFold(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// Prefix returns the recognizable leading fragment of a message used by
// content verification (composer echo and outgoing-bubble matching).
func Prefix(text string) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) > 32 {
		runes = runes[:32]
	}
	return string(runes)
}
