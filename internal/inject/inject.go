// Package inject makes a resolved composer contain a given string, using a
// fixed order of fallback strategies.
package inject

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"autosend/internal/resolve"
	"autosend/internal/surface"
	"autosend/pkg/logx"
)

// Strategy identifies one injection technique. Strategies are tried in
// declaration order; keystroke simulation is the last resort and skips the
// content-match gate (best effort).
type Strategy int

const (
	StrategyClipboardPaste Strategy = iota
	StrategyInsert
	StrategyKeystrokes
)

func (s Strategy) String() string {
	switch s {
	case StrategyClipboardPaste:
		return "clipboard-paste"
	case StrategyInsert:
		return "programmatic-insert"
	case StrategyKeystrokes:
		return "keystroke-simulation"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// Strategies returns the fallback chain in trial order.
func Strategies() []Strategy {
	return []Strategy{StrategyClipboardPaste, StrategyInsert, StrategyKeystrokes}
}

// ErrContentMismatch means the composer did not echo the injected text.
var ErrContentMismatch = errors.New("composer content does not match injected text")

type Injector struct {
	drv  surface.Driver
	clip surface.Clipboard
	log  logx.Logger
}

func New(drv surface.Driver, clip surface.Clipboard, log logx.Logger) *Injector {
	return &Injector{drv: drv, clip: clip, log: log}
}

// Fill applies one strategy to make composer contain text. For the paste
// and insert strategies the composer must echo a recognizable prefix of the
// message before Fill reports success.
func (in *Injector) Fill(ctx context.Context, composer surface.Element, text string, s Strategy) error {
	if composer == nil {
		return errors.New("no composer element")
	}
	if err := in.drv.Focus(ctx, composer); err != nil {
		return fmt.Errorf("focus composer: %w", err)
	}

	switch s {
	case StrategyClipboardPaste:
		if err := in.clip.WriteText(ctx, text); err != nil {
			return fmt.Errorf("clipboard write: %w", err)
		}
		if err := in.drv.SendKeys(ctx, composer, surface.KeySelectAll, surface.KeyPaste); err != nil {
			return fmt.Errorf("paste keys: %w", err)
		}
		return in.verify(ctx, composer, text)

	case StrategyInsert:
		if err := in.drv.SetText(ctx, composer, text); err != nil {
			return fmt.Errorf("set text: %w", err)
		}
		return in.verify(ctx, composer, text)

	case StrategyKeystrokes:
		// Clear whatever is there, then type. No verification gate.
		if err := in.drv.SendKeys(ctx, composer, surface.KeySelectAll, surface.KeyBackspace); err != nil {
			return fmt.Errorf("clear keys: %w", err)
		}
		if err := in.drv.TypeText(ctx, composer, text); err != nil {
			return fmt.Errorf("type text: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("unknown strategy %v", s)
	}
}

func (in *Injector) verify(ctx context.Context, composer surface.Element, text string) error {
	got, err := in.drv.ElementText(ctx, composer)
	if err != nil {
		return fmt.Errorf("read composer: %w", err)
	}
	if !strings.Contains(got, resolve.Prefix(text)) {
		in.log.Debug("composer echo mismatch",
			logx.String("want_prefix", resolve.Prefix(text)),
			logx.Int("got_len", len(got)))
		return ErrContentMismatch
	}
	return nil
}
