package surface

import (
	"context"

	"github.com/atotto/clipboard"
)

// SystemClipboard reads and writes the host clipboard. Failures are the
// caller's business to degrade (the orchestrator treats them as empty text).
type SystemClipboard struct{}

func (SystemClipboard) ReadText(ctx context.Context) (string, error) {
	_ = ctx
	return clipboard.ReadAll()
}

func (SystemClipboard) WriteText(ctx context.Context, text string) error {
	_ = ctx
	return clipboard.WriteAll(text)
}
