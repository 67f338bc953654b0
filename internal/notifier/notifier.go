// Package notifier forwards engine events to a Telegram ops chat. It is a
// pure consumer: losing it never affects deliveries.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"autosend/internal/eventbus"
	"autosend/pkg/logx"
)

const textLimit = 4000

type Config struct {
	Token      string
	ChatID     int64
	RatePerSec int
}

type Notifier struct {
	bot    *tele.Bot
	chatID int64
	bus    eventbus.Bus
	log    logx.Logger
	lim    *rate.Limiter
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger) (*Notifier, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	rps := cfg.RatePerSec
	if rps < 1 {
		rps = 1
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{
		bot:    b,
		chatID: cfg.ChatID,
		bus:    bus,
		log:    log,
		lim:    rate.NewLimiter(rate.Limit(rps), rps),
	}, nil
}

// SendText implements logx.TextSender so the log service can share the bot.
func (n *Notifier) SendText(ctx context.Context, chatID int64, text string) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	_, err := n.bot.Send(&tele.Chat{ID: chatID}, clip(text))
	return err
}

// Run consumes bus events until ctx ends. Sends are rate limited and
// best-effort; a full limiter drops the event instead of queueing.
func (n *Notifier) Run(ctx context.Context) error {
	if n.chatID == 0 {
		n.log.Warn("notifier chat id not set, events will be discarded")
	}
	ch, unsub := n.bus.Subscribe(64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			n.handle(ctx, ev)
		}
	}
}

func (n *Notifier) handle(ctx context.Context, ev eventbus.Event) {
	text := format(ev)
	if text == "" || n.chatID == 0 {
		return
	}
	if !n.lim.Allow() {
		n.log.Debug("notifier rate limited, event dropped", logx.String("type", ev.Type))
		return
	}
	if err := n.SendText(ctx, n.chatID, text); err != nil {
		n.log.Warn("notifier send failed", logx.String("type", ev.Type), logx.Err(err))
	}
}

func format(ev eventbus.Event) string {
	switch ev.Type {
	case eventbus.TypeStatusUpdate:
		p, ok := ev.Data.(eventbus.StatusPayload)
		if !ok {
			return ""
		}
		return severityPrefix(p.Severity) + " " + p.Text

	case eventbus.TypeMessageSent:
		p, ok := ev.Data.(eventbus.SentPayload)
		if !ok {
			return "[OK] message sent"
		}
		if len(p.Targets) == 0 {
			return fmt.Sprintf("[OK] schedule %s delivered at %s",
				p.ScheduleID, p.At.Format("15:04:05"))
		}
		return fmt.Sprintf("[OK] schedule %s delivered to %s at %s",
			p.ScheduleID, strings.Join(p.Targets, ", "), p.At.Format("15:04:05"))

	case eventbus.TypeConnectionLost:
		return "[ERR] session lost, scheduler stopped"

	case eventbus.TypeAuthRequired:
		return "[ERR] surface needs re-authentication"

	default:
		return ""
	}
}

func severityPrefix(sev eventbus.Severity) string {
	switch sev {
	case eventbus.SeveritySuccess:
		return "[OK]"
	case eventbus.SeverityError:
		return "[ERR]"
	case eventbus.SeverityWorking:
		return "[...]"
	default:
		return "[i]"
	}
}

func clip(s string) string {
	rs := []rune(s)
	if len(rs) <= textLimit {
		return s
	}
	return string(rs[:textLimit-3]) + "..."
}
