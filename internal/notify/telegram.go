// Package notify pushes cycle reports and operational events to Telegram.
// Delivery is best effort: a send failure is logged and never interrupts a
// trading cycle.
package notify

import (
	"fmt"
	"strings"
	"time"

	gobot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/rltjrdbxbqm-dev/autotradebot/internal/market"
)

// Telegram sends formatted reports to a single chat.
type Telegram struct {
	api    *gobot.BotAPI
	chatID int64
	log    zerolog.Logger
}

// NewTelegram connects to the bot API. An empty token disables the notifier
// by returning nil, which callers should swap for market.NopNotifier.
func NewTelegram(token string, chatID int64, log zerolog.Logger) (*Telegram, error) {
	if token == "" {
		return nil, nil
	}
	api, err := gobot.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("connect telegram: %w", err)
	}
	api.Debug = false
	log.Info().Str("@", api.Self.UserName).Msg("telegram connected")
	return &Telegram{api: api, chatID: chatID, log: log}, nil
}

// ReportCycle sends a cycle summary.
func (t *Telegram) ReportCycle(rep market.CycleReport) {
	t.send(FormatCycleReport(rep))
}

// ReportEvent sends a one-line operational event.
func (t *Telegram) ReportEvent(text string) {
	t.send(text)
}

func (t *Telegram) send(text string) {
	msg := gobot.NewMessage(t.chatID, text)
	if _, err := t.api.Send(msg); err != nil {
		t.log.Error().Err(err).Msg("send telegram message")
	}
}

// FormatCycleReport renders the report as a plain-text message. Exported so
// tests pin the layout without a live bot.
func FormatCycleReport(rep market.CycleReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Cycle %s (%s)\n",
		rep.StartedAt.UTC().Format("2006-01-02 15:04"),
		rep.FinishedAt.Sub(rep.StartedAt).Round(time.Second))

	if rep.Abandoned {
		fmt.Fprintf(&b, "ABANDONED: %s\n", rep.AbandonWhy)
		return b.String()
	}

	fmt.Fprintf(&b, "Equity %.2f / Available %.2f\n", rep.Equity, rep.Available)
	fmt.Fprintf(&b, "entered=%d closed=%d held=%d errors=%d\n",
		rep.Entered, rep.Closed, rep.Held, rep.Errors)

	for _, o := range rep.Outcomes {
		line := fmt.Sprintf("%s: %s", o.Instrument, o.Kind)
		if o.Detail != "" {
			line += " " + o.Detail
		}
		if o.Err != "" {
			line += " (" + o.Err + ")"
		}
		b.WriteString(line + "\n")
	}
	if rep.AllFailed {
		b.WriteString("WARNING: every instrument failed this cycle\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
