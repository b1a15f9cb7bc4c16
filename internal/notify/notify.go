// Package notify ships trade lifecycle alerts to a Telegram chat.
// Delivery is best-effort: events queue on a small buffer and are
// dropped when it fills or the API errors, because alerting must never
// block or slow the trading path.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"

	"polyharvest/internal/config"
	"polyharvest/internal/risk"
	"polyharvest/pkg/types"
)

const queueDepth = 64

// sender is the single tgbotapi call the alerter makes, split out so
// tests run without a live bot.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Alerter formats lifecycle events and ships them through one worker.
// The executor takes it as its Notifier; the engine adds risk alerts.
type Alerter struct {
	api    sender
	chatID int64
	queue  chan string
	logger *slog.Logger
}

// New connects the bot and verifies the token with a getMe call.
// Returns (nil, nil) when the notifier is disabled or unconfigured, so
// callers wire alerts only when an Alerter actually exists.
func New(cfg config.NotifyConfig, logger *slog.Logger) (*Alerter, error) {
	if !cfg.Enabled || cfg.BotToken == "" || cfg.ChatID == 0 {
		return nil, nil
	}
	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("telegram connect: %w", err)
	}
	a := &Alerter{
		api:    api,
		chatID: cfg.ChatID,
		queue:  make(chan string, queueDepth),
		logger: logger.With("component", "notify"),
	}
	a.logger.Info("telegram notifier connected", "username", api.Self.UserName)
	return a, nil
}

// Run delivers queued messages until ctx ends. A single worker keeps
// sends ordered and inside Telegram's rate limits.
func (a *Alerter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case text := <-a.queue:
			msg := tgbotapi.NewMessage(a.chatID, text)
			msg.ParseMode = "Markdown"
			msg.DisableWebPagePreview = true
			if _, err := a.api.Send(msg); err != nil {
				a.logger.Warn("telegram send failed", "error", err)
			}
		}
	}
}

// enqueue drops on a full queue rather than block a trading goroutine.
func (a *Alerter) enqueue(text string) {
	select {
	case a.queue <- text:
	default:
		a.logger.Warn("alert dropped, queue full")
	}
}

// ————————————————————————————————————————————————————————————————————————
// Trade lifecycle
// ————————————————————————————————————————————————————————————————————————

// Startup announces the engine coming up in its trading mode.
func (a *Alerter) Startup(mode string, markets int) {
	a.enqueue(fmt.Sprintf("🟢 *polyharvest online*\nMode: %s\nTracked markets: %d",
		strings.ToUpper(mode), markets))
}

// PositionOpened announces an entry fill.
func (a *Alerter) PositionOpened(pos *types.Position, sig *types.Signal, fill *types.Fill) {
	a.enqueue(fmt.Sprintf(`🟢 *OPENED* %s %s %s
├ Market: %s
├ Entry: $%s × %s
├ Cost: $%s  Fees: $%s
└ Reason: %s`,
		modeTag(pos.Paper),
		escapeMarkdown(pos.Strategy), pos.TokenSide,
		shortID(pos.ConditionID),
		fill.Price.StringFixed(3), fill.Shares.StringFixed(2),
		fill.Cost.StringFixed(2), fill.Fees.StringFixed(2),
		escapeMarkdown(sig.Reason)))
}

// PositionClosed announces an exit fill with its realized result.
func (a *Alerter) PositionClosed(pos *types.Position, realized decimal.Decimal, reason string) {
	a.enqueue(fmt.Sprintf(`%s *CLOSED* %s %s %s
├ Market: %s
├ Realized: %s
└ Reason: %s`,
		pnlEmoji(realized),
		modeTag(pos.Paper),
		escapeMarkdown(pos.Strategy), pos.TokenSide,
		shortID(pos.ConditionID),
		signedUSD(realized),
		escapeMarkdown(reason)))
}

// MarketSettled announces a resolution redemption.
func (a *Alerter) MarketSettled(pos *types.Position, outcome types.Outcome, realized decimal.Decimal) {
	a.enqueue(fmt.Sprintf(`%s *SETTLED* %s %s %s → %s
├ Market: %s
└ Realized: %s`,
		pnlEmoji(realized),
		modeTag(pos.Paper),
		escapeMarkdown(pos.Strategy), pos.TokenSide, outcome,
		shortID(pos.ConditionID),
		signedUSD(realized)))
}

// DrawdownHalt announces that the gate stopped accepting entries. The
// engine calls it once per halt episode.
func (a *Alerter) DrawdownHalt(s risk.Stats) {
	a.enqueue(fmt.Sprintf(`🛑 *DRAWDOWN HALT*
├ Equity: $%s
├ High water: $%s
├ Drawdown: %s%%
└ New entries blocked until equity recovers`,
		s.Equity.StringFixed(2),
		s.HighWater.StringFixed(2),
		s.DrawdownPct.Mul(decimal.NewFromInt(100)).StringFixed(1)))
}

// ————————————————————————————————————————————————————————————————————————

func modeTag(paper bool) string {
	if paper {
		return "[paper]"
	}
	return "[live]"
}

func pnlEmoji(v decimal.Decimal) string {
	switch {
	case v.IsPositive():
		return "✅"
	case v.IsNegative():
		return "❌"
	}
	return "⚪"
}

func signedUSD(v decimal.Decimal) string {
	if v.IsNegative() {
		return "-$" + v.Abs().StringFixed(2)
	}
	return "+$" + v.StringFixed(2)
}

// shortID trims a condition id to a recognizable prefix.
func shortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12] + "…"
}

func escapeMarkdown(s string) string {
	r := strings.NewReplacer("_", "\\_", "*", "\\*", "[", "\\[", "]", "\\]", "`", "\\`")
	return r.Replace(s)
}
