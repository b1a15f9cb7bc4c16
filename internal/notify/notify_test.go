package notify

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"

	"polyharvest/internal/config"
	"polyharvest/internal/risk"
	"polyharvest/pkg/types"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []tgbotapi.MessageConfig
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, m)
	}
	return tgbotapi.Message{}, nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSender) message(i int) tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[i]
}

func testAlerter(fake *fakeSender) *Alerter {
	return &Alerter{
		api:    fake,
		chatID: 42,
		queue:  make(chan string, queueDepth),
		logger: slog.Default(),
	}
}

// drain runs the worker until the fake has seen n sends.
func drain(t *testing.T, a *Alerter, fake *fakeSender, n int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()
	deadline := time.After(2 * time.Second)
	for fake.count() < n {
		select {
		case <-deadline:
			cancel()
			<-done
			t.Fatalf("worker delivered %d of %d messages", fake.count(), n)
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestAlerterDeliversLifecycleEvents(t *testing.T) {
	t.Parallel()
	fake := &fakeSender{}
	a := testAlerter(fake)

	pos := &types.Position{
		ID:          "p1",
		Strategy:    "whale_follow",
		ConditionID: "0xabcdef0123456789",
		TokenID:     "yes-0xabcdef0123456789",
		TokenSide:   types.TokenYES,
		Paper:       true,
	}
	sig := &types.Signal{Reason: "whale bought $12k"}
	fill := &types.Fill{
		Price:  decimal.NewFromFloat(0.40),
		Shares: decimal.NewFromInt(100),
		Cost:   decimal.NewFromInt(40),
		Fees:   decimal.NewFromFloat(0.40),
	}

	a.PositionOpened(pos, sig, fill)
	a.PositionClosed(pos, decimal.NewFromFloat(-12.5), "edge gone")
	a.MarketSettled(pos, types.OutcomeYes, decimal.NewFromInt(60))
	a.DrawdownHalt(risk.Stats{
		Equity:      decimal.NewFromInt(7500),
		HighWater:   decimal.NewFromInt(10000),
		DrawdownPct: decimal.NewFromFloat(0.25),
	})
	drain(t, a, fake, 4)

	opened := fake.message(0)
	if opened.ChatID != 42 {
		t.Errorf("chat id = %d, want 42", opened.ChatID)
	}
	if opened.ParseMode != "Markdown" {
		t.Errorf("parse mode = %q, want Markdown", opened.ParseMode)
	}
	for _, want := range []string{"OPENED", "[paper]", "whale\\_follow", "0.400", "whale bought $12k"} {
		if !strings.Contains(opened.Text, want) {
			t.Errorf("open alert missing %q:\n%s", want, opened.Text)
		}
	}

	closed := fake.message(1).Text
	if !strings.Contains(closed, "-$12.50") || !strings.Contains(closed, "❌") {
		t.Errorf("close alert should carry the signed loss:\n%s", closed)
	}
	settled := fake.message(2).Text
	if !strings.Contains(settled, "SETTLED") || !strings.Contains(settled, "YES") || !strings.Contains(settled, "+$60.00") {
		t.Errorf("settle alert malformed:\n%s", settled)
	}
	halt := fake.message(3).Text
	if !strings.Contains(halt, "DRAWDOWN HALT") || !strings.Contains(halt, "25.0%") {
		t.Errorf("halt alert malformed:\n%s", halt)
	}
}

func TestAlerterDropsWhenQueueFull(t *testing.T) {
	t.Parallel()
	a := testAlerter(&fakeSender{})
	a.queue = make(chan string, 1)

	// No worker running: the second and third events must drop, not block.
	for i := 0; i < 3; i++ {
		a.PositionClosed(&types.Position{Strategy: "s"}, decimal.Zero, "x")
	}
	if len(a.queue) != 1 {
		t.Errorf("queued = %d, want 1", len(a.queue))
	}
}

func TestNewDisabledWithoutCredentials(t *testing.T) {
	t.Parallel()
	cases := []config.NotifyConfig{
		{},
		{Enabled: true},
		{Enabled: true, BotToken: "123:abc"},
		{BotToken: "123:abc", ChatID: 7},
	}
	for _, cfg := range cases {
		a, err := New(cfg, slog.Default())
		if a != nil || err != nil {
			t.Errorf("New(%+v) = (%v, %v), want (nil, nil)", cfg, a, err)
		}
	}
}

func TestAlertFormatting(t *testing.T) {
	t.Parallel()

	if got := signedUSD(decimal.NewFromFloat(3.5)); got != "+$3.50" {
		t.Errorf("signedUSD(3.5) = %q", got)
	}
	if got := signedUSD(decimal.NewFromFloat(-3.5)); got != "-$3.50" {
		t.Errorf("signedUSD(-3.5) = %q", got)
	}
	if got := shortID("0xshort"); got != "0xshort" {
		t.Errorf("shortID kept short id wrong: %q", got)
	}
	if got := shortID("0x0123456789abcdef"); got != "0x0123456789…" {
		t.Errorf("shortID = %q", got)
	}
	if got := escapeMarkdown("a_b*c"); got != `a\_b\*c` {
		t.Errorf("escapeMarkdown = %q", got)
	}
	if got := modeTag(false); got != "[live]" {
		t.Errorf("modeTag(false) = %q", got)
	}
}
