package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"scalper/internal/engine"
	"scalper/internal/exchange"
	"scalper/internal/ledger"
	"scalper/internal/retry"
	"scalper/internal/state"

	"github.com/shopspring/decimal"
)

const statsLimit = 10

// Trader is what the command loop needs from the engine.
type Trader interface {
	Pair() string
	Signal(ctx context.Context) engine.Signal
	Trade(ctx context.Context, side exchange.Side) engine.Report
	Balances(ctx context.Context) (engine.Holdings, error)
	Price(ctx context.Context) (decimal.Decimal, error)
	Assets(ctx context.Context) (string, string, error)
	Statistics(n int) []ledger.Entry
	State() *state.Store
}

// Switch turns autotrade on and off for a chat.
type Switch interface {
	Toggle(chatID int64) (bool, error)
	Enabled() bool
}

type sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error)
}

type Bot struct {
	api         sender
	trader      Trader
	auto        Switch
	allowed     map[int64]bool
	pollTimeout time.Duration

	offset int64
	wg     sync.WaitGroup
}

func NewBot(api *Client, trader Trader, auto Switch, allowed []int64) *Bot {
	return newBot(api, trader, auto, allowed)
}

func newBot(api sender, trader Trader, auto Switch, allowed []int64) *Bot {
	set := make(map[int64]bool, len(allowed))
	for _, id := range allowed {
		set[id] = true
	}
	return &Bot{api: api, trader: trader, auto: auto, allowed: set, pollTimeout: 30 * time.Second}
}

// Run polls for updates until ctx is cancelled. Each command is handled on
// its own goroutine so a slow exchange call never blocks polling.
func (b *Bot) Run(ctx context.Context) error {
	slog.Info("telegram polling started", "pair", b.trader.Pair(), "allowed_chats", len(b.allowed))
	defer b.wg.Wait()

	backoff := time.Second
	for {
		updates, err := b.api.GetUpdates(ctx, b.offset, b.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			delay := backoff
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
				delay = time.Duration(apiErr.RetryAfter) * time.Second
			}
			slog.Warn("telegram poll failed", "error", err, "retry_in", delay)
			if err := retry.WaitForContext(ctx, delay); err != nil {
				return nil
			}
			backoff = min(backoff*2, time.Minute)
			continue
		}
		backoff = time.Second

		for _, u := range updates {
			if u.UpdateID >= b.offset {
				b.offset = u.UpdateID + 1
			}
			if u.Message == nil || u.Message.Text == "" {
				continue
			}
			msg := *u.Message
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.dispatch(ctx, msg)
			}()
		}
	}
}

func (b *Bot) dispatch(ctx context.Context, msg Message) {
	reply := b.handle(ctx, msg)
	if reply == "" {
		return
	}
	if err := b.api.SendMessage(ctx, msg.Chat.ID, reply); err != nil {
		slog.Error("telegram reply failed", "chat_id", msg.Chat.ID, "error", err)
	}
}

// handle runs one command and returns the reply text.
func (b *Bot) handle(ctx context.Context, msg Message) string {
	chatID := msg.Chat.ID
	if !b.allowed[chatID] {
		slog.Warn("telegram command from unknown chat", "chat_id", chatID, "text", msg.Text)
		return "Not authorised."
	}

	cmd := command(msg.Text)
	slog.Info("telegram command", "chat_id", chatID, "command", cmd)
	switch cmd {
	case "/start", "/help":
		return b.help()
	case "/status":
		return engine.FormatStatus(b.trader.State().Snapshot())
	case "/balance":
		h, err := b.trader.Balances(ctx)
		if err != nil {
			return "Balance unavailable: " + err.Error()
		}
		return h.Text()
	case "/price":
		p, err := b.trader.Price(ctx)
		if err != nil {
			return "Price unavailable: " + err.Error()
		}
		return fmt.Sprintf("%s: %s", b.trader.Pair(), p.StringFixed(2))
	case "/signal":
		sig := b.trader.Signal(ctx)
		return engine.Report{Pair: b.trader.Pair(), Signal: &sig}.Text()
	case "/auto":
		on, err := b.auto.Toggle(chatID)
		if err != nil {
			return "Autotrade unchanged: " + err.Error()
		}
		if on {
			return "Autotrade enabled for " + b.trader.Pair() + "."
		}
		return "Autotrade disabled."
	case "/buy":
		return b.trader.Trade(ctx, exchange.Buy).Text()
	case "/sell":
		return b.trader.Trade(ctx, exchange.Sell).Text()
	case "/stats":
		base, quote, err := b.trader.Assets(ctx)
		if err != nil {
			return "Statistics unavailable: " + err.Error()
		}
		return engine.FormatStatistics(b.trader.Statistics(statsLimit), base, quote)
	}
	return "Unknown command. " + b.help()
}

func (b *Bot) help() string {
	auto := "off"
	if b.auto.Enabled() {
		auto = "on"
	}
	return strings.Join([]string{
		"MACD trader for " + b.trader.Pair() + " (autotrade " + auto + ")",
		"/status /balance /price /signal",
		"/auto toggles autotrade",
		"/buy /sell trade manually",
		"/stats shows recent trades",
	}, "\n")
}

// command strips arguments and a trailing @botname.
func command(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	cmd, _, _ := strings.Cut(fields[0], "@")
	return strings.ToLower(cmd)
}
