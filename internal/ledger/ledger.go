// Package ledger keeps the append-only history of executed trades. The
// history decides whether the bot currently holds the base asset.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"scalper/internal/exchange"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Trade is one confirmed fill. It is never changed after it is appended.
type Trade struct {
	ID       string          `json:"id"`
	Time     time.Time       `json:"date"`
	Side     exchange.Side   `json:"type"`
	Quantity decimal.Decimal `json:"amount"`
	Price    decimal.Decimal `json:"price"`
}

func (t Trade) Notional() decimal.Decimal { return t.Quantity.Mul(t.Price) }

// DateLayout is how trade dates are written. RFC 3339 dates are also read.
const DateLayout = "2006-01-02 15:04:05"

// Date is a trade time in its JSON form. Dates without a zone are UTC.
type Date time.Time

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(d).UTC().Format(DateLayout))
}

func (d *Date) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return fmt.Errorf("trade date: %w", err)
	}
	if text == "" {
		*d = Date{}
		return nil
	}
	for _, layout := range []string{DateLayout, time.RFC3339Nano} {
		if parsed, err := time.Parse(layout, text); err == nil {
			*d = Date(parsed)
			return nil
		}
	}
	return fmt.Errorf("trade date %q: want %q or RFC 3339", text, DateLayout)
}

type tradeFields Trade

func (t Trade) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		tradeFields
		Time Date `json:"date"`
	}{tradeFields(t), Date(t.Time)})
}

func (t *Trade) UnmarshalJSON(data []byte) error {
	aux := struct {
		*tradeFields
		Time Date `json:"date"`
	}{tradeFields: (*tradeFields)(t)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	t.Time = time.Time(aux.Time)
	return nil
}

// NewTrade stamps a fill with an id and the current time.
func NewTrade(side exchange.Side, qty, price decimal.Decimal) Trade {
	return Trade{
		ID:       uuid.NewString(),
		Time:     time.Now().UTC(),
		Side:     side,
		Quantity: qty,
		Price:    price,
	}
}

// Store persists trades in append order.
type Store interface {
	Load(ctx context.Context) ([]Trade, error)
	Append(ctx context.Context, trade Trade) error
}

var ErrPersist = errors.New("ledger write failed")

// Ledger is the in-memory view of a Store. Reads never touch the store.
type Ledger struct {
	mu     sync.RWMutex
	store  Store
	trades []Trade
}

// Open loads the history from store. A store that cannot be read yields an
// empty history and a warning, so the bot starts flat.
func Open(ctx context.Context, store Store) *Ledger {
	trades, err := store.Load(ctx)
	if err != nil {
		slog.Warn("ledger history unreadable, starting empty", "error", err)
		trades = nil
	}
	slog.Info("ledger loaded", "trades", len(trades))
	return &Ledger{store: store, trades: trades}
}

// Append records trade in memory and then in the store. The in-memory copy is
// kept even when the store write fails because the fill already happened.
func (l *Ledger) Append(ctx context.Context, trade Trade) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.trades = append(l.trades, trade)
	if err := l.store.Append(ctx, trade); err != nil {
		slog.Error("ledger append failed", "trade_id", trade.ID, "side", trade.Side, "error", err)
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	return nil
}

func (l *Ledger) Trades() []Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Trade, len(l.trades))
	copy(out, l.trades)
	return out
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.trades)
}

// Holding reports whether the last trade was a BUY.
func (l *Ledger) Holding() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.trades) > 0 && l.trades[len(l.trades)-1].Side == exchange.Buy
}

// LastEntryPrice is the price of the most recent BUY, if any.
func (l *Ledger) LastEntryPrice() (decimal.Decimal, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.trades) - 1; i >= 0; i-- {
		if l.trades[i].Side == exchange.Buy {
			return l.trades[i].Price, true
		}
	}
	return decimal.Zero, false
}

// Entry pairs a trade with the P&L it realised. PnL is only set for a SELL
// that follows a BUY.
type Entry struct {
	Trade
	PnL    decimal.Decimal
	HasPnL bool
}

// Recent returns up to n trades, newest first.
func (l *Ledger) Recent(n int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entries := make([]Entry, len(l.trades))
	var entry decimal.Decimal
	var haveEntry bool
	for i, t := range l.trades {
		entries[i] = Entry{Trade: t}
		switch t.Side {
		case exchange.Buy:
			entry, haveEntry = t.Price, true
		case exchange.Sell:
			if haveEntry {
				entries[i].PnL = t.Price.Sub(entry).Mul(t.Quantity)
				entries[i].HasPnL = true
				haveEntry = false
			}
		}
	}

	if n <= 0 || n > len(entries) {
		n = len(entries)
	}
	out := make([]Entry, 0, n)
	for i := len(entries) - 1; i >= len(entries)-n; i-- {
		out = append(out, entries[i])
	}
	return out
}
