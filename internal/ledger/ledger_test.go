package ledger

import (
	"context"
	"errors"
	"testing"

	"scalper/internal/exchange"

	"github.com/shopspring/decimal"
)

type memStore struct {
	trades    []Trade
	loadErr   error
	appendErr error
}

func (m *memStore) Load(ctx context.Context) ([]Trade, error) {
	return m.trades, m.loadErr
}

func (m *memStore) Append(ctx context.Context, t Trade) error {
	if m.appendErr != nil {
		return m.appendErr
	}
	m.trades = append(m.trades, t)
	return nil
}

func trade(side exchange.Side, qty, price int64) Trade {
	return NewTrade(side, decimal.NewFromInt(qty), decimal.NewFromInt(price))
}

func TestHoldingFollowsLastTrade(t *testing.T) {
	ctx := context.Background()
	l := Open(ctx, &memStore{})
	if l.Holding() {
		t.Fatalf("expected flat on empty ledger")
	}
	_ = l.Append(ctx, trade(exchange.Buy, 1, 100))
	if !l.Holding() {
		t.Fatalf("expected holding after BUY")
	}
	_ = l.Append(ctx, trade(exchange.Sell, 1, 110))
	if l.Holding() {
		t.Fatalf("expected flat after SELL")
	}
	price, ok := l.LastEntryPrice()
	if !ok || !price.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected last entry 100, got %s ok=%v", price, ok)
	}
}

func TestOpenUnreadableStoreStartsEmpty(t *testing.T) {
	l := Open(context.Background(), &memStore{trades: []Trade{trade(exchange.Buy, 1, 1)}, loadErr: errors.New("boom")})
	if l.Len() != 0 || l.Holding() {
		t.Fatalf("expected empty flat ledger, got %d trades", l.Len())
	}
}

func TestAppendFailureKeepsTradeInMemory(t *testing.T) {
	ctx := context.Background()
	l := Open(ctx, &memStore{appendErr: errors.New("disk full")})
	err := l.Append(ctx, trade(exchange.Buy, 1, 100))
	if !errors.Is(err, ErrPersist) {
		t.Fatalf("expected ErrPersist, got %v", err)
	}
	if l.Len() != 1 || !l.Holding() {
		t.Fatalf("expected trade kept in memory")
	}
}

func TestRecentNewestFirstWithPnL(t *testing.T) {
	ctx := context.Background()
	l := Open(ctx, &memStore{})
	_ = l.Append(ctx, trade(exchange.Buy, 2, 100))
	_ = l.Append(ctx, trade(exchange.Sell, 2, 110))
	_ = l.Append(ctx, trade(exchange.Buy, 1, 120))

	recent := l.Recent(2)
	if len(recent) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(recent))
	}
	if recent[0].Side != exchange.Buy || recent[0].HasPnL {
		t.Fatalf("expected newest BUY without pnl, got %+v", recent[0])
	}
	if recent[1].Side != exchange.Sell || !recent[1].HasPnL || !recent[1].PnL.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("expected SELL with pnl 20, got %+v", recent[1])
	}
	if all := l.Recent(0); len(all) != 3 {
		t.Fatalf("expected all 3 entries, got %d", len(all))
	}
}
