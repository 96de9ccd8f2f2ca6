// Package paper simulates an account on top of live market data. Orders fill
// immediately at the last traded price.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"scalper/internal/exchange"
	"scalper/internal/md"

	"github.com/shopspring/decimal"
)

type feed interface {
	exchange.MarketData
	exchange.Metadata
}

type Account struct {
	feed     feed
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	orders   map[string][]exchange.Fill
}

// New starts a paper account holding the given balances, keyed by asset.
func New(f feed, balances map[string]decimal.Decimal) *Account {
	b := make(map[string]decimal.Decimal, len(balances))
	for asset, amount := range balances {
		b[strings.ToUpper(asset)] = amount
	}
	return &Account{feed: f, balances: b, orders: make(map[string][]exchange.Fill)}
}

func (a *Account) Name() string { return "paper" }

func (a *Account) RecentBars(ctx context.Context, pair, interval string, count int) ([]md.Bar, error) {
	return a.feed.RecentBars(ctx, pair, interval, count)
}

func (a *Account) LastPrice(ctx context.Context, pair string) (decimal.Decimal, error) {
	return a.feed.LastPrice(ctx, pair)
}

func (a *Account) TradingConstraints(ctx context.Context, pair string) (exchange.Constraints, error) {
	return a.feed.TradingConstraints(ctx, pair)
}

func (a *Account) FreeBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balances[strings.ToUpper(asset)], nil
}

// SubmitMarketOrder fills the whole quantity at the current price. A repeated
// client order ID returns the original fills without moving balances again.
func (a *Account) SubmitMarketOrder(ctx context.Context, req exchange.OrderRequest) ([]exchange.Fill, error) {
	qty, err := decimal.NewFromString(req.Quantity)
	if err != nil || !qty.IsPositive() {
		return nil, &exchange.APIError{StatusCode: 400, Message: fmt.Sprintf("invalid quantity %q", req.Quantity), Rejected: true}
	}
	constraints, err := a.feed.TradingConstraints(ctx, req.Pair)
	if err != nil {
		return nil, err
	}
	price, err := a.feed.LastPrice(ctx, req.Pair)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if req.ClientOrderID != "" {
		if fills, ok := a.orders[req.ClientOrderID]; ok {
			return fills, nil
		}
	}

	base, quote := constraints.BaseAsset, constraints.QuoteAsset
	notional := qty.Mul(price)
	switch req.Side {
	case exchange.Buy:
		if a.balances[quote].LessThan(notional) {
			return nil, &exchange.APIError{StatusCode: 400, Code: -2010, Message: "Account has insufficient balance for requested action.", Rejected: true}
		}
		a.balances[quote] = a.balances[quote].Sub(notional)
		a.balances[base] = a.balances[base].Add(qty)
	case exchange.Sell:
		if a.balances[base].LessThan(qty) {
			return nil, &exchange.APIError{StatusCode: 400, Code: -2010, Message: "Account has insufficient balance for requested action.", Rejected: true}
		}
		a.balances[base] = a.balances[base].Sub(qty)
		a.balances[quote] = a.balances[quote].Add(notional)
	default:
		return nil, &exchange.APIError{StatusCode: 400, Message: fmt.Sprintf("unknown side %q", req.Side), Rejected: true}
	}

	fills := []exchange.Fill{{Price: price, Quantity: qty}}
	if req.ClientOrderID != "" {
		a.orders[req.ClientOrderID] = fills
	}
	slog.Info("paper order filled", "pair", req.Pair, "side", req.Side, "qty", qty, "price", price,
		base, a.balances[base], quote, a.balances[quote])
	return fills, nil
}

func (a *Account) LookupOrder(ctx context.Context, pair, clientOrderID string) ([]exchange.Fill, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fills, ok := a.orders[clientOrderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", exchange.ErrOrderNotFound, clientOrderID)
	}
	return fills, nil
}
