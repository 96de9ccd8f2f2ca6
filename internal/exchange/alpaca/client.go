// Package alpaca adapts the Alpaca crypto trading and market data APIs to
// the exchange interfaces.
package alpaca

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"scalper/internal/exchange"
	"scalper/internal/md"
	"scalper/internal/retry"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
)

// Options configures the adapter. Alpaca does not publish lot filters for
// crypto, so the trading constraints come from here.
type Options struct {
	APIKey      string
	APISecret   string
	BaseURL     string
	BaseAsset   string
	QuoteAsset  string
	MinNotional decimal.Decimal
	MinQuantity decimal.Decimal
	StepSize    decimal.Decimal
	// FillTimeout bounds how long a submitted order is polled for fills.
	FillTimeout time.Duration
}

type trader interface {
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	GetOrder(orderID string) (*alpaca.Order, error)
	GetOrderByClientOrderID(clientOrderID string) (*alpaca.Order, error)
	GetAccount() (*alpaca.Account, error)
	GetPosition(symbol string) (*alpaca.Position, error)
}

type barSource interface {
	GetCryptoBars(symbol string, req marketdata.GetCryptoBarsRequest) ([]marketdata.CryptoBar, error)
}

type Client struct {
	trading trader
	data    barSource
	opts    Options
	poll    time.Duration
}

func New(opts Options) *Client {
	tc := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    opts.APIKey,
		APISecret: opts.APISecret,
		BaseURL:   opts.BaseURL,
	})
	dc := marketdata.NewClient(marketdata.ClientOpts{
		APIKey:    opts.APIKey,
		APISecret: opts.APISecret,
	})
	return newClient(tc, dc, opts)
}

func newClient(tc trader, dc barSource, opts Options) *Client {
	if opts.FillTimeout <= 0 {
		opts.FillTimeout = 10 * time.Second
	}
	if opts.QuoteAsset == "" {
		opts.QuoteAsset = "USD"
	}
	return &Client{trading: tc, data: dc, opts: opts, poll: 500 * time.Millisecond}
}

func (c *Client) Name() string { return "alpaca" }

// symbol converts BTCUSD or BTC/USD to the slash form used by the crypto API.
func (c *Client) symbol(pair string) string {
	if strings.Contains(pair, "/") {
		return pair
	}
	if c.opts.BaseAsset != "" && strings.HasPrefix(pair, c.opts.BaseAsset) {
		return c.opts.BaseAsset + "/" + strings.TrimPrefix(pair, c.opts.BaseAsset)
	}
	return pair
}

func (c *Client) RecentBars(ctx context.Context, pair, interval string, count int) ([]md.Bar, error) {
	tf, step, err := timeFrame(interval)
	if err != nil {
		return nil, err
	}
	bars, err := c.data.GetCryptoBars(c.symbol(pair), marketdata.GetCryptoBarsRequest{
		TimeFrame:  tf,
		Start:      time.Now().Add(-time.Duration(count+1) * step),
		TotalLimit: count,
	})
	if err != nil {
		slog.Error("fetch crypto bars failed", "pair", pair, "error", err)
		return nil, mapError(err)
	}
	out := make([]md.Bar, 0, len(bars))
	for _, b := range bars {
		out = append(out, md.Bar{Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Timestamp: b.Timestamp})
	}
	if len(out) > count {
		out = out[len(out)-count:]
	}
	return out, nil
}

func timeFrame(interval string) (marketdata.TimeFrame, time.Duration, error) {
	switch interval {
	case "1m", "":
		return marketdata.OneMin, time.Minute, nil
	case "1h":
		return marketdata.OneHour, time.Hour, nil
	case "1d":
		return marketdata.OneDay, 24 * time.Hour, nil
	}
	return marketdata.TimeFrame{}, 0, fmt.Errorf("alpaca: unsupported interval %q", interval)
}

// LastPrice is the close of the most recent one-minute bar.
func (c *Client) LastPrice(ctx context.Context, pair string) (decimal.Decimal, error) {
	bars, err := c.RecentBars(ctx, pair, "1m", 5)
	if err != nil {
		return decimal.Zero, err
	}
	if len(bars) == 0 {
		return decimal.Zero, exchange.Transient(fmt.Errorf("alpaca: no recent bars for %s", pair))
	}
	return decimal.NewFromFloat(bars[len(bars)-1].Close), nil
}

func (c *Client) TradingConstraints(ctx context.Context, pair string) (exchange.Constraints, error) {
	step := c.opts.StepSize
	if !step.IsPositive() {
		step = decimal.New(1, -9)
	}
	return exchange.Constraints{
		Pair:              pair,
		BaseAsset:         c.opts.BaseAsset,
		QuoteAsset:        c.opts.QuoteAsset,
		MinNotional:       c.opts.MinNotional,
		MinQuantity:       c.opts.MinQuantity,
		StepSize:          step,
		QuantityPrecision: -step.Exponent(),
	}, nil
}

// FreeBalance reports cash for the quote asset and the position size for
// anything else. A missing position is a zero balance.
func (c *Client) FreeBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	if strings.EqualFold(asset, c.opts.QuoteAsset) {
		acct, err := c.trading.GetAccount()
		if err != nil {
			slog.Error("fetch account failed", "error", err)
			return decimal.Zero, mapError(err)
		}
		return acct.Cash, nil
	}

	pos, err := c.trading.GetPosition(asset + c.opts.QuoteAsset)
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return decimal.Zero, nil
		}
		slog.Error("fetch position failed", "asset", asset, "error", err)
		return decimal.Zero, mapError(err)
	}
	return pos.Qty, nil
}

// SubmitMarketOrder places the order and polls it until filled, cancelled or
// FillTimeout elapses. Whatever quantity filled by then is reported.
func (c *Client) SubmitMarketOrder(ctx context.Context, req exchange.OrderRequest) ([]exchange.Fill, error) {
	qty, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		return nil, fmt.Errorf("alpaca: bad quantity %q: %w", req.Quantity, err)
	}
	side := alpaca.Buy
	if req.Side == exchange.Sell {
		side = alpaca.Sell
	}

	order, err := c.trading.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:        c.symbol(req.Pair),
		Qty:           &qty,
		Side:          side,
		Type:          alpaca.Market,
		TimeInForce:   alpaca.GTC,
		ClientOrderID: req.ClientOrderID,
	})
	if err != nil {
		slog.Error("place order failed", "side", req.Side, "pair", req.Pair, "qty", req.Quantity, "error", err)
		return nil, mapError(err)
	}
	slog.Info("place order success", "order_id", order.ID, "side", req.Side, "pair", req.Pair, "qty", req.Quantity, "status", order.Status)

	deadline := time.Now().Add(c.opts.FillTimeout)
	for !terminal(order.Status) && time.Now().Before(deadline) {
		if err := retry.WaitForContext(ctx, c.poll); err != nil {
			break
		}
		latest, err := c.trading.GetOrder(order.ID)
		if err != nil {
			slog.Warn("poll order failed", "order_id", order.ID, "error", err)
			continue
		}
		order = latest
	}
	return fillsOf(order), nil
}

// LookupOrder reports the filled part of the order placed under
// clientOrderID.
func (c *Client) LookupOrder(ctx context.Context, pair, clientOrderID string) ([]exchange.Fill, error) {
	order, err := c.trading.GetOrderByClientOrderID(clientOrderID)
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", exchange.ErrOrderNotFound, clientOrderID)
		}
		return nil, mapError(err)
	}
	return fillsOf(order), nil
}

func terminal(status string) bool {
	switch status {
	case "filled", "canceled", "expired", "rejected", "done_for_day":
		return true
	}
	return false
}

func fillsOf(order *alpaca.Order) []exchange.Fill {
	if order == nil || !order.FilledQty.IsPositive() || order.FilledAvgPrice == nil {
		return nil
	}
	return []exchange.Fill{{Price: *order.FilledAvgPrice, Quantity: order.FilledQty}}
}

// mapError classifies Alpaca API errors: 403 and 422 are refusals of the
// request itself and are not worth repeating.
func mapError(err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		return &exchange.APIError{
			StatusCode: apiErr.StatusCode,
			Code:       apiErr.Code,
			Message:    apiErr.Message,
			Rejected:   apiErr.StatusCode == http.StatusForbidden || apiErr.StatusCode == http.StatusUnprocessableEntity,
		}
	}
	return exchange.Transient(err)
}
