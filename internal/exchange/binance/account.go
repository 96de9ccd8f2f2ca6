package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"scalper/internal/exchange"

	"github.com/shopspring/decimal"
)

func (c *Client) FreeBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	body, err := c.get(ctx, "/api/v3/account", url.Values{}, true)
	if err != nil {
		return decimal.Zero, err
	}
	var account struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &account); err != nil {
		return decimal.Zero, fmt.Errorf("decode account: %w", err)
	}
	for _, b := range account.Balances {
		if strings.EqualFold(b.Asset, asset) {
			return decimal.NewFromString(b.Free)
		}
	}
	return decimal.Zero, nil
}

// SubmitMarketOrder places a MARKET order and returns its fills. The FULL
// response type is requested so fills arrive in the same round trip.
func (c *Client) SubmitMarketOrder(ctx context.Context, req exchange.OrderRequest) ([]exchange.Fill, error) {
	q := url.Values{}
	q.Set("symbol", req.Pair)
	q.Set("side", string(req.Side))
	q.Set("type", "MARKET")
	q.Set("quantity", req.Quantity)
	q.Set("newOrderRespType", "FULL")
	if req.ClientOrderID != "" {
		q.Set("newClientOrderId", req.ClientOrderID)
	}

	body, err := c.post(ctx, "/api/v3/order", q)
	if err != nil {
		slog.Error("place order failed", "pair", req.Pair, "side", req.Side, "qty", req.Quantity, "client_order_id", req.ClientOrderID, "error", err)
		return nil, err
	}

	var order struct {
		OrderID     int64  `json:"orderId"`
		Status      string `json:"status"`
		ExecutedQty string `json:"executedQty"`
		Fills       []struct {
			Price string `json:"price"`
			Qty   string `json:"qty"`
		} `json:"fills"`
	}
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("decode order response: %w", err)
	}

	fills := make([]exchange.Fill, 0, len(order.Fills))
	for _, f := range order.Fills {
		price, err := decimal.NewFromString(f.Price)
		if err != nil {
			return nil, fmt.Errorf("parse fill price %q: %w", f.Price, err)
		}
		qty, err := decimal.NewFromString(f.Qty)
		if err != nil {
			return nil, fmt.Errorf("parse fill qty %q: %w", f.Qty, err)
		}
		fills = append(fills, exchange.Fill{Price: price, Quantity: qty})
	}

	slog.Info("place order success", "order_id", order.OrderID, "pair", req.Pair, "side", req.Side, "qty", req.Quantity, "status", order.Status, "fills", len(fills))
	return fills, nil
}

// LookupOrder queries an order by its client order id. The executed quantity
// and cumulative quote amount are folded into one fill at the average price.
func (c *Client) LookupOrder(ctx context.Context, pair, clientOrderID string) ([]exchange.Fill, error) {
	q := url.Values{}
	q.Set("symbol", pair)
	q.Set("origClientOrderId", clientOrderID)

	body, err := c.get(ctx, "/api/v3/order", q, true)
	if err != nil {
		var apiErr *exchange.APIError
		if errors.As(err, &apiErr) && apiErr.Code == -2013 {
			return nil, fmt.Errorf("%w: %s: %w", exchange.ErrOrderNotFound, clientOrderID, err)
		}
		return nil, err
	}

	var order struct {
		OrderID             int64  `json:"orderId"`
		Status              string `json:"status"`
		ExecutedQty         string `json:"executedQty"`
		CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	}
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	qty, err := decimal.NewFromString(order.ExecutedQty)
	if err != nil {
		return nil, fmt.Errorf("parse executed qty %q: %w", order.ExecutedQty, err)
	}
	quote, err := decimal.NewFromString(order.CummulativeQuoteQty)
	if err != nil {
		return nil, fmt.Errorf("parse quote qty %q: %w", order.CummulativeQuoteQty, err)
	}

	slog.Info("order lookup", "order_id", order.OrderID, "client_order_id", clientOrderID, "status", order.Status, "executed_qty", qty)
	if !qty.IsPositive() {
		return nil, nil
	}
	return []exchange.Fill{{Price: quote.Div(qty), Quantity: qty}}, nil
}
