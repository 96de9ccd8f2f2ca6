package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"scalper/internal/exchange"
	"scalper/internal/md"

	"github.com/shopspring/decimal"
)

// RecentBars returns up to count klines, oldest first.
func (c *Client) RecentBars(ctx context.Context, pair, interval string, count int) ([]md.Bar, error) {
	if count <= 0 || count > 1000 {
		count = 500
	}
	q := url.Values{}
	q.Set("symbol", pair)
	q.Set("interval", interval)
	q.Set("limit", strconv.Itoa(count))

	body, err := c.get(ctx, "/api/v3/klines", q, false)
	if err != nil {
		return nil, err
	}

	// kline: [openTime, open, high, low, close, volume, closeTime, ...]
	var raw [][]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}
	bars := make([]md.Bar, 0, len(raw))
	for _, row := range raw {
		if len(row) < 5 {
			continue
		}
		var openTime int64
		if err := json.Unmarshal(row[0], &openTime); err != nil {
			return nil, fmt.Errorf("decode kline open time: %w", err)
		}
		values := make([]float64, 4)
		for i := range values {
			var s string
			if err := json.Unmarshal(row[i+1], &s); err != nil {
				return nil, fmt.Errorf("decode kline field %d: %w", i+1, err)
			}
			if values[i], err = strconv.ParseFloat(s, 64); err != nil {
				return nil, fmt.Errorf("parse kline field %d: %w", i+1, err)
			}
		}
		bars = append(bars, md.Bar{
			Open:      values[0],
			High:      values[1],
			Low:       values[2],
			Close:     values[3],
			Timestamp: time.UnixMilli(openTime).UTC(),
		})
	}
	return bars, nil
}

// LastPrice prefers a fresh stream tick and falls back to the REST ticker.
func (c *Client) LastPrice(ctx context.Context, pair string) (decimal.Decimal, error) {
	if c.stream != nil && strings.EqualFold(c.stream.Pair(), pair) {
		if price, at, err := c.stream.Last(); err == nil && c.now().Sub(at) <= c.streamMaxAge {
			return decimal.NewFromFloat(price), nil
		}
	}

	q := url.Values{}
	q.Set("symbol", pair)
	body, err := c.get(ctx, "/api/v3/ticker/price", q, false)
	if err != nil {
		return decimal.Zero, err
	}
	var payload struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return decimal.Zero, fmt.Errorf("decode ticker: %w", err)
	}
	return decimal.NewFromString(payload.Price)
}

type symbolFilter struct {
	FilterType  string `json:"filterType"`
	MinQty      string `json:"minQty"`
	MaxQty      string `json:"maxQty"`
	StepSize    string `json:"stepSize"`
	MinNotional string `json:"minNotional"`
}

// TradingConstraints reads LOT_SIZE, MARKET_LOT_SIZE and the notional filters
// for pair from exchangeInfo.
func (c *Client) TradingConstraints(ctx context.Context, pair string) (exchange.Constraints, error) {
	q := url.Values{}
	q.Set("symbol", pair)
	body, err := c.get(ctx, "/api/v3/exchangeInfo", q, false)
	if err != nil {
		return exchange.Constraints{}, err
	}
	var info struct {
		Symbols []struct {
			Symbol             string         `json:"symbol"`
			BaseAsset          string         `json:"baseAsset"`
			QuoteAsset         string         `json:"quoteAsset"`
			BaseAssetPrecision int32          `json:"baseAssetPrecision"`
			Filters            []symbolFilter `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return exchange.Constraints{}, fmt.Errorf("decode exchangeInfo: %w", err)
	}
	if len(info.Symbols) == 0 {
		return exchange.Constraints{}, fmt.Errorf("exchangeInfo: symbol %s not found", pair)
	}

	sym := info.Symbols[0]
	constraints := exchange.Constraints{
		Pair:       sym.Symbol,
		BaseAsset:  sym.BaseAsset,
		QuoteAsset: sym.QuoteAsset,
	}
	var marketMax decimal.Decimal
	for _, f := range sym.Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			constraints.MinQuantity = parseDecimal(f.MinQty)
			constraints.MaxQuantity = parseDecimal(f.MaxQty)
			constraints.StepSize = parseDecimal(f.StepSize)
		case "MARKET_LOT_SIZE":
			marketMax = parseDecimal(f.MaxQty)
		case "MIN_NOTIONAL", "NOTIONAL":
			if v := parseDecimal(f.MinNotional); v.GreaterThan(constraints.MinNotional) {
				constraints.MinNotional = v
			}
		}
	}
	if marketMax.IsPositive() && (constraints.MaxQuantity.IsZero() || marketMax.LessThan(constraints.MaxQuantity)) {
		constraints.MaxQuantity = marketMax
	}
	constraints.QuantityPrecision = stepPrecision(constraints.StepSize, sym.BaseAssetPrecision)

	slog.Info("trading constraints fetched", "pair", pair, "min_qty", constraints.MinQuantity, "max_qty", constraints.MaxQuantity,
		"step", constraints.StepSize, "min_notional", constraints.MinNotional, "precision", constraints.QuantityPrecision)
	return constraints, nil
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// stepPrecision counts the significant fractional digits of step,
// e.g. "0.00001000" -> 5.
func stepPrecision(step decimal.Decimal, fallback int32) int32 {
	if !step.IsPositive() {
		return fallback
	}
	s := step.String()
	i := strings.IndexByte(s, '.')
	if i < 0 {
		return 0
	}
	return int32(len(strings.TrimRight(s[i+1:], "0")))
}
