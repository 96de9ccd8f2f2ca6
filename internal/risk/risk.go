package risk

import (
	"errors"
	"fmt"
	"log/slog"

	"scalper/internal/exchange"

	"github.com/shopspring/decimal"
)

var ErrConstraintRejected = errors.New("order rejected by trading constraints")

// Rejection explains why no compliant quantity exists for an order.
type Rejection struct {
	Side   exchange.Side
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s not placed: %s", r.Side, r.Reason)
}

func (r *Rejection) Unwrap() error { return ErrConstraintRejected }

type Balances struct {
	Base  decimal.Decimal
	Quote decimal.Decimal
}

// Order is a sized order. Text is the quantity with exactly the precision the
// exchange accepts.
type Order struct {
	Side     exchange.Side
	Quantity decimal.Decimal
	Notional decimal.Decimal
	Text     string
}

// Sizer turns balances into an exchange-compliant quantity. MinQuote and
// MinBase are operator floors applied on top of the exchange filters.
type Sizer struct {
	MinQuote decimal.Decimal
	MinBase  decimal.Decimal
}

func (s Sizer) Size(side exchange.Side, bal Balances, price decimal.Decimal, c exchange.Constraints) (Order, error) {
	slog.Info("risk evaluation", "side", side, "base", bal.Base, "quote", bal.Quote, "price", price,
		"min_notional", c.MinNotional, "step", c.StepSize)

	if !price.IsPositive() {
		return reject(side, fmt.Sprintf("invalid price %s", price))
	}

	var raw decimal.Decimal
	switch side {
	case exchange.Buy:
		floor := decimal.Max(c.MinNotional, s.MinQuote)
		if bal.Quote.LessThan(floor) {
			return reject(side, fmt.Sprintf("insufficient %s: balance %s, minimum %s", asset(c.QuoteAsset, "quote"), bal.Quote, floor))
		}
		raw = bal.Quote.Div(price)
	case exchange.Sell:
		floor := decimal.Max(c.MinQuantity, s.MinBase)
		if bal.Base.LessThan(floor) || bal.Base.IsZero() {
			return reject(side, fmt.Sprintf("insufficient %s: balance %s, minimum %s", asset(c.BaseAsset, "base"), bal.Base, floor))
		}
		raw = bal.Base
	default:
		return reject(side, "unknown side")
	}

	qty := Quantize(raw, c.StepSize, c.QuantityPrecision)
	notional := qty.Mul(price)

	switch {
	case !qty.IsPositive():
		return reject(side, fmt.Sprintf("quantity %s rounds to zero at step %s", raw, c.StepSize))
	case qty.LessThan(c.MinQuantity):
		return reject(side, fmt.Sprintf("quantity %s below minimum %s", qty, c.MinQuantity))
	case c.MaxQuantity.IsPositive() && qty.GreaterThan(c.MaxQuantity):
		return reject(side, fmt.Sprintf("quantity %s above maximum %s", qty, c.MaxQuantity))
	case notional.LessThan(c.MinNotional):
		return reject(side, fmt.Sprintf("notional %s below minimum %s", notional.StringFixed(2), c.MinNotional))
	}

	order := Order{Side: side, Quantity: qty, Notional: notional, Text: qty.StringFixed(c.QuantityPrecision)}
	slog.Info("risk approved", "side", side, "qty", order.Text, "notional", notional)
	return order, nil
}

// Quantize floors qty to a multiple of step. Without a step it truncates to
// precision digits.
func Quantize(qty, step decimal.Decimal, precision int32) decimal.Decimal {
	if step.IsPositive() {
		return qty.Div(step).Floor().Mul(step).Truncate(precision)
	}
	return qty.Truncate(precision)
}

func reject(side exchange.Side, reason string) (Order, error) {
	slog.Info("risk rejected", "side", side, "reason", reason)
	return Order{}, &Rejection{Side: side, Reason: reason}
}

func asset(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}
