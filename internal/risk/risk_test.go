package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"scalper/internal/exchange"
	"scalper/internal/retry"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func btcConstraints() exchange.Constraints {
	return exchange.Constraints{
		Pair:              "BTCUSDC",
		BaseAsset:         "BTC",
		QuoteAsset:        "USDC",
		MinNotional:       d("10"),
		MinQuantity:       d("0.00001"),
		MaxQuantity:       d("9000"),
		StepSize:          d("0.00001"),
		QuantityPrecision: 5,
	}
}

func TestSizerRejectsQuoteBelowMinNotional(t *testing.T) {
	_, err := Sizer{}.Size(exchange.Buy, Balances{Quote: d("5")}, d("30000"), btcConstraints())
	if !errors.Is(err, ErrConstraintRejected) {
		t.Fatalf("expected constraint rejection, got %v", err)
	}
	var rej *Rejection
	if !errors.As(err, &rej) || rej.Side != exchange.Buy {
		t.Fatalf("expected BUY rejection, got %v", err)
	}
}

func TestSizerBuyFloorsToStep(t *testing.T) {
	order, err := Sizer{}.Size(exchange.Buy, Balances{Quote: d("20.25")}, d("30000"), btcConstraints())
	if err != nil {
		t.Fatalf("expected approval, got %v", err)
	}
	// 20.25 / 30000 = 0.000675 -> 0.00067
	if order.Text != "0.00067" {
		t.Fatalf("expected 0.00067, got %s", order.Text)
	}
	if order.Notional.GreaterThan(d("20.25")) {
		t.Fatalf("expected notional within balance, got %s", order.Notional)
	}
}

func TestSizerQuantityIsStepMultipleNotAboveRaw(t *testing.T) {
	cons := btcConstraints()
	cases := []struct {
		quote string
		price string
	}{
		{"10.01", "27123.45"},
		{"99.99", "61000.01"},
		{"1000", "3.3333"},
		{"12.3456789", "12345.6789"},
	}
	for _, tc := range cases {
		order, err := Sizer{}.Size(exchange.Buy, Balances{Quote: d(tc.quote)}, d(tc.price), cons)
		if err != nil {
			continue
		}
		raw := d(tc.quote).Div(d(tc.price))
		if order.Quantity.GreaterThan(raw) {
			t.Fatalf("quote=%s price=%s: quantity %s above raw %s", tc.quote, tc.price, order.Quantity, raw)
		}
		if !order.Quantity.Mod(cons.StepSize).IsZero() {
			t.Fatalf("quote=%s price=%s: quantity %s not a multiple of %s", tc.quote, tc.price, order.Quantity, cons.StepSize)
		}
		if len(order.Text) != len("0.")+int(cons.QuantityPrecision) && order.Quantity.LessThan(decimal.NewFromInt(1)) {
			t.Fatalf("expected %d fractional digits, got %s", cons.QuantityPrecision, order.Text)
		}
	}
}

func TestSizerRejectsAboveMaxQuantity(t *testing.T) {
	cons := btcConstraints()
	cons.MaxQuantity = d("0.001")
	_, err := Sizer{}.Size(exchange.Buy, Balances{Quote: d("1000")}, d("100"), cons)
	if !errors.Is(err, ErrConstraintRejected) {
		t.Fatalf("expected max quantity rejection, got %v", err)
	}
}

func TestSizerSellRejectsDustNotional(t *testing.T) {
	_, err := Sizer{}.Size(exchange.Sell, Balances{Base: d("0.0002")}, d("30000"), btcConstraints())
	if !errors.Is(err, ErrConstraintRejected) {
		t.Fatalf("expected notional rejection for 6 USDC sell, got %v", err)
	}
}

func TestSizerSellWholeBaseBalance(t *testing.T) {
	order, err := Sizer{MinBase: d("0.0001")}.Size(exchange.Sell, Balances{Base: d("0.0012345")}, d("30000"), btcConstraints())
	if err != nil {
		t.Fatalf("expected approval, got %v", err)
	}
	if order.Text != "0.00123" {
		t.Fatalf("expected 0.00123, got %s", order.Text)
	}
}

func TestSizerOperatorFloorOnSell(t *testing.T) {
	_, err := Sizer{MinBase: d("0.0001")}.Size(exchange.Sell, Balances{Base: d("0.00005")}, d("1000000"), btcConstraints())
	if !errors.Is(err, ErrConstraintRejected) {
		t.Fatalf("expected rejection below operator minimum, got %v", err)
	}
}

type flakyMeta struct {
	calls int
	fails int
}

func (f *flakyMeta) TradingConstraints(ctx context.Context, pair string) (exchange.Constraints, error) {
	f.calls++
	if f.calls <= f.fails {
		return exchange.Constraints{}, exchange.Transient(errors.New("timeout"))
	}
	return btcConstraints(), nil
}

func TestConstraintsCacheFetchesOnceWithRetry(t *testing.T) {
	meta := &flakyMeta{fails: 1}
	cache := NewConstraintsCache(meta, retry.Policy{
		MaxAttempts: 3,
		Retryable:   exchange.IsRetryable,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	})

	for i := 0; i < 3; i++ {
		cons, err := cache.Get(context.Background(), "BTCUSDC")
		if err != nil || cons.QuoteAsset != "USDC" {
			t.Fatalf("unexpected result %+v err=%v", cons, err)
		}
	}
	if meta.calls != 2 {
		t.Fatalf("expected 2 fetches (1 failure + 1 success), got %d", meta.calls)
	}

	cache.Invalidate("BTCUSDC")
	if _, err := cache.Get(context.Background(), "BTCUSDC"); err != nil || meta.calls != 3 {
		t.Fatalf("expected refetch after invalidate, calls=%d err=%v", meta.calls, err)
	}
}
