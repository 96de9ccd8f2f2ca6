// Package exchange defines the capability surface the trading core consumes.
// Concrete backends live in subpackages.
package exchange

import (
	"context"

	"scalper/internal/md"

	"github.com/shopspring/decimal"
)

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Constraints are the per-pair order rules published by the exchange.
type Constraints struct {
	Pair              string
	BaseAsset         string
	QuoteAsset        string
	MinNotional       decimal.Decimal
	MinQuantity       decimal.Decimal
	MaxQuantity       decimal.Decimal // zero means unbounded
	StepSize          decimal.Decimal
	QuantityPrecision int32
}

type OrderRequest struct {
	Pair          string
	Side          Side
	Quantity      string
	ClientOrderID string
}

// Fill is a single execution report for a submitted order.
type Fill struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

type MarketData interface {
	RecentBars(ctx context.Context, pair, interval string, count int) ([]md.Bar, error)
	LastPrice(ctx context.Context, pair string) (decimal.Decimal, error)
}

type Account interface {
	FreeBalance(ctx context.Context, asset string) (decimal.Decimal, error)
	SubmitMarketOrder(ctx context.Context, req OrderRequest) ([]Fill, error)
}

// OrderLookup finds an order by the client order id it was submitted with
// and reports what it filled. It lets a caller settle an order whose submit
// response was lost.
type OrderLookup interface {
	LookupOrder(ctx context.Context, pair, clientOrderID string) ([]Fill, error)
}

type Metadata interface {
	TradingConstraints(ctx context.Context, pair string) (Constraints, error)
}

type Exchange interface {
	MarketData
	Account
	Metadata
	Name() string
}
