package strategy

import "time"

type Action string

const (
	Hold Action = "HOLD"
	Buy  Action = "BUY"
	Sell Action = "SELL"
)

// Position is the state of the signal machine, derived from the ledger.
type Position string

const (
	Flat Position = "HOLD_FLAT"
	Long Position = "HOLD_LONG"
)

func PositionOf(holding bool) Position {
	if holding {
		return Long
	}
	return Flat
}

type MarketSnapshot struct {
	Timestamp time.Time
	Close     float64
	Histogram float64
	// Ready is false when the price window was too short for the indicator.
	Ready bool
	// FlatWindow marks a window whose closes are all equal.
	FlatWindow bool
	Position   Position
}

type TradeIntent struct {
	Action Action
	Reason string
}

type Strategy interface {
	Decide(snapshot MarketSnapshot) TradeIntent
}
