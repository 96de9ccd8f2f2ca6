package strategy

// MACD trades the sign of the histogram. A non-negative value is a buy
// candidate and a negative one a sell candidate; the current position then
// suppresses buys while long and sells while flat.
type MACD struct{}

// Candidate is the raw signal for a histogram value, before position gating.
func Candidate(histogram float64) Action {
	if histogram >= 0 {
		return Buy
	}
	return Sell
}

// Gate applies the position state machine to a candidate.
func Gate(pos Position, candidate Action) TradeIntent {
	switch {
	case pos == Flat && candidate == Buy:
		return TradeIntent{Action: Buy, Reason: "histogram_non_negative"}
	case pos == Flat && candidate == Sell:
		return TradeIntent{Action: Hold, Reason: "no_position_to_sell"}
	case pos == Long && candidate == Sell:
		return TradeIntent{Action: Sell, Reason: "histogram_negative"}
	case pos == Long && candidate == Buy:
		return TradeIntent{Action: Hold, Reason: "already_in_position"}
	}
	return TradeIntent{Action: Hold, Reason: "no_signal"}
}

// Next returns the position after intent executes.
func Next(pos Position, intent TradeIntent) Position {
	switch intent.Action {
	case Buy:
		return Long
	case Sell:
		return Flat
	}
	return pos
}

func (MACD) Decide(snapshot MarketSnapshot) TradeIntent {
	if !snapshot.Ready {
		return TradeIntent{Action: Hold, Reason: "insufficient_data"}
	}
	if snapshot.FlatWindow {
		return TradeIntent{Action: Hold, Reason: "flat_price_window"}
	}
	return Gate(snapshot.Position, Candidate(snapshot.Histogram))
}
