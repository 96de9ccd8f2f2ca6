package md

import "time"

// Bar is one OHLC candle. Sequences are ordered oldest first.
type Bar struct {
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Timestamp time.Time
}

// Closes extracts close prices in order.
func Closes(bars []Bar) []float64 {
	closes := make([]float64, len(bars))
	for i, bar := range bars {
		closes[i] = bar.Close
	}
	return closes
}

// Flat reports whether every value equals the first one.
func Flat(values []float64) bool {
	for _, v := range values[min(1, len(values)):] {
		if v != values[0] {
			return false
		}
	}
	return true
}
