package indicator

// State is the last point of a MACD evaluation.
type State struct {
	FastAvg    float64
	SlowAvg    float64
	MACDLine   float64
	SignalLine float64
	Histogram  float64
}

// EMA returns the exponential moving average of values with alpha = 2/(period+1).
// The series is seeded with the first value, so the output has the same length
// as the input. It returns nil when there are fewer values than period.
func EMA(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}
	alpha := 2.0 / float64(period+1)
	ema := make([]float64, len(values))
	ema[0] = values[0]
	for i := 1; i < len(values); i++ {
		ema[i] = values[i]*alpha + ema[i-1]*(1-alpha)
	}
	return ema
}

// Histogram computes MACD histogram values for closes (oldest first).
// An empty result means there was not enough data.
func Histogram(closes []float64, fast, slow, signal int) []float64 {
	_, hist := compute(closes, fast, slow, signal)
	return hist
}

// Evaluate returns the indicator state at the most recent close.
func Evaluate(closes []float64, fast, slow, signal int) (State, bool) {
	lines, hist := compute(closes, fast, slow, signal)
	if len(hist) == 0 {
		return State{}, false
	}
	return State{
		FastAvg:    last(lines.fast),
		SlowAvg:    last(lines.slow),
		MACDLine:   last(lines.macd),
		SignalLine: last(lines.signal),
		Histogram:  last(hist),
	}, true
}

type macdLines struct {
	fast   []float64
	slow   []float64
	macd   []float64
	signal []float64
}

func compute(closes []float64, fast, slow, signal int) (macdLines, []float64) {
	var lines macdLines
	if len(closes) < max(fast, slow, signal) {
		return lines, nil
	}
	lines.fast = EMA(closes, fast)
	lines.slow = EMA(closes, slow)
	if len(lines.fast) == 0 || len(lines.slow) == 0 {
		return lines, nil
	}

	f, s := alignTails(lines.fast, lines.slow)
	lines.macd = make([]float64, len(f))
	for i := range f {
		lines.macd[i] = f[i] - s[i]
	}

	lines.signal = EMA(lines.macd, signal)
	if len(lines.signal) == 0 {
		return lines, nil
	}

	m, sig := alignTails(lines.macd, lines.signal)
	hist := make([]float64, len(m))
	for i := range m {
		hist[i] = m[i] - sig[i]
	}
	return lines, hist
}

// alignTails trims both slices to their common suffix length.
func alignTails(a, b []float64) ([]float64, []float64) {
	n := min(len(a), len(b))
	return a[len(a)-n:], b[len(b)-n:]
}

func last(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return values[len(values)-1]
}
