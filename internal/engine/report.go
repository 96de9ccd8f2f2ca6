package engine

import (
	"fmt"
	"strconv"
	"strings"

	"scalper/internal/exchange"
	"scalper/internal/ledger"
	"scalper/internal/state"
	"scalper/internal/strategy"
)

// Report is what a cycle or a manual trade tells the operator.
type Report struct {
	Pair      string
	Manual    bool
	Signal    *Signal
	Execution *Execution
}

// Failed reports whether an execution was attempted and did not fill.
func (r Report) Failed() bool {
	return r.Execution != nil && r.Execution.Result == nil && r.Execution.Rejected == nil
}

// Text renders the report as plain text.
func (r Report) Text() string {
	var b strings.Builder
	if r.Manual && r.Execution != nil {
		fmt.Fprintf(&b, "Manual %s %s\n", r.Execution.Side, r.Pair)
	} else {
		fmt.Fprintf(&b, "MACD check %s\n", r.Pair)
	}

	if sig := r.Signal; sig != nil {
		if sig.Price > 0 {
			fmt.Fprintf(&b, "Price: %s\n", strconv.FormatFloat(sig.Price, 'f', 2, 64))
		}
		if sig.HasHistogram {
			fmt.Fprintf(&b, "Histogram: %s\n", strconv.FormatFloat(sig.Histogram, 'f', 4, 64))
		} else {
			b.WriteString("Histogram: n/a\n")
		}
		fmt.Fprintf(&b, "Position: %s\n", sig.Position)
		fmt.Fprintf(&b, "Decision: %s (%s)\n", sig.Action, sig.Reason)
		if sig.Action == strategy.Hold && sig.Err != nil {
			fmt.Fprintf(&b, "Note: %s\n", sig.Err)
		}
	}

	if exec := r.Execution; exec != nil {
		b.WriteString(exec.Text())
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func (x *Execution) Text() string {
	switch {
	case x.Result != nil:
		verb := "Bought"
		if x.Side == exchange.Sell {
			verb = "Sold"
		}
		line := fmt.Sprintf("%s %s at %s (%s)", verb, x.Result.Quantity.StringFixed(8), x.Result.Price.StringFixed(2), plural(x.Result.Attempts, "attempt"))
		if x.Result.PersistErr != nil {
			line += "\nWarning: trade executed but history may be incomplete: " + x.Result.PersistErr.Error()
		}
		return line
	case x.Rejected != nil:
		return "Not placed: " + x.Rejected.Reason
	case x.Err != nil:
		return "Failed: " + x.Err.Error()
	}
	return ""
}

func (h Holdings) Text() string {
	return fmt.Sprintf("Balance: %s %s, %s %s", h.Base.StringFixed(8), h.BaseAsset, h.Quote.StringFixed(2), h.QuoteAsset)
}

// FormatStatistics renders entries (newest first) with notional and, for
// closing sells, realised P&L.
func FormatStatistics(entries []ledger.Entry, base, quote string) string {
	if len(entries) == 0 {
		return "Trade history is empty."
	}
	lines := []string{"Trade history:"}
	for _, e := range entries {
		line := fmt.Sprintf("%s %s %s %s at %s %s (total %s %s)",
			e.Time.Format("2006-01-02 15:04:05"), e.Side,
			e.Quantity.StringFixed(8), base,
			e.Price.StringFixed(2), quote,
			e.Notional().StringFixed(2), quote)
		if e.HasPnL {
			sign := ""
			if !e.PnL.IsNegative() {
				sign = "+"
			}
			line += fmt.Sprintf(" P&L %s%s", sign, e.PnL.StringFixed(2))
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// FormatStatus renders the status snapshot for the operator.
func FormatStatus(s state.Snapshot) string {
	auto := "off"
	if s.Autotrade {
		auto = "on"
	}
	lines := []string{
		"Status " + s.Pair,
		"Position: " + string(s.Position),
		"Autotrade: " + auto,
	}
	if sig := s.LastSignal; !sig.At.IsZero() {
		lines = append(lines, fmt.Sprintf("Last signal: %s (%s) at %s, histogram %s",
			sig.Action, sig.Reason, sig.At.Format("2006-01-02 15:04:05"),
			strconv.FormatFloat(sig.Histogram, 'f', 4, 64)))
	}
	if !s.LastTradeTime.IsZero() {
		lines = append(lines, fmt.Sprintf("Last trade: %s at %s", s.LastResult, s.LastTradeTime.Format("2006-01-02 15:04:05")))
	}
	if s.PositionMismatch {
		lines = append(lines, fmt.Sprintf("Warning: exchange holds %s base, ledger says %s", s.ExchangeBase, s.Position))
	}
	return strings.Join(lines, "\n")
}

func plural(n int, word string) string {
	if n == 1 {
		return "1 " + word
	}
	return strconv.Itoa(n) + " " + word + "s"
}
