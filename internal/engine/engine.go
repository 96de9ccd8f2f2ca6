package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"scalper/internal/exchange"
	"scalper/internal/indicator"
	"scalper/internal/ledger"
	"scalper/internal/md"
	"scalper/internal/metrics"
	"scalper/internal/retry"
	"scalper/internal/risk"
	"scalper/internal/state"
	"scalper/internal/strategy"

	"github.com/shopspring/decimal"
)

type Config struct {
	Pair         string
	Interval     string
	Bars         int
	Fast         int
	Slow         int
	SignalPeriod int
}

type Deps struct {
	Exchange  exchange.Exchange
	Ledger    *ledger.Ledger
	Sizer     risk.Sizer
	Policy    retry.Policy
	State     *state.Store
	Decisions *DecisionLogger
	Metrics   *metrics.Metrics
}

// Engine carries everything one trading pair needs. mu serialises the trade
// path so balances, sizing, submission and the ledger append are never
// interleaved between a scheduled and a manual trade.
type Engine struct {
	cfg         Config
	strategy    strategy.Strategy
	ex          exchange.Exchange
	ledger      *ledger.Ledger
	sizer       risk.Sizer
	constraints *risk.ConstraintsCache
	executor    *Executor
	policy      retry.Policy
	state       *state.Store
	decisions   *DecisionLogger
	metrics     *metrics.Metrics

	mu sync.Mutex
}

func New(cfg Config, deps Deps) *Engine {
	policy := deps.Policy
	if policy.Retryable == nil {
		policy.Retryable = exchange.IsRetryable
	}
	st := deps.State
	if st == nil {
		st = state.NewStore(cfg.Pair)
	}
	e := &Engine{
		cfg:         cfg,
		strategy:    strategy.MACD{},
		ex:          deps.Exchange,
		ledger:      deps.Ledger,
		sizer:       deps.Sizer,
		constraints: risk.NewConstraintsCache(deps.Exchange, policy),
		executor:    NewExecutor(deps.Exchange, deps.Ledger, policy, deps.Metrics),
		policy:      policy,
		state:       st,
		decisions:   deps.Decisions,
		metrics:     deps.Metrics,
	}
	st.SetPosition(strategy.PositionOf(deps.Ledger.Holding()))
	return e
}

func (e *Engine) Pair() string { return e.cfg.Pair }

func (e *Engine) State() *state.Store { return e.state }

// Signal is one evaluation of the indicator against the current position.
type Signal struct {
	Pair      string
	At        time.Time
	Price     float64
	Histogram float64
	// HasHistogram is false when the window was too short or unavailable.
	HasHistogram bool
	Position     strategy.Position
	Action       strategy.Action
	Reason       string
	Err          error
}

// Signal evaluates without trading.
func (e *Engine) Signal(ctx context.Context) Signal {
	e.mu.Lock()
	defer e.mu.Unlock()
	sig := e.evaluate(ctx)
	e.journal(sig, nil)
	return sig
}

// evaluate never fails: unavailable data degrades to HOLD with the reason.
func (e *Engine) evaluate(ctx context.Context) Signal {
	sig := Signal{
		Pair:     e.cfg.Pair,
		At:       time.Now().UTC(),
		Position: strategy.PositionOf(e.ledger.Holding()),
		Action:   strategy.Hold,
	}
	defer func() {
		e.metrics.Signal(string(sig.Action))
		e.state.SetSignal(state.Signal{Action: sig.Action, Reason: sig.Reason, Histogram: sig.Histogram, Price: sig.Price, At: sig.At})
		e.state.SetPosition(sig.Position)
	}()

	bars, err := e.ex.RecentBars(ctx, e.cfg.Pair, e.cfg.Interval, e.cfg.Bars)
	if err != nil {
		sig.Reason = "market data unavailable"
		sig.Err = err
		slog.Warn("signal hold", "pair", e.cfg.Pair, "reason", sig.Reason, "error", err)
		return sig
	}
	closes := md.Closes(bars)
	if len(closes) > 0 {
		sig.Price = closes[len(closes)-1]
	}

	ind, ok := indicator.Evaluate(closes, e.cfg.Fast, e.cfg.Slow, e.cfg.SignalPeriod)
	if ok {
		sig.Histogram = ind.Histogram
		sig.HasHistogram = true
		e.metrics.SetHistogram(ind.Histogram)
	} else {
		sig.Err = fmt.Errorf("%w: %d closes, need %d", ErrInsufficientData, len(closes), max(e.cfg.Fast, e.cfg.Slow, e.cfg.SignalPeriod))
	}

	intent := e.strategy.Decide(strategy.MarketSnapshot{
		Timestamp:  sig.At,
		Close:      sig.Price,
		Histogram:  sig.Histogram,
		Ready:      ok,
		FlatWindow: ok && md.Flat(closes),
		Position:   sig.Position,
	})
	sig.Action, sig.Reason = intent.Action, intent.Reason
	if sig.Action == strategy.Hold {
		slog.Info("signal hold", "pair", e.cfg.Pair, "reason", sig.Reason, "histogram", sig.Histogram, "position", sig.Position)
	} else {
		slog.Info("signal", "pair", e.cfg.Pair, "action", sig.Action, "histogram", sig.Histogram, "position", sig.Position)
	}
	return sig
}

// CheckAndTrade is one autotrade cycle: evaluate, then size and execute
// unless the decision is HOLD.
func (e *Engine) CheckAndTrade(ctx context.Context) Report {
	e.mu.Lock()
	defer e.mu.Unlock()

	sig := e.evaluate(ctx)
	report := Report{Pair: e.cfg.Pair, Signal: &sig}
	if sig.Action != strategy.Hold {
		report.Execution = e.trade(ctx, exchange.Side(sig.Action))
	}
	e.journal(sig, report.Execution)
	return report
}

// Trade runs a manual order. It skips the signal but not the sizer.
func (e *Engine) Trade(ctx context.Context, side exchange.Side) Report {
	e.mu.Lock()
	defer e.mu.Unlock()

	report := Report{Pair: e.cfg.Pair, Manual: true, Execution: e.trade(ctx, side)}
	e.journal(Signal{Pair: e.cfg.Pair, At: time.Now().UTC(), Action: strategy.Action(side), Reason: "manual"}, report.Execution)
	return report
}

// Execution is the outcome of the trade path for one side.
type Execution struct {
	Side     exchange.Side
	Order    *risk.Order
	Result   *Result
	Rejected *risk.Rejection
	Attempts int
	Err      error
}

func (e *Engine) trade(ctx context.Context, side exchange.Side) *Execution {
	exec := &Execution{Side: side}

	cons, err := e.constraints.Get(ctx, e.cfg.Pair)
	if err != nil {
		exec.Err = fmt.Errorf("%w: trading constraints: %w", ErrExecutionFailed, err)
		return e.finish(exec)
	}
	bal, err := e.balances(ctx, cons)
	if err != nil {
		exec.Err = fmt.Errorf("%w: balances: %w", ErrExecutionFailed, err)
		return e.finish(exec)
	}
	price, err := e.lastPrice(ctx)
	if err != nil {
		exec.Err = fmt.Errorf("%w: price: %w", ErrExecutionFailed, err)
		return e.finish(exec)
	}

	order, err := e.sizer.Size(side, bal, price, cons)
	if err != nil {
		var rej *risk.Rejection
		if errors.As(err, &rej) {
			exec.Rejected = rej
			e.metrics.Order(string(side), "rejected")
		}
		exec.Err = err
		return e.finish(exec)
	}
	exec.Order = &order

	result, err := e.executor.Execute(ctx, e.cfg.Pair, order)
	exec.Attempts = result.Attempts
	if err != nil {
		if errors.Is(err, exchange.ErrOrderRejected) {
			// filters may have changed since they were cached
			e.constraints.Invalidate(e.cfg.Pair)
		}
		exec.Err = err
		return e.finish(exec)
	}
	exec.Result = &result
	return e.finish(exec)
}

func (e *Engine) finish(exec *Execution) *Execution {
	e.state.SetPosition(strategy.PositionOf(e.ledger.Holding()))
	switch {
	case exec.Result != nil:
		e.state.SetTrade(time.Now().UTC(), "filled")
	case exec.Rejected != nil:
		e.state.SetTrade(time.Now().UTC(), "rejected")
	case exec.Err != nil:
		e.state.SetTrade(time.Now().UTC(), "failed")
	}
	return exec
}

func (e *Engine) balances(ctx context.Context, cons exchange.Constraints) (risk.Balances, error) {
	var bal risk.Balances
	_, err := e.policy.Do(ctx, "balances", func(ctx context.Context, attempt int) error {
		base, err := e.ex.FreeBalance(ctx, cons.BaseAsset)
		if err != nil {
			return err
		}
		quote, err := e.ex.FreeBalance(ctx, cons.QuoteAsset)
		if err != nil {
			return err
		}
		bal = risk.Balances{Base: base, Quote: quote}
		return nil
	})
	return bal, err
}

func (e *Engine) lastPrice(ctx context.Context) (decimal.Decimal, error) {
	var price decimal.Decimal
	_, err := e.policy.Do(ctx, "last price", func(ctx context.Context, attempt int) error {
		var err error
		price, err = e.ex.LastPrice(ctx, e.cfg.Pair)
		return err
	})
	return price, err
}

// Holdings is the free balance of both sides of the pair.
type Holdings struct {
	BaseAsset  string
	QuoteAsset string
	risk.Balances
}

func (e *Engine) Balances(ctx context.Context) (Holdings, error) {
	cons, err := e.constraints.Get(ctx, e.cfg.Pair)
	if err != nil {
		return Holdings{}, err
	}
	bal, err := e.balances(ctx, cons)
	if err != nil {
		return Holdings{}, err
	}
	return Holdings{BaseAsset: cons.BaseAsset, QuoteAsset: cons.QuoteAsset, Balances: bal}, nil
}

// Assets returns the base and quote asset names of the pair.
func (e *Engine) Assets(ctx context.Context) (string, string, error) {
	cons, err := e.constraints.Get(ctx, e.cfg.Pair)
	if err != nil {
		return "", "", err
	}
	return cons.BaseAsset, cons.QuoteAsset, nil
}

func (e *Engine) Price(ctx context.Context) (decimal.Decimal, error) {
	return e.lastPrice(ctx)
}

// Statistics returns the last n trades, newest first.
func (e *Engine) Statistics(n int) []ledger.Entry {
	return e.ledger.Recent(n)
}

func (e *Engine) journal(sig Signal, exec *Execution) {
	if e.decisions == nil {
		return
	}
	d := Decision{
		Timestamp: time.Now().UTC(),
		Pair:      sig.Pair,
		Close:     sig.Price,
		Position:  sig.Position,
		Intent:    sig.Action,
		Reason:    sig.Reason,
		Result:    "hold",
	}
	if sig.HasHistogram {
		h := sig.Histogram
		d.Histogram = &h
	}
	if sig.Err != nil {
		d.Error = sig.Err.Error()
	}
	if exec != nil {
		switch {
		case exec.Result != nil:
			d.Result = "filled"
			d.ClientOrderID = exec.Result.ClientOrderID
			d.Quantity = exec.Result.Quantity.String()
			d.FillPrice = exec.Result.Price.String()
			d.Attempts = exec.Result.Attempts
			if exec.Result.PersistErr != nil {
				d.Error = exec.Result.PersistErr.Error()
			}
		case exec.Rejected != nil:
			d.Result = "rejected"
			d.RejectReason = exec.Rejected.Reason
		default:
			d.Result = "failed"
			d.Attempts = exec.Attempts
			if exec.Err != nil {
				d.Error = exec.Err.Error()
			}
		}
	}
	e.decisions.Append(d)
}
