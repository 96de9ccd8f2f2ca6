package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"scalper/internal/exchange"
	"scalper/internal/ledger"
	"scalper/internal/metrics"
	"scalper/internal/retry"
	"scalper/internal/risk"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientData = errors.New("insufficient data")
	ErrExecutionFailed  = errors.New("execution failed")
	ErrPersistence      = errors.New("trade not persisted")
)

const lookupTimeout = 30 * time.Second

// Result is a reconciled execution.
type Result struct {
	Side          exchange.Side
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	Attempts      int
	ClientOrderID string
	// PersistErr is set when the fill happened but the ledger write failed.
	PersistErr error
}

// Executor submits market orders and records their fills.
type Executor struct {
	account exchange.Account
	ledger  *ledger.Ledger
	policy  retry.Policy
	metrics *metrics.Metrics
	newID   func() string
}

func NewExecutor(account exchange.Account, book *ledger.Ledger, policy retry.Policy, m *metrics.Metrics) *Executor {
	if policy.Retryable == nil {
		policy.Retryable = exchange.IsRetryable
	}
	return &Executor{account: account, ledger: book, policy: policy, metrics: m, newID: uuid.NewString}
}

// Execute submits one market order for order. Transient failures are retried
// under the same client order id. A submit that fails after the order may
// have reached the exchange is settled by looking the order up. Only a fill
// with positive quantity reaches the ledger.
func (x *Executor) Execute(ctx context.Context, pair string, order risk.Order) (Result, error) {
	req := exchange.OrderRequest{
		Pair:          pair,
		Side:          order.Side,
		Quantity:      order.Text,
		ClientOrderID: x.newID(),
	}
	side := string(order.Side)

	var fills []exchange.Fill
	attempts, err := x.policy.Do(ctx, "submit "+side, func(ctx context.Context, attempt int) error {
		x.metrics.Attempt(side)
		slog.Info("order submitted", "pair", pair, "side", side, "qty", req.Quantity, "client_order_id", req.ClientOrderID, "attempt", attempt+1)
		var err error
		fills, err = x.account.SubmitMarketOrder(ctx, req)
		return err
	})
	result := Result{Side: order.Side, Attempts: attempts, ClientOrderID: req.ClientOrderID}
	if err != nil && (attempts > 1 || !errors.Is(err, exchange.ErrOrderRejected)) {
		// an earlier attempt may have reached the exchange
		if settled, ok := x.settle(ctx, req, err); ok {
			fills, err = settled, nil
		}
	}
	if err != nil {
		if errors.Is(err, exchange.ErrOrderRejected) {
			x.metrics.Order(side, "rejected")
		} else {
			x.metrics.Order(side, "failed")
		}
		slog.Error("order execution failed", "pair", pair, "side", side, "attempts", attempts, "error", err)
		return result, fmt.Errorf("%w: %s after %d attempt(s): %w", ErrExecutionFailed, side, attempts, err)
	}

	qty, avg := Reconcile(fills)
	if !qty.IsPositive() {
		x.metrics.Order(side, "failed")
		slog.Error("order returned no fills", "pair", pair, "side", side, "client_order_id", req.ClientOrderID)
		return result, fmt.Errorf("%w: %s order %s filled zero quantity", ErrExecutionFailed, side, req.ClientOrderID)
	}
	result.Quantity, result.Price = qty, avg
	x.metrics.Order(side, "filled")

	trade := ledger.NewTrade(order.Side, qty, avg)
	trade.ID = req.ClientOrderID
	if err := x.ledger.Append(ctx, trade); err != nil {
		x.metrics.LedgerWriteFailure()
		result.PersistErr = fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	slog.Info("order filled", "pair", pair, "side", side, "qty", qty, "avg_price", avg, "attempts", attempts)
	return result, nil
}

// settle looks the order up by its client order id after a failed submit and
// returns its fills when something executed. It runs detached from ctx so a
// shutdown mid-order still records the fill.
func (x *Executor) settle(ctx context.Context, req exchange.OrderRequest, cause error) ([]exchange.Fill, bool) {
	lookup, ok := x.account.(exchange.OrderLookup)
	if !ok {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
	defer cancel()

	var fills []exchange.Fill
	_, err := x.policy.Do(ctx, "lookup "+string(req.Side), func(ctx context.Context, attempt int) error {
		var err error
		fills, err = lookup.LookupOrder(ctx, req.Pair, req.ClientOrderID)
		return err
	})
	if err != nil {
		if !errors.Is(err, exchange.ErrOrderNotFound) {
			slog.Error("order lookup failed", "pair", req.Pair, "client_order_id", req.ClientOrderID, "error", err)
		}
		return nil, false
	}
	if qty, _ := Reconcile(fills); !qty.IsPositive() {
		return nil, false
	}
	slog.Warn("order filled despite failed submit", "pair", req.Pair, "side", req.Side, "client_order_id", req.ClientOrderID, "submit_error", cause)
	return fills, true
}

// Reconcile sums fills into a total quantity and a quantity-weighted average
// price. Both are zero when nothing filled.
func Reconcile(fills []exchange.Fill) (decimal.Decimal, decimal.Decimal) {
	qty, cost := decimal.Zero, decimal.Zero
	for _, f := range fills {
		qty = qty.Add(f.Quantity)
		cost = cost.Add(f.Price.Mul(f.Quantity))
	}
	if !qty.IsPositive() {
		return decimal.Zero, decimal.Zero
	}
	return qty, cost.Div(qty)
}
