package engine

import (
	"context"
	"log/slog"
	"time"
)

// ReconcileLoop periodically compares the ledger's position with the base
// balance on the exchange. Divergence is logged and recorded in the status
// snapshot; the ledger is never changed.
func (e *Engine) ReconcileLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.reconcileOnce(ctx)
		}
	}
}

func (e *Engine) reconcileOnce(ctx context.Context) {
	cons, err := e.constraints.Get(ctx, e.cfg.Pair)
	if err != nil {
		slog.Warn("reconcile constraints failed", "pair", e.cfg.Pair, "error", err)
		return
	}
	base, err := e.ex.FreeBalance(ctx, cons.BaseAsset)
	if err != nil {
		slog.Warn("reconcile balance failed", "asset", cons.BaseAsset, "error", err)
		return
	}

	// Anything below the exchange minimum cannot be sold and counts as flat.
	onExchange := base.IsPositive() && base.GreaterThanOrEqual(cons.MinQuantity) && !base.LessThan(e.sizer.MinBase)
	holding := e.ledger.Holding()
	mismatch := onExchange != holding
	if mismatch {
		slog.Warn("ledger position diverges from exchange", "pair", e.cfg.Pair, "ledger_holding", holding,
			"exchange_base", base, "asset", cons.BaseAsset)
	} else {
		slog.Info("reconcile ok", "pair", e.cfg.Pair, "holding", holding, "exchange_base", base)
	}
	e.state.SetReconciled(base.String(), mismatch, time.Now().UTC())
}
