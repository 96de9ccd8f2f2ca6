package risk

import (
	"context"
	"sync"

	"scalper/internal/exchange"
	"scalper/internal/retry"
)

// ConstraintsCache fetches trading constraints once per pair. A miss goes to
// the exchange through the retry policy.
type ConstraintsCache struct {
	meta   exchange.Metadata
	policy retry.Policy

	mu     sync.Mutex
	cached map[string]exchange.Constraints
}

func NewConstraintsCache(meta exchange.Metadata, policy retry.Policy) *ConstraintsCache {
	return &ConstraintsCache{meta: meta, policy: policy, cached: make(map[string]exchange.Constraints)}
}

func (c *ConstraintsCache) Get(ctx context.Context, pair string) (exchange.Constraints, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cons, ok := c.cached[pair]; ok {
		return cons, nil
	}

	var cons exchange.Constraints
	_, err := c.policy.Do(ctx, "trading constraints", func(ctx context.Context, attempt int) error {
		var err error
		cons, err = c.meta.TradingConstraints(ctx, pair)
		return err
	})
	if err != nil {
		return exchange.Constraints{}, err
	}
	c.cached[pair] = cons
	return cons, nil
}

// Invalidate drops the cached entry so the next Get refetches it.
func (c *ConstraintsCache) Invalidate(pair string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cached, pair)
}
