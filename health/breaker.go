package health

import (
	"context"

	"github.com/jonwraymond/objectcache/remote"
)

// ResilienceSource reports transport protection state.
// *remote.ResilientClient implements it.
type ResilienceSource interface {
	Stats() remote.ResilienceStats
}

// BreakerChecker maps the circuit breaker onto a Status: open is
// unhealthy, half-open is degraded.
type BreakerChecker struct {
	source ResilienceSource
}

// NewBreakerChecker returns a checker over source.
func NewBreakerChecker(source ResilienceSource) *BreakerChecker {
	return &BreakerChecker{source: source}
}

// Name implements Checker.
func (c *BreakerChecker) Name() string { return "remote" }

// Check implements Checker.
func (c *BreakerChecker) Check(ctx context.Context) Result {
	if err := ctx.Err(); err != nil {
		return Unhealthy("context cancelled", err)
	}

	s := c.source.Stats()
	details := map[string]any{
		"breaker":  s.Breaker.String(),
		"active":   s.Active,
		"rejected": s.Rejected,
	}
	switch s.Breaker {
	case remote.BreakerOpen:
		return Unhealthy("circuit open", remote.ErrCircuitOpen).WithDetails(details)
	case remote.BreakerHalfOpen:
		return Degraded("circuit probing").WithDetails(details)
	}
	return Healthy("circuit closed").WithDetails(details)
}

var _ Checker = (*BreakerChecker)(nil)
