package health

import (
	"context"
	"fmt"

	"github.com/jonwraymond/objectcache/cache"
)

// StatsSource reports store statistics. *cache.Store implements it.
type StatsSource interface {
	Stats() cache.Stats
}

// StoreCheckerConfig sets the StoreChecker thresholds.
type StoreCheckerConfig struct {
	// DegradedErrorRatio is the share of live queries in the error state
	// that marks the store degraded. Default: 0.1.
	DegradedErrorRatio float64 `yaml:"degraded_error_ratio"`

	// UnhealthyErrorRatio is the share that marks it unhealthy.
	// Default: 0.5.
	UnhealthyErrorRatio float64 `yaml:"unhealthy_error_ratio"`

	// MaxOptimisticLayers degrades the store when more layers are pending.
	// Zero disables the check.
	MaxOptimisticLayers int `yaml:"max_optimistic_layers"`
}

// StoreChecker judges a store by how many of its live queries are failing.
type StoreChecker struct {
	source StatsSource
	config StoreCheckerConfig
}

// NewStoreChecker returns a checker over source. Out-of-range ratios fall
// back to the defaults.
func NewStoreChecker(source StatsSource, config StoreCheckerConfig) *StoreChecker {
	if config.DegradedErrorRatio <= 0 || config.DegradedErrorRatio > 1 {
		config.DegradedErrorRatio = 0.1
	}
	if config.UnhealthyErrorRatio <= 0 || config.UnhealthyErrorRatio > 1 {
		config.UnhealthyErrorRatio = 0.5
	}
	if config.UnhealthyErrorRatio < config.DegradedErrorRatio {
		config.UnhealthyErrorRatio = config.DegradedErrorRatio
	}
	return &StoreChecker{source: source, config: config}
}

// Name implements Checker.
func (c *StoreChecker) Name() string { return "store" }

// Check implements Checker.
func (c *StoreChecker) Check(ctx context.Context) Result {
	if err := ctx.Err(); err != nil {
		return Unhealthy("context cancelled", err)
	}

	s := c.source.Stats()
	var ratio float64
	if s.LiveQueries > 0 {
		ratio = float64(s.ErroredQueries) / float64(s.LiveQueries)
	}
	details := map[string]any{
		"live_queries":       s.LiveQueries,
		"errored_queries":    s.ErroredQueries,
		"error_ratio":        ratio,
		"keys":               s.Keys,
		"truth_entries":      s.TruthEntries,
		"optimistic_layers":  s.OptimisticLayers,
		"optimistic_entries": s.OptimisticEntries,
		"mocks":              s.Mocks,
	}

	var r Result
	switch {
	case s.ErroredQueries > 0 && ratio >= c.config.UnhealthyErrorRatio:
		r = Unhealthy(fmt.Sprintf("%d of %d live queries failing", s.ErroredQueries, s.LiveQueries), nil)
	case s.ErroredQueries > 0 && ratio >= c.config.DegradedErrorRatio:
		r = Degraded(fmt.Sprintf("%d of %d live queries failing", s.ErroredQueries, s.LiveQueries))
	case c.config.MaxOptimisticLayers > 0 && s.OptimisticLayers > c.config.MaxOptimisticLayers:
		r = Degraded(fmt.Sprintf("%d optimistic layers pending", s.OptimisticLayers))
	default:
		r = Healthy(fmt.Sprintf("%d live queries", s.LiveQueries))
	}
	return r.WithDetails(details)
}

var _ Checker = (*StoreChecker)(nil)
