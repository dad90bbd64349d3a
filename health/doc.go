// Package health reports whether an object cache is serving well.
//
// A Checker inspects one component and returns a Result with a Status of
// Healthy, Degraded or Unhealthy. Two checkers cover the cache itself:
//
//   - StoreChecker reads cache.Store statistics and degrades when too many
//     live queries sit in the error state or optimistic layers pile up.
//   - BreakerChecker reads a remote.ResilientClient and reports the
//     circuit breaker and bulkhead state.
//
// # Aggregating
//
// An Aggregator runs several checkers under one timeout and folds their
// results into an overall Status:
//
//	agg := health.NewAggregator()
//	agg.Register("store", health.NewStoreChecker(store, health.StoreCheckerConfig{}))
//	agg.Register("remote", health.NewBreakerChecker(resilient))
//
//	results := agg.CheckAll(ctx)
//	overall := health.OverallStatus(results)
//
// The aggregate can itself be registered elsewhere through
// Aggregator.Checker.
package health
