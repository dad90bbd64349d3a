package health

import (
	"context"
	"testing"

	"github.com/jonwraymond/objectcache/cache"
)

type statsFunc func() cache.Stats

func (f statsFunc) Stats() cache.Stats { return f() }

func TestStoreChecker(t *testing.T) {
	tests := []struct {
		name   string
		config StoreCheckerConfig
		stats  cache.Stats
		want   Status
	}{
		{"idle", StoreCheckerConfig{}, cache.Stats{}, StatusHealthy},
		{"few errors", StoreCheckerConfig{}, cache.Stats{LiveQueries: 20, ErroredQueries: 1}, StatusHealthy},
		{"degraded ratio", StoreCheckerConfig{}, cache.Stats{LiveQueries: 10, ErroredQueries: 2}, StatusDegraded},
		{"unhealthy ratio", StoreCheckerConfig{}, cache.Stats{LiveQueries: 4, ErroredQueries: 2}, StatusUnhealthy},
		{"custom thresholds", StoreCheckerConfig{DegradedErrorRatio: 0.01, UnhealthyErrorRatio: 0.04}, cache.Stats{LiveQueries: 50, ErroredQueries: 2}, StatusUnhealthy},
		{"layers pile up", StoreCheckerConfig{MaxOptimisticLayers: 2}, cache.Stats{OptimisticLayers: 3}, StatusDegraded},
		{"layers unchecked", StoreCheckerConfig{}, cache.Stats{OptimisticLayers: 30}, StatusHealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewStoreChecker(statsFunc(func() cache.Stats { return tt.stats }), tt.config)
			r := c.Check(context.Background())
			if r.Status != tt.want {
				t.Errorf("Status = %v, want %v (%s)", r.Status, tt.want, r.Message)
			}
			if r.Details["live_queries"] != tt.stats.LiveQueries {
				t.Errorf("Details[live_queries] = %v, want %v", r.Details["live_queries"], tt.stats.LiveQueries)
			}
		})
	}
}

func TestStoreChecker_ConfigDefaults(t *testing.T) {
	c := NewStoreChecker(cache.NewStore(), StoreCheckerConfig{DegradedErrorRatio: 0.6, UnhealthyErrorRatio: 2})
	if c.config.UnhealthyErrorRatio != 0.6 {
		t.Errorf("UnhealthyErrorRatio = %v, want clamped to 0.6", c.config.UnhealthyErrorRatio)
	}
	if c.Name() != "store" {
		t.Errorf("Name() = %v, want store", c.Name())
	}
}

func TestStoreChecker_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := NewStoreChecker(cache.NewStore(), StoreCheckerConfig{}).Check(ctx)
	if r.Status != StatusUnhealthy {
		t.Errorf("Status = %v, want unhealthy", r.Status)
	}
}
