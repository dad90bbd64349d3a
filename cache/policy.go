package cache

import (
	"fmt"
	"time"
)

// Policy configures how long idle queries stay warm and how eagerly a
// subscribe refetches.
type Policy struct {
	// KeepWarm is how long a query with no subscribers keeps its cached
	// value and registration. If zero, the query is torn down as soon as
	// its last subscriber leaves.
	KeepWarm time.Duration `yaml:"keep_warm"`

	// MaxKeepWarm caps per-query KeepWarm overrides. If zero, no maximum
	// is enforced.
	MaxKeepWarm time.Duration `yaml:"max_keep_warm"`

	// DedupeInterval is how long a loaded value is considered fresh. A
	// subscribe that finds a fresh value does not refetch.
	DedupeInterval time.Duration `yaml:"dedupe_interval"`
}

// DefaultPolicy returns the default policy.
// KeepWarm: 5 minutes, MaxKeepWarm: 1 hour, DedupeInterval: 2 seconds
func DefaultPolicy() Policy {
	return Policy{
		KeepWarm:       5 * time.Minute,
		MaxKeepWarm:    1 * time.Hour,
		DedupeInterval: 2 * time.Second,
	}
}

// EvictImmediatelyPolicy tears queries down with their last subscriber
// and always refetches on subscribe.
func EvictImmediatelyPolicy() Policy {
	return Policy{}
}

// ShouldKeepWarm returns true if idle queries are retained at all.
func (p Policy) ShouldKeepWarm() bool {
	return p.KeepWarm > 0
}

// EffectiveKeepWarm returns the keep-warm duration to use for one query,
// applying the default and clamping to MaxKeepWarm.
func (p Policy) EffectiveKeepWarm(override time.Duration) time.Duration {
	d := override
	if d <= 0 {
		d = p.KeepWarm
	}
	if p.MaxKeepWarm > 0 && d > p.MaxKeepWarm {
		d = p.MaxKeepWarm
	}
	return d
}

// IsFresh reports whether e was loaded within DedupeInterval of now.
func (p Policy) IsFresh(e *Entry, now time.Time) bool {
	if !e.Loaded() || p.DedupeInterval <= 0 {
		return false
	}
	return e.Age(now) < p.DedupeInterval
}

// Validate checks the policy for negative or inconsistent durations.
func (p Policy) Validate() error {
	if p.KeepWarm < 0 || p.MaxKeepWarm < 0 || p.DedupeInterval < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalidPolicy)
	}
	if p.MaxKeepWarm > 0 && p.KeepWarm > p.MaxKeepWarm {
		return fmt.Errorf("%w: keep_warm %v exceeds max_keep_warm %v", ErrInvalidPolicy, p.KeepWarm, p.MaxKeepWarm)
	}
	return nil
}
