package remote

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// ResilienceConfig configures ResilientClient.
type ResilienceConfig struct {
	// MaxAttempts is the number of tries for reads, including the first.
	// Actions are never retried.
	MaxAttempts int `yaml:"max_attempts"`

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration `yaml:"initial_delay"`

	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration `yaml:"max_delay"`

	// Multiplier grows the delay exponentially.
	Multiplier float64 `yaml:"multiplier"`

	// Jitter adds up to 25% random delay.
	Jitter bool `yaml:"jitter"`

	// MaxFailures is the number of consecutive retryable failures that
	// opens the circuit.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long the circuit stays open before a probe.
	ResetTimeout time.Duration `yaml:"reset_timeout"`

	// MaxConcurrent bounds in-flight requests.
	MaxConcurrent int `yaml:"max_concurrent"`

	// MaxWait is how long a request waits for a slot. Zero fails fast.
	MaxWait time.Duration `yaml:"max_wait"`

	// RequestTimeout bounds each attempt. Zero disables it.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DefaultResilienceConfig returns the defaults.
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		MaxAttempts:    3,
		InitialDelay:   100 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2,
		Jitter:         true,
		MaxFailures:    5,
		ResetTimeout:   30 * time.Second,
		MaxConcurrent:  16,
		MaxWait:        time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// Validate checks the configuration.
func (c ResilienceConfig) Validate() error {
	switch {
	case c.MaxAttempts < 1:
		return fmt.Errorf("%w: max_attempts must be at least 1", ErrInvalidConfig)
	case c.InitialDelay < 0, c.MaxDelay < 0, c.ResetTimeout < 0, c.MaxWait < 0, c.RequestTimeout < 0:
		return fmt.Errorf("%w: durations must not be negative", ErrInvalidConfig)
	case c.MaxDelay > 0 && c.InitialDelay > c.MaxDelay:
		return fmt.Errorf("%w: initial_delay exceeds max_delay", ErrInvalidConfig)
	case c.Multiplier < 1:
		return fmt.Errorf("%w: multiplier must be at least 1", ErrInvalidConfig)
	case c.MaxFailures < 1:
		return fmt.Errorf("%w: max_failures must be at least 1", ErrInvalidConfig)
	case c.MaxConcurrent < 1:
		return fmt.Errorf("%w: max_concurrent must be at least 1", ErrInvalidConfig)
	}
	return nil
}

// backoff returns the delay after the given failed attempt.
func (c ResilienceConfig) backoff(attempt int) time.Duration {
	delay := time.Duration(float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt-1)))
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	if c.Jitter && delay >= 4 {
		// #nosec G404 -- jitter is non-cryptographic timing variance.
		delay += time.Duration(rand.Int64N(int64(delay / 4)))
	}
	return delay
}

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type breaker struct {
	maxFailures  int
	resetTimeout time.Duration
	now          func() time.Time
	onChange     func(from, to BreakerState)

	mu          sync.Mutex
	state       BreakerState
	failures    int
	openedAt    time.Time
	probeActive bool
}

func (b *breaker) currentLocked() BreakerState {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.resetTimeout {
		b.transitionLocked(BreakerHalfOpen)
	}
	return b.state
}

func (b *breaker) transitionLocked(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to == BreakerOpen {
		b.openedAt = b.now()
	}
	if to != BreakerHalfOpen {
		b.probeActive = false
	}
	if b.onChange != nil {
		b.onChange(from, to)
	}
}

func (b *breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentLocked() {
	case BreakerOpen:
		return ErrCircuitOpen
	case BreakerHalfOpen:
		if b.probeActive {
			return ErrCircuitOpen
		}
		b.probeActive = true
	}
	return nil
}

// after records an outcome. Only retryable failures count against the
// server; a not-found or a validation failure is a healthy response.
func (b *breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if errors.Is(err, context.Canceled) {
		b.probeActive = false
		return
	}
	failed := IsRetryable(err)
	switch {
	case !failed:
		b.failures = 0
		b.transitionLocked(BreakerClosed)
	case b.state == BreakerHalfOpen:
		b.transitionLocked(BreakerOpen)
	default:
		b.failures++
		if b.failures >= b.maxFailures {
			b.transitionLocked(BreakerOpen)
		}
	}
}

func (b *breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentLocked()
}

type bulkhead struct {
	sem     chan struct{}
	maxWait time.Duration

	mu       sync.Mutex
	active   int
	rejected int64
}

func newBulkhead(n int, maxWait time.Duration) *bulkhead {
	return &bulkhead{sem: make(chan struct{}, n), maxWait: maxWait}
}

func (b *bulkhead) acquire(ctx context.Context) error {
	select {
	case b.sem <- struct{}{}:
		b.track(1)
		return nil
	default:
	}

	if b.maxWait <= 0 {
		b.reject()
		return ErrBulkheadFull
	}

	timer := time.NewTimer(b.maxWait)
	defer timer.Stop()

	select {
	case b.sem <- struct{}{}:
		b.track(1)
		return nil
	case <-timer.C:
		b.reject()
		return ErrBulkheadFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *bulkhead) release() {
	select {
	case <-b.sem:
		b.track(-1)
	default:
	}
}

func (b *bulkhead) track(delta int) {
	b.mu.Lock()
	b.active += delta
	b.mu.Unlock()
}

func (b *bulkhead) reject() {
	b.mu.Lock()
	b.rejected++
	b.mu.Unlock()
}

// withTimeout runs fn under a deadline. fn must honor ctx.
func withTimeout(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	if d <= 0 {
		return fn(ctx)
	}
	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	err := fn(tctx)
	if err != nil && errors.Is(tctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w after %s: %w", ErrTimeout, d, err)
	}
	return err
}
