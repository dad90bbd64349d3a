package remote

import (
	"context"
	"errors"
	"time"

	"github.com/jonwraymond/objectcache/observe"
	"github.com/jonwraymond/objectcache/ontology"
)

// ResilientClient wraps a Client. Each call passes a bulkhead, then the
// circuit breaker, then a retry loop whose attempts each run under the
// request timeout. Reads are retried on retryable errors; actions are
// attempted once because they are not idempotent.
type ResilientClient struct {
	next     Client
	cfg      ResilienceConfig
	breaker  *breaker
	bulkhead *bulkhead
	logger   observe.Logger
}

// ResilientOption configures a ResilientClient.
type ResilientOption func(*ResilientClient)

// WithResilienceLogger sets the logger for retries and breaker changes.
func WithResilienceLogger(l observe.Logger) ResilientOption {
	return func(c *ResilientClient) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithBreakerClock overrides the breaker's clock.
func WithBreakerClock(now func() time.Time) ResilientOption {
	return func(c *ResilientClient) {
		if now != nil {
			c.breaker.now = now
		}
	}
}

// NewResilientClient wraps next.
func NewResilientClient(next Client, cfg ResilienceConfig, opts ...ResilientOption) (*ResilientClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &ResilientClient{
		next:     next,
		cfg:      cfg,
		bulkhead: newBulkhead(cfg.MaxConcurrent, cfg.MaxWait),
		logger:   observe.NopLogger(),
		breaker: &breaker{
			maxFailures:  cfg.MaxFailures,
			resetTimeout: cfg.ResetTimeout,
			now:          time.Now,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker.onChange = func(from, to BreakerState) {
		c.logger.Warn(context.Background(), "circuit breaker state changed",
			observe.F("from", from.String()), observe.F("to", to.String()))
	}
	return c, nil
}

// ResilienceStats is a snapshot of the client's protection state.
type ResilienceStats struct {
	Breaker  BreakerState
	Active   int
	Rejected int64
}

// Stats returns the current breaker state and bulkhead usage.
func (c *ResilientClient) Stats() ResilienceStats {
	c.bulkhead.mu.Lock()
	active, rejected := c.bulkhead.active, c.bulkhead.rejected
	c.bulkhead.mu.Unlock()
	return ResilienceStats{Breaker: c.breaker.State(), Active: active, Rejected: rejected}
}

// LoadObject implements Client.
func (c *ResilientClient) LoadObject(ctx context.Context, req LoadObjectRequest) (*ontology.Object, error) {
	return call(ctx, c, "loadObject", true, func(ctx context.Context) (*ontology.Object, error) {
		return c.next.LoadObject(ctx, req)
	})
}

// LoadObjects implements Client.
func (c *ResilientClient) LoadObjects(ctx context.Context, req LoadObjectsRequest) (*LoadObjectsResponse, error) {
	return call(ctx, c, "loadObjects", true, func(ctx context.Context) (*LoadObjectsResponse, error) {
		return c.next.LoadObjects(ctx, req)
	})
}

// ApplyAction implements Client.
func (c *ResilientClient) ApplyAction(ctx context.Context, req ApplyActionRequest) (*ActionResult, error) {
	return call(ctx, c, "applyAction", false, func(ctx context.Context) (*ActionResult, error) {
		return c.next.ApplyAction(ctx, req)
	})
}

// BatchApplyAction implements Client.
func (c *ResilientClient) BatchApplyAction(ctx context.Context, req BatchApplyActionRequest) (*ActionResult, error) {
	return call(ctx, c, "batchApplyAction", false, func(ctx context.Context) (*ActionResult, error) {
		return c.next.BatchApplyAction(ctx, req)
	})
}

// ExecuteFunction implements Client.
func (c *ResilientClient) ExecuteFunction(ctx context.Context, req ExecuteFunctionRequest) (any, error) {
	return call(ctx, c, "executeFunction", true, func(ctx context.Context) (any, error) {
		return c.next.ExecuteFunction(ctx, req)
	})
}

func call[T any](ctx context.Context, c *ResilientClient, op string, idempotent bool, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := c.execute(ctx, op, idempotent, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (c *ResilientClient) execute(ctx context.Context, op string, idempotent bool, fn func(context.Context) error) error {
	if err := c.bulkhead.acquire(ctx); err != nil {
		return err
	}
	defer c.bulkhead.release()

	if err := c.breaker.before(); err != nil {
		return err
	}
	err := c.retry(ctx, op, idempotent, fn)
	c.breaker.after(err)
	return err
}

func (c *ResilientClient) retry(ctx context.Context, op string, idempotent bool, fn func(context.Context) error) error {
	attempts := 1
	if idempotent {
		attempts = c.cfg.MaxAttempts
	}

	for attempt := 1; ; attempt++ {
		err := withTimeout(ctx, c.cfg.RequestTimeout, fn)
		if err == nil || attempt >= attempts || !IsRetryable(err) {
			return err
		}

		delay := c.cfg.backoff(attempt)
		c.logger.Warn(ctx, "retrying remote call",
			observe.F("op", op),
			observe.F("attempt", attempt),
			observe.F("delay_ms", delay.Milliseconds()),
			observe.Err(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
}

var _ Client = (*ResilientClient)(nil)
