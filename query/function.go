package query

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jonwraymond/objectcache/cache"
	"github.com/jonwraymond/objectcache/canonical"
	"github.com/jonwraymond/objectcache/remote"
)

// FunctionOptions configures a function query.
type FunctionOptions struct {
	ApiName string
	Version string
	Params  map[string]any

	// Dependencies are the object types whose changes make the result
	// stale. They are fixed by the first query created for a key.
	Dependencies []string

	KeepWarm time.Duration
}

// FunctionQuery is a live query for one function execution.
type FunctionQuery struct {
	lifecycle

	apiName string
	version string
	params  *canonical.Canonical[map[string]any]
	deps    []string

	subject *cache.Subject[FunctionPayload]
	pub     coalescer

	mu      sync.Mutex
	unwatch func()
	last    *cache.Entry
}

var _ cache.Query = (*FunctionQuery)(nil)

// Function returns the live query for opts, creating it if needed.
func (e *Engine) Function(opts FunctionOptions) (*FunctionQuery, error) {
	q, err := e.function(opts)
	if err != nil {
		return nil, err
	}
	e.unpin(q)
	return q, nil
}

// ObserveFunction subscribes o to a function result.
func (e *Engine) ObserveFunction(opts FunctionOptions, o cache.Observer[FunctionPayload]) (*FunctionQuery, *cache.Subscription, error) {
	q, err := e.function(opts)
	if err != nil {
		return nil, nil, err
	}
	sub := q.Subscribe(o)
	e.unpin(q)
	return q, sub, nil
}

func (e *Engine) function(opts FunctionOptions) (*FunctionQuery, error) {
	def, err := e.defs.Query(opts.ApiName)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnknownFunction, err)
	}
	version := opts.Version
	if version == "" {
		version = def.Version
	}
	params, err := e.canon.FunctionParams.Canonicalize(opts.Params)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}

	return getOrCreate(e, cache.KindFunction, opts.ApiName, []any{params, version}, true, func(key *cache.CacheKey) *FunctionQuery {
		q := &FunctionQuery{
			apiName: opts.ApiName,
			version: version,
			params:  params,
			deps:    slices.Clone(opts.Dependencies),
		}
		q.init(e, key, q, opts.KeepWarm)
		q.subject = cache.NewSubject[FunctionPayload](q.activate, q.idle)
		return q
	})
}

// Subscribe adds o. The current payload, if any, is replayed to it.
func (q *FunctionQuery) Subscribe(o cache.Observer[FunctionPayload]) *cache.Subscription {
	return q.subject.Subscribe(o)
}

// Payload returns the most recently published payload.
func (q *FunctionQuery) Payload() (FunctionPayload, bool) {
	return q.subject.Last()
}

// Invalidates implements cache.Query.
func (q *FunctionQuery) Invalidates(apiName string) bool {
	return slices.Contains(q.deps, apiName)
}

// Revalidate executes the function unless its cached result is still
// fresh. force always executes.
func (q *FunctionQuery) Revalidate(ctx context.Context, force bool) error {
	e := q.engine
	if !e.shouldFetch(q.key, force) {
		return nil
	}
	op := opFetch
	if force {
		op = opRevalidate
	}
	return e.fetch(ctx, q, op, func(ctx context.Context) error {
		result, err := e.client.ExecuteFunction(ctx, remote.ExecuteFunctionRequest{
			ApiName: q.apiName,
			Version: q.version,
			Params:  q.params.Value(),
		})
		if err != nil {
			return err
		}
		return e.store.Set(q.key, result, cache.StatusLoaded)
	})
}

func (q *FunctionQuery) observers() int { return q.subject.Len() }

func (q *FunctionQuery) start() {
	q.mu.Lock()
	q.unwatch = q.engine.store.Watch(q.key, func(*cache.CacheKey, *cache.Entry) { q.publish() })
	q.mu.Unlock()
	q.publish()
}

func (q *FunctionQuery) teardown() {
	q.mu.Lock()
	unwatch := q.unwatch
	q.unwatch = nil
	q.mu.Unlock()
	if unwatch != nil {
		unwatch()
	}
}

func (q *FunctionQuery) fail(err error) { q.subject.Error(err) }

func (q *FunctionQuery) publish() {
	q.pub.run(func() {
		ent := q.engine.store.Get(q.key)
		q.mu.Lock()
		same := ent == q.last
		q.last = ent
		q.mu.Unlock()
		if ent == nil || same {
			return
		}
		q.subject.Next(FunctionPayload{
			Result:      ent.Value,
			Status:      ent.Status,
			LastUpdated: ent.LastUpdated,
			Err:         ent.Err,
		})
	})
}
