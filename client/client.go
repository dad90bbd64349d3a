package client

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/jonwraymond/objectcache/action"
	"github.com/jonwraymond/objectcache/cache"
	"github.com/jonwraymond/objectcache/health"
	"github.com/jonwraymond/objectcache/observe"
	"github.com/jonwraymond/objectcache/ontology"
	"github.com/jonwraymond/objectcache/query"
	"github.com/jonwraymond/objectcache/remote"
)

// Option customizes New.
type Option func(*options)

type options struct {
	observer observe.Observer
	streams  remote.StreamSubscriber
	store    []cache.Option
}

// WithObserver uses obs instead of building one from Config.Observe. The
// caller keeps ownership: Close does not shut it down.
func WithObserver(obs observe.Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithStreams serves stream updates from s instead of Config.StreamURL.
func WithStreams(s remote.StreamSubscriber) Option {
	return func(o *options) { o.streams = s }
}

// WithStoreOptions passes extra options to the underlying cache.Store.
func WithStoreOptions(opts ...cache.Option) Option {
	return func(o *options) { o.store = append(o.store, opts...) }
}

// Client is a reactive cache over a remote object graph.
//
// Contract:
// - Concurrency: safe for concurrent use.
// - Lifecycle: Close disposes every live query; later observe calls fail.
type Client struct {
	cfg      Config
	observer observe.Observer
	ownsObs  bool
	logger   observe.Logger

	store    *cache.Store
	remote   *remote.ResilientClient
	engine   *query.Engine
	applier  *action.Applier
	checkers *health.Aggregator

	closed atomic.Bool
}

// New builds a Client over transport. defs must hold every object type,
// interface and function the Client will be asked about.
func New(ctx context.Context, cfg Config, transport remote.Client, defs *ontology.Registry, opts ...Option) (*Client, error) {
	if transport == nil || defs == nil {
		return nil, fmt.Errorf("%w: transport and definitions are required", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{cfg: cfg, observer: o.observer}
	if c.observer == nil {
		obs, err := observe.NewObserver(ctx, cfg.Observe)
		if err != nil {
			return nil, fmt.Errorf("client: observer: %w", err)
		}
		c.observer, c.ownsObs = obs, true
	}
	mw, err := observe.MiddlewareFromObserver(c.observer)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("client: metrics: %w", err), c.shutdownObserver(ctx))
	}
	c.logger = mw.Logger()

	c.store = cache.NewStore(append([]cache.Option{
		cache.WithLogger(c.logger),
		cache.WithMetrics(mw.Metrics()),
	}, o.store...)...)

	c.remote, err = remote.NewResilientClient(transport, cfg.Resilience, remote.WithResilienceLogger(c.logger))
	if err != nil {
		return nil, errors.Join(fmt.Errorf("%w: %w", ErrInvalidConfig, err), c.shutdownObserver(ctx))
	}

	streams := o.streams
	if streams == nil && cfg.StreamURL != "" {
		streams = remote.NewWebsocketStreams(cfg.StreamURL, remote.WithStreamLogger(c.logger))
	}

	c.engine, err = query.NewEngine(c.store, c.remote, defs, query.Config{
		Policy:      cfg.Policy,
		PageSize:    cfg.PageSize,
		Development: cfg.Development,
		Streams:     streams,
		Middleware:  mw,
	})
	if err != nil {
		return nil, errors.Join(err, c.shutdownObserver(ctx))
	}
	c.applier = action.NewApplier(c.engine, c.remote, c.logger)

	c.checkers = health.NewAggregator()
	c.checkers.Register("store", health.NewStoreChecker(c.store, cfg.Health))
	c.checkers.Register("remote", health.NewBreakerChecker(c.remote))

	c.logger.Debug(ctx, "client started",
		observe.F("page_size", cfg.PageSize),
		observe.F("streams", streams != nil))
	return c, nil
}

// Store returns the underlying store.
func (c *Client) Store() *cache.Store { return c.store }

// Engine returns the underlying query engine.
func (c *Client) Engine() *query.Engine { return c.engine }

// ObserveObject subscribes o to one object.
func (c *Client) ObserveObject(apiName string, pk any, opts query.ObjectOptions, o cache.Observer[query.ObjectPayload]) (*query.ObjectQuery, *cache.Subscription, error) {
	return c.engine.ObserveObject(apiName, pk, opts, o)
}

// ObserveList subscribes o to a list of objects or interface implementers.
func (c *Client) ObserveList(opts query.ListOptions, o cache.Observer[query.ListPayload]) (*query.ListQuery, *cache.Subscription, error) {
	return c.engine.ObserveList(opts, o)
}

// ObserveLinks subscribes o to the objects linked from source through link.
func (c *Client) ObserveLinks(source ontology.ObjectRef, link string, opts query.LinksOptions, o cache.Observer[query.ListPayload]) (*query.ListQuery, *cache.Subscription, error) {
	return c.engine.ObserveLinks(source, link, opts, o)
}

// ObserveFunction subscribes o to one function execution.
func (c *Client) ObserveFunction(opts query.FunctionOptions, o cache.Observer[query.FunctionPayload]) (*query.FunctionQuery, *cache.Subscription, error) {
	return c.engine.ObserveFunction(opts, o)
}

// ApplyAction runs an action. See action.Applier.Apply.
func (c *Client) ApplyAction(ctx context.Context, def ontology.ActionDefinition, args any, opts action.Options) (*remote.ActionResult, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	return c.applier.Apply(ctx, def, args, opts)
}

// InvalidateObject refetches every cached variant of ref.
func (c *Client) InvalidateObject(ctx context.Context, ref ontology.ObjectRef) error {
	return c.engine.InvalidateObject(ctx, ref)
}

// InvalidateObjectType revalidates every live query that depends on
// objects of apiName.
func (c *Client) InvalidateObjectType(ctx context.Context, apiName string) error {
	return c.engine.InvalidateObjectType(ctx, apiName)
}

// InvalidateFunction revalidates executions of apiName. Nil params
// matches every execution.
func (c *Client) InvalidateFunction(ctx context.Context, apiName string, params map[string]any) error {
	return c.engine.InvalidateFunction(ctx, apiName, params)
}

// InvalidateAll revalidates every live query.
func (c *Client) InvalidateAll(ctx context.Context) error {
	return c.engine.InvalidateAll(ctx)
}

// Mock serves values for keys ahead of real data until RemoveMock. It
// returns the mock id, generated when id is empty.
func (c *Client) Mock(id string, values map[*cache.CacheKey]any) string {
	return c.store.Mock(id, values)
}

// MockObjects mocks the plain cache entries of objs.
func (c *Client) MockObjects(id string, objs ...*ontology.Object) (string, error) {
	values := make(map[*cache.CacheKey]any, len(objs))
	for _, obj := range objs {
		if obj == nil {
			c.releaseAll(values)
			return "", fmt.Errorf("%w: nil object", query.ErrInvalidOptions)
		}
		key, err := c.engine.ObjectKey(obj.Ref())
		if err != nil {
			c.releaseAll(values)
			return "", err
		}
		values[key] = obj
	}
	id = c.store.Mock(id, values)
	c.releaseAll(values)
	return id, nil
}

func (c *Client) releaseAll(values map[*cache.CacheKey]any) {
	for k := range values {
		c.store.Release(k)
	}
}

// RemoveMock drops a mock.
func (c *Client) RemoveMock(ctx context.Context, id string) error {
	return c.store.RemoveMock(ctx, id)
}

// Stats returns store counters.
func (c *Client) Stats() cache.Stats { return c.store.Stats() }

// Health runs the store and transport checks.
func (c *Client) Health(ctx context.Context) health.Result {
	return c.checkers.Checker().Check(ctx)
}

// Close disposes every live query and shuts down an observer the Client
// built itself. It is safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := errors.Join(c.engine.Close(), c.shutdownObserver(ctx))
	c.logger.Debug(ctx, "client closed", observe.Err(err))
	return err
}

func (c *Client) shutdownObserver(ctx context.Context) error {
	if !c.ownsObs {
		return nil
	}
	return c.observer.Shutdown(ctx)
}
