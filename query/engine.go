package query

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/jonwraymond/objectcache/cache"
	"github.com/jonwraymond/objectcache/canonical"
	"github.com/jonwraymond/objectcache/filter"
	"github.com/jonwraymond/objectcache/objectset"
	"github.com/jonwraymond/objectcache/observe"
	"github.com/jonwraymond/objectcache/ontology"
	"github.com/jonwraymond/objectcache/remote"
)

// Fetch operation names, used in spans, logs and FetchError.
const (
	opFetch      = "fetch"
	opFetchMore  = "fetchMore"
	opRevalidate = "revalidate"
)

// DefaultPageSize is the page size used when no subscriber asks for one.
const DefaultPageSize = 50

// Config configures an Engine.
type Config struct {
	// Policy controls keep-warm teardown and fetch dedupe.
	Policy cache.Policy

	// PageSize is the default list page size.
	PageSize int

	// Development turns filter invariant violations into logged errors
	// instead of silently degrading.
	Development bool

	// Streams, when set, serves list queries that ask for stream updates.
	Streams remote.StreamSubscriber

	// Middleware wraps every remote fetch. Nil means no instrumentation.
	Middleware *observe.Middleware
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Policy:   cache.DefaultPolicy(),
		PageSize: DefaultPageSize,
	}
}

// Engine creates, deduplicates and disposes live queries.
//
// Contract:
// - Concurrency: safe for concurrent use.
// - Identity: equal query options resolve to the same query instance for
// as long as it is live.
// - Lifecycle: Close cancels in-flight fetches and waits for background
// work started by the engine.
type Engine struct {
	store    *cache.Store
	client   remote.Client
	defs     *ontology.Registry
	canon    *canonical.Canonicalizers
	analyzer *objectset.Analyzer
	objects  *ObjectCacheKeyRegistry
	streams  remote.StreamSubscriber
	policy   cache.Policy
	pageSize int
	eval     filter.Evaluator
	mw       *observe.Middleware
	logger   observe.Logger

	flight singleflight.Group
	ctx    context.Context
	cancel context.CancelFunc

	bgMu   sync.Mutex
	bg     sync.WaitGroup
	closed bool

	// mu serializes query creation and disposal and guards lifecycle
	// fields.
	mu sync.Mutex
}

// NewEngine creates an engine over store, fetching through client.
func NewEngine(store *cache.Store, client remote.Client, defs *ontology.Registry, cfg Config) (*Engine, error) {
	if store == nil || client == nil || defs == nil {
		return nil, fmt.Errorf("%w: store, client and definitions are required", ErrInvalidOptions)
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	mw := cfg.Middleware
	if mw == nil {
		mw = observe.NopMiddleware()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:    store,
		client:   client,
		defs:     defs,
		canon:    canonical.NewCanonicalizers(),
		analyzer: objectset.NewAnalyzer(defs),
		objects:  NewObjectCacheKeyRegistry(),
		streams:  cfg.Streams,
		policy:   cfg.Policy,
		pageSize: cfg.PageSize,
		eval:     filter.Evaluator{Development: cfg.Development},
		mw:       mw,
		logger:   mw.Logger(),
		ctx:      ctx,
		cancel:   cancel,
	}
	store.OnKeyDropped(func(k *cache.CacheKey) {
		if k.Kind() == cache.KindObject {
			e.objects.Unregister(k)
		}
	})
	return e, nil
}

// Store returns the engine's store.
func (e *Engine) Store() *cache.Store { return e.store }

// Definitions returns the definition registry.
func (e *Engine) Definitions() *ontology.Registry { return e.defs }

// Canonicalizers returns the canonicalizers used to build keys.
func (e *Engine) Canonicalizers() *canonical.Canonicalizers { return e.canon }

// ObjectKeys returns the object variant registry.
func (e *Engine) ObjectKeys() *ObjectCacheKeyRegistry { return e.objects }

// Logger returns the engine's logger.
func (e *Engine) Logger() observe.Logger { return e.logger }

// Close cancels in-flight fetches and waits for background work.
func (e *Engine) Close() error {
	e.bgMu.Lock()
	if e.closed {
		e.bgMu.Unlock()
		return nil
	}
	e.closed = true
	e.bgMu.Unlock()

	for _, q := range e.store.Queries() {
		if lq, ok := q.(liveQuery); ok && lq.life().engine == e {
			e.disposeQuery(lq, true)
		}
	}
	e.cancel()
	e.bg.Wait()
	return nil
}

func (e *Engine) isClosed() bool {
	e.bgMu.Lock()
	defer e.bgMu.Unlock()
	return e.closed
}

// background runs fn on its own goroutine under the engine context.
func (e *Engine) background(fn func(ctx context.Context)) {
	e.bgMu.Lock()
	if e.closed {
		e.bgMu.Unlock()
		return
	}
	e.bg.Add(1)
	e.bgMu.Unlock()

	go func() {
		defer e.bg.Done()
		fn(e.ctx)
	}()
}

// liveQuery is implemented by every query kind.
type liveQuery interface {
	cache.Query
	life() *lifecycle
	observers() int
	start()
	teardown()
	fail(err error)
}

// getOrCreate returns the query registered for the key, creating and
// starting it if there is none. A pinned query cannot be disposed until
// unpin is called.
func getOrCreate[Q liveQuery](e *Engine, kind cache.KeyKind, typ string, parts []any, pin bool, create func(*cache.CacheKey) Q) (Q, error) {
	var zero Q
	if e.isClosed() {
		return zero, ErrEngineClosed
	}
	key, err := e.store.Keys().Acquire(kind, typ, parts...)
	if err != nil {
		return zero, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	q, created := e.store.GetOrCreateQuery(key, func() cache.Query { return create(key) })
	if !created {
		// The live query already holds the key.
		e.store.Release(key)
	}
	typed, ok := q.(Q)
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrKindMismatch, key)
	}
	if created {
		typed.start()
		typed.life().logger.Debug(e.ctx, "query created")
	}
	if pin {
		typed.life().pins++
	}
	return typed, nil
}

// unpin drops a pin taken by getOrCreate. A query left without
// subscribers starts its keep-warm timer. With no keep-warm it waits for
// its first subscriber to leave instead, so a caller that was handed the
// query can still subscribe to it.
func (e *Engine) unpin(q liveQuery) {
	l := q.life()
	e.mu.Lock()
	l.pins--
	idle := l.pins == 0 && !l.disposed && q.observers() == 0
	e.mu.Unlock()
	if !idle {
		return
	}
	if d := e.policy.EffectiveKeepWarm(l.keepWarm); d > 0 {
		l.arm(d)
	}
}

// dispose unregisters q and releases its key unless it gained a
// subscriber or a pin in the meantime.
func (e *Engine) dispose(q liveQuery) bool {
	return e.disposeQuery(q, false)
}

func (e *Engine) disposeQuery(q liveQuery, force bool) bool {
	l := q.life()
	e.mu.Lock()
	if l.disposed || (!force && (l.pins > 0 || q.observers() > 0)) {
		e.mu.Unlock()
		return false
	}
	l.disposed = true
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	e.store.RemoveQuery(q)
	e.mu.Unlock()

	q.teardown()
	e.store.Release(l.key)
	l.logger.Debug(e.ctx, "query disposed")
	return true
}

// fetch runs fn once per key at a time. Callers arriving while a fetch
// is in flight wait for it instead of starting another. The fetch itself
// is detached from the caller's cancellation and only stops when the
// engine closes, so a late result still lands in the store.
func (e *Engine) fetch(ctx context.Context, q liveQuery, op string, fn func(context.Context) error) error {
	l := q.life()
	ch := e.flight.DoChan(l.flightKey, func() (any, error) {
		fctx, stop := context.WithCancel(context.WithoutCancel(ctx))
		defer stop()
		unlink := context.AfterFunc(e.ctx, stop)
		defer unlink()

		e.markLoading(l.key)

		meta := l.meta
		meta.Op = op
		err := e.mw.Do(fctx, meta, fn)
		if err != nil {
			ferr := &FetchError{Key: l.key, Op: op, Err: err}
			_ = e.store.Batch(cache.BatchOptions{}, func(tx *cache.Tx) error {
				tx.SetError(l.key, ferr)
				return nil
			})
			q.fail(ferr)
			return nil, ferr
		}
		return nil, nil
	})

	select {
	case r := <-ch:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// markLoading flags the key as loading, keeping any value it has.
func (e *Engine) markLoading(key *cache.CacheKey) {
	_ = e.store.Batch(cache.BatchOptions{}, func(tx *cache.Tx) error {
		prev := tx.Get(key)
		if prev == nil {
			tx.Set(key, nil, cache.StatusLoading)
			return nil
		}
		if prev.Status == cache.StatusLoading {
			return nil
		}
		tx.Put(&cache.Entry{
			CacheKey:      key,
			Value:         prev.Value,
			Status:        cache.StatusLoading,
			LastUpdated:   prev.LastUpdated,
			DebugMetadata: prev.DebugMetadata,
		})
		return nil
	})
}

// shouldFetch reports whether key needs a fetch: always when forced,
// otherwise only if its confirmed value is missing or stale.
func (e *Engine) shouldFetch(key *cache.CacheKey, force bool) bool {
	if force {
		return true
	}
	return !e.policy.IsFresh(e.store.GetTruth(key), e.store.Now())
}

// acquireObjectKey interns and retains the key for one object variant and
// registers it with the variant registry.
func (e *Engine) acquireObjectKey(apiName string, pk any, rdp *canonical.Canonical[objectset.DerivedProperties]) (*cache.CacheKey, error) {
	key, err := e.store.Keys().Acquire(cache.KindObject, apiName, pk, rdp)
	if err != nil {
		return nil, err
	}
	e.objects.Register(apiName, pk, key, rdp.Value().Names())
	return key, nil
}

// WriteObject stores obj under key inside tx and propagates the change:
// sibling variants holding a value are reconciled, and live lists drop or
// pick up the object according to their filters. A nil obj marks the
// object deleted.
func (e *Engine) WriteObject(tx *cache.Tx, key *cache.CacheKey, obj *ontology.Object) {
	tx.Set(key, obj, cache.StatusLoaded)

	ref := refOf(key)
	srcFields, _ := e.objects.Fields(key)
	for _, v := range e.objects.Variants(ref) {
		if v.Key == key {
			continue
		}
		prev := tx.Get(v.Key)
		if prev == nil {
			continue
		}
		if obj == nil {
			tx.Set(v.Key, nil, cache.StatusLoaded)
			continue
		}
		tx.Set(v.Key, ReconcileRdpFields(obj, srcFields, v.Fields, objectOf(prev)), cache.StatusLoaded)
	}

	e.maintainLists(tx, ref, obj)
}

// ObjectKey returns the plain (no derived properties) key for ref,
// retaining it. Callers must release it with Store().Release.
func (e *Engine) ObjectKey(ref ontology.ObjectRef) (*cache.CacheKey, error) {
	if _, err := e.defs.ObjectType(ref.ApiName); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnknownType, err)
	}
	return e.acquireObjectKey(ref.ApiName, ref.PrimaryKey, nil)
}

// RemoveObjects deletes refs from every live list and marks every cached
// variant of them deleted, in one batch on the given layer.
func (e *Engine) RemoveObjects(layer cache.LayerID, refs []ontology.ObjectRef) error {
	if len(refs) == 0 {
		return nil
	}
	return e.store.Batch(cache.BatchOptions{Layer: layer}, func(tx *cache.Tx) error {
		for _, ref := range refs {
			e.RemoveObject(tx, ref)
		}
		return nil
	})
}

// RemoveObject marks every cached variant of ref deleted inside tx and
// drops it from live lists.
func (e *Engine) RemoveObject(tx *cache.Tx, ref ontology.ObjectRef) {
	for _, v := range e.objects.Variants(ref) {
		if tx.Get(v.Key) != nil {
			tx.Set(v.Key, nil, cache.StatusLoaded)
		}
	}
	e.maintainLists(tx, ref, nil)
}

// IngestObject loads ref and writes it under its plain key so that live
// lists whose filter it matches pick it up. The key is only kept while
// some query holds it.
func (e *Engine) IngestObject(ctx context.Context, ref ontology.ObjectRef) error {
	key, err := e.ObjectKey(ref)
	if err != nil {
		return err
	}
	defer e.store.Release(key)
	return e.refreshVariant(ctx, ref, Variant{Key: key})
}

// InvalidateObject refetches every cached variant of ref. Variants owned
// by a live ObjectQuery revalidate through it; variants held only by
// lists are refetched directly. Cached values stay visible until the
// refetch lands.
func (e *Engine) InvalidateObject(ctx context.Context, ref ontology.ObjectRef) error {
	var errs []error
	for _, v := range e.objects.Variants(ref) {
		e.mw.Metrics().RecordInvalidation(ctx, observe.QueryMeta{Kind: string(cache.KindObject), Type: ref.ApiName, Key: v.Key.String()})
		if q := e.store.LookupQuery(v.Key); q != nil {
			if err := q.Revalidate(ctx, true); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if err := e.refreshVariant(ctx, ref, v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) refreshVariant(ctx context.Context, ref ontology.ObjectRef, v Variant) error {
	var rdp objectset.DerivedProperties
	if c, ok := v.Key.Part(1).(*canonical.Canonical[objectset.DerivedProperties]); ok {
		rdp = c.Value()
	}
	meta := observe.QueryMeta{Kind: string(cache.KindObject), Type: ref.ApiName, Key: v.Key.String(), Op: opRevalidate}
	return e.mw.Do(ctx, meta, func(ctx context.Context) error {
		obj, err := e.client.LoadObject(ctx, remote.LoadObjectRequest{
			ApiName:           ref.ApiName,
			PrimaryKey:        ref.PrimaryKey,
			DerivedProperties: rdp,
		})
		if errors.Is(err, remote.ErrNotFound) {
			obj, err = nil, nil
		}
		if err != nil {
			return err
		}
		return e.store.Batch(cache.BatchOptions{}, func(tx *cache.Tx) error {
			e.WriteObject(tx, v.Key, obj)
			return nil
		})
	})
}

// InvalidateObjectType revalidates every live query that depends on
// objects of apiName.
func (e *Engine) InvalidateObjectType(ctx context.Context, apiName string) error {
	return e.store.InvalidateObjectType(ctx, apiName)
}

// InvalidateFunction revalidates live function queries for apiName. With
// params set only the query for those parameters is invalidated.
func (e *Engine) InvalidateFunction(ctx context.Context, apiName string, params map[string]any) error {
	if params == nil {
		return e.store.InvalidateQueries(ctx, func(q cache.Query) bool {
			fq, ok := q.(*FunctionQuery)
			return ok && fq.apiName == apiName
		})
	}
	cp, err := e.canon.FunctionParams.Canonicalize(params)
	if err != nil {
		return err
	}
	var errs []error
	for _, k := range e.store.Keys().Keys(cache.KindFunction, apiName) {
		fq, ok := e.store.LookupQuery(k).(*FunctionQuery)
		if ok && fq.params == cp {
			errs = append(errs, e.store.InvalidateCacheKey(ctx, k))
		}
	}
	return errors.Join(errs...)
}

// InvalidateAll revalidates every live query.
func (e *Engine) InvalidateAll(ctx context.Context) error {
	return e.store.InvalidateAll(ctx)
}
