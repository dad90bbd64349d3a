package query

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonwraymond/objectcache/cache"
	"github.com/jonwraymond/objectcache/canonical"
	"github.com/jonwraymond/objectcache/objectset"
	"github.com/jonwraymond/objectcache/ontology"
	"github.com/jonwraymond/objectcache/remote"
)

// ObjectOptions configures an object query.
type ObjectOptions struct {
	// WithProperties requests derived properties alongside the object's
	// own. Each distinct set is cached under its own key.
	WithProperties objectset.DerivedProperties

	// KeepWarm overrides the policy's keep-warm duration.
	KeepWarm time.Duration
}

// ObjectQuery is a live query for one object.
type ObjectQuery struct {
	lifecycle

	apiName string
	pk      any
	rdp     *canonical.Canonical[objectset.DerivedProperties]

	// analysis covers the types the derived properties read through. Nil
	// for the plain object.
	analysis *objectset.Analysis

	subject *cache.Subject[ObjectPayload]
	pub     coalescer

	mu      sync.Mutex
	unwatch func()
	last    *cache.Entry
}

var _ cache.Query = (*ObjectQuery)(nil)

// Object returns the live query for one object, creating it if needed.
// The query fetches when its first subscriber arrives.
func (e *Engine) Object(apiName string, pk any, opts ObjectOptions) (*ObjectQuery, error) {
	q, err := e.object(apiName, pk, opts)
	if err != nil {
		return nil, err
	}
	e.unpin(q)
	return q, nil
}

// ObserveObject subscribes o to one object.
func (e *Engine) ObserveObject(apiName string, pk any, opts ObjectOptions, o cache.Observer[ObjectPayload]) (*ObjectQuery, *cache.Subscription, error) {
	q, err := e.object(apiName, pk, opts)
	if err != nil {
		return nil, nil, err
	}
	sub := q.Subscribe(o)
	e.unpin(q)
	return q, sub, nil
}

// object returns the query pinned.
func (e *Engine) object(apiName string, pk any, opts ObjectOptions) (*ObjectQuery, error) {
	if _, err := e.defs.ObjectType(apiName); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnknownType, err)
	}
	if pk == nil {
		return nil, fmt.Errorf("%w: primary key is required", ErrInvalidOptions)
	}
	rdp, err := e.canon.Rdp.Canonicalize(opts.WithProperties)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	var analysis *objectset.Analysis
	if rdp != nil {
		ref := ontology.ObjectRef{ApiName: apiName, PrimaryKey: pk}
		analysis, err = e.analyzer.Analyze(context.Background(), objectset.WithProperties(objectset.Static(ref), rdp.Value()))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
		}
	}

	q, err := getOrCreate(e, cache.KindObject, apiName, []any{pk, rdp}, true, func(key *cache.CacheKey) *ObjectQuery {
		q := &ObjectQuery{apiName: apiName, pk: pk, rdp: rdp, analysis: analysis}
		q.init(e, key, q, opts.KeepWarm)
		q.subject = cache.NewSubject[ObjectPayload](q.activate, q.idle)
		return q
	})
	if err != nil {
		return nil, err
	}
	e.objects.Register(apiName, pk, q.key, rdp.Value().Names())
	return q, nil
}

// Ref returns the identity of the queried object.
func (q *ObjectQuery) Ref() ontology.ObjectRef {
	return ontology.ObjectRef{ApiName: q.apiName, PrimaryKey: q.pk}
}

// Subscribe adds o. The current payload, if any, is replayed to it.
func (q *ObjectQuery) Subscribe(o cache.Observer[ObjectPayload]) *cache.Subscription {
	return q.subject.Subscribe(o)
}

// Payload returns the most recently published payload.
func (q *ObjectQuery) Payload() (ObjectPayload, bool) {
	return q.subject.Last()
}

// Invalidates implements cache.Query.
func (q *ObjectQuery) Invalidates(apiName string) bool {
	return apiName == q.apiName || q.analysis.Invalidates(apiName)
}

// Revalidate fetches the object unless its cached value is still fresh.
// force always fetches.
func (q *ObjectQuery) Revalidate(ctx context.Context, force bool) error {
	e := q.engine
	if !e.shouldFetch(q.key, force) {
		return nil
	}
	op := opFetch
	if force {
		op = opRevalidate
	}
	return e.fetch(ctx, q, op, q.load)
}

func (q *ObjectQuery) load(ctx context.Context) error {
	e := q.engine
	obj, err := e.client.LoadObject(ctx, remote.LoadObjectRequest{
		ApiName:           q.apiName,
		PrimaryKey:        q.pk,
		DerivedProperties: q.rdp.Value(),
	})
	if errors.Is(err, remote.ErrNotFound) {
		obj, err = nil, nil
	}
	if err != nil {
		return err
	}
	return e.store.Batch(cache.BatchOptions{}, func(tx *cache.Tx) error {
		e.WriteObject(tx, q.key, obj)
		return nil
	})
}

func (q *ObjectQuery) observers() int { return q.subject.Len() }

func (q *ObjectQuery) start() {
	q.mu.Lock()
	q.unwatch = q.engine.store.Watch(q.key, func(*cache.CacheKey, *cache.Entry) { q.publish() })
	q.mu.Unlock()
	q.publish()
}

func (q *ObjectQuery) teardown() {
	q.mu.Lock()
	unwatch := q.unwatch
	q.unwatch = nil
	q.mu.Unlock()
	if unwatch != nil {
		unwatch()
	}
}

func (q *ObjectQuery) fail(err error) { q.subject.Error(err) }

// publish emits the entry visible now, skipping it when it is the one
// already emitted.
func (q *ObjectQuery) publish() {
	q.pub.run(func() {
		ent := q.engine.store.Get(q.key)
		q.mu.Lock()
		same := ent == q.last
		q.last = ent
		q.mu.Unlock()
		if ent == nil || same {
			return
		}
		q.subject.Next(ObjectPayload{
			Object:      objectOf(ent),
			Status:      ent.Status,
			LastUpdated: ent.LastUpdated,
			Err:         ent.Err,
		})
	})
}
