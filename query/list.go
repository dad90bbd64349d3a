package query

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/jonwraymond/objectcache/cache"
	"github.com/jonwraymond/objectcache/canonical"
	"github.com/jonwraymond/objectcache/objectset"
	"github.com/jonwraymond/objectcache/observe"
	"github.com/jonwraymond/objectcache/ontology"
	"github.com/jonwraymond/objectcache/remote"
)

type listKind int

const (
	listObjects listKind = iota
	listInterface
	listLinks
)

// ListOptions configures a list query.
type ListOptions struct {
	// Type is an object type or an interface api name.
	Type string

	Where   ontology.WhereClause
	OrderBy ontology.OrderBy

	// WithProperties requests derived properties for every member.
	WithProperties objectset.DerivedProperties

	// IntersectWith restricts the list to objects also in these sets.
	IntersectWith []*objectset.ObjectSet

	// PivotTo follows a link from every matching object of Type; the
	// list holds the link targets.
	PivotTo string

	// PageSize is the page size used when no view has voted for one.
	PageSize int

	// StreamUpdates subscribes to pushed changes while the list has
	// subscribers. It needs an engine configured with Streams.
	StreamUpdates bool

	// KeepWarm overrides the policy's keep-warm duration.
	KeepWarm time.Duration
}

// LinksOptions configures a links query.
type LinksOptions struct {
	Where          ontology.WhereClause
	OrderBy        ontology.OrderBy
	WithProperties objectset.DerivedProperties
	PageSize       int
	StreamUpdates  bool
	KeepWarm       time.Duration
}

// listSpec is everything a list query is built from. It is computed
// before the key is interned so that invalid options never create a
// query.
type listSpec struct {
	kind       listKind
	typ        string
	memberType string
	iface      string
	where      *canonical.Canonical[ontology.WhereClause]
	orderBy    *canonical.Canonical[ontology.OrderBy]
	rdp        *canonical.Canonical[objectset.DerivedProperties]
	intersect  *canonical.Canonical[[]*objectset.ObjectSet]
	pivot      *canonical.Canonical[*objectset.PivotInfo]
	objectSet  *objectset.ObjectSet
	analysis   *objectset.Analysis
	pageSize   int
	push       bool
	keepWarm   time.Duration
}

// ListQuery is a live, paginated list of objects. Members are stored
// under their own object keys, so an object shared by several lists and
// object queries is cached once per derived-property variant.
type ListQuery struct {
	lifecycle
	listSpec

	implementers map[string]bool

	subject *cache.Subject[ListPayload]
	pub     coalescer

	mu        sync.Mutex
	votes     map[string]int
	members   map[*cache.CacheKey]func()
	unwatch   func()
	stream    io.Closer
	streaming bool
	torn      bool
	last      []*cache.Entry
}

var _ cache.Query = (*ListQuery)(nil)

// List returns the live list query for opts, creating it if needed.
func (e *Engine) List(opts ListOptions) (*ListQuery, error) {
	q, err := e.list(opts)
	if err != nil {
		return nil, err
	}
	e.unpin(q)
	return q, nil
}

// ObserveList subscribes o to the list described by opts.
func (e *Engine) ObserveList(opts ListOptions, o cache.Observer[ListPayload]) (*ListQuery, *cache.Subscription, error) {
	q, err := e.list(opts)
	if err != nil {
		return nil, nil, err
	}
	sub := q.Subscribe(o)
	e.unpin(q)
	return q, sub, nil
}

func (e *Engine) list(opts ListOptions) (*ListQuery, error) {
	spec, err := e.listSpec(opts)
	if err != nil {
		return nil, err
	}
	parts := []any{spec.where, spec.orderBy, spec.rdp, spec.intersect, spec.pivot}
	return getOrCreate(e, cache.KindList, opts.Type, parts, true, func(key *cache.CacheKey) *ListQuery {
		return newListQuery(e, key, spec)
	})
}

func (e *Engine) listSpec(opts ListOptions) (listSpec, error) {
	spec := listSpec{
		kind:     listObjects,
		typ:      opts.Type,
		pageSize: opts.PageSize,
		push:     opts.StreamUpdates,
		keepWarm: opts.KeepWarm,
	}
	iface := e.defs.IsInterface(opts.Type)
	if !iface {
		if _, err := e.defs.ObjectType(opts.Type); err != nil {
			return spec, fmt.Errorf("%w: %w", ErrUnknownType, err)
		}
	}

	var err error
	if err = e.canonicalizeCommon(&spec, opts.Where, opts.OrderBy, opts.WithProperties); err != nil {
		return spec, err
	}
	if spec.intersect, err = e.canon.Intersect.Canonicalize(opts.IntersectWith); err != nil {
		return spec, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	if opts.PivotTo != "" {
		spec.pivot, err = e.canon.Pivot.Canonicalize(&objectset.PivotInfo{SourceType: opts.Type, Link: opts.PivotTo})
		if err != nil {
			return spec, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
		}
	}

	os := objectset.Base(opts.Type)
	if iface {
		os = objectset.InterfaceBase(opts.Type)
	}
	if spec.where != nil {
		os = objectset.Filter(os, spec.where.Value())
	}
	if spec.intersect != nil {
		os = objectset.Intersect(append([]*objectset.ObjectSet{os}, spec.intersect.Value()...)...)
	}
	if spec.pivot != nil {
		os = objectset.Pivot(os, opts.PivotTo)
	}
	return spec, e.finishSpec(&spec, os)
}

// Links returns the live list of objects reachable from source through
// link, creating it if needed.
func (e *Engine) Links(source ontology.ObjectRef, link string, opts LinksOptions) (*ListQuery, error) {
	q, err := e.links(source, link, opts)
	if err != nil {
		return nil, err
	}
	e.unpin(q)
	return q, nil
}

// ObserveLinks subscribes o to the objects linked from source.
func (e *Engine) ObserveLinks(source ontology.ObjectRef, link string, opts LinksOptions, o cache.Observer[ListPayload]) (*ListQuery, *cache.Subscription, error) {
	q, err := e.links(source, link, opts)
	if err != nil {
		return nil, nil, err
	}
	sub := q.Subscribe(o)
	e.unpin(q)
	return q, sub, nil
}

func (e *Engine) links(source ontology.ObjectRef, link string, opts LinksOptions) (*ListQuery, error) {
	if source.PrimaryKey == nil || link == "" {
		return nil, fmt.Errorf("%w: links need a source primary key and a link name", ErrInvalidOptions)
	}
	if _, err := e.defs.ObjectType(source.ApiName); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnknownType, err)
	}
	spec := listSpec{
		kind:     listLinks,
		typ:      source.ApiName,
		pageSize: opts.PageSize,
		push:     opts.StreamUpdates,
		keepWarm: opts.KeepWarm,
	}
	if err := e.canonicalizeCommon(&spec, opts.Where, opts.OrderBy, opts.WithProperties); err != nil {
		return nil, err
	}

	os := objectset.SearchAround(objectset.Static(source), link)
	if spec.where != nil {
		os = objectset.Filter(os, spec.where.Value())
	}
	if err := e.finishSpec(&spec, os); err != nil {
		return nil, err
	}

	parts := []any{source.PrimaryKey, link, spec.where, spec.orderBy, spec.rdp}
	return getOrCreate(e, cache.KindLinks, source.ApiName, parts, true, func(key *cache.CacheKey) *ListQuery {
		return newListQuery(e, key, spec)
	})
}

func (e *Engine) canonicalizeCommon(spec *listSpec, where ontology.WhereClause, orderBy ontology.OrderBy, rdp objectset.DerivedProperties) error {
	var err error
	if spec.where, err = e.canon.Where.Canonicalize(where); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	if spec.orderBy, err = e.canon.OrderBy.Canonicalize(orderBy); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	if spec.rdp, err = e.canon.Rdp.Canonicalize(rdp); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	return nil
}

// finishSpec adds derived properties to os, analyzes it and settles the
// member type.
func (e *Engine) finishSpec(spec *listSpec, os *objectset.ObjectSet) error {
	if spec.rdp != nil {
		os = objectset.WithProperties(os, spec.rdp.Value())
	}
	analysis, err := e.analyzer.Analyze(context.Background(), os)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	spec.objectSet = os
	spec.analysis = analysis
	if analysis.ResultType.Interface {
		if spec.kind == listObjects {
			spec.kind = listInterface
		}
		spec.iface = analysis.ResultType.ApiName
	} else {
		spec.memberType = analysis.ResultType.ApiName
	}
	if spec.pageSize <= 0 {
		spec.pageSize = e.pageSize
	}
	return nil
}

func newListQuery(e *Engine, key *cache.CacheKey, spec listSpec) *ListQuery {
	q := &ListQuery{
		listSpec: spec,
		votes:    make(map[string]int),
		members:  make(map[*cache.CacheKey]func()),
	}
	if spec.iface != "" {
		q.implementers = make(map[string]bool)
		for _, t := range e.defs.Implementers(spec.iface) {
			q.implementers[t] = true
		}
	}
	q.init(e, key, q, spec.keepWarm)
	q.subject = cache.NewSubject[ListPayload](func() {
		q.activate()
		q.openStream()
	}, q.idle)
	return q
}

// Subscribe adds o. The current payload, if any, is replayed to it.
func (q *ListQuery) Subscribe(o cache.Observer[ListPayload]) *cache.Subscription {
	return q.subject.Subscribe(o)
}

// Payload returns the most recently published payload.
func (q *ListQuery) Payload() (ListPayload, bool) {
	return q.subject.Last()
}

// Invalidates implements cache.Query.
func (q *ListQuery) Invalidates(apiName string) bool {
	return q.analysis.Invalidates(apiName) || q.implementers[apiName]
}

// RegisterFetchPageSize records a page-size vote. The list requests the
// largest page any voter asked for.
func (q *ListQuery) RegisterFetchPageSize(id string, n int) {
	if n <= 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.votes[id] = n
}

// UnregisterFetchPageSize withdraws a vote.
func (q *ListQuery) UnregisterFetchPageSize(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.votes, id)
}

// PageSize returns the page size the next fetch will request.
func (q *ListQuery) PageSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, v := range q.votes {
		n = max(n, v)
	}
	if n == 0 {
		n = q.pageSize
	}
	return n
}

// Revalidate reloads the list from the first page unless the cached
// value is still fresh. It reloads at least as many items as are already
// loaded so subscribers do not lose rows they have seen.
func (q *ListQuery) Revalidate(ctx context.Context, force bool) error {
	e := q.engine
	if !e.shouldFetch(q.key, force) {
		return nil
	}
	op := opFetch
	if force {
		op = opRevalidate
	}
	return e.fetch(ctx, q, op, q.loadFirst)
}

// FetchMore loads the next page and appends it. It is a no-op once the
// last page has been loaded. A FetchMore issued while any fetch of the
// list is in flight waits for that fetch instead.
func (q *ListQuery) FetchMore(ctx context.Context) error {
	if q.Disposed() {
		return ErrDisposed
	}
	return q.engine.fetch(ctx, q, opFetchMore, q.loadMore)
}

func (q *ListQuery) loadFirst(ctx context.Context) error {
	size := q.PageSize()
	if st := listStateOf(q.engine.store.GetTruth(q.key)); st != nil {
		size = max(size, len(st.Members))
	}
	return q.loadPage(ctx, "", size, false)
}

func (q *ListQuery) loadMore(ctx context.Context) error {
	st := listStateOf(q.engine.store.GetTruth(q.key))
	if st == nil {
		return q.loadPage(ctx, "", q.PageSize(), false)
	}
	if st.Done {
		return nil
	}
	return q.loadPage(ctx, st.NextPageToken, q.PageSize(), true)
}

func (q *ListQuery) loadPage(ctx context.Context, token string, size int, appendPage bool) error {
	e := q.engine
	resp, err := e.client.LoadObjects(ctx, remote.LoadObjectsRequest{
		ObjectSet: q.objectSet,
		OrderBy:   q.orderBy.Value(),
		PageSize:  size,
		PageToken: token,
	})
	if err != nil {
		return err
	}

	keys := make([]*cache.CacheKey, 0, len(resp.Data))
	objs := make([]*ontology.Object, 0, len(resp.Data))
	defer func() { q.adopt(keys) }()
	for _, obj := range resp.Data {
		if obj == nil {
			continue
		}
		key, err := e.acquireObjectKey(obj.ApiName, obj.PrimaryKey, q.rdp)
		if err != nil {
			return err
		}
		keys = append(keys, key)
		objs = append(objs, obj)
	}

	return e.store.Batch(cache.BatchOptions{}, func(tx *cache.Tx) error {
		for i, key := range keys {
			e.WriteObject(tx, key, objs[i])
		}
		next := &ListState{}
		if appendPage {
			next = listStateOf(tx.Get(q.key)).clone()
		}
		seen := make(map[*cache.CacheKey]bool, len(next.Members)+len(keys))
		for _, k := range next.Members {
			seen[k] = true
		}
		for _, k := range keys {
			if !seen[k] {
				seen[k] = true
				next.Members = append(next.Members, k)
			}
		}
		next.NextPageToken = resp.NextPageToken
		next.Done = resp.NextPageToken == ""
		next.TotalCount = resp.TotalCount
		tx.Set(q.key, next, cache.StatusLoaded)
		return nil
	})
}

// adopt takes over the holds acquired for freshly loaded members. Keys
// the list already retains give their extra hold back.
func (q *ListQuery) adopt(keys []*cache.CacheKey) {
	store := q.engine.store
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, k := range keys {
		if _, held := q.members[k]; held || q.torn {
			store.Release(k)
			continue
		}
		q.members[k] = store.Watch(k, q.onMember)
	}
}

// syncMembers retains and watches exactly the keys named by states.
func (q *ListQuery) syncMembers(states ...*ListState) {
	store := q.engine.store
	want := make(map[*cache.CacheKey]bool)
	for _, st := range states {
		if st == nil {
			continue
		}
		for _, k := range st.Members {
			want[k] = true
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.torn {
		return
	}
	for k, unwatch := range q.members {
		if !want[k] {
			unwatch()
			delete(q.members, k)
			store.Release(k)
		}
	}
	for k := range want {
		if _, held := q.members[k]; held {
			continue
		}
		if store.Retain(k) != nil {
			continue
		}
		q.members[k] = store.Watch(k, q.onMember)
	}
}

func (q *ListQuery) onMember(*cache.CacheKey, *cache.Entry) { q.publish() }

func (q *ListQuery) observers() int { return q.subject.Len() }

func (q *ListQuery) start() {
	q.mu.Lock()
	q.unwatch = q.engine.store.Watch(q.key, func(*cache.CacheKey, *cache.Entry) { q.publish() })
	q.mu.Unlock()
	q.publish()
}

func (q *ListQuery) teardown() {
	store := q.engine.store
	q.mu.Lock()
	q.torn = true
	unwatch := q.unwatch
	members := q.members
	stream := q.stream
	q.unwatch, q.members, q.stream = nil, nil, nil
	q.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
	for k, unwatchMember := range members {
		unwatchMember()
		store.Release(k)
	}
	if stream != nil {
		if err := stream.Close(); err != nil {
			q.logger.Debug(context.Background(), "closing stream", observe.Err(err))
		}
	}
}

func (q *ListQuery) fail(err error) { q.subject.Error(err) }

// publish resolves the visible list state into objects and emits it.
// Members whose object is missing or deleted are skipped.
func (q *ListQuery) publish() {
	q.pub.run(func() {
		store := q.engine.store
		ent := store.Get(q.key)
		q.syncMembers(listStateOf(ent), listStateOf(store.GetTruth(q.key)))
		if ent == nil {
			return
		}

		p := ListPayload{Status: ent.Status, LastUpdated: ent.LastUpdated, Err: ent.Err}
		seen := []*cache.Entry{ent}
		if st := listStateOf(ent); st != nil {
			p.HasMore = !st.Done
			p.TotalCount = st.TotalCount
			for _, k := range st.Members {
				me := store.Get(k)
				seen = append(seen, me)
				obj := objectOf(me)
				if obj == nil {
					continue
				}
				if q.iface != "" {
					view, err := q.project(obj)
					if err != nil {
						q.logger.Warn(context.Background(), "interface projection failed", observe.Err(err))
						continue
					}
					p.Interfaces = append(p.Interfaces, view)
				}
				p.Objects = append(p.Objects, obj)
			}
		}

		q.mu.Lock()
		same := slices.Equal(seen, q.last)
		q.last = seen
		q.mu.Unlock()
		if same {
			return
		}
		q.subject.Next(p)
	})
}

// project views obj through the list's interface.
func (q *ListQuery) project(obj *ontology.Object) (*ontology.InterfaceView, error) {
	defs := q.engine.defs
	objDef, err := defs.ObjectType(obj.ApiName)
	if err != nil {
		return nil, err
	}
	iface, err := defs.Interface(q.iface)
	if err != nil {
		return nil, err
	}
	return ontology.NewInterfaceView(obj, objDef, iface)
}

// openStream subscribes to pushed changes in the background.
func (q *ListQuery) openStream() {
	e := q.engine
	if !q.push || e.streams == nil {
		return
	}
	q.mu.Lock()
	if q.streaming || q.torn {
		q.mu.Unlock()
		return
	}
	q.streaming = true
	q.mu.Unlock()

	e.background(func(ctx context.Context) {
		closer, err := e.streams.Subscribe(ctx, remote.StreamRequest{ObjectSet: q.objectSet}, remote.StreamHandler{
			OnChange:    q.applyStream,
			OnOutOfDate: q.streamOutOfDate,
			OnError: func(err error) {
				q.logger.Warn(ctx, "stream ended", observe.Err(err))
				q.mu.Lock()
				q.stream, q.streaming = nil, false
				q.mu.Unlock()
			},
		})
		if err != nil {
			q.logger.Warn(ctx, "stream subscribe failed", observe.Err(err))
			q.mu.Lock()
			q.streaming = false
			q.mu.Unlock()
			return
		}

		q.mu.Lock()
		if q.torn {
			q.mu.Unlock()
			_ = closer.Close()
			return
		}
		q.stream = closer
		q.mu.Unlock()
	})
}

func (q *ListQuery) streamOutOfDate() {
	q.engine.background(func(ctx context.Context) {
		if err := q.Revalidate(ctx, true); err != nil && !errors.Is(err, context.Canceled) {
			q.logger.Warn(ctx, "refetch after stream refresh failed", observe.Err(err))
		}
	})
}

// applyStream merges pushed changes. Updated objects are written through
// the engine, so every other query sees them too, and are placed into
// this list even when the local filter cannot confirm they match.
func (q *ListQuery) applyStream(updates []remote.StreamUpdate) {
	e := q.engine
	var (
		keys     []*cache.CacheKey
		objs     []*ontology.Object
		removals []ontology.ObjectRef
	)
	defer func() { q.adopt(keys) }()
	for _, u := range updates {
		if u.Object == nil {
			continue
		}
		if u.State == remote.StateRemoved {
			removals = append(removals, u.Object.Ref())
			continue
		}
		key, err := e.acquireObjectKey(u.Object.ApiName, u.Object.PrimaryKey, q.rdp)
		if err != nil {
			q.logger.Warn(context.Background(), "dropping stream update", observe.Err(err))
			continue
		}
		keys = append(keys, key)
		objs = append(objs, u.Object)
	}

	err := e.store.Batch(cache.BatchOptions{}, func(tx *cache.Tx) error {
		for i, key := range keys {
			e.WriteObject(tx, key, objs[i])
			q.upsert(tx, key, objs[i])
		}
		for _, ref := range removals {
			q.remove(tx, ref)
		}
		return nil
	})
	if err != nil {
		q.logger.Warn(context.Background(), "applying stream update", observe.Err(err))
	}
}
