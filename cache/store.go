package cache

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/jonwraymond/objectcache/observe"
)

// Listener is called after a batch commits, once per changed key, with the
// entry now visible at the top of the stack (nil when none).
type Listener func(key *CacheKey, e *Entry)

// Query is a live query registered with a Store.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Revalidate must not be called with the store lock held; the Store
// never does so.
type Query interface {
	// CacheKey returns the key the query owns.
	CacheKey() *CacheKey

	// Revalidate refetches the query. force bypasses freshness checks.
	Revalidate(ctx context.Context, force bool) error

	// Invalidates reports whether a change to any object of apiName must
	// revalidate this query.
	Invalidates(apiName string) bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(l observe.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the store's metrics.
func WithMetrics(m observe.Metrics) Option {
	return func(s *Store) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithKeyRegistry shares a key registry between stores.
func WithKeyRegistry(r *KeyRegistry) Option {
	return func(s *Store) {
		if r != nil {
			s.keys = r
		}
	}
}

// maxParallelInvalidations bounds concurrent revalidations started by one
// invalidation call.
const maxParallelInvalidations = 16

// Store owns the layer stack, the key registry, the live query registry
// and the per-key watchers.
//
// Contract:
// - Concurrency: safe for concurrent use.
// - Atomicity: watchers observe a batch either entirely or not at all.
// - Ownership: entries returned by Get must not be mutated.
type Store struct {
	keys    *KeyRegistry
	logger  observe.Logger
	metrics observe.Metrics
	now     func() time.Time

	mu         sync.RWMutex
	truth      *Layer
	optimistic []*Layer
	mocks      *MockResolver
	mockLayer  *Layer
	queries    map[*CacheKey]Query
	watchers   map[*CacheKey]map[uint64]Listener
	nextWatch  uint64
	dropHooks  []func(*CacheKey)
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		keys:     NewKeyRegistry(),
		logger:   observe.NopLogger(),
		metrics:  observe.NopMetrics(),
		now:      time.Now,
		truth:    NewLayer(TruthLayerID, nil, nil),
		mocks:    NewMockResolver(),
		queries:  make(map[*CacheKey]Query),
		watchers: make(map[*CacheKey]map[uint64]Listener),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Keys returns the key registry.
func (s *Store) Keys() *KeyRegistry { return s.keys }

// Now returns the store clock's current time.
func (s *Store) Now() time.Time { return s.now() }

// Get returns the entry visible at the top of the stack, or nil.
func (s *Store) Get(key *CacheKey) *Entry {
	if key == nil {
		return nil
	}
	s.mu.RLock()
	e := s.top().Get(key)
	s.mu.RUnlock()

	s.metrics.RecordLookup(context.Background(), string(key.kind), e != nil)
	return e
}

// GetTruth returns the confirmed entry, ignoring overlays.
func (s *Store) GetTruth(key *CacheKey) *Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, _ := s.truth.Local(key)
	return e
}

// Batch runs fn against a transaction on the selected layer. If fn returns
// an error or panics, every write it made is undone and nothing is
// published. Otherwise watchers of each changed key are called once after
// the batch commits.
func (s *Store) Batch(opts BatchOptions, fn func(*Tx) error) error {
	changed, err := s.commit(opts, fn)
	if err != nil {
		return err
	}
	s.notify(changed)
	return nil
}

func (s *Store) commit(opts BatchOptions, fn func(*Tx) error) (changed []*CacheKey, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	layer := s.layer(opts.Layer)
	if layer == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLayer, opts.Layer)
	}

	tx := newTx(s, layer)
	defer func() {
		if r := recover(); r != nil {
			tx.rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		tx.rollback()
		return nil, err
	}
	return tx.changed, nil
}

// Set writes one value to the truth layer.
func (s *Store) Set(key *CacheKey, value any, status Status) error {
	if key == nil {
		return ErrNilKey
	}
	return s.Batch(BatchOptions{}, func(tx *Tx) error {
		tx.Set(key, value, status)
		return nil
	})
}

// InvalidateCacheKey removes key from the truth layer. If a live query
// owns the key it is revalidated; otherwise watchers see the key
// disappear.
func (s *Store) InvalidateCacheKey(ctx context.Context, key *CacheKey) error {
	if key == nil {
		return ErrNilKey
	}

	s.mu.Lock()
	_, had := s.truth.Local(key)
	s.truth.delete(key)
	q := s.queries[key]
	s.mu.Unlock()

	s.metrics.RecordInvalidation(ctx, keyMeta(key))

	if q != nil {
		return q.Revalidate(ctx, true)
	}
	if had {
		s.notify([]*CacheKey{key})
	}
	return nil
}

// InvalidateQueries revalidates every live query matching match, in
// parallel. Failures are joined; one failing query does not stop the
// others.
func (s *Store) InvalidateQueries(ctx context.Context, match func(Query) bool) error {
	s.mu.RLock()
	var targets []Query
	for _, q := range s.queries {
		if match(q) {
			targets = append(targets, q)
		}
	}
	s.mu.RUnlock()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(maxParallelInvalidations)
	for _, q := range targets {
		s.metrics.RecordInvalidation(ctx, keyMeta(q.CacheKey()))
		g.Go(func() error {
			if err := q.Revalidate(ctx, true); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", q.CacheKey(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// InvalidateObjectType revalidates every live query that depends on
// objects of apiName.
func (s *Store) InvalidateObjectType(ctx context.Context, apiName string) error {
	s.logger.Debug(ctx, "invalidating object type", observe.F("type", apiName))
	return s.InvalidateQueries(ctx, func(q Query) bool { return q.Invalidates(apiName) })
}

// InvalidateAll revalidates every live query.
func (s *Store) InvalidateAll(ctx context.Context) error {
	return s.InvalidateQueries(ctx, func(Query) bool { return true })
}

// PushOptimisticLayer creates a new optimistic overlay above the existing
// ones and returns its id.
func (s *Store) PushOptimisticLayer() LayerID {
	id := LayerID("optimistic-" + ulid.Make().String())

	s.mu.Lock()
	s.optimistic = append(s.optimistic, NewLayer(id, nil, nil))
	s.relink()
	depth := len(s.optimistic)
	s.mu.Unlock()

	s.logger.Debug(context.Background(), "optimistic layer pushed",
		observe.F("layer", string(id)), observe.F("depth", depth))
	return id
}

// RemoveLayer removes an optimistic layer by identity, wherever it sits in
// the stack. Watchers of every key the layer held are notified.
func (s *Store) RemoveLayer(id LayerID) error {
	if id == TruthLayerID || id == "" {
		return ErrTruthLayer
	}

	s.mu.Lock()
	idx := slices.IndexFunc(s.optimistic, func(l *Layer) bool { return l.id == id })
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownLayer, id)
	}
	keys := s.optimistic[idx].Keys()
	s.optimistic = slices.Delete(s.optimistic, idx, idx+1)
	s.relink()
	s.mu.Unlock()

	s.logger.Debug(context.Background(), "optimistic layer removed",
		observe.F("layer", string(id)), observe.F("keys", len(keys)))
	s.notify(keys)
	return nil
}

// Mock serves values for the given keys ahead of every other layer until
// RemoveMock is called. An empty id is replaced by a generated one, which
// is returned.
func (s *Store) Mock(id string, values map[*CacheKey]any) string {
	if id == "" {
		id = uuid.NewString()
	}
	now := s.now()

	entries := make(map[*CacheKey]*Entry, len(values))
	keys := make([]*CacheKey, 0, len(values))
	for k, v := range values {
		if k == nil || s.keys.Retain(k) != nil {
			continue
		}
		entries[k] = &Entry{
			CacheKey:      k,
			Value:         v,
			Status:        StatusLoaded,
			LastUpdated:   now,
			DebugMetadata: map[string]any{"mock": id},
		}
		keys = append(keys, k)
	}

	s.mu.Lock()
	var replaced []*CacheKey
	if old, ok := s.mocks.Remove(id); ok {
		replaced = old
	}
	s.mocks.Add(id, entries)
	if s.mockLayer == nil {
		s.mockLayer = NewLayer(MockLayerID, nil, s.mocks)
		s.relink()
	}
	s.mu.Unlock()

	for _, k := range replaced {
		s.Release(k)
	}
	s.notify(append(keys, replaced...))
	return id
}

// RemoveMock drops a mock. Watchers of the mocked keys are notified, and
// live queries whose keys have no confirmed value are revalidated so
// subscribers see real data again.
func (s *Store) RemoveMock(ctx context.Context, id string) error {
	s.mu.Lock()
	keys, ok := s.mocks.Remove(id)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownMock, id)
	}
	if s.mocks.Len() == 0 {
		s.mockLayer = nil
		s.relink()
	}
	refresh := make(map[*CacheKey]bool, len(keys))
	for _, k := range keys {
		if _, loaded := s.truth.Local(k); !loaded && s.queries[k] != nil {
			refresh[k] = true
		}
	}
	s.mu.Unlock()

	s.notify(keys)
	for _, k := range keys {
		s.Release(k)
	}
	if len(refresh) == 0 {
		return nil
	}
	return s.InvalidateQueries(ctx, func(q Query) bool { return refresh[q.CacheKey()] })
}

// Watch registers fn for changes to key. The returned func unregisters it.
func (s *Store) Watch(key *CacheKey, fn Listener) func() {
	s.mu.Lock()
	id := s.nextWatch
	s.nextWatch++
	if s.watchers[key] == nil {
		s.watchers[key] = make(map[uint64]Listener)
	}
	s.watchers[key][id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.watchers[key], id)
			if len(s.watchers[key]) == 0 {
				delete(s.watchers, key)
			}
		})
	}
}

// Retain adds a holder to key.
func (s *Store) Retain(key *CacheKey) error {
	return s.keys.Retain(key)
}

// Release removes a holder from key. When the last holder goes away the
// key's entries are evicted from every layer, drop hooks run, and Release
// reports true.
func (s *Store) Release(key *CacheKey) bool {
	if !s.keys.Release(key) {
		return false
	}

	s.mu.Lock()
	s.truth.delete(key)
	for _, l := range s.optimistic {
		l.delete(key)
	}
	hooks := slices.Clone(s.dropHooks)
	s.mu.Unlock()

	for _, h := range hooks {
		h(key)
	}
	return true
}

// OnKeyDropped registers fn to run whenever a key is released by its last
// holder.
func (s *Store) OnKeyDropped(fn func(*CacheKey)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropHooks = append(s.dropHooks, fn)
}

// GetOrCreateQuery returns the live query for key, calling create under
// the store lock when there is none. create must not call Store methods.
func (s *Store) GetOrCreateQuery(key *CacheKey, create func() Query) (q Query, created bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queries[key]; ok {
		return q, false
	}
	q = create()
	s.queries[key] = q
	return q, true
}

// LookupQuery returns the live query for key, or nil.
func (s *Store) LookupQuery(key *CacheKey) Query {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queries[key]
}

// RemoveQuery unregisters q if it is still the live query for its key.
func (s *Store) RemoveQuery(q Query) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := q.CacheKey()
	if s.queries[key] != q {
		return false
	}
	delete(s.queries, key)
	return true
}

// Queries returns a snapshot of the live queries.
func (s *Store) Queries() []Query {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queriesLocked()
}

func (s *Store) queriesLocked() []Query {
	return slices.Collect(maps.Values(s.queries))
}

// Stats is a point-in-time summary of the store.
type Stats struct {
	Keys              int
	TruthEntries      int
	OptimisticLayers  int
	OptimisticEntries int
	Mocks             int
	LiveQueries       int
	ErroredQueries    int
	Watchers          int
}

// Stats returns a snapshot of store counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Keys:             s.keys.Len(),
		TruthEntries:     s.truth.Len(),
		OptimisticLayers: len(s.optimistic),
		Mocks:            s.mocks.Len(),
		LiveQueries:      len(s.queries),
	}
	for _, l := range s.optimistic {
		st.OptimisticEntries += l.Len()
	}
	top := s.top()
	for key := range s.queries {
		if e := top.Get(key); e != nil && e.Status == StatusError {
			st.ErroredQueries++
		}
	}
	for _, w := range s.watchers {
		st.Watchers += len(w)
	}
	return st
}

// notify calls the watchers of each key with the entry visible when the
// call is made, so late notifications never publish older state.
func (s *Store) notify(keys []*CacheKey) {
	for _, key := range keys {
		s.mu.RLock()
		e := s.top().Get(key)
		ws := s.watchers[key]
		ids := slices.Sorted(maps.Keys(ws))
		listeners := make([]Listener, 0, len(ids))
		for _, id := range ids {
			listeners = append(listeners, ws[id])
		}
		s.mu.RUnlock()

		for _, fn := range listeners {
			fn(key, e)
		}
	}
}

func (s *Store) top() *Layer {
	if s.mockLayer != nil {
		return s.mockLayer
	}
	if n := len(s.optimistic); n > 0 {
		return s.optimistic[n-1]
	}
	return s.truth
}

func (s *Store) relink() {
	parent := s.truth
	for _, l := range s.optimistic {
		l.parent = parent
		parent = l
	}
	if s.mockLayer != nil {
		s.mockLayer.parent = parent
	}
}

func (s *Store) layer(id LayerID) *Layer {
	switch id {
	case "", TruthLayerID:
		return s.truth
	case MockLayerID:
		return s.mockLayer
	}
	for _, l := range s.optimistic {
		if l.id == id {
			return l
		}
	}
	return nil
}

func keyMeta(key *CacheKey) observe.QueryMeta {
	return observe.QueryMeta{Kind: string(key.kind), Type: key.typ, Key: key.String()}
}
