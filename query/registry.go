package query

import (
	"slices"
	"sync"

	"github.com/jonwraymond/objectcache/cache"
	"github.com/jonwraymond/objectcache/canonical"
	"github.com/jonwraymond/objectcache/ontology"
)

// Variant is one cache key for an object and the derived fields it holds.
type Variant struct {
	Key *cache.CacheKey
	// Fields are the derived property names, sorted. Empty for the plain
	// object.
	Fields []string
}

type objectID struct {
	apiName string
	pk      string
}

type bucket struct {
	variants map[*cache.CacheKey][]string
}

// ObjectCacheKeyRegistry maps each remote object to every cache key it is
// stored under.
//
// Contract:
// - Concurrency: safe for concurrent use.
// - A bucket exists only while it has at least one variant.
type ObjectCacheKeyRegistry struct {
	mu      sync.RWMutex
	buckets map[objectID]*bucket
	owners  map[*cache.CacheKey]objectID
}

// NewObjectCacheKeyRegistry creates an empty registry.
func NewObjectCacheKeyRegistry() *ObjectCacheKeyRegistry {
	return &ObjectCacheKeyRegistry{
		buckets: make(map[objectID]*bucket),
		owners:  make(map[*cache.CacheKey]objectID),
	}
}

func idOf(apiName string, pk any) (objectID, bool) {
	key, err := canonical.Key(pk)
	if err != nil {
		return objectID{}, false
	}
	return objectID{apiName: apiName, pk: key}, true
}

// Register records key as a variant of (apiName, pk) holding fields.
// Registering a key twice is a no-op.
func (r *ObjectCacheKeyRegistry) Register(apiName string, pk any, key *cache.CacheKey, fields []string) {
	id, ok := idOf(apiName, pk)
	if !ok || key == nil {
		return
	}
	fields = slices.Sorted(slices.Values(fields))

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, seen := r.owners[key]; seen {
		return
	}
	b := r.buckets[id]
	if b == nil {
		b = &bucket{variants: make(map[*cache.CacheKey][]string)}
		r.buckets[id] = b
	}
	b.variants[key] = fields
	r.owners[key] = id
}

// Unregister removes key. It reports whether key was registered.
func (r *ObjectCacheKeyRegistry) Unregister(key *cache.CacheKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.owners[key]
	if !ok {
		return false
	}
	delete(r.owners, key)
	b := r.buckets[id]
	delete(b.variants, key)
	if len(b.variants) == 0 {
		delete(r.buckets, id)
	}
	return true
}

// Variants returns every registered variant of ref.
func (r *ObjectCacheKeyRegistry) Variants(ref ontology.Identity) []Variant {
	id, ok := idOf(ref.ObjectApiName(), ref.ObjectPrimaryKey())
	if !ok {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	b := r.buckets[id]
	if b == nil {
		return nil
	}
	out := make([]Variant, 0, len(b.variants))
	for k, fields := range b.variants {
		out = append(out, Variant{Key: k, Fields: fields})
	}
	slices.SortFunc(out, func(a, b Variant) int {
		return len(a.Fields) - len(b.Fields)
	})
	return out
}

// Fields returns the derived fields registered for key.
func (r *ObjectCacheKeyRegistry) Fields(key *cache.CacheKey) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.owners[key]
	if !ok {
		return nil, false
	}
	return r.buckets[id].variants[key], true
}

// Len returns the number of objects with at least one variant.
func (r *ObjectCacheKeyRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buckets)
}
