package cache

// LayerID identifies a layer in the stack.
type LayerID string

// Fixed layer ids.
const (
	TruthLayerID LayerID = "truth"
	MockLayerID  LayerID = "mock"
)

// Resolver overrides lookups for the layer that holds it. A resolver that
// reports false lets the lookup continue into the layer's own entries and
// then its parent.
type Resolver interface {
	Resolve(key *CacheKey) (*Entry, bool)
}

// Layer is one node of the parent-linked layer stack. Layers are not safe
// for concurrent use on their own; the Store serializes access.
type Layer struct {
	id       LayerID
	parent   *Layer
	entries  map[*CacheKey]*Entry
	resolver Resolver
}

// NewLayer creates a layer above parent. resolver may be nil.
func NewLayer(id LayerID, parent *Layer, resolver Resolver) *Layer {
	return &Layer{
		id:       id,
		parent:   parent,
		entries:  make(map[*CacheKey]*Entry),
		resolver: resolver,
	}
}

// ID returns the layer id.
func (l *Layer) ID() LayerID { return l.id }

// Parent returns the next layer down, or nil for the truth layer.
func (l *Layer) Parent() *Layer { return l.parent }

// Get walks from l toward the truth layer and returns the first entry found.
func (l *Layer) Get(key *CacheKey) *Entry {
	for cur := l; cur != nil; cur = cur.parent {
		if cur.resolver != nil {
			if e, ok := cur.resolver.Resolve(key); ok {
				return e
			}
		}
		if e, ok := cur.entries[key]; ok {
			return e
		}
	}
	return nil
}

// Local returns the entry held by l itself.
func (l *Layer) Local(key *CacheKey) (*Entry, bool) {
	e, ok := l.entries[key]
	return e, ok
}

// Len returns the number of entries held by l itself.
func (l *Layer) Len() int { return len(l.entries) }

// Keys returns the keys held by l itself.
func (l *Layer) Keys() []*CacheKey {
	out := make([]*CacheKey, 0, len(l.entries))
	for k := range l.entries {
		out = append(out, k)
	}
	return out
}

func (l *Layer) set(e *Entry) { l.entries[e.CacheKey] = e }

func (l *Layer) delete(key *CacheKey) { delete(l.entries, key) }
