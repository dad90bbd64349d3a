package cache

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/jonwraymond/objectcache/canonical"
)

// KeyKind discriminates the kinds of cached value.
type KeyKind string

const (
	KindObject   KeyKind = "object"
	KindList     KeyKind = "list"
	KindLinks    KeyKind = "links"
	KindFunction KeyKind = "function"
)

// Valid reports whether k is one of the known kinds.
func (k KeyKind) Valid() bool {
	switch k {
	case KindObject, KindList, KindLinks, KindFunction:
		return true
	}
	return false
}

// CacheKey identifies one cached value. Keys are interned by a KeyRegistry
// and never mutated, so two keys are the same key iff they are the same
// pointer.
//
// Parts are positional: pointer parts (canonical values) compare by
// identity, other parts compare by their canonical encoding. A nil part
// means the fragment is absent.
type CacheKey struct {
	kind    KeyKind
	typ     string
	parts   []any
	sig     string
	display string

	// guarded by the owning registry
	refs    int
	dropped bool
}

// Kind returns the key's kind.
func (k *CacheKey) Kind() KeyKind { return k.kind }

// Type returns the object type, interface or function api name.
func (k *CacheKey) Type() string { return k.typ }

// Len returns the number of positional parts.
func (k *CacheKey) Len() int { return len(k.parts) }

// Part returns the i-th positional part, or nil when out of range.
func (k *CacheKey) Part(i int) any {
	if i < 0 || i >= len(k.parts) {
		return nil
	}
	return k.parts[i]
}

// String renders the key for logs.
func (k *CacheKey) String() string {
	if k == nil {
		return "<nil>"
	}
	return k.display
}

// KeyRegistry interns CacheKeys and counts their holders.
//
// Contract:
// - Concurrency: safe for concurrent use.
// - Identity: Intern returns the identical pointer for identical
// (kind, type, parts) until the key is released by its last holder.
type KeyRegistry struct {
	mu   sync.Mutex
	keys map[string]*CacheKey
}

// NewKeyRegistry creates an empty registry.
func NewKeyRegistry() *KeyRegistry {
	return &KeyRegistry{keys: make(map[string]*CacheKey)}
}

// Intern returns the key for (kind, typ, parts), creating it on first use.
// The returned key is not retained.
func (r *KeyRegistry) Intern(kind KeyKind, typ string, parts ...any) (*CacheKey, error) {
	return r.intern(kind, typ, parts, false)
}

// Acquire interns the key and retains it in one step.
func (r *KeyRegistry) Acquire(kind KeyKind, typ string, parts ...any) (*CacheKey, error) {
	return r.intern(kind, typ, parts, true)
}

// Lookup returns an already-interned key without creating one.
func (r *KeyRegistry) Lookup(kind KeyKind, typ string, parts ...any) *CacheKey {
	sig, _, err := signature(kind, typ, parts)
	if err != nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.keys[sig]
}

func (r *KeyRegistry) intern(kind KeyKind, typ string, parts []any, retain bool) (*CacheKey, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if typ == "" {
		return nil, ErrEmptyType
	}
	sig, display, err := signature(kind, typ, parts)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.keys[sig]
	if !ok {
		key = &CacheKey{
			kind:    kind,
			typ:     typ,
			parts:   append([]any(nil), parts...),
			sig:     sig,
			display: display,
		}
		r.keys[sig] = key
	}
	if retain {
		key.refs++
	}
	return key, nil
}

// Retain adds a holder to key.
func (r *KeyRegistry) Retain(key *CacheKey) error {
	if key == nil {
		return ErrNilKey
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if key.dropped {
		return fmt.Errorf("%w: %s", ErrStaleKey, key)
	}
	key.refs++
	return nil
}

// Release removes a holder from key. When the last holder goes away the
// key is dropped from the registry and Release reports true.
func (r *KeyRegistry) Release(key *CacheKey) bool {
	if key == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if key.dropped || key.refs == 0 {
		return false
	}
	key.refs--
	if key.refs > 0 {
		return false
	}
	key.dropped = true
	if r.keys[key.sig] == key {
		delete(r.keys, key.sig)
	}
	return true
}

// Live reports whether key is still interned.
func (r *KeyRegistry) Live(key *CacheKey) bool {
	if key == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return !key.dropped
}

// Refs reports how many holders key has.
func (r *KeyRegistry) Refs(key *CacheKey) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return key.refs
}

// Len reports how many keys are interned.
func (r *KeyRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}

// Keys returns every interned key of the given kind and type. An empty
// typ matches every type.
func (r *KeyRegistry) Keys(kind KeyKind, typ string) []*CacheKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*CacheKey
	for _, k := range r.keys {
		if k.kind == kind && (typ == "" || k.typ == typ) {
			out = append(out, k)
		}
	}
	return out
}

func signature(kind KeyKind, typ string, parts []any) (sig, display string, err error) {
	var s, d strings.Builder
	s.WriteString(string(kind))
	s.WriteByte('|')
	s.WriteString(typ)
	d.WriteString(string(kind))
	d.WriteByte(':')
	d.WriteString(typ)

	for i, p := range parts {
		ps, pd, err := partSignature(p)
		if err != nil {
			return "", "", fmt.Errorf("%w: part %d: %v", ErrInvalidKeyPart, i, err)
		}
		s.WriteByte('|')
		s.WriteString(ps)
		d.WriteByte(':')
		d.WriteString(pd)
	}
	return s.String(), d.String(), nil
}

func partSignature(p any) (sig, display string, err error) {
	if p == nil {
		return "_", "_", nil
	}
	rv := reflect.ValueOf(p)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return "_", "_", nil
		}
		display = fmt.Sprintf("%T", p)
		if s, ok := p.(fmt.Stringer); ok {
			display = s.String()
		}
		return fmt.Sprintf("%T@%x", p, rv.Pointer()), display, nil
	}
	key, err := canonical.Key(p)
	if err != nil {
		return "", "", err
	}
	return key, key, nil
}
