package canonical

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/jonwraymond/objectcache/objectset"
	"github.com/jonwraymond/objectcache/ontology"
)

// Canonical is the interned representative of a family of equivalent
// inputs. Compare canonical values with ==.
type Canonical[T any] struct {
	value T
	key   string
}

// Value returns the normalized value. Callers must not mutate it.
func (c *Canonical[T]) Value() T {
	if c == nil {
		var zero T
		return zero
	}
	return c.value
}

// Key returns the normalized encoding.
func (c *Canonical[T]) Key() string {
	if c == nil {
		return ""
	}
	return c.key
}

func (c *Canonical[T]) String() string {
	return c.Key()
}

// Canonicalizer interns inputs of one fragment kind.
//
// Contract:
// - Concurrency: safe for concurrent use.
// - Determinism: equivalent inputs return the identical pointer for the
// lifetime of the Canonicalizer.
// - Absent inputs (nil or empty) return (nil, nil).
// - Inputs holding a func, chan or unsafe pointer are never deduplicated:
// each call returns a fresh representative that is not retained.
type Canonicalizer[T any] struct {
	name      string
	absent    func(T) bool
	normalize func(T) (T, string, error)

	mu       sync.Mutex
	interned map[string]*Canonical[T]
}

func newCanonicalizer[T any](name string, absent func(T) bool, normalize func(T) (T, string, error)) *Canonicalizer[T] {
	return &Canonicalizer[T]{
		name:      name,
		absent:    absent,
		normalize: normalize,
		interned:  make(map[string]*Canonical[T]),
	}
}

// Canonicalize returns the interned representative of input.
func (c *Canonicalizer[T]) Canonicalize(input T) (*Canonical[T], error) {
	if c.absent(input) {
		return nil, nil
	}

	value, key, err := c.normalize(input)
	if err != nil {
		return nil, fmt.Errorf("canonical: %s: %w", c.name, err)
	}
	if hasOpaque(key) {
		return &Canonical[T]{value: value, key: key}, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.interned[key]; ok {
		return existing, nil
	}
	cn := &Canonical[T]{value: value, key: key}
	c.interned[key] = cn
	return cn, nil
}

// Len reports how many distinct representatives have been interned.
func (c *Canonicalizer[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.interned)
}

// NewWhere canonicalizes where clauses. Property and operator keys are
// order-insensitive; array operands keep their order. An empty clause is
// absent.
func NewWhere() *Canonicalizer[ontology.WhereClause] {
	return newCanonicalizer("where",
		func(w ontology.WhereClause) bool { return len(w) == 0 },
		func(w ontology.WhereClause) (ontology.WhereClause, string, error) {
			v, key, err := Normalize(map[string]any(w))
			if err != nil {
				return nil, "", err
			}
			m, ok := v.(map[string]any)
			if !ok {
				return nil, "", fmt.Errorf("%w: where clause is an object identity", ErrInvalidInput)
			}
			return ontology.WhereClause(m), key, nil
		})
}

// NewOrderBy canonicalizes sort clauses. Order is significant and an empty
// direction means ascending.
func NewOrderBy() *Canonicalizer[ontology.OrderBy] {
	return newCanonicalizer("orderBy",
		func(o ontology.OrderBy) bool { return len(o) == 0 },
		func(o ontology.OrderBy) (ontology.OrderBy, string, error) {
			out := make(ontology.OrderBy, len(o))
			for i, clause := range o {
				if clause.Property == "" {
					return nil, "", fmt.Errorf("%w: orderBy clause %d has no property", ErrInvalidInput, i)
				}
				switch clause.Direction {
				case "":
					clause.Direction = ontology.Asc
				case ontology.Asc, ontology.Desc:
				default:
					return nil, "", fmt.Errorf("%w: orderBy direction %q", ErrInvalidInput, clause.Direction)
				}
				out[i] = clause
			}
			key, err := Key(out)
			if err != nil {
				return nil, "", err
			}
			return out, key, nil
		})
}

// NewRdp canonicalizes derived-property definitions.
func NewRdp() *Canonicalizer[objectset.DerivedProperties] {
	return newCanonicalizer("rdp",
		func(d objectset.DerivedProperties) bool { return len(d) == 0 },
		func(d objectset.DerivedProperties) (objectset.DerivedProperties, string, error) {
			key, err := Key(map[string]objectset.DerivedProperty(d))
			if err != nil {
				return nil, "", err
			}
			return maps.Clone(d), key, nil
		})
}

// NewIntersect canonicalizes intersectWith operands. Intersection is
// commutative, so operand order is ignored.
func NewIntersect() *Canonicalizer[[]*objectset.ObjectSet] {
	return newCanonicalizer("intersect",
		func(sets []*objectset.ObjectSet) bool { return len(sets) == 0 },
		func(sets []*objectset.ObjectSet) ([]*objectset.ObjectSet, string, error) {
			type keyed struct {
				key string
				os  *objectset.ObjectSet
			}
			ks := make([]keyed, 0, len(sets))
			members := make(Set, 0, len(sets))
			for _, os := range sets {
				k, err := Key(os)
				if err != nil {
					return nil, "", err
				}
				ks = append(ks, keyed{key: k, os: os})
				members = append(members, os)
			}
			key, err := Key(members)
			if err != nil {
				return nil, "", err
			}
			sort.SliceStable(ks, func(i, j int) bool { return ks[i].key < ks[j].key })
			out := make([]*objectset.ObjectSet, 0, len(ks))
			for i, k := range ks {
				if i > 0 && ks[i-1].key == k.key {
					continue
				}
				out = append(out, k.os)
			}
			return out, key, nil
		})
}

// NewPivot canonicalizes pivot descriptors.
func NewPivot() *Canonicalizer[*objectset.PivotInfo] {
	return newCanonicalizer("pivot",
		func(p *objectset.PivotInfo) bool { return p == nil },
		func(p *objectset.PivotInfo) (*objectset.PivotInfo, string, error) {
			if p.SourceType == "" || p.Link == "" {
				return nil, "", fmt.Errorf("%w: pivot needs source type and link", ErrInvalidInput)
			}
			key, err := Key(*p)
			if err != nil {
				return nil, "", err
			}
			cp := *p
			return &cp, key, nil
		})
}

// NewRidList canonicalizes lists of resource identifiers as sets.
func NewRidList() *Canonicalizer[[]string] {
	return newCanonicalizer("ridList",
		func(rids []string) bool { return len(rids) == 0 },
		func(rids []string) ([]string, string, error) {
			out := slices.Clone(rids)
			sort.Strings(out)
			out = slices.Compact(out)
			key, err := Key(out)
			if err != nil {
				return nil, "", err
			}
			return out, "rids" + key, nil
		})
}

// NewFunctionParams canonicalizes function parameter maps. Objects passed
// as parameters reduce to their identity.
func NewFunctionParams() *Canonicalizer[map[string]any] {
	return newCanonicalizer("functionParams",
		func(p map[string]any) bool { return len(p) == 0 },
		func(p map[string]any) (map[string]any, string, error) {
			v, key, err := Normalize(p)
			if err != nil {
				return nil, "", err
			}
			m, ok := v.(map[string]any)
			if !ok {
				return nil, "", fmt.Errorf("%w: parameters are an object identity", ErrInvalidInput)
			}
			return m, key, nil
		})
}

// Canonicalizers groups the canonicalizers shared by one client.
type Canonicalizers struct {
	Where          *Canonicalizer[ontology.WhereClause]
	OrderBy        *Canonicalizer[ontology.OrderBy]
	Rdp            *Canonicalizer[objectset.DerivedProperties]
	Intersect      *Canonicalizer[[]*objectset.ObjectSet]
	Pivot          *Canonicalizer[*objectset.PivotInfo]
	RidList        *Canonicalizer[[]string]
	FunctionParams *Canonicalizer[map[string]any]
}

// NewCanonicalizers creates one of each canonicalizer.
func NewCanonicalizers() *Canonicalizers {
	return &Canonicalizers{
		Where:          NewWhere(),
		OrderBy:        NewOrderBy(),
		Rdp:            NewRdp(),
		Intersect:      NewIntersect(),
		Pivot:          NewPivot(),
		RidList:        NewRidList(),
		FunctionParams: NewFunctionParams(),
	}
}
