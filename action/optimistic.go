package action

import (
	"fmt"

	"github.com/jonwraymond/objectcache/cache"
	"github.com/jonwraymond/objectcache/ontology"
	"github.com/jonwraymond/objectcache/query"
)

// OptimisticContext collects the tentative writes of one action. Methods
// return the context so calls can be chained; the first invalid call is
// reported by Apply and nothing is written.
type OptimisticContext struct {
	engine *query.Engine
	writes []tentative
	err    error
}

type tentative struct {
	ref ontology.ObjectRef
	// obj is nil for deletions.
	obj *ontology.Object
}

// UpdateObject shows obj in place of the cached object.
func (c *OptimisticContext) UpdateObject(obj *ontology.Object) *OptimisticContext {
	return c.write(obj, "UpdateObject")
}

// CreateObject shows obj as a new object. Live lists it matches pick it up.
func (c *OptimisticContext) CreateObject(obj *ontology.Object) *OptimisticContext {
	return c.write(obj, "CreateObject")
}

// DeleteObject hides ref from every query.
func (c *OptimisticContext) DeleteObject(ref ontology.ObjectRef) *OptimisticContext {
	if c.err != nil {
		return c
	}
	if ref.ApiName == "" || ref.PrimaryKey == nil {
		c.err = fmt.Errorf("%w: DeleteObject needs an api name and primary key", ErrOptimisticUpdate)
		return c
	}
	c.writes = append(c.writes, tentative{ref: ref})
	return c
}

func (c *OptimisticContext) write(obj *ontology.Object, op string) *OptimisticContext {
	if c.err != nil {
		return c
	}
	if obj == nil || obj.ApiName == "" || obj.PrimaryKey == nil {
		c.err = fmt.Errorf("%w: %s needs an object with api name and primary key", ErrOptimisticUpdate, op)
		return c
	}
	c.writes = append(c.writes, tentative{ref: obj.Ref(), obj: obj})
	return c
}

// apply writes the collected changes onto layer in one batch. The
// returned keys are held until the layer is removed.
func (c *OptimisticContext) apply(layer cache.LayerID) ([]*cache.CacheKey, error) {
	if c.err != nil {
		return nil, c.err
	}
	e := c.engine
	held := make([]*cache.CacheKey, len(c.writes))
	for i, w := range c.writes {
		if w.obj == nil {
			continue
		}
		key, err := e.ObjectKey(w.ref)
		if err != nil {
			release(e.Store(), held)
			return nil, fmt.Errorf("%w: %w", ErrOptimisticUpdate, err)
		}
		held[i] = key
	}

	err := e.Store().Batch(cache.BatchOptions{Layer: layer}, func(tx *cache.Tx) error {
		for i, w := range c.writes {
			if w.obj == nil {
				e.RemoveObject(tx, w.ref)
				continue
			}
			e.WriteObject(tx, held[i], w.obj)
		}
		return nil
	})
	if err != nil {
		release(e.Store(), held)
		return nil, fmt.Errorf("%w: %w", ErrOptimisticUpdate, err)
	}
	return held, nil
}

func release(store *cache.Store, keys []*cache.CacheKey) {
	for _, k := range keys {
		if k != nil {
			store.Release(k)
		}
	}
}
