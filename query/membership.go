package query

import (
	"context"
	"slices"

	"github.com/jonwraymond/objectcache/cache"
	"github.com/jonwraymond/objectcache/filter"
	"github.com/jonwraymond/objectcache/observe"
	"github.com/jonwraymond/objectcache/ontology"
)

// maintainLists keeps loaded lists consistent with a write to ref without
// refetching them. obj is nil when the object was deleted.
func (e *Engine) maintainLists(tx *cache.Tx, ref ontology.ObjectRef, obj *ontology.Object) {
	for _, q := range tx.Queries() {
		lq, ok := q.(*ListQuery)
		if !ok || lq.engine != e || !lq.holds(ref.ApiName) {
			continue
		}
		lq.maintain(tx, ref, obj)
	}
}

// holds reports whether objects of apiName can be members.
func (q *ListQuery) holds(apiName string) bool {
	if q.iface != "" {
		return q.implementers[apiName]
	}
	return apiName == q.memberType
}

// filtersMembers reports whether the where clause applies to members. A
// pivot filters the source objects, not the targets.
func (q *ListQuery) filtersMembers() bool {
	return q.where != nil && q.pivot == nil
}

// insertsLocally reports whether a matching object may be added without
// asking the server. Link, pivot and intersect membership cannot be
// decided from the object alone.
func (q *ListQuery) insertsLocally() bool {
	return q.kind != listLinks && q.pivot == nil && q.intersect == nil
}

// maintain applies one object write to this list's state in tx:
//
//   - a deleted object is removed;
//   - a member that certainly fails the where clause is removed;
//   - a member whose sort position changed is moved;
//   - a non-member that certainly matches is inserted at its sorted
//     position, unless that position is past the loaded window.
func (q *ListQuery) maintain(tx *cache.Tx, ref ontology.ObjectRef, obj *ontology.Object) {
	prev := tx.Get(q.key)
	st := listStateOf(prev)
	if st == nil {
		return
	}
	key := tx.Keys().Lookup(cache.KindObject, ref.ApiName, ref.PrimaryKey, q.rdp)
	if key == nil {
		return
	}
	idx := slices.Index(st.Members, key)

	if obj == nil {
		if idx >= 0 {
			q.writeState(tx, prev, removeAt(st, idx, true))
		}
		return
	}
	member := objectOf(tx.Get(key))
	if member == nil {
		return
	}

	if idx >= 0 {
		if q.filtersMembers() && !q.matches(member, false) {
			q.writeState(tx, prev, removeAt(st, idx, true))
			return
		}
		if q.orderBy == nil {
			return
		}
		rest := removeAt(st, idx, false)
		pos, ok := q.position(tx, rest, member)
		switch {
		case !ok:
			// Sorted past the loaded window; a later page brings it back.
			q.writeState(tx, prev, rest)
		case pos != idx:
			q.writeState(tx, prev, insertAt(rest, pos, key, false))
		}
		return
	}

	if !q.insertsLocally() || (q.where != nil && !q.matches(member, true)) {
		return
	}
	if pos, ok := q.position(tx, st, member); ok {
		q.writeState(tx, prev, insertAt(st, pos, key, true))
	}
}

// upsert places key in the list whether or not the local filter agrees.
// Used for server-pushed membership.
func (q *ListQuery) upsert(tx *cache.Tx, key *cache.CacheKey, obj *ontology.Object) {
	prev := tx.Get(q.key)
	st := listStateOf(prev)
	if st == nil || slices.Contains(st.Members, key) {
		return
	}
	member := objectOf(tx.Get(key))
	if member == nil {
		member = obj
	}
	if pos, ok := q.position(tx, st, member); ok {
		q.writeState(tx, prev, insertAt(st, pos, key, true))
	}
}

// remove drops ref from this list only.
func (q *ListQuery) remove(tx *cache.Tx, ref ontology.ObjectRef) {
	prev := tx.Get(q.key)
	st := listStateOf(prev)
	if st == nil {
		return
	}
	key := tx.Keys().Lookup(cache.KindObject, ref.ApiName, ref.PrimaryKey, q.rdp)
	if idx := slices.Index(st.Members, key); key != nil && idx >= 0 {
		q.writeState(tx, prev, removeAt(st, idx, true))
	}
}

// writeState replaces the list state, keeping the entry's status and
// timestamp so that local edits do not count as a fresh load.
func (q *ListQuery) writeState(tx *cache.Tx, prev *cache.Entry, st *ListState) {
	tx.Put(&cache.Entry{
		CacheKey:      q.key,
		Value:         st,
		Status:        prev.Status,
		LastUpdated:   prev.LastUpdated,
		Err:           prev.Err,
		DebugMetadata: prev.DebugMetadata,
	})
}

// matches evaluates the where clause against obj, projected through the
// list's interface when it has one.
func (q *ListQuery) matches(obj *ontology.Object, strict bool) bool {
	if q.where == nil {
		return true
	}
	ok, err := q.engine.eval.Matches(q.sortView(obj), q.where.Value(), strict)
	if err != nil {
		q.logger.Error(context.Background(), "where clause invariant violated", observe.Err(err))
		return !strict
	}
	return ok
}

// position returns where obj sorts among the loaded members. The second
// result is false when obj sorts after every loaded member and more pages
// remain, so its real position is unknown.
func (q *ListQuery) position(tx *cache.Tx, st *ListState, obj *ontology.Object) (int, bool) {
	if q.orderBy != nil {
		for i, k := range st.Members {
			other := objectOf(tx.Get(k))
			if other != nil && q.compare(obj, other) < 0 {
				return i, true
			}
		}
	}
	return len(st.Members), st.Done
}

// compare orders a before b by the list's orderBy. Values that cannot be
// compared fall through to the next clause.
func (q *ListQuery) compare(a, b *ontology.Object) int {
	av, bv := q.sortView(a), q.sortView(b)
	for _, clause := range q.orderBy.Value() {
		x, _ := av.Get(clause.Property)
		y, _ := bv.Get(clause.Property)
		c, ok := filter.Compare(x, y)
		if !ok || c == 0 {
			continue
		}
		if clause.Direction == ontology.Desc {
			return -c
		}
		return c
	}
	return 0
}

// sortView returns the properties the list filters and sorts on.
func (q *ListQuery) sortView(obj *ontology.Object) *ontology.Object {
	if q.iface == "" {
		return obj
	}
	view, err := q.project(obj)
	if err != nil {
		return obj
	}
	return &ontology.Object{ApiName: obj.ApiName, PrimaryKey: obj.PrimaryKey, Properties: view.Properties}
}

func removeAt(st *ListState, idx int, counted bool) *ListState {
	out := st.clone()
	out.Members = slices.Delete(out.Members, idx, idx+1)
	if counted && out.TotalCount > 0 {
		out.TotalCount--
	}
	return out
}

func insertAt(st *ListState, idx int, key *cache.CacheKey, counted bool) *ListState {
	out := st.clone()
	out.Members = slices.Insert(out.Members, idx, key)
	if counted {
		out.TotalCount++
	}
	return out
}
