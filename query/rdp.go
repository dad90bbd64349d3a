package query

import (
	"maps"

	"github.com/jonwraymond/objectcache/ontology"
)

// ReconcileRdpFields adapts source, cached for a variant holding
// sourceFields, to a variant holding targetFields.
//
//   - A target without derived fields gets source with every derived
//     field stripped.
//   - A target whose fields are a subset of the source's gets source
//     filtered to exactly those fields, or source itself when the sets are
//     equal.
//   - Otherwise the result carries source's regular fields and the
//     overlapping derived fields, and target-only derived fields are
//     filled from targetPrev when it has them.
//
// source is never modified. A nil source yields nil.
func ReconcileRdpFields(source *ontology.Object, sourceFields, targetFields []string, targetPrev *ontology.Object) *ontology.Object {
	if source == nil {
		return nil
	}
	src := set(sourceFields)
	dst := set(targetFields)

	if len(dst) == 0 {
		if len(src) == 0 {
			return source
		}
		return without(source, src)
	}

	if superset(src, dst) {
		if len(src) == len(dst) {
			return source
		}
		return without(source, difference(src, dst))
	}

	out := without(source, difference(src, dst))
	if targetPrev != nil {
		for name := range difference(dst, src) {
			if v, ok := targetPrev.Properties[name]; ok {
				out.Properties[name] = v
			}
		}
	}
	return out
}

func set(names []string) map[string]struct{} {
	out := make(map[string]struct{}, len(names))
	for _, n := range names {
		out[n] = struct{}{}
	}
	return out
}

func superset(a, b map[string]struct{}) bool {
	for k := range b {
		if _, ok := a[k]; !ok {
			return false
		}
	}
	return true
}

func difference(a, b map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{})
	for k := range a {
		if _, ok := b[k]; !ok {
			out[k] = struct{}{}
		}
	}
	return out
}

// without returns a copy of o lacking the named properties.
func without(o *ontology.Object, names map[string]struct{}) *ontology.Object {
	out := *o
	out.Properties = maps.Clone(o.Properties)
	if out.Properties == nil {
		out.Properties = make(map[string]any)
	}
	for n := range names {
		delete(out.Properties, n)
	}
	return &out
}
