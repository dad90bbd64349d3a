// Package canonical turns structurally described query fragments into
// interned representatives so that equal inputs always yield the same
// pointer.
//
// Each Canonicalizer owns a content-keyed table: the input is normalized
// (map keys sorted, sets sorted and deduplicated, numbers and dates folded
// to one representation, remote objects reduced to their identity) and the
// normalized encoding selects the interned *Canonical. Downstream code can
// therefore compare canonical fragments, and cache keys built from them,
// with ==.
//
// Functions embedded in an input are opaque: every occurrence is distinct,
// so such inputs are never interned and two calls with the same input
// return different pointers.
// Self-referential inputs fail with ErrCircularReference.
package canonical
