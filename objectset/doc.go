// Package objectset models the remote object-set expression tree and
// analyzes it to find which entity types must invalidate a cached query.
//
// An expression names a starting set (base, interfaceBase, static) and
// refines it with filters, link hops (searchAround, pivot), derived
// properties (withProperties) and set algebra (union, intersect, subtract).
// The Analyzer walks such a tree and reports the result type, the set of
// types that were traversed on the way, and how often each type appears.
package objectset
