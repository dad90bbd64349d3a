// Package ontology holds the typed definitions the cache is driven by:
// object types, interfaces, actions and functions as produced by the
// remote schema, plus the runtime Object value and the where/orderBy
// clause shapes that queries are described with.
//
// Definitions are registered once per client in a Registry and looked up
// by api name. The Registry also answers link-target questions for the
// object-set analyzer.
package ontology
