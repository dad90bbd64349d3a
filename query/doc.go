// Package query implements live queries over the cache store.
//
// An Engine owns one query per interned CacheKey. Observing the same
// object, list or function twice returns the same query, and every query
// shares the Store's layer stack, so an optimistic write or a mock is seen
// by every subscriber at once.
//
// # Query kinds
//
//   - ObjectQuery loads one object, optionally with derived properties.
//   - ListQuery loads a filtered, sorted, paginated object set. Interface
//     lists project their members through ontology.InterfaceView; links
//     lists follow one link from a source object.
//   - FunctionQuery executes a registered function.
//
// ListQueryView gives one subscriber its own window over a shared
// ListQuery.
//
// # Lifecycle
//
// A query fetches when its first subscriber arrives, unless its cached
// value is younger than the policy's dedupe interval. Concurrent fetches of
// one query are coalesced. When the last subscriber leaves, the query is
// kept warm for the policy's KeepWarm duration and then disposed, which
// releases its cache key and evicts its entries.
//
// # Object variants
//
// One remote object may be cached under several keys, one per set of
// derived properties. ObjectCacheKeyRegistry tracks the variants, and every
// write to one variant is reconciled into the others with
// ReconcileRdpFields so derived data known only to a sibling is kept.
package query
