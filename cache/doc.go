// Package cache provides the layered, observable value store behind the
// object cache.
//
// Values are stored under interned CacheKeys. A Store holds a stack of
// Layers: the confirmed truth layer, zero or more optimistic overlays and
// an optional mock overlay. Writes are grouped into batches so watchers
// observe a single atomic update. Live queries register with the Store so
// invalidation can reach them.
//
// Subject and Subscription provide the replay-last multicast used to
// deliver query payloads to subscribers.
package cache
