// Package action applies remote actions and keeps the cache consistent
// with their effects.
//
// Applier.Apply runs one action end to end:
//
//  1. An optional OptimisticUpdate writes tentative objects onto a fresh
//     optimistic layer. Every query sees them immediately.
//  2. The action is dispatched, as a batch when the arguments are a slice,
//     asking the server to report its edits.
//  3. Edited objects are refreshed in parallel and deleted objects are
//     removed from every live list at once. A result that only names
//     edited object types invalidates those types wholesale.
//  4. The optimistic layer is removed whatever the outcome, so tentative
//     data never outlives the call.
//
// A rejected action returns the server's *remote.ValidationError
// unchanged.
package action
