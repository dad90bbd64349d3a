package query

import (
	"errors"
	"fmt"

	"github.com/jonwraymond/objectcache/cache"
)

// Sentinel errors for queries.
var (
	ErrInvalidOptions  = errors.New("query: invalid options")
	ErrUnknownType     = errors.New("query: unknown object type")
	ErrUnknownFunction = errors.New("query: unknown function")
	ErrDisposed        = errors.New("query: query has been disposed")
	ErrEngineClosed    = errors.New("query: engine is closed")
	ErrKindMismatch    = errors.New("query: cache key is owned by a different query kind")
)

// FetchError records a failed fetch on a query's cache entry.
type FetchError struct {
	Key *cache.CacheKey
	// Op is "fetch", "fetchMore" or "revalidate".
	Op  string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("query: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }
