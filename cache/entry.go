package cache

import "time"

// Status is the load state of an entry.
type Status string

const (
	StatusInit    Status = "init"
	StatusLoading Status = "loading"
	StatusLoaded  Status = "loaded"
	StatusError   Status = "error"
)

// Entry is one cached value. Entries are immutable once written; writers
// replace them instead of mutating them.
type Entry struct {
	CacheKey      *CacheKey
	Value         any
	LastUpdated   time.Time
	Status        Status
	Err           error
	DebugMetadata map[string]any
}

// Loaded reports whether the entry holds a confirmed value.
func (e *Entry) Loaded() bool {
	return e != nil && e.Status == StatusLoaded
}

// Age returns how long ago the entry was written.
func (e *Entry) Age(now time.Time) time.Duration {
	if e == nil || e.LastUpdated.IsZero() {
		return 0
	}
	return now.Sub(e.LastUpdated)
}
