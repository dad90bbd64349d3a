package cache

import "time"

// BatchOptions selects where a batch writes.
type BatchOptions struct {
	// Layer is the target layer. Empty means the truth layer.
	Layer LayerID
}

// Tx is the write view of one batch. A Tx is only valid inside the batch
// function that received it and must not be retained.
//
// Store methods must not be called from inside a batch; everything a batch
// needs is reachable through the Tx.
type Tx struct {
	store   *Store
	layer   *Layer
	now     time.Time
	journal map[*CacheKey]journalEntry
	changed []*CacheKey
}

type journalEntry struct {
	prev *Entry
	had  bool
}

func newTx(s *Store, layer *Layer) *Tx {
	return &Tx{
		store:   s,
		layer:   layer,
		now:     s.now(),
		journal: make(map[*CacheKey]journalEntry),
	}
}

// Layer returns the id of the layer this batch writes to.
func (tx *Tx) Layer() LayerID { return tx.layer.id }

// Now returns the batch timestamp. Every entry written in the batch
// carries it.
func (tx *Tx) Now() time.Time { return tx.now }

// Keys returns the store's key registry.
func (tx *Tx) Keys() *KeyRegistry { return tx.store.keys }

// Get reads key through the target layer and the layers below it,
// including writes already made in this batch.
func (tx *Tx) Get(key *CacheKey) *Entry {
	if key == nil {
		return nil
	}
	return tx.layer.Get(key)
}

// Set writes value with status.
func (tx *Tx) Set(key *CacheKey, value any, status Status) *Entry {
	return tx.Put(&Entry{CacheKey: key, Value: value, Status: status})
}

// SetError marks key as failed, keeping the last value visible through
// this layer.
func (tx *Tx) SetError(key *CacheKey, err error) *Entry {
	var value any
	var meta map[string]any
	if prev := tx.Get(key); prev != nil {
		value = prev.Value
		meta = prev.DebugMetadata
	}
	return tx.Put(&Entry{CacheKey: key, Value: value, Status: StatusError, Err: err, DebugMetadata: meta})
}

// Put writes e, stamping LastUpdated with the batch time when unset.
// Writes to released keys are dropped and return nil.
func (tx *Tx) Put(e *Entry) *Entry {
	if e == nil || e.CacheKey == nil || !tx.store.keys.Live(e.CacheKey) {
		return nil
	}
	if e.LastUpdated.IsZero() {
		e.LastUpdated = tx.now
	}
	tx.record(e.CacheKey)
	tx.layer.set(e)
	return e
}

// Delete removes key from the target layer only.
func (tx *Tx) Delete(key *CacheKey) {
	if key == nil {
		return
	}
	if _, ok := tx.layer.Local(key); !ok {
		return
	}
	tx.record(key)
	tx.layer.delete(key)
}

// Queries returns the live queries registered with the store.
func (tx *Tx) Queries() []Query {
	return tx.store.queriesLocked()
}

func (tx *Tx) record(key *CacheKey) {
	if _, seen := tx.journal[key]; seen {
		return
	}
	prev, had := tx.layer.Local(key)
	tx.journal[key] = journalEntry{prev: prev, had: had}
	tx.changed = append(tx.changed, key)
}

func (tx *Tx) rollback() {
	for key, j := range tx.journal {
		if j.had {
			tx.layer.set(j.prev)
		} else {
			tx.layer.delete(key)
		}
	}
	tx.changed = nil
}
