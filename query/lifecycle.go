package query

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonwraymond/objectcache/cache"
	"github.com/jonwraymond/objectcache/observe"
)

// lifecycle is the state every query kind shares: its key, its telemetry
// identity and the bookkeeping that decides when it is disposed.
type lifecycle struct {
	engine    *Engine
	key       *cache.CacheKey
	meta      observe.QueryMeta
	logger    observe.Logger
	keepWarm  time.Duration
	flightKey string
	self      liveQuery

	// guarded by engine.mu
	pins     int
	disposed bool
	timer    *time.Timer
}

func (l *lifecycle) init(e *Engine, key *cache.CacheKey, self liveQuery, keepWarm time.Duration) {
	l.engine = e
	l.key = key
	l.self = self
	l.keepWarm = keepWarm
	l.flightKey = fmt.Sprintf("%p", key)
	l.meta = observe.QueryMeta{Kind: string(key.Kind()), Type: key.Type(), Key: key.String()}
	l.logger = e.logger.WithQuery(l.meta)
}

func (l *lifecycle) life() *lifecycle { return l }

// CacheKey returns the key the query owns.
func (l *lifecycle) CacheKey() *cache.CacheKey { return l.key }

// Disposed reports whether the query has been torn down.
func (l *lifecycle) Disposed() bool {
	l.engine.mu.Lock()
	defer l.engine.mu.Unlock()
	return l.disposed
}

// activate runs when the first subscriber arrives.
func (l *lifecycle) activate() {
	e := l.engine
	e.mu.Lock()
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	disposed := l.disposed
	e.mu.Unlock()
	if disposed {
		return
	}

	e.background(func(ctx context.Context) {
		err := l.self.Revalidate(ctx, false)
		if err != nil && !errors.Is(err, context.Canceled) {
			l.logger.Debug(ctx, "initial fetch failed", observe.Err(err))
		}
	})
}

// idle runs when the last subscriber leaves. The query is disposed after
// its keep-warm duration, or right away when that is zero.
func (l *lifecycle) idle() {
	e := l.engine
	d := e.policy.EffectiveKeepWarm(l.keepWarm)
	if d <= 0 || e.isClosed() {
		e.dispose(l.self)
		return
	}
	l.arm(d)
}

// arm schedules disposal after d unless the query is in use.
func (l *lifecycle) arm(d time.Duration) {
	e := l.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if l.disposed || l.pins > 0 || l.self.observers() > 0 {
		return
	}
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = time.AfterFunc(d, func() { e.dispose(l.self) })
}

// coalescer runs a function serially. A call that arrives while the
// function is running, from any goroutine, makes the running loop go
// around once more instead of running concurrently. Publishers use it so
// that subscribers always see state in order even when notifications
// race.
type coalescer struct {
	mu      sync.Mutex
	running bool
	dirty   bool
}

func (c *coalescer) run(fn func()) {
	c.mu.Lock()
	if c.running {
		c.dirty = true
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	finished := false
	defer func() {
		if finished {
			return
		}
		// fn panicked
		c.mu.Lock()
		c.running = false
		c.dirty = false
		c.mu.Unlock()
	}()
	for {
		fn()
		c.mu.Lock()
		if !c.dirty {
			c.running = false
			c.mu.Unlock()
			finished = true
			return
		}
		c.dirty = false
		c.mu.Unlock()
	}
}
