package query

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/jonwraymond/objectcache/cache"
)

// ListQueryView is one subscriber's window over a shared ListQuery. Views
// over the same query share its fetched data; each reports HasMore
// against its own limit.
//
// Contract:
// - Concurrency: safe for concurrent use.
// - Lifecycle: the view votes for its page size while it has
// subscribers; the vote and the last payload are dropped when the last
// subscriber leaves.
type ListQueryView struct {
	id       string
	query    *ListQuery
	pageSize int

	subject *cache.Subject[ListPayload]
	pub     coalescer

	mu       sync.Mutex
	limit    int
	last     *ListPayload
	upstream *cache.Subscription
	pending  *pendingFetch
}

type pendingFetch struct {
	done chan struct{}
	err  error
}

func (p *pendingFetch) wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewListQueryView creates a view showing pageSize more items per
// FetchMore. A non-positive pageSize uses the query's page size.
func NewListQueryView(q *ListQuery, pageSize int) *ListQueryView {
	if pageSize <= 0 {
		pageSize = q.pageSize
	}
	v := &ListQueryView{
		id:       uuid.NewString(),
		query:    q,
		pageSize: pageSize,
		limit:    pageSize,
	}
	v.subject = cache.NewSubject[ListPayload](v.activate, v.deactivate)
	q.RegisterFetchPageSize(v.id, pageSize)
	return v
}

// ID returns the view's id, used for its page-size vote.
func (v *ListQueryView) ID() string { return v.id }

// Query returns the shared query.
func (v *ListQueryView) Query() *ListQuery { return v.query }

// Limit returns how many items the view currently shows at most.
func (v *ListQueryView) Limit() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.limit
}

// Subscribe adds o.
func (v *ListQueryView) Subscribe(o cache.Observer[ListPayload]) *cache.Subscription {
	return v.subject.Subscribe(o)
}

func (v *ListQueryView) activate() {
	v.query.RegisterFetchPageSize(v.id, v.pageSize)
	sub := v.query.Subscribe(cache.Observer[ListPayload]{
		Next: func(p ListPayload) {
			v.mu.Lock()
			v.last = &p
			v.mu.Unlock()
			v.emit()
		},
		Error: v.subject.Error,
	})
	v.mu.Lock()
	v.upstream = sub
	v.mu.Unlock()
}

func (v *ListQueryView) deactivate() {
	v.mu.Lock()
	sub := v.upstream
	v.upstream = nil
	v.last = nil
	v.mu.Unlock()

	v.query.UnregisterFetchPageSize(v.id)
	if sub != nil {
		sub.Unsubscribe()
	}
}

// emit publishes the shared payload cut to the view's limit.
func (v *ListQueryView) emit() {
	v.pub.run(func() {
		v.mu.Lock()
		if v.last == nil {
			v.mu.Unlock()
			return
		}
		p := window(*v.last, v.limit)
		v.mu.Unlock()
		v.subject.Next(p)
	})
}

func window(p ListPayload, limit int) ListPayload {
	loaded := len(p.Objects)
	out := p
	out.HasMore = limit < loaded || p.HasMore
	if limit < loaded {
		out.Objects = p.Objects[:limit:limit]
		if len(p.Interfaces) >= limit {
			out.Interfaces = p.Interfaces[:limit:limit]
		}
	}
	return out
}

// FetchMore grows the view by one page. When the shared query already
// holds enough items the view re-emits right away without a request.
// Otherwise it asks the shared query for its next page; calls made while
// that request is pending wait for it instead of growing the view again.
func (v *ListQueryView) FetchMore(ctx context.Context) error {
	v.mu.Lock()
	if p := v.pending; p != nil {
		v.mu.Unlock()
		return p.wait(ctx)
	}
	v.limit += v.pageSize
	loaded, serverHasMore := 0, true
	if v.last != nil {
		loaded, serverHasMore = len(v.last.Objects), v.last.HasMore
	}
	if v.limit <= loaded || !serverHasMore {
		v.mu.Unlock()
		v.emit()
		return nil
	}
	p := &pendingFetch{done: make(chan struct{})}
	v.pending = p
	v.mu.Unlock()

	go func() {
		p.err = v.query.FetchMore(context.WithoutCancel(ctx))
		v.mu.Lock()
		v.pending = nil
		v.mu.Unlock()
		close(p.done)
		v.emit()
	}()
	return p.wait(ctx)
}
