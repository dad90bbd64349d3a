package remote

import (
	"context"
	"io"

	"github.com/jonwraymond/objectcache/objectset"
	"github.com/jonwraymond/objectcache/ontology"
)

// UpdateState is the kind of change a stream update carries.
type UpdateState string

const (
	StateAddedOrUpdated UpdateState = "ADDED_OR_UPDATED"
	StateRemoved        UpdateState = "REMOVED"
)

// StreamUpdate is one pushed object change.
type StreamUpdate struct {
	State UpdateState `json:"state"`
	// Object is the new value. For removals only its identity is set.
	Object *ontology.Object `json:"object"`
}

// StreamRequest selects the objects to watch.
type StreamRequest struct {
	ObjectSet  *objectset.ObjectSet `json:"objectSet"`
	Properties []string             `json:"propertySet,omitempty"`
}

// StreamHandler receives stream events. Any callback may be nil.
type StreamHandler struct {
	// OnChange delivers a batch of updates in server order.
	OnChange func([]StreamUpdate)
	// OnOutOfDate is called when the server can no longer describe the
	// changes incrementally; the subscriber should refetch.
	OnOutOfDate func()
	// OnError is called once when the subscription ends abnormally.
	OnError func(error)
}

// StreamSubscriber opens push subscriptions.
//
// Contract:
// - Concurrency: safe for concurrent use; callbacks for one subscription
// never run concurrently with each other.
// - Lifecycle: closing the returned io.Closer stops further callbacks.
type StreamSubscriber interface {
	Subscribe(ctx context.Context, req StreamRequest, h StreamHandler) (io.Closer, error)
}
