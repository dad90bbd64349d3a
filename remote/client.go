package remote

import (
	"context"

	"github.com/jonwraymond/objectcache/objectset"
	"github.com/jonwraymond/objectcache/ontology"
)

// LoadObjectRequest fetches one object by primary key.
type LoadObjectRequest struct {
	ApiName    string
	PrimaryKey any

	// DerivedProperties are computed for the object and returned among its
	// properties.
	DerivedProperties objectset.DerivedProperties
}

// LoadObjectsRequest fetches one page of an object set.
type LoadObjectsRequest struct {
	ObjectSet *objectset.ObjectSet
	OrderBy   ontology.OrderBy
	PageSize  int
	PageToken string
}

// LoadObjectsResponse is one page of objects.
type LoadObjectsResponse struct {
	Data []*ontology.Object
	// NextPageToken is empty on the last page.
	NextPageToken string
	// TotalCount is the server's estimate, or -1 when unknown.
	TotalCount int
}

// ApplyActionRequest applies one action.
type ApplyActionRequest struct {
	Action     string
	Parameters map[string]any
	// ReturnEdits asks the server to report the objects it touched.
	ReturnEdits bool
}

// BatchApplyActionRequest applies one action several times atomically.
type BatchApplyActionRequest struct {
	Action      string
	Requests    []map[string]any
	ReturnEdits bool
}

// EditsKind tells how an ActionResult describes its edits.
type EditsKind string

const (
	// EditsObjects lists every added, modified and deleted object.
	EditsObjects EditsKind = "edits"
	// EditsObjectTypes only names the object types that changed.
	EditsObjectTypes EditsKind = "largeScaleEdits"
)

// ActionResult reports what an action changed.
type ActionResult struct {
	Kind EditsKind

	AddedObjects    []ontology.ObjectRef
	ModifiedObjects []ontology.ObjectRef
	DeletedObjects  []ontology.ObjectRef

	// EditedObjectTypes is set for EditsObjectTypes results.
	EditedObjectTypes []string

	DeletedObjectsCount int
}

// Touched returns every object the result names, deleted objects last.
func (r *ActionResult) Touched() []ontology.ObjectRef {
	if r == nil {
		return nil
	}
	out := make([]ontology.ObjectRef, 0, len(r.AddedObjects)+len(r.ModifiedObjects)+len(r.DeletedObjects))
	out = append(out, r.AddedObjects...)
	out = append(out, r.ModifiedObjects...)
	out = append(out, r.DeletedObjects...)
	return out
}

// ExecuteFunctionRequest executes a registered function.
type ExecuteFunctionRequest struct {
	ApiName string
	Version string
	Params  map[string]any
}

// Client is the remote API the cache reads from and writes to.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Context: implementations must honor cancellation.
// - Errors: LoadObject returns ErrNotFound for a missing object; rejected
// actions return *ValidationError; transport failures return *Error.
// - Ownership: returned objects belong to the caller and are not mutated
// by the client afterwards.
type Client interface {
	LoadObject(ctx context.Context, req LoadObjectRequest) (*ontology.Object, error)
	LoadObjects(ctx context.Context, req LoadObjectsRequest) (*LoadObjectsResponse, error)
	ApplyAction(ctx context.Context, req ApplyActionRequest) (*ActionResult, error)
	BatchApplyAction(ctx context.Context, req BatchApplyActionRequest) (*ActionResult, error)
	ExecuteFunction(ctx context.Context, req ExecuteFunctionRequest) (any, error)
}
