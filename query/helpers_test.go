package query_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jonwraymond/objectcache/cache"
	"github.com/jonwraymond/objectcache/ontology"
	"github.com/jonwraymond/objectcache/query"
	"github.com/jonwraymond/objectcache/remote/remotetest"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func testDefinitions(t *testing.T) *ontology.Registry {
	t.Helper()
	defs := ontology.NewRegistry()
	str := ontology.PropertyDefinition{Type: "string"}
	num := ontology.PropertyDefinition{Type: "integer"}

	require.NoError(t, defs.RegisterInterface(ontology.InterfaceDefinition{
		ApiName:    "Worker",
		Properties: map[string]ontology.PropertyDefinition{"label": str},
	}))
	require.NoError(t, defs.RegisterObjectType(ontology.ObjectTypeDefinition{
		ApiName:           "Employee",
		PrimaryKeyApiName: "id",
		PrimaryKeyType:    "integer",
		Properties: map[string]ontology.PropertyDefinition{
			"id":     num,
			"name":   str,
			"dept":   str,
			"salary": num,
		},
		Links: map[string]ontology.LinkDefinition{
			"manager": {TargetType: "Employee"},
			"reports": {TargetType: "Employee", Many: true},
			"office":  {TargetType: "Office"},
		},
		Implements:   []string{"Worker"},
		InterfaceMap: map[string]map[string]string{"Worker": {"label": "name"}},
	}))
	require.NoError(t, defs.RegisterObjectType(ontology.ObjectTypeDefinition{
		ApiName:           "Office",
		PrimaryKeyApiName: "code",
		PrimaryKeyType:    "string",
		Properties:        map[string]ontology.PropertyDefinition{"code": str, "city": str},
		Links: map[string]ontology.LinkDefinition{
			"occupants": {TargetType: "Employee", Many: true},
		},
	}))
	require.NoError(t, defs.RegisterQuery(ontology.QueryDefinition{ApiName: "headcount", Version: "1.0.0"}))
	return defs
}

type fixture struct {
	engine  *query.Engine
	store   *cache.Store
	client  *remotetest.Client
	streams *remotetest.Streams
}

func newFixture(t *testing.T, policy cache.Policy) *fixture {
	t.Helper()
	client := remotetest.NewClient()
	client.Implement("Worker", "Employee")
	streams := remotetest.NewStreams()
	store := cache.NewStore()

	cfg := query.DefaultConfig()
	cfg.Policy = policy
	cfg.PageSize = 10
	cfg.Streams = streams
	e, err := query.NewEngine(store, client, testDefinitions(t), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	return &fixture{engine: e, store: store, client: client, streams: streams}
}

func employee(id int, name, dept string) *ontology.Object {
	return &ontology.Object{
		ApiName:    "Employee",
		PrimaryKey: id,
		Properties: map[string]any{"id": id, "name": name, "dept": dept},
	}
}

func employeeRef(id int) ontology.ObjectRef {
	return ontology.ObjectRef{ApiName: "Employee", PrimaryKey: id}
}

// recorder collects what a subscription delivers.
type recorder[T any] struct {
	mu     sync.Mutex
	values []T
	errs   []error
}

func (r *recorder[T]) observer() cache.Observer[T] {
	return cache.Observer[T]{
		Next: func(v T) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.values = append(r.values, v)
		},
		Error: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
	}
}

func (r *recorder[T]) last() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.values) == 0 {
		var zero T
		return zero, false
	}
	return r.values[len(r.values)-1], true
}

func (r *recorder[T]) failures() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

// await waits until the latest delivered value satisfies cond and
// returns it.
func (r *recorder[T]) await(t *testing.T, cond func(T) bool) T {
	t.Helper()
	var got T
	require.Eventually(t, func() bool {
		v, ok := r.last()
		if ok && cond(v) {
			got = v
			return true
		}
		return false
	}, waitFor, tick)
	return got
}

func objectLoaded(p query.ObjectPayload) bool { return p.Status == cache.StatusLoaded }

func listLoaded(p query.ListPayload) bool { return p.Status == cache.StatusLoaded }

func names(p query.ListPayload) []string {
	out := make([]string, 0, len(p.Objects))
	for _, o := range p.Objects {
		name, _ := o.Get("name")
		s, _ := name.(string)
		out = append(out, s)
	}
	return out
}
