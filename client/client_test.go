package client_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonwraymond/objectcache/action"
	"github.com/jonwraymond/objectcache/cache"
	"github.com/jonwraymond/objectcache/client"
	"github.com/jonwraymond/objectcache/health"
	"github.com/jonwraymond/objectcache/ontology"
	"github.com/jonwraymond/objectcache/query"
	"github.com/jonwraymond/objectcache/remote"
	"github.com/jonwraymond/objectcache/remote/remotetest"
)

func definitions(t *testing.T) *ontology.Registry {
	t.Helper()
	defs := ontology.NewRegistry()
	require.NoError(t, defs.RegisterObjectType(ontology.ObjectTypeDefinition{
		ApiName:           "Task",
		PrimaryKeyApiName: "id",
		Properties: map[string]ontology.PropertyDefinition{
			"id":    {Type: "string"},
			"title": {Type: "string"},
			"done":  {Type: "boolean"},
		},
	}))
	return defs
}

func task(id, title string, done bool) *ontology.Object {
	return &ontology.Object{
		ApiName:    "Task",
		PrimaryKey: id,
		Properties: map[string]any{"id": id, "title": title, "done": done},
	}
}

func newClient(t *testing.T, opts ...client.Option) (*client.Client, *remotetest.Client) {
	t.Helper()
	cfg := client.DefaultConfig()
	cfg.Observe.Logging.Enabled = false
	cfg.Resilience.MaxAttempts = 1

	transport := remotetest.NewClient()
	c, err := client.New(context.Background(), cfg, transport, definitions(t), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c, transport
}

type lastPayload[T any] struct {
	mu sync.Mutex
	v  T
	ok bool
}

func (l *lastPayload[T]) observer() cache.Observer[T] {
	return cache.Observer[T]{Next: func(v T) {
		l.mu.Lock()
		l.v, l.ok = v, true
		l.mu.Unlock()
	}}
}

func (l *lastPayload[T]) eventually(t *testing.T, cond func(T) bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.ok && cond(l.v)
	}, 2*time.Second, 5*time.Millisecond)
}

func title(want string) func(query.ObjectPayload) bool {
	return func(p query.ObjectPayload) bool {
		return p.Object != nil && p.Object.Properties["title"] == want
	}
}

func TestNew_Validation(t *testing.T) {
	ctx := context.Background()
	_, err := client.New(ctx, client.DefaultConfig(), nil, definitions(t))
	assert.ErrorIs(t, err, client.ErrInvalidConfig)

	cfg := client.DefaultConfig()
	cfg.PageSize = -3
	_, err = client.New(ctx, cfg, remotetest.NewClient(), definitions(t))
	assert.ErrorIs(t, err, client.ErrInvalidConfig)
}

func TestClient_ObserveAndInvalidate(t *testing.T) {
	c, transport := newClient(t)
	transport.Put(task("t1", "write docs", false))

	var got lastPayload[query.ObjectPayload]
	_, sub, err := c.ObserveObject("Task", "t1", query.ObjectOptions{}, got.observer())
	require.NoError(t, err)
	defer sub.Unsubscribe()
	got.eventually(t, title("write docs"))

	transport.Put(task("t1", "write better docs", false))
	require.NoError(t, c.InvalidateObject(context.Background(), ontology.ObjectRef{ApiName: "Task", PrimaryKey: "t1"}))
	got.eventually(t, title("write better docs"))

	assert.Equal(t, 2, transport.Calls(remotetest.OpLoadObject))
	assert.Equal(t, 1, c.Stats().LiveQueries)
}

func TestClient_ObserveListWithStreams(t *testing.T) {
	streams := remotetest.NewStreams()
	c, transport := newClient(t, client.WithStreams(streams))
	transport.Put(task("t1", "a", false), task("t2", "b", true))

	var got lastPayload[query.ListPayload]
	_, sub, err := c.ObserveList(query.ListOptions{
		Type:          "Task",
		Where:         ontology.WhereClause{"done": false},
		StreamUpdates: true,
	}, got.observer())
	require.NoError(t, err)
	got.eventually(t, func(p query.ListPayload) bool { return p.Status == cache.StatusLoaded && len(p.Objects) == 1 })
	require.Eventually(t, func() bool { return streams.Active() == 1 }, time.Second, 5*time.Millisecond)

	sub.Unsubscribe()
	require.Eventually(t, func() bool { return streams.Active() == 0 }, time.Second, 5*time.Millisecond)
}

func TestClient_ApplyAction(t *testing.T) {
	c, transport := newClient(t)
	transport.Put(task("t1", "ship it", false))
	transport.OnAction("complete", func(rc *remotetest.Client, params map[string]any) (*remote.ActionResult, error) {
		ref := ontology.ObjectRef{ApiName: "Task", PrimaryKey: params["id"]}
		cur, _ := rc.Object(ref)
		rc.Put(cur.With(map[string]any{"done": true}))
		return &remote.ActionResult{Kind: remote.EditsObjects, ModifiedObjects: []ontology.ObjectRef{ref}}, nil
	})

	var got lastPayload[query.ObjectPayload]
	_, sub, err := c.ObserveObject("Task", "t1", query.ObjectOptions{}, got.observer())
	require.NoError(t, err)
	defer sub.Unsubscribe()
	got.eventually(t, title("ship it"))

	_, err = c.ApplyAction(context.Background(), ontology.ActionDefinition{ApiName: "complete"}, map[string]any{"id": "t1"}, action.Options{
		OptimisticUpdate: func(oc *action.OptimisticContext) {
			oc.UpdateObject(task("t1", "ship it", true))
		},
	})
	require.NoError(t, err)
	got.eventually(t, func(p query.ObjectPayload) bool { return p.Object != nil && p.Object.Properties["done"] == true })
	assert.Zero(t, c.Stats().OptimisticLayers)
}

func TestClient_MockObjects(t *testing.T) {
	c, transport := newClient(t)
	transport.Put(task("t1", "real", false))

	var got lastPayload[query.ObjectPayload]
	_, sub, err := c.ObserveObject("Task", "t1", query.ObjectOptions{}, got.observer())
	require.NoError(t, err)
	defer sub.Unsubscribe()
	got.eventually(t, title("real"))

	id, err := c.MockObjects("", task("t1", "mocked", false))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	got.eventually(t, title("mocked"))
	assert.Equal(t, 1, c.Stats().Mocks)

	require.NoError(t, c.RemoveMock(context.Background(), id))
	got.eventually(t, title("real"))

	_, err = c.MockObjects("bad", &ontology.Object{ApiName: "Nope", PrimaryKey: 1})
	assert.ErrorIs(t, err, query.ErrUnknownType)
	_, err = c.MockObjects("nil", nil)
	assert.ErrorIs(t, err, query.ErrInvalidOptions)
	assert.ErrorIs(t, c.RemoveMock(context.Background(), "never"), cache.ErrUnknownMock)
}

func TestClient_Health(t *testing.T) {
	c, transport := newClient(t)

	r := c.Health(context.Background())
	assert.Equal(t, health.StatusHealthy, r.Status)
	assert.Contains(t, r.Details, "store")
	assert.Contains(t, r.Details, "remote")

	transport.FailNext(remotetest.OpLoadObject, &remote.Error{Op: remotetest.OpLoadObject, Status: 500})
	var got lastPayload[query.ObjectPayload]
	_, sub, err := c.ObserveObject("Task", "t9", query.ObjectOptions{}, got.observer())
	require.NoError(t, err)
	defer sub.Unsubscribe()
	got.eventually(t, func(p query.ObjectPayload) bool { return p.Status == cache.StatusError })

	r = c.Health(context.Background())
	assert.Equal(t, health.StatusUnhealthy, r.Status, "the only live query is failing")
}

func TestClient_Close(t *testing.T) {
	c, transport := newClient(t)
	transport.Put(task("t1", "x", false))

	_, _, err := c.ObserveObject("Task", "t1", query.ObjectOptions{}, cache.Observer[query.ObjectPayload]{})
	require.NoError(t, err)

	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()))
	assert.Zero(t, c.Stats().LiveQueries)

	_, _, err = c.ObserveObject("Task", "t1", query.ObjectOptions{}, cache.Observer[query.ObjectPayload]{})
	assert.ErrorIs(t, err, query.ErrEngineClosed)
	_, err = c.ApplyAction(context.Background(), ontology.ActionDefinition{ApiName: "complete"}, nil, action.Options{})
	assert.ErrorIs(t, err, client.ErrClosed)
}
