package query_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonwraymond/objectcache/cache"
	"github.com/jonwraymond/objectcache/ontology"
	"github.com/jonwraymond/objectcache/query"
	"github.com/jonwraymond/objectcache/remote/remotetest"
)

func TestNewEngine_Validation(t *testing.T) {
	defs := testDefinitions(t)
	client := remotetest.NewClient()

	_, err := query.NewEngine(nil, client, defs, query.DefaultConfig())
	assert.ErrorIs(t, err, query.ErrInvalidOptions)

	_, err = query.NewEngine(cache.NewStore(), nil, defs, query.DefaultConfig())
	assert.ErrorIs(t, err, query.ErrInvalidOptions)

	cfg := query.DefaultConfig()
	cfg.Policy.KeepWarm = -1
	_, err = query.NewEngine(cache.NewStore(), client, defs, cfg)
	assert.Error(t, err)

	cfg = query.DefaultConfig()
	cfg.PageSize = 0
	e, err := query.NewEngine(cache.NewStore(), client, defs, cfg)
	require.NoError(t, err)
	defer e.Close()
	q, err := e.List(query.ListOptions{Type: "Employee"})
	require.NoError(t, err)
	assert.Equal(t, query.DefaultPageSize, q.PageSize())
}

func TestEngine_CloseDisposesQueries(t *testing.T) {
	f := newFixture(t, cache.DefaultPolicy())
	f.client.Put(employee(1, "Ada", "eng"))

	var rec recorder[query.ObjectPayload]
	obj, _, err := f.engine.ObserveObject("Employee", 1, query.ObjectOptions{}, rec.observer())
	require.NoError(t, err)
	list, err := f.engine.List(query.ListOptions{Type: "Employee"})
	require.NoError(t, err)
	rec.await(t, objectLoaded)

	require.NoError(t, f.engine.Close())
	require.NoError(t, f.engine.Close())

	assert.True(t, obj.Disposed())
	assert.True(t, list.Disposed())
	assert.Equal(t, 0, f.store.Stats().LiveQueries)
	assert.ErrorIs(t, list.FetchMore(t.Context()), query.ErrDisposed)
}

func TestEngine_ObjectKeyIsPlainVariant(t *testing.T) {
	f := newFixture(t, cache.DefaultPolicy())

	q, err := f.engine.Object("Employee", 5, query.ObjectOptions{})
	require.NoError(t, err)

	key, err := f.engine.ObjectKey(employeeRef(5))
	require.NoError(t, err)
	defer f.store.Release(key)
	assert.Same(t, q.CacheKey(), key)

	_, err = f.engine.ObjectKey(ontology.ObjectRef{ApiName: "Nope", PrimaryKey: 5})
	assert.ErrorIs(t, err, query.ErrUnknownType)
}
