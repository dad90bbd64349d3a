package query_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonwraymond/objectcache/cache"
	"github.com/jonwraymond/objectcache/ontology"
	"github.com/jonwraymond/objectcache/query"
	"github.com/jonwraymond/objectcache/remote"
	"github.com/jonwraymond/objectcache/remote/remotetest"
)

var byName = ontology.OrderBy{{Property: "name", Direction: ontology.Asc}}

func office(code, city string) *ontology.Object {
	return &ontology.Object{
		ApiName:    "Office",
		PrimaryKey: code,
		Properties: map[string]any{"code": code, "city": city},
	}
}

func TestListQuery_KeysIgnoreClauseOrder(t *testing.T) {
	f := newFixture(t, cache.DefaultPolicy())

	a, err := f.engine.List(query.ListOptions{
		Type:  "Employee",
		Where: ontology.WhereClause{"dept": "eng", "salary": map[string]any{"$gt": 10}},
	})
	require.NoError(t, err)
	b, err := f.engine.List(query.ListOptions{
		Type:  "Employee",
		Where: ontology.WhereClause{"salary": map[string]any{"$gt": 10}, "dept": "eng"},
	})
	require.NoError(t, err)
	c, err := f.engine.List(query.ListOptions{Type: "Employee", Where: ontology.WhereClause{"dept": "ops"}})
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}

func TestListQuery_InvalidOptions(t *testing.T) {
	f := newFixture(t, cache.DefaultPolicy())

	_, err := f.engine.List(query.ListOptions{Type: "Nope"})
	assert.ErrorIs(t, err, query.ErrUnknownType)

	cyclic := ontology.WhereClause{}
	cyclic["$and"] = []any{cyclic}
	_, err = f.engine.List(query.ListOptions{Type: "Employee", Where: cyclic})
	assert.ErrorIs(t, err, query.ErrInvalidOptions)

	_, err = f.engine.List(query.ListOptions{Type: "Employee", PivotTo: "nowhere"})
	assert.ErrorIs(t, err, query.ErrInvalidOptions)

	_, err = f.engine.Links(ontology.ObjectRef{ApiName: "Employee"}, "reports", query.LinksOptions{})
	assert.ErrorIs(t, err, query.ErrInvalidOptions)

	assert.Equal(t, 0, f.store.Stats().LiveQueries)
}

func TestListQuery_Pagination(t *testing.T) {
	f := newFixture(t, cache.DefaultPolicy())
	for i := 1; i <= 25; i++ {
		f.client.Put(employee(i, fmt.Sprintf("e%02d", i), "eng"))
	}

	var rec recorder[query.ListPayload]
	q, _, err := f.engine.ObserveList(query.ListOptions{Type: "Employee", OrderBy: byName}, rec.observer())
	require.NoError(t, err)

	got := rec.await(t, listLoaded)
	assert.Len(t, got.Objects, 10)
	assert.True(t, got.HasMore)
	assert.Equal(t, 25, got.TotalCount)

	ctx := context.Background()
	require.NoError(t, q.FetchMore(ctx))
	got = rec.await(t, func(p query.ListPayload) bool { return len(p.Objects) == 20 })
	assert.True(t, got.HasMore)

	require.NoError(t, q.FetchMore(ctx))
	got = rec.await(t, func(p query.ListPayload) bool { return len(p.Objects) == 25 })
	assert.False(t, got.HasMore)
	assert.Equal(t, "e01", names(got)[0])
	assert.Equal(t, "e25", names(got)[24])

	require.NoError(t, q.FetchMore(ctx))
	assert.Equal(t, 3, f.client.Calls(remotetest.OpLoadObjects))

	// Members are shared with object queries for the same objects.
	obj, err := f.engine.Object("Employee", 7, query.ObjectOptions{})
	require.NoError(t, err)
	payload, ok := obj.Payload()
	require.True(t, ok)
	assert.Equal(t, "e07", payload.Object.Properties["name"])
}

func TestListQuery_RevalidateKeepsLoadedRows(t *testing.T) {
	f := newFixture(t, cache.DefaultPolicy())
	for i := 1; i <= 15; i++ {
		f.client.Put(employee(i, fmt.Sprintf("e%02d", i), "eng"))
	}

	var rec recorder[query.ListPayload]
	q, _, err := f.engine.ObserveList(query.ListOptions{Type: "Employee", OrderBy: byName}, rec.observer())
	require.NoError(t, err)
	rec.await(t, listLoaded)
	require.NoError(t, q.FetchMore(context.Background()))
	rec.await(t, func(p query.ListPayload) bool { return len(p.Objects) == 15 })

	require.NoError(t, q.Revalidate(context.Background(), true))
	reqs := f.client.Requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, 15, reqs[2].PageSize)
	assert.Empty(t, reqs[2].PageToken)
	got, ok := q.Payload()
	require.True(t, ok)
	assert.Len(t, got.Objects, 15)
}

func TestListQuery_MembershipFollowsObjectWrites(t *testing.T) {
	f := newFixture(t, cache.DefaultPolicy())
	f.client.Put(
		employee(42, "Ada", "eng"),
		employee(43, "Cy", "eng"),
		employee(44, "Dee", "ops"),
	)
	ctx := context.Background()

	var list recorder[query.ListPayload]
	_, _, err := f.engine.ObserveList(query.ListOptions{
		Type:    "Employee",
		Where:   ontology.WhereClause{"dept": "eng"},
		OrderBy: byName,
	}, list.observer())
	require.NoError(t, err)
	got := list.await(t, listLoaded)
	assert.Equal(t, []string{"Ada", "Cy"}, names(got))

	var dee recorder[query.ObjectPayload]
	q44, _, err := f.engine.ObserveObject("Employee", 44, query.ObjectOptions{}, dee.observer())
	require.NoError(t, err)
	dee.await(t, objectLoaded)
	got, _ = list.last()
	assert.Equal(t, []string{"Ada", "Cy"}, names(got), "non-matching object is not inserted")

	// A matching object is inserted at its sorted position.
	f.client.Put(employee(44, "Bea", "eng"))
	require.NoError(t, q44.Revalidate(ctx, true))
	got = list.await(t, func(p query.ListPayload) bool { return len(p.Objects) == 3 })
	assert.Equal(t, []string{"Ada", "Bea", "Cy"}, names(got))
	assert.Equal(t, 3, got.TotalCount)

	// A member that no longer matches is removed.
	f.client.Put(employee(42, "Ada", "ops"))
	require.NoError(t, f.engine.InvalidateObject(ctx, employeeRef(42)))
	got = list.await(t, func(p query.ListPayload) bool { return len(p.Objects) == 2 })
	assert.Equal(t, []string{"Bea", "Cy"}, names(got))

	// A member whose sort key changed moves.
	f.client.Put(employee(43, "Al", "eng"))
	require.NoError(t, f.engine.InvalidateObject(ctx, employeeRef(43)))
	got = list.await(t, func(p query.ListPayload) bool { return len(p.Objects) > 0 && names(p)[0] == "Al" })
	assert.Equal(t, []string{"Al", "Bea"}, names(got))

	// A deleted object leaves every list and its object query sees nil.
	require.NoError(t, f.engine.RemoveObjects("", []ontology.ObjectRef{employeeRef(44)}))
	got = list.await(t, func(p query.ListPayload) bool { return len(p.Objects) == 1 })
	assert.Equal(t, []string{"Al"}, names(got))
	dee.await(t, func(p query.ObjectPayload) bool { return p.Object == nil })

	assert.Equal(t, 1, f.client.Calls(remotetest.OpLoadObjects))
}

func TestListQuery_InsertPastLoadedWindowIsDeferred(t *testing.T) {
	f := newFixture(t, cache.DefaultPolicy())
	for i := 1; i <= 12; i++ {
		f.client.Put(employee(i, fmt.Sprintf("e%02d", i), "eng"))
	}

	var list recorder[query.ListPayload]
	_, _, err := f.engine.ObserveList(query.ListOptions{Type: "Employee", OrderBy: byName}, list.observer())
	require.NoError(t, err)
	got := list.await(t, listLoaded)
	require.Len(t, got.Objects, 10)

	f.client.Put(employee(99, "z", "eng"), employee(98, "a", "eng"))
	var late, early recorder[query.ObjectPayload]
	_, _, err = f.engine.ObserveObject("Employee", 99, query.ObjectOptions{}, late.observer())
	require.NoError(t, err)
	_, _, err = f.engine.ObserveObject("Employee", 98, query.ObjectOptions{}, early.observer())
	require.NoError(t, err)
	late.await(t, objectLoaded)
	early.await(t, objectLoaded)

	got = list.await(t, func(p query.ListPayload) bool { return len(p.Objects) == 11 })
	assert.Equal(t, "a", names(got)[0])
	assert.NotContains(t, names(got), "z")
}

func TestListQuery_InterfaceList(t *testing.T) {
	f := newFixture(t, cache.DefaultPolicy())
	f.client.Put(employee(1, "Ada", "eng"), employee(2, "Bo", "ops"))

	var rec recorder[query.ListPayload]
	q, _, err := f.engine.ObserveList(query.ListOptions{Type: "Worker"}, rec.observer())
	require.NoError(t, err)
	assert.True(t, q.Invalidates("Worker"))
	assert.True(t, q.Invalidates("Employee"))
	assert.False(t, q.Invalidates("Office"))

	got := rec.await(t, listLoaded)
	require.Len(t, got.Interfaces, 2)
	for i, view := range got.Interfaces {
		assert.Equal(t, "Worker", view.Interface)
		assert.Equal(t, got.Objects[i].Properties["name"], view.Properties["label"])
	}

	f.client.Put(employee(3, "Cy", "eng"))
	var cy recorder[query.ObjectPayload]
	_, _, err = f.engine.ObserveObject("Employee", 3, query.ObjectOptions{}, cy.observer())
	require.NoError(t, err)
	got = rec.await(t, func(p query.ListPayload) bool { return len(p.Interfaces) == 3 })
	assert.Equal(t, "Cy", got.Interfaces[2].Properties["label"])
}

func TestListQuery_Links(t *testing.T) {
	f := newFixture(t, cache.DefaultPolicy())
	f.client.Put(
		employee(1, "Boss", "eng"),
		employee(2, "Cy", "eng"),
		employee(3, "Ada", "eng"),
		employee(4, "Dee", "eng"),
	)
	f.client.Link(employeeRef(1), "reports", employeeRef(2), employeeRef(3))

	var rec recorder[query.ListPayload]
	q, _, err := f.engine.ObserveLinks(employeeRef(1), "reports", query.LinksOptions{OrderBy: byName}, rec.observer())
	require.NoError(t, err)
	assert.True(t, q.Invalidates("Employee"))

	got := rec.await(t, listLoaded)
	assert.Equal(t, []string{"Ada", "Cy"}, names(got))

	same, err := f.engine.Links(employeeRef(1), "reports", query.LinksOptions{OrderBy: byName})
	require.NoError(t, err)
	assert.Same(t, q, same)

	// Link membership is never guessed locally.
	var dee recorder[query.ObjectPayload]
	_, _, err = f.engine.ObserveObject("Employee", 4, query.ObjectOptions{}, dee.observer())
	require.NoError(t, err)
	dee.await(t, objectLoaded)
	got, _ = q.Payload()
	assert.Equal(t, []string{"Ada", "Cy"}, names(got))
}

func TestListQuery_Pivot(t *testing.T) {
	f := newFixture(t, cache.DefaultPolicy())
	f.client.Put(office("HQ", "Paris"), office("LAB", "Oslo"))
	f.client.Put(employee(1, "Ada", "eng"), employee(2, "Bo", "eng"), employee(3, "Cy", "ops"))
	f.client.Link(ontology.ObjectRef{ApiName: "Office", PrimaryKey: "HQ"}, "occupants", employeeRef(1), employeeRef(2))
	f.client.Link(ontology.ObjectRef{ApiName: "Office", PrimaryKey: "LAB"}, "occupants", employeeRef(3))

	var rec recorder[query.ListPayload]
	q, _, err := f.engine.ObserveList(query.ListOptions{
		Type:    "Office",
		Where:   ontology.WhereClause{"city": "Paris"},
		PivotTo: "occupants",
		OrderBy: byName,
	}, rec.observer())
	require.NoError(t, err)
	assert.True(t, q.Invalidates("Office"))
	assert.True(t, q.Invalidates("Employee"))

	got := rec.await(t, listLoaded)
	assert.Equal(t, []string{"Ada", "Bo"}, names(got))

	// The where clause selects offices, so it never evicts employees.
	f.client.Put(employee(1, "Abe", "eng"))
	require.NoError(t, f.engine.InvalidateObject(context.Background(), employeeRef(1)))
	got = rec.await(t, func(p query.ListPayload) bool { return len(p.Objects) > 0 && names(p)[0] == "Abe" })
	assert.Equal(t, []string{"Abe", "Bo"}, names(got))
}

func TestListQuery_Streams(t *testing.T) {
	f := newFixture(t, cache.EvictImmediatelyPolicy())
	f.client.Put(employee(1, "Bo", "eng"), employee(2, "Cy", "eng"))

	var rec recorder[query.ListPayload]
	_, sub, err := f.engine.ObserveList(query.ListOptions{
		Type:          "Employee",
		Where:         ontology.WhereClause{"dept": "eng"},
		OrderBy:       byName,
		StreamUpdates: true,
	}, rec.observer())
	require.NoError(t, err)
	rec.await(t, listLoaded)
	require.Eventually(t, func() bool { return f.streams.Active() == 1 }, waitFor, tick)

	// Pushed membership wins over the local filter.
	f.streams.Push(remote.StreamUpdate{State: remote.StateAddedOrUpdated, Object: employee(9, "Al", "ops")})
	got := rec.await(t, func(p query.ListPayload) bool { return len(p.Objects) == 3 })
	assert.Equal(t, []string{"Al", "Bo", "Cy"}, names(got))

	f.streams.Push(remote.StreamUpdate{State: remote.StateRemoved, Object: &ontology.Object{ApiName: "Employee", PrimaryKey: 1}})
	got = rec.await(t, func(p query.ListPayload) bool { return len(p.Objects) == 2 })
	assert.Equal(t, []string{"Al", "Cy"}, names(got))

	f.streams.OutOfDate()
	got = rec.await(t, func(p query.ListPayload) bool {
		return len(p.Objects) == 2 && names(p)[0] == "Bo"
	})
	assert.Equal(t, []string{"Bo", "Cy"}, names(got))
	assert.Equal(t, 2, f.client.Calls(remotetest.OpLoadObjects))

	sub.Unsubscribe()
	require.Eventually(t, func() bool { return f.streams.Active() == 0 }, waitFor, tick)
}
