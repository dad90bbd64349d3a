package canonical

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jonwraymond/objectcache/objectset"
	"github.com/jonwraymond/objectcache/ontology"
)

func TestWhere_KeyOrderIrrelevant(t *testing.T) {
	c := NewWhere()

	a, err := c.Canonicalize(ontology.WhereClause{"name": "x", "age": map[string]any{"$gt": 5, "$lt": 10}})
	if err != nil {
		t.Fatalf("Canonicalize() error = %v", err)
	}
	b, err := c.Canonicalize(ontology.WhereClause{"age": map[string]any{"$lt": 10, "$gt": 5}, "name": "x"})
	if err != nil {
		t.Fatalf("Canonicalize() error = %v", err)
	}
	if a != b {
		t.Errorf("equivalent clauses canonicalized to different pointers:\n  a=%s\n  b=%s", a, b)
	}

	other, err := c.Canonicalize(ontology.WhereClause{"name": "y"})
	if err != nil {
		t.Fatalf("Canonicalize() error = %v", err)
	}
	if other == a {
		t.Error("different clauses canonicalized to the same pointer")
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
}

func TestWhere_Absent(t *testing.T) {
	c := NewWhere()
	for _, in := range []ontology.WhereClause{nil, {}} {
		got, err := c.Canonicalize(in)
		if err != nil || got != nil {
			t.Errorf("Canonicalize(%v) = (%v, %v), want (nil, nil)", in, got, err)
		}
	}
}

func TestWhere_ArrayOrderPreserved(t *testing.T) {
	c := NewWhere()
	a, _ := c.Canonicalize(ontology.WhereClause{"$or": []any{map[string]any{"a": 1}, map[string]any{"b": 2}}})
	b, _ := c.Canonicalize(ontology.WhereClause{"$or": []any{map[string]any{"b": 2}, map[string]any{"a": 1}}})
	if a == b {
		t.Error("reordered arrays should not be equivalent")
	}
}

func TestWhere_NumbersFold(t *testing.T) {
	c := NewWhere()
	a, _ := c.Canonicalize(ontology.WhereClause{"n": 1})
	b, _ := c.Canonicalize(ontology.WhereClause{"n": int64(1)})
	d, _ := c.Canonicalize(ontology.WhereClause{"n": 1.0})
	if a != b || b != d {
		t.Error("1, int64(1) and 1.0 should canonicalize identically")
	}
}

func TestWhere_NullDistinctFromUndefined(t *testing.T) {
	c := NewWhere()
	null, _ := c.Canonicalize(ontology.WhereClause{"n": nil})
	undef, _ := c.Canonicalize(ontology.WhereClause{"n": Undefined})
	if null == undef {
		t.Error("null and undefined should be distinct")
	}
}

func TestWhere_Dates(t *testing.T) {
	c := NewWhere()
	instant := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	a, _ := c.Canonicalize(ontology.WhereClause{"at": instant})
	b, _ := c.Canonicalize(ontology.WhereClause{"at": instant.In(time.FixedZone("X", 3600))})
	if a != b {
		t.Error("same instant in different zones should canonicalize identically")
	}
}

func TestWhere_ObjectIdentity(t *testing.T) {
	c := NewWhere()
	a, _ := c.Canonicalize(ontology.WhereClause{"owner": &ontology.Object{
		ApiName: "Employee", PrimaryKey: 42, Properties: map[string]any{"fullName": "Ada"},
	}})
	b, _ := c.Canonicalize(ontology.WhereClause{"owner": ontology.ObjectRef{ApiName: "Employee", PrimaryKey: int64(42)}})
	d, _ := c.Canonicalize(ontology.WhereClause{"owner": map[string]any{"$apiName": "Employee", "$primaryKey": 42, "extra": true}})
	if a != b || b != d {
		t.Error("references to the same remote object should canonicalize identically")
	}
}

func TestSetAndMap_OrderIndependent(t *testing.T) {
	c := NewFunctionParams()
	a, _ := c.Canonicalize(map[string]any{
		"tags":  Set{"b", "a", "c"},
		"index": map[int]string{2: "two", 1: "one"},
	})
	b, _ := c.Canonicalize(map[string]any{
		"index": map[int]string{1: "one", 2: "two"},
		"tags":  Set{"c", "a", "b", "a"},
	})
	if a != b {
		t.Errorf("set/map order should not matter:\n  a=%s\n  b=%s", a, b)
	}
	tags := a.Value()["tags"].(Set)
	if len(tags) != 3 || tags[0] != "a" || tags[2] != "c" {
		t.Errorf("set members = %v, want sorted and deduplicated", tags)
	}
}

func TestCircularReference(t *testing.T) {
	c := NewWhere()

	self := map[string]any{"a": 1}
	self["self"] = self

	_, err := c.Canonicalize(ontology.WhereClause{"nested": self})
	if !errors.Is(err, ErrCircularReference) {
		t.Fatalf("Canonicalize() error = %v, want ErrCircularReference", err)
	}
	if !strings.Contains(err.Error(), "Circular reference") {
		t.Errorf("error %q should mention Circular reference", err)
	}

	list := []any{nil}
	list[0] = list
	if _, err := Key(list); !errors.Is(err, ErrCircularReference) {
		t.Errorf("Key(self-referential slice) error = %v, want ErrCircularReference", err)
	}
}

func TestSharedSubtreeIsNotCircular(t *testing.T) {
	shared := map[string]any{"x": 1}
	if _, err := Key(map[string]any{"a": shared, "b": shared}); err != nil {
		t.Errorf("shared (acyclic) subtree should canonicalize, got %v", err)
	}
}

func TestFunctionsAreOpaque(t *testing.T) {
	c := NewFunctionParams()
	fn := func() {}
	a, _ := c.Canonicalize(map[string]any{"f": fn})
	b, _ := c.Canonicalize(map[string]any{"f": func() {}})
	if a == b {
		t.Error("distinct function values must never be equivalent")
	}
}

func TestFunctionsAreNotInterned(t *testing.T) {
	c := NewFunctionParams()
	input := map[string]any{"f": func() {}, "n": 1}

	a, err := c.Canonicalize(input)
	if err != nil {
		t.Fatalf("Canonicalize() error = %v", err)
	}
	b, _ := c.Canonicalize(input)
	if a == b {
		t.Error("inputs holding functions should not share a representative")
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0", c.Len())
	}

	plain, _ := c.Canonicalize(map[string]any{"n": 1})
	again, _ := c.Canonicalize(map[string]any{"n": 1})
	if plain != again || c.Len() != 1 {
		t.Errorf("plain input: same = %v, Len() = %d, want true, 1", plain == again, c.Len())
	}
}

func TestOrderBy(t *testing.T) {
	c := NewOrderBy()

	a, err := c.Canonicalize(ontology.OrderBy{{Property: "name"}})
	if err != nil {
		t.Fatalf("Canonicalize() error = %v", err)
	}
	b, _ := c.Canonicalize(ontology.OrderBy{{Property: "name", Direction: ontology.Asc}})
	if a != b {
		t.Error("empty direction should equal asc")
	}
	if a.Value()[0].Direction != ontology.Asc {
		t.Errorf("direction = %q, want asc", a.Value()[0].Direction)
	}

	swapped, _ := c.Canonicalize(ontology.OrderBy{{Property: "b"}, {Property: "a"}})
	ordered, _ := c.Canonicalize(ontology.OrderBy{{Property: "a"}, {Property: "b"}})
	if swapped == ordered {
		t.Error("orderBy clause order is significant")
	}

	if _, err := c.Canonicalize(ontology.OrderBy{{Property: "a", Direction: "sideways"}}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("bad direction error = %v, want ErrInvalidInput", err)
	}
}

func TestRidList(t *testing.T) {
	c := NewRidList()
	a, _ := c.Canonicalize([]string{"ri.b", "ri.a", "ri.b"})
	b, _ := c.Canonicalize([]string{"ri.a", "ri.b"})
	if a != b {
		t.Error("rid lists are sets")
	}
	if got := a.Value(); len(got) != 2 || got[0] != "ri.a" {
		t.Errorf("Value() = %v", got)
	}
}

func TestRdpAndIntersectAndPivot(t *testing.T) {
	cs := NewCanonicalizers()

	rdp := func() objectset.DerivedProperties {
		return objectset.DerivedProperties{
			"reports": {
				Type:      "selection",
				ObjectSet: objectset.SearchAround(objectset.MethodInput(), "reports"),
				Operation: objectset.Operation{Type: "count"},
			},
		}
	}
	a, _ := cs.Rdp.Canonicalize(rdp())
	b, _ := cs.Rdp.Canonicalize(rdp())
	if a == nil || a != b {
		t.Error("structurally equal derived properties should intern")
	}

	x, _ := cs.Intersect.Canonicalize([]*objectset.ObjectSet{objectset.Base("A"), objectset.Base("B")})
	y, _ := cs.Intersect.Canonicalize([]*objectset.ObjectSet{objectset.Base("B"), objectset.Base("A")})
	if x != y {
		t.Error("intersect operands are commutative")
	}

	p1, _ := cs.Pivot.Canonicalize(&objectset.PivotInfo{SourceType: "Employee", Link: "lead"})
	p2, _ := cs.Pivot.Canonicalize(&objectset.PivotInfo{SourceType: "Employee", Link: "lead"})
	if p1 != p2 {
		t.Error("equal pivots should intern")
	}
	if _, err := cs.Pivot.Canonicalize(&objectset.PivotInfo{SourceType: "Employee"}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("incomplete pivot error = %v, want ErrInvalidInput", err)
	}
}
