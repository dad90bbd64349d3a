package filter

import (
	"errors"
	"testing"
	"time"

	"github.com/jonwraymond/objectcache/ontology"
)

func TestEvaluateFilter_IndexOnlyOperatorsFollowStrictness(t *testing.T) {
	ops := []string{"$contains", "$containsAllTerms", "$containsAllTermsInOrder", "$containsAnyTerm", "$intersects", "$within"}
	for _, op := range ops {
		t.Run(op, func(t *testing.T) {
			if EvaluateFilter(op, "hello world", "world", true) {
				t.Errorf("EvaluateFilter(%s, strict) = true, want false", op)
			}
			if !EvaluateFilter(op, "hello world", "world", false) {
				t.Errorf("EvaluateFilter(%s, loose) = false, want true", op)
			}
		})
	}
}

func TestEvaluateFilter_Comparisons(t *testing.T) {
	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		op    string
		field any
		value any
		want  bool
	}{
		{"eq string", "$eq", "a", "a", true},
		{"eq mixed numbers", "$eq", int64(3), 3.0, true},
		{"eq mismatch", "$eq", "a", "b", false},
		{"eq nil both", "$eq", nil, nil, true},
		{"ne", "$ne", 1, 2, true},
		{"gt", "$gt", 5, 3, true},
		{"gt equal", "$gt", 3, 3, false},
		{"gte equal", "$gte", 3, 3, true},
		{"lt strings", "$lt", "apple", "banana", true},
		{"lte", "$lte", 2.5, 2.5, true},
		{"gt incomparable", "$gt", "x", 3, false},
		{"gt time vs string", "$gt", day, "2024-04-01T00:00:00Z", true},
		{"in hit", "$in", "b", []any{"a", "b"}, true},
		{"in typed slice", "$in", 2, []int{1, 2, 3}, true},
		{"in miss", "$in", "z", []string{"a", "b"}, false},
		{"isNull true", "$isNull", nil, true, true},
		{"isNull false", "$isNull", "x", false, true},
		{"isNull mismatch", "$isNull", "x", true, false},
		{"startsWith", "$startsWith", "hello world", "hello", true},
		{"startsWith miss", "$startsWith", "hello", "world", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, strict := range []bool{true, false} {
				if got := EvaluateFilter(tt.op, tt.field, tt.value, strict); got != tt.want {
					t.Errorf("EvaluateFilter(%s, %v, %v, strict=%v) = %v, want %v", tt.op, tt.field, tt.value, strict, got, tt.want)
				}
			}
		})
	}
}

func TestEvaluator_Matches(t *testing.T) {
	obj := &ontology.Object{
		ApiName:    "Employee",
		PrimaryKey: 1,
		Properties: map[string]any{"name": "Ada Lovelace", "age": 36, "team": "math"},
	}

	tests := []struct {
		name   string
		where  ontology.WhereClause
		strict bool
		want   bool
	}{
		{"empty", nil, true, true},
		{"bare value eq", ontology.WhereClause{"team": "math"}, true, true},
		{"operator", ontology.WhereClause{"age": map[string]any{"$gte": 30, "$lt": 40}}, true, true},
		{"and", ontology.WhereClause{"$and": []any{
			map[string]any{"team": "math"},
			map[string]any{"age": map[string]any{"$gt": 40}},
		}}, true, false},
		{"or", ontology.WhereClause{"$or": []any{
			map[string]any{"team": "physics"},
			map[string]any{"age": 36},
		}}, true, true},
		{"not", ontology.WhereClause{"$not": map[string]any{"team": "physics"}}, true, true},
		{"contains strict", ontology.WhereClause{"name": map[string]any{"$contains": "Ada"}}, true, false},
		{"contains loose", ontology.WhereClause{"name": map[string]any{"$contains": "Ada"}}, false, true},
		{"not contains strict", ontology.WhereClause{"$not": map[string]any{"name": map[string]any{"$contains": "x"}}}, true, false},
		{"not contains loose", ontology.WhereClause{"$not": map[string]any{"name": map[string]any{"$contains": "x"}}}, false, true},
		{"missing property", ontology.WhereClause{"salary": map[string]any{"$gt": 1}}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Evaluator{Development: true}.Matches(obj, tt.where, tt.strict)
			if err != nil {
				t.Fatalf("Matches() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluator_Invariants(t *testing.T) {
	obj := &ontology.Object{ApiName: "Employee", PrimaryKey: 1, Properties: map[string]any{"a": 1}}
	tests := []struct {
		name    string
		where   ontology.WhereClause
		wantErr error
	}{
		{"unknown operator", ontology.WhereClause{"a": map[string]any{"$fuzzy": 1}}, ErrUnknownOperator},
		{"and not array", ontology.WhereClause{"$and": map[string]any{"a": 1}}, ErrMalformedClause},
		{"or member not object", ontology.WhereClause{"$or": []any{"a"}}, ErrMalformedClause},
		{"not not object", ontology.WhereClause{"$not": []any{}}, ErrMalformedClause},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Evaluator{Development: true}.Matches(obj, tt.where, true)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("development Matches() error = %v, want %v", err, tt.wantErr)
			}
			var inv *InvariantError
			if !errors.As(err, &inv) {
				t.Errorf("error should be *InvariantError, got %T", err)
			}

			for _, strict := range []bool{true, false} {
				got, err := Evaluator{}.Matches(obj, tt.where, strict)
				if err != nil {
					t.Fatalf("production Matches() error = %v", err)
				}
				if got != !strict {
					t.Errorf("production Matches(strict=%v) = %v, want %v", strict, got, !strict)
				}
			}
		})
	}
}

func TestCompare(t *testing.T) {
	if c, ok := Compare(1, 2); !ok || c >= 0 {
		t.Errorf("Compare(1, 2) = %d, %v", c, ok)
	}
	if c, ok := Compare(true, false); !ok || c <= 0 {
		t.Errorf("Compare(true, false) = %d, %v", c, ok)
	}
	if _, ok := Compare(map[string]any{}, 1); ok {
		t.Error("maps should not be comparable")
	}
}
