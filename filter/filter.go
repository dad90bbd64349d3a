package filter

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/jonwraymond/objectcache/ontology"
)

// Sentinel errors for invariant violations. They are only returned when
// the Evaluator runs in development mode.
var (
	ErrUnknownOperator = errors.New("filter: unknown operator")
	ErrMalformedClause = errors.New("filter: malformed where clause")
)

// InvariantError reports a clause shape the evaluator does not understand.
type InvariantError struct {
	Path string
	Err  error
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%v at %s", e.Err, e.Path)
}

func (e *InvariantError) Unwrap() error { return e.Err }

// Operators that cannot be decided from local values.
var indexOnlyOperators = map[string]bool{
	"$contains":                true,
	"$containsAllTerms":        true,
	"$containsAllTermsInOrder": true,
	"$containsAnyTerm":         true,
	"$intersects":              true,
	"$within":                  true,
}

// Evaluator evaluates where clauses.
//
// In development mode unknown operators and malformed combinators are
// returned as *InvariantError. Otherwise they degrade to !strict.
type Evaluator struct {
	Development bool
}

// Matches reports whether obj satisfies where.
func (e Evaluator) Matches(obj *ontology.Object, where ontology.WhereClause, strict bool) (bool, error) {
	if len(where) == 0 {
		return true, nil
	}
	if obj == nil {
		return false, nil
	}
	return e.clause(obj.Properties, where, strict, "$")
}

// MatchesStrict is Matches in strict mode, ignoring invariant errors.
func MatchesStrict(obj *ontology.Object, where ontology.WhereClause) bool {
	ok, _ := Evaluator{}.Matches(obj, where, true)
	return ok
}

func (e Evaluator) violation(path string, err error, strict bool) (bool, error) {
	if e.Development {
		return false, &InvariantError{Path: path, Err: err}
	}
	return !strict, nil
}

func (e Evaluator) clause(props map[string]any, where map[string]any, strict bool, path string) (bool, error) {
	for key, raw := range where {
		var (
			ok  bool
			err error
		)
		switch key {
		case "$and", "$or":
			ok, err = e.combinator(props, key, raw, strict, path+"."+key)
		case "$not":
			sub, isMap := asClause(raw)
			if !isMap {
				return e.violation(path+".$not", ErrMalformedClause, strict)
			}
			var inner bool
			inner, err = e.clause(props, sub, !strict, path+".$not")
			ok = !inner
		default:
			ok, err = e.property(props[key], raw, strict, path+"."+key)
		}
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (e Evaluator) combinator(props map[string]any, op string, raw any, strict bool, path string) (bool, error) {
	items, isList := asList(raw)
	if !isList {
		return e.violation(path, fmt.Errorf("%w: %s must be an array", ErrMalformedClause, op), strict)
	}

	for i, item := range items {
		sub, isMap := asClause(item)
		if !isMap {
			return e.violation(fmt.Sprintf("%s[%d]", path, i), ErrMalformedClause, strict)
		}
		ok, err := e.clause(props, sub, strict, fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return false, err
		}
		if op == "$and" && !ok {
			return false, nil
		}
		if op == "$or" && ok {
			return true, nil
		}
	}
	return op == "$and", nil
}

// property evaluates the filter for one property. A bare value means $eq.
func (e Evaluator) property(field, raw any, strict bool, path string) (bool, error) {
	ops, isMap := asClause(raw)
	if !isMap || !isOperatorMap(ops) {
		return EvaluateFilter("$eq", field, raw, strict), nil
	}
	for op, value := range ops {
		if !knownOperator(op) {
			return e.violation(path+"."+op, ErrUnknownOperator, strict)
		}
		if !EvaluateFilter(op, field, value, strict) {
			return false, nil
		}
	}
	return true, nil
}

func knownOperator(op string) bool {
	switch op {
	case "$eq", "$ne", "$gt", "$lt", "$gte", "$lte", "$in", "$isNull", "$startsWith":
		return true
	}
	return indexOnlyOperators[op]
}

// EvaluateFilter applies one leaf operator. Operators that need a server
// index, and unknown operators, return !strict.
func EvaluateFilter(op string, field, value any, strict bool) bool {
	if indexOnlyOperators[op] {
		return !strict
	}

	switch op {
	case "$eq":
		return equal(field, value)
	case "$ne":
		return !equal(field, value)
	case "$gt", "$lt", "$gte", "$lte":
		c, ok := compare(field, value)
		if !ok {
			return false
		}
		switch op {
		case "$gt":
			return c > 0
		case "$lt":
			return c < 0
		case "$gte":
			return c >= 0
		default:
			return c <= 0
		}
	case "$in":
		items, ok := asList(value)
		if !ok {
			return false
		}
		for _, item := range items {
			if equal(field, item) {
				return true
			}
		}
		return false
	case "$isNull":
		want, _ := value.(bool)
		return isNull(field) == want
	case "$startsWith":
		s, ok1 := field.(string)
		prefix, ok2 := value.(string)
		return ok1 && ok2 && strings.HasPrefix(s, prefix)
	}
	return !strict
}

// Compare orders two property values: numbers numerically, strings
// lexically, times chronologically and booleans false<true. The second
// result is false when the values are not comparable.
func Compare(a, b any) (int, bool) {
	return compare(a, b)
}

func compare(a, b any) (int, bool) {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		return cmpFloat(af, bf), true
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			if bt, isTime := b.(time.Time); isTime {
				at, err := time.Parse(time.RFC3339Nano, av)
				if err != nil {
					return 0, false
				}
				return at.Compare(bt), true
			}
			return 0, false
		}
		return strings.Compare(av, bv), true
	case time.Time:
		switch bv := b.(type) {
		case time.Time:
			return av.Compare(bv), true
		case string:
			bt, err := time.Parse(time.RFC3339Nano, bv)
			if err != nil {
				return 0, false
			}
			return av.Compare(bt), true
		}
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case av == bv:
			return 0, true
		case !av:
			return -1, true
		default:
			return 1, true
		}
	}
	return 0, false
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func equal(a, b any) bool {
	if isNull(a) || isNull(b) {
		return isNull(a) && isNull(b)
	}
	if c, ok := compare(a, b); ok {
		return c == 0
	}
	return reflect.DeepEqual(a, b)
}

func isNull(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		if math.IsNaN(n) {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func asClause(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case ontology.WhereClause:
		return m, true
	}
	return nil, false
}

func asList(v any) ([]any, bool) {
	if items, ok := v.([]any); ok {
		return items, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// isOperatorMap reports whether every key of m is an operator.
func isOperatorMap(m map[string]any) bool {
	if len(m) == 0 {
		return false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}
