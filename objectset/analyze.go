package objectset

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
)

// Sentinel errors for analysis.
var (
	ErrNilObjectSet     = errors.New("objectset: object set is nil")
	ErrUnknownNode      = errors.New("objectset: unknown node type")
	ErrMissingOperand   = errors.New("objectset: missing operand")
	ErrUnboundInput     = errors.New("objectset: methodInput outside a derived property")
	ErrMixedStaticTypes = errors.New("objectset: static set mixes object types")
)

// LinkResolver answers which type a link on sourceType points at.
// ontology.Registry satisfies it.
type LinkResolver interface {
	LinkTarget(ctx context.Context, sourceType, link string) (string, error)
}

// ResultType is the type of the objects an expression yields.
type ResultType struct {
	ApiName   string
	Interface bool
}

// Analysis is the outcome of walking one expression.
type Analysis struct {
	ResultType ResultType

	// InvalidationSet holds the types traversed to reach the result. The
	// result type itself is only present if it was also traversed.
	InvalidationSet map[string]struct{}

	// Counts is how often each type appears along any single path.
	Counts map[string]int
}

func newAnalysis() *Analysis {
	return &Analysis{
		InvalidationSet: make(map[string]struct{}),
		Counts:          make(map[string]int),
	}
}

// Invalidates reports whether a change to apiName makes the analyzed query
// stale, either because it is the result type or because it was traversed.
func (a *Analysis) Invalidates(apiName string) bool {
	if a == nil {
		return false
	}
	if a.ResultType.ApiName == apiName {
		return true
	}
	_, ok := a.InvalidationSet[apiName]
	return ok
}

// Types returns the invalidation set, sorted.
func (a *Analysis) Types() []string {
	out := make([]string, 0, len(a.InvalidationSet))
	for t := range a.InvalidationSet {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// merge unions other's invalidation set into a and keeps the per-type
// maximum count.
func (a *Analysis) merge(other *Analysis) {
	maps.Copy(a.InvalidationSet, other.InvalidationSet)
	for t, n := range other.Counts {
		if n > a.Counts[t] {
			a.Counts[t] = n
		}
	}
}

// Analyzer computes invalidation sets.
//
// Contract:
// - Concurrency: safe for concurrent use if the LinkResolver is.
// - Errors: unknown links and malformed trees fail the whole analysis.
type Analyzer struct {
	links LinkResolver
}

// NewAnalyzer creates an analyzer resolving links through links.
func NewAnalyzer(links LinkResolver) *Analyzer {
	return &Analyzer{links: links}
}

// Analyze walks os.
func (z *Analyzer) Analyze(ctx context.Context, os *ObjectSet) (*Analysis, error) {
	return z.walk(ctx, os, nil)
}

func (z *Analyzer) walk(ctx context.Context, os *ObjectSet, input *ResultType) (*Analysis, error) {
	if os == nil {
		return nil, ErrNilObjectSet
	}

	switch os.Type {
	case KindBase:
		a := newAnalysis()
		a.ResultType = ResultType{ApiName: os.ObjectType}
		a.Counts[os.ObjectType]++
		return a, nil

	case KindInterfaceBase:
		a := newAnalysis()
		a.ResultType = ResultType{ApiName: os.InterfaceType, Interface: true}
		a.Counts[os.InterfaceType]++
		return a, nil

	case KindStatic:
		if len(os.Objects) == 0 {
			return nil, fmt.Errorf("%w: static set is empty", ErrMissingOperand)
		}
		apiName := os.Objects[0].ApiName
		for _, ref := range os.Objects[1:] {
			if ref.ApiName != apiName {
				return nil, ErrMixedStaticTypes
			}
		}
		a := newAnalysis()
		a.ResultType = ResultType{ApiName: apiName}
		a.Counts[apiName]++
		return a, nil

	case KindMethodInput:
		if input == nil {
			return nil, ErrUnboundInput
		}
		a := newAnalysis()
		a.ResultType = *input
		return a, nil

	case KindFilter:
		return z.walk(ctx, os.ObjectSet, input)

	case KindSearchAround, KindPivot:
		inner, err := z.walk(ctx, os.ObjectSet, input)
		if err != nil {
			return nil, err
		}
		target, err := z.links.LinkTarget(ctx, inner.ResultType.ApiName, os.Link)
		if err != nil {
			return nil, fmt.Errorf("objectset: %s %q: %w", os.Type, os.Link, err)
		}
		inner.InvalidationSet[inner.ResultType.ApiName] = struct{}{}
		inner.ResultType = ResultType{ApiName: target}
		inner.Counts[target]++
		return inner, nil

	case KindWithProperties:
		inner, err := z.walk(ctx, os.ObjectSet, input)
		if err != nil {
			return nil, err
		}
		bound := inner.ResultType
		for _, name := range os.DerivedProperties.Names() {
			def := os.DerivedProperties[name]
			sub, err := z.walk(ctx, def.ObjectSet, &bound)
			if err != nil {
				return nil, fmt.Errorf("objectset: derived property %q: %w", name, err)
			}
			inner.merge(sub)
		}
		return inner, nil

	case KindUnion, KindIntersect, KindSubtract:
		return z.walkSetOp(ctx, os, input)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownNode, os.Type)
	}
}

// walkSetOp analyzes each operand independently. Union takes the last
// operand's result type; intersect and subtract take the first.
func (z *Analyzer) walkSetOp(ctx context.Context, os *ObjectSet, input *ResultType) (*Analysis, error) {
	if len(os.ObjectSets) == 0 {
		return nil, fmt.Errorf("%w: %s has no operands", ErrMissingOperand, os.Type)
	}

	out := newAnalysis()
	for i, operand := range os.ObjectSets {
		sub, err := z.walk(ctx, operand, input)
		if err != nil {
			return nil, err
		}
		out.merge(sub)
		if os.Type == KindUnion || i == 0 {
			out.ResultType = sub.ResultType
		}
	}
	return out, nil
}
