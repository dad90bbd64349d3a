package objectset

import (
	"sort"

	"github.com/jonwraymond/objectcache/ontology"
)

// Kind discriminates object-set nodes.
type Kind string

const (
	KindBase           Kind = "base"
	KindInterfaceBase  Kind = "interfaceBase"
	KindMethodInput    Kind = "methodInput"
	KindStatic         Kind = "static"
	KindFilter         Kind = "filter"
	KindSearchAround   Kind = "searchAround"
	KindPivot          Kind = "pivot"
	KindWithProperties Kind = "withProperties"
	KindUnion          Kind = "union"
	KindIntersect      Kind = "intersect"
	KindSubtract       Kind = "subtract"
)

// ObjectSet is one node of an object-set expression. Which fields are
// meaningful depends on Type.
type ObjectSet struct {
	Type Kind `json:"type"`

	// base / interfaceBase
	ObjectType    string `json:"objectType,omitempty"`
	InterfaceType string `json:"interfaceType,omitempty"`

	// static
	Objects []ontology.ObjectRef `json:"objects,omitempty"`

	// filter / searchAround / pivot / withProperties
	ObjectSet *ObjectSet           `json:"objectSet,omitempty"`
	Where     ontology.WhereClause `json:"where,omitempty"`
	Link      string               `json:"link,omitempty"`

	DerivedProperties DerivedProperties `json:"derivedProperties,omitempty"`

	// union / intersect / subtract
	ObjectSets []*ObjectSet `json:"objectSets,omitempty"`
}

// DerivedProperty is a property computed at query time from a sub-traversal
// rooted at the outer set (a methodInput node stands for that root).
type DerivedProperty struct {
	Type      string     `json:"type"`
	ObjectSet *ObjectSet `json:"objectSet"`
	Operation Operation  `json:"operation"`
}

// DerivedProperties maps a derived property name to its definition.
type DerivedProperties map[string]DerivedProperty

// Names returns the property names, sorted.
func (d DerivedProperties) Names() []string {
	names := make([]string, 0, len(d))
	for name := range d {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PivotInfo describes a list that starts from SourceType and follows Link.
type PivotInfo struct {
	SourceType string `json:"sourceType"`
	Link       string `json:"link"`
}

// Operation is the reduction applied to a derived property's object set.
type Operation struct {
	Type             string `json:"type"`
	SelectedProperty string `json:"selectedPropertyApiName,omitempty"`
}

// Base is the set of all objects of one type.
func Base(objectType string) *ObjectSet {
	return &ObjectSet{Type: KindBase, ObjectType: objectType}
}

// InterfaceBase is the set of all objects implementing an interface.
func InterfaceBase(iface string) *ObjectSet {
	return &ObjectSet{Type: KindInterfaceBase, InterfaceType: iface}
}

// MethodInput refers to the set a derived property is evaluated against.
func MethodInput() *ObjectSet {
	return &ObjectSet{Type: KindMethodInput}
}

// Static is a fixed set of objects.
func Static(refs ...ontology.ObjectRef) *ObjectSet {
	return &ObjectSet{Type: KindStatic, Objects: refs}
}

// Filter narrows inner by a where clause.
func Filter(inner *ObjectSet, where ontology.WhereClause) *ObjectSet {
	return &ObjectSet{Type: KindFilter, ObjectSet: inner, Where: where}
}

// SearchAround follows link from every object in inner.
func SearchAround(inner *ObjectSet, link string) *ObjectSet {
	return &ObjectSet{Type: KindSearchAround, ObjectSet: inner, Link: link}
}

// Pivot replaces inner by the objects reachable through link.
func Pivot(inner *ObjectSet, link string) *ObjectSet {
	return &ObjectSet{Type: KindPivot, ObjectSet: inner, Link: link}
}

// WithProperties adds derived properties to inner.
func WithProperties(inner *ObjectSet, props DerivedProperties) *ObjectSet {
	return &ObjectSet{Type: KindWithProperties, ObjectSet: inner, DerivedProperties: props}
}

// Union combines sets.
func Union(sets ...*ObjectSet) *ObjectSet {
	return &ObjectSet{Type: KindUnion, ObjectSets: sets}
}

// Intersect keeps objects present in every set.
func Intersect(sets ...*ObjectSet) *ObjectSet {
	return &ObjectSet{Type: KindIntersect, ObjectSets: sets}
}

// Subtract removes the later sets from the first.
func Subtract(sets ...*ObjectSet) *ObjectSet {
	return &ObjectSet{Type: KindSubtract, ObjectSets: sets}
}
