package ontology

import (
	"fmt"
	"maps"
)

// PropertyDefinition describes one property of an object or interface type.
type PropertyDefinition struct {
	Type     string `json:"type" yaml:"type"`
	Nullable bool   `json:"nullable,omitempty" yaml:"nullable,omitempty"`
	Array    bool   `json:"array,omitempty" yaml:"array,omitempty"`
}

// LinkDefinition describes a link from one type to another.
type LinkDefinition struct {
	TargetType string `json:"targetType" yaml:"targetType"`
	// Many is true for one-to-many and many-to-many links.
	Many bool `json:"many,omitempty" yaml:"many,omitempty"`
}

// ObjectTypeDefinition is the schema of a concrete object type.
type ObjectTypeDefinition struct {
	ApiName           string                        `json:"apiName" yaml:"apiName"`
	PrimaryKeyApiName string                        `json:"primaryKeyApiName" yaml:"primaryKeyApiName"`
	PrimaryKeyType    string                        `json:"primaryKeyType" yaml:"primaryKeyType"`
	Properties        map[string]PropertyDefinition `json:"properties" yaml:"properties"`
	Links             map[string]LinkDefinition     `json:"links,omitempty" yaml:"links,omitempty"`
	Implements        []string                      `json:"implements,omitempty" yaml:"implements,omitempty"`

	// InterfaceMap maps interface api name -> interface property -> object
	// property. Interface properties absent from the map use the same name.
	InterfaceMap map[string]map[string]string `json:"interfaceMap,omitempty" yaml:"interfaceMap,omitempty"`
}

// InterfaceDefinition is the schema of an interface type.
type InterfaceDefinition struct {
	ApiName    string                        `json:"apiName" yaml:"apiName"`
	Properties map[string]PropertyDefinition `json:"properties" yaml:"properties"`
	Links      map[string]LinkDefinition     `json:"links,omitempty" yaml:"links,omitempty"`
}

// ParameterDefinition describes one action or function parameter.
type ParameterDefinition struct {
	Type     string `json:"type" yaml:"type"`
	Nullable bool   `json:"nullable,omitempty" yaml:"nullable,omitempty"`
}

// ModifiedEntity records which object types an action may touch.
type ModifiedEntity struct {
	Created  bool `json:"created" yaml:"created"`
	Modified bool `json:"modified" yaml:"modified"`
}

// ActionDefinition is the schema of an action type.
type ActionDefinition struct {
	ApiName          string                         `json:"apiName" yaml:"apiName"`
	Parameters       map[string]ParameterDefinition `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	ModifiedEntities map[string]ModifiedEntity      `json:"modifiedEntities,omitempty" yaml:"modifiedEntities,omitempty"`
}

// QueryDefinition is the schema of a registered function.
type QueryDefinition struct {
	ApiName    string                         `json:"apiName" yaml:"apiName"`
	Version    string                         `json:"version,omitempty" yaml:"version,omitempty"`
	Parameters map[string]ParameterDefinition `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Identity is implemented by values that name one remote object.
type Identity interface {
	ObjectApiName() string
	ObjectPrimaryKey() any
}

// ObjectRef names a remote object without carrying its properties.
type ObjectRef struct {
	ApiName    string `json:"apiName"`
	PrimaryKey any    `json:"primaryKey"`
}

func (r ObjectRef) ObjectApiName() string { return r.ApiName }
func (r ObjectRef) ObjectPrimaryKey() any { return r.PrimaryKey }

func (r ObjectRef) String() string {
	return fmt.Sprintf("%s:%v", r.ApiName, r.PrimaryKey)
}

// Object is a loaded remote object. Objects are treated as immutable once
// they are handed to the cache; use With to derive a modified copy.
type Object struct {
	ApiName    string         `json:"$apiName"`
	PrimaryKey any            `json:"$primaryKey"`
	Rid        string         `json:"$rid,omitempty"`
	Title      string         `json:"$title,omitempty"`
	Properties map[string]any `json:"properties"`
}

func (o *Object) ObjectApiName() string { return o.ApiName }
func (o *Object) ObjectPrimaryKey() any { return o.PrimaryKey }

// Ref returns the object's identity.
func (o *Object) Ref() ObjectRef {
	return ObjectRef{ApiName: o.ApiName, PrimaryKey: o.PrimaryKey}
}

// Get returns a property value.
func (o *Object) Get(name string) (any, bool) {
	if o == nil {
		return nil, false
	}
	v, ok := o.Properties[name]
	return v, ok
}

// With returns a copy of o with props merged over its properties.
// A nil value in props removes the property.
func (o *Object) With(props map[string]any) *Object {
	out := *o
	out.Properties = make(map[string]any, len(o.Properties)+len(props))
	maps.Copy(out.Properties, o.Properties)
	for k, v := range props {
		if v == nil {
			delete(out.Properties, k)
			continue
		}
		out.Properties[k] = v
	}
	return &out
}

// WhereClause is a filter over object properties. Keys are either property
// names (mapping to an operator map or a bare value meaning $eq) or one of
// the combinators $and, $or, $not.
type WhereClause map[string]any

// SortDirection is the direction of one orderBy clause.
type SortDirection string

const (
	Asc  SortDirection = "asc"
	Desc SortDirection = "desc"
)

// OrderByClause sorts by one property.
type OrderByClause struct {
	Property  string        `json:"property"`
	Direction SortDirection `json:"direction,omitempty"`
}

// OrderBy is an ordered list of sort clauses; earlier clauses take precedence.
type OrderBy []OrderByClause

var (
	_ Identity = ObjectRef{}
	_ Identity = (*Object)(nil)
)
