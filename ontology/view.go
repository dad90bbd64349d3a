package ontology

import "fmt"

// InterfaceView is a read-only projection of an object through one of the
// interfaces it implements. It is computed eagerly when constructed and
// does not track later changes to the underlying object.
type InterfaceView struct {
	Interface  string
	Underlying *Object
	Properties map[string]any
}

// NewInterfaceView projects obj through iface using the object type's
// interface property mapping.
func NewInterfaceView(obj *Object, objDef ObjectTypeDefinition, iface InterfaceDefinition) (*InterfaceView, error) {
	if obj == nil {
		return nil, fmt.Errorf("%w: nil object", ErrInvalidDefinition)
	}
	if !implements(objDef, iface.ApiName) {
		return nil, fmt.Errorf("%w: %s does not implement %s", ErrInvalidDefinition, objDef.ApiName, iface.ApiName)
	}

	mapping := objDef.InterfaceMap[iface.ApiName]
	props := make(map[string]any, len(iface.Properties))
	for name := range iface.Properties {
		src := name
		if mapped, ok := mapping[name]; ok {
			src = mapped
		}
		if v, ok := obj.Properties[src]; ok {
			props[name] = v
		}
	}

	return &InterfaceView{
		Interface:  iface.ApiName,
		Underlying: obj,
		Properties: props,
	}, nil
}

// Get returns an interface property value.
func (v *InterfaceView) Get(name string) (any, bool) {
	val, ok := v.Properties[name]
	return val, ok
}

// Ref returns the identity of the underlying object.
func (v *InterfaceView) Ref() ObjectRef {
	return v.Underlying.Ref()
}

func implements(def ObjectTypeDefinition, iface string) bool {
	for _, name := range def.Implements {
		if name == iface {
			return true
		}
	}
	return false
}
