package ontology

import (
	"context"
	"errors"
	"testing"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	defs := []ObjectTypeDefinition{
		{
			ApiName:           "Employee",
			PrimaryKeyApiName: "employeeId",
			Properties: map[string]PropertyDefinition{
				"employeeId": {Type: "integer"},
				"fullName":   {Type: "string"},
			},
			Links:        map[string]LinkDefinition{"lead": {TargetType: "Employee"}, "office": {TargetType: "Office"}},
			Implements:   []string{"Worker"},
			InterfaceMap: map[string]map[string]string{"Worker": {"name": "fullName"}},
		},
		{ApiName: "Office", PrimaryKeyApiName: "officeId"},
	}
	for _, d := range defs {
		if err := r.RegisterObjectType(d); err != nil {
			t.Fatalf("RegisterObjectType(%s) error = %v", d.ApiName, err)
		}
	}
	if err := r.RegisterInterface(InterfaceDefinition{
		ApiName:    "Worker",
		Properties: map[string]PropertyDefinition{"name": {Type: "string"}},
	}); err != nil {
		t.Fatalf("RegisterInterface error = %v", err)
	}
	return r
}

func TestRegistry_Registration(t *testing.T) {
	r := testRegistry(t)

	err := r.RegisterObjectType(ObjectTypeDefinition{ApiName: "Employee", PrimaryKeyApiName: "id"})
	if !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("duplicate registration error = %v, want ErrAlreadyRegistered", err)
	}

	err = r.RegisterObjectType(ObjectTypeDefinition{ApiName: "NoPk"})
	if !errors.Is(err, ErrInvalidDefinition) {
		t.Errorf("missing primary key error = %v, want ErrInvalidDefinition", err)
	}

	err = r.RegisterAction(ActionDefinition{ApiName: "  "})
	if !errors.Is(err, ErrInvalidDefinition) {
		t.Errorf("blank api name error = %v, want ErrInvalidDefinition", err)
	}

	if _, err := r.ObjectType("Missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ObjectType(Missing) error = %v, want ErrNotFound", err)
	}
}

func TestRegistry_LinkTarget(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		source  string
		link    string
		want    string
		wantErr error
	}{
		{"self link", "Employee", "lead", "Employee", nil},
		{"other type", "Employee", "office", "Office", nil},
		{"unknown link", "Employee", "nope", "", ErrUnknownLink},
		{"unknown type", "Ghost", "lead", "", ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.LinkTarget(ctx, tt.source, tt.link)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("LinkTarget() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("LinkTarget() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("LinkTarget() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRegistry_Implementers(t *testing.T) {
	r := testRegistry(t)
	got := r.Implementers("Worker")
	if len(got) != 1 || got[0] != "Employee" {
		t.Errorf("Implementers(Worker) = %v, want [Employee]", got)
	}
	if !r.IsInterface("Worker") || r.IsInterface("Employee") {
		t.Error("IsInterface misclassified Worker/Employee")
	}
}

func TestInterfaceView_MapsProperties(t *testing.T) {
	r := testRegistry(t)
	def, _ := r.ObjectType("Employee")
	iface, _ := r.Interface("Worker")

	obj := &Object{
		ApiName:    "Employee",
		PrimaryKey: 1,
		Properties: map[string]any{"employeeId": 1, "fullName": "Ada"},
	}
	view, err := NewInterfaceView(obj, def, iface)
	if err != nil {
		t.Fatalf("NewInterfaceView() error = %v", err)
	}
	if v, _ := view.Get("name"); v != "Ada" {
		t.Errorf("view name = %v, want Ada", v)
	}
	if _, ok := view.Get("fullName"); ok {
		t.Error("view should not expose unmapped object properties")
	}
	if view.Ref() != (ObjectRef{ApiName: "Employee", PrimaryKey: 1}) {
		t.Errorf("view.Ref() = %v", view.Ref())
	}

	office, _ := r.ObjectType("Office")
	if _, err := NewInterfaceView(obj, office, iface); !errors.Is(err, ErrInvalidDefinition) {
		t.Errorf("non-implementer error = %v, want ErrInvalidDefinition", err)
	}
}

func TestObject_With(t *testing.T) {
	obj := &Object{ApiName: "Employee", PrimaryKey: 1, Properties: map[string]any{"a": 1, "b": 2}}
	next := obj.With(map[string]any{"a": 10, "b": nil, "c": 3})

	if obj.Properties["a"] != 1 || obj.Properties["b"] != 2 {
		t.Error("With mutated the original object")
	}
	if next.Properties["a"] != 10 || next.Properties["c"] != 3 {
		t.Errorf("With() properties = %v", next.Properties)
	}
	if _, ok := next.Properties["b"]; ok {
		t.Error("nil value should remove the property")
	}
}
