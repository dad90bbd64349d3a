package remote

import (
	"reflect"
	"testing"

	"github.com/jonwraymond/objectcache/ontology"
)

func TestActionResultTouched(t *testing.T) {
	ref := func(pk int) ontology.ObjectRef { return ontology.ObjectRef{ApiName: "Employee", PrimaryKey: pk} }

	var nilResult *ActionResult
	if got := nilResult.Touched(); got != nil {
		t.Errorf("nil Touched() = %v, want nil", got)
	}

	r := &ActionResult{
		Kind:            EditsObjects,
		DeletedObjects:  []ontology.ObjectRef{ref(3)},
		ModifiedObjects: []ontology.ObjectRef{ref(2)},
		AddedObjects:    []ontology.ObjectRef{ref(1)},
	}
	want := []ontology.ObjectRef{ref(1), ref(2), ref(3)}
	if got := r.Touched(); !reflect.DeepEqual(got, want) {
		t.Errorf("Touched() = %v, want %v", got, want)
	}
}
