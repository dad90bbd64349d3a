package query

import (
	"time"

	"github.com/jonwraymond/objectcache/cache"
	"github.com/jonwraymond/objectcache/ontology"
)

// ObjectPayload is what an ObjectQuery publishes.
type ObjectPayload struct {
	// Object is nil while loading and when the object does not exist.
	Object      *ontology.Object
	Status      cache.Status
	LastUpdated time.Time
	// Err is the last fetch error when Status is StatusError.
	Err error
}

// ListPayload is what a ListQuery or ListQueryView publishes.
type ListPayload struct {
	// Objects are the resolved members in list order. Members whose
	// object has been evicted or deleted are skipped.
	Objects []*ontology.Object
	// Interfaces holds the interface projection of Objects for interface
	// lists, index for index.
	Interfaces  []*ontology.InterfaceView
	HasMore     bool
	Status      cache.Status
	LastUpdated time.Time
	TotalCount  int
	Err         error
}

// FunctionPayload is what a FunctionQuery publishes.
type FunctionPayload struct {
	Result      any
	Status      cache.Status
	LastUpdated time.Time
	Err         error
}

// ListState is the value stored under a list key.
type ListState struct {
	// Members are the object keys in list order.
	Members []*cache.CacheKey
	// NextPageToken resumes the server listing. Empty when Done.
	NextPageToken string
	// Done is true once the last page has been loaded.
	Done       bool
	TotalCount int
}

func (s *ListState) clone() *ListState {
	if s == nil {
		return &ListState{}
	}
	out := *s
	out.Members = append([]*cache.CacheKey(nil), s.Members...)
	return &out
}

func listStateOf(e *cache.Entry) *ListState {
	if e == nil {
		return nil
	}
	s, _ := e.Value.(*ListState)
	return s
}

func objectOf(e *cache.Entry) *ontology.Object {
	if e == nil {
		return nil
	}
	o, _ := e.Value.(*ontology.Object)
	return o
}

// refOf recovers the object identity from an object key.
func refOf(k *cache.CacheKey) ontology.ObjectRef {
	return ontology.ObjectRef{ApiName: k.Type(), PrimaryKey: k.Part(0)}
}
