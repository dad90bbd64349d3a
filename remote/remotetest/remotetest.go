// Package remotetest provides in-memory fakes of the remote transport for
// tests.
package remotetest

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strconv"
	"sync"

	"github.com/jonwraymond/objectcache/filter"
	"github.com/jonwraymond/objectcache/objectset"
	"github.com/jonwraymond/objectcache/ontology"
	"github.com/jonwraymond/objectcache/remote"
)

// Operation names used by Calls, Hold and FailNext.
const (
	OpLoadObject       = "loadObject"
	OpLoadObjects      = "loadObjects"
	OpApplyAction      = "applyAction"
	OpBatchApplyAction = "batchApplyAction"
	OpExecuteFunction  = "executeFunction"
)

// ActionFunc handles one action invocation against the fake's data.
type ActionFunc func(c *Client, params map[string]any) (*remote.ActionResult, error)

// FunctionFunc handles one function execution.
type FunctionFunc func(params map[string]any) (any, error)

// DerivedFunc computes one derived property for an object.
type DerivedFunc func(obj *ontology.Object) any

type linkKey struct {
	from ontology.ObjectRef
	link string
}

// Client is an in-memory remote.Client.
type Client struct {
	mu         sync.Mutex
	objects    map[string]map[string]*ontology.Object
	order      map[string][]string
	links      map[linkKey][]ontology.ObjectRef
	implements map[string][]string
	derived    map[string]DerivedFunc
	actions    map[string]ActionFunc
	functions  map[string]FunctionFunc
	calls      map[string]int
	failures   map[string][]error
	gates      map[string]chan struct{}
	requests   []remote.LoadObjectsRequest
}

// NewClient creates an empty fake.
func NewClient() *Client {
	return &Client{
		objects:    make(map[string]map[string]*ontology.Object),
		order:      make(map[string][]string),
		links:      make(map[linkKey][]ontology.ObjectRef),
		implements: make(map[string][]string),
		derived:    make(map[string]DerivedFunc),
		actions:    make(map[string]ActionFunc),
		functions:  make(map[string]FunctionFunc),
		calls:      make(map[string]int),
		failures:   make(map[string][]error),
		gates:      make(map[string]chan struct{}),
	}
}

func pkString(pk any) string { return fmt.Sprint(pk) }

// Put stores objects, replacing any with the same identity.
func (c *Client) Put(objs ...*ontology.Object) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range objs {
		byPK := c.objects[o.ApiName]
		if byPK == nil {
			byPK = make(map[string]*ontology.Object)
			c.objects[o.ApiName] = byPK
		}
		pk := pkString(o.PrimaryKey)
		if _, ok := byPK[pk]; !ok {
			c.order[o.ApiName] = append(c.order[o.ApiName], pk)
		}
		byPK[pk] = o.With(nil)
	}
}

// Delete removes an object.
func (c *Client) Delete(ref ontology.ObjectRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pk := pkString(ref.PrimaryKey)
	delete(c.objects[ref.ApiName], pk)
	c.order[ref.ApiName] = slices.DeleteFunc(c.order[ref.ApiName], func(s string) bool { return s == pk })
}

// Object returns a stored object.
func (c *Client) Object(ref ontology.ObjectRef) (*ontology.Object, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.objects[ref.ApiName][pkString(ref.PrimaryKey)]
	if !ok {
		return nil, false
	}
	return o.With(nil), true
}

// Link connects from to targets through link.
func (c *Client) Link(from ontology.ObjectRef, link string, targets ...ontology.ObjectRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := linkKey{from: ontology.ObjectRef{ApiName: from.ApiName, PrimaryKey: pkString(from.PrimaryKey)}, link: link}
	c.links[k] = append(c.links[k], targets...)
}

// Implement records that objectTypes implement iface.
func (c *Client) Implement(iface string, objectTypes ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.implements[iface] = append(c.implements[iface], objectTypes...)
}

// Derive registers how the derived property name is computed.
func (c *Client) Derive(name string, fn DerivedFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.derived[name] = fn
}

// OnAction registers an action handler.
func (c *Client) OnAction(name string, fn ActionFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions[name] = fn
}

// OnFunction registers a function handler.
func (c *Client) OnFunction(name string, fn FunctionFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.functions[name] = fn
}

// Calls returns how many times op was called.
func (c *Client) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// Requests returns every LoadObjects request received.
func (c *Client) Requests() []remote.LoadObjectsRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.requests)
}

// FailNext makes the next call to op return err.
func (c *Client) FailNext(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[op] = append(c.failures[op], err)
}

// Hold blocks calls to op until the returned func is called.
func (c *Client) Hold(op string) (release func()) {
	ch := make(chan struct{})
	c.mu.Lock()
	c.gates[op] = ch
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			if c.gates[op] == ch {
				delete(c.gates, op)
			}
			c.mu.Unlock()
			close(ch)
		})
	}
}

// enter counts the call, waits on any gate and returns a queued failure.
func (c *Client) enter(ctx context.Context, op string) error {
	c.mu.Lock()
	c.calls[op]++
	gate := c.gates[op]
	c.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if q := c.failures[op]; len(q) > 0 {
		c.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

// LoadObject implements remote.Client.
func (c *Client) LoadObject(ctx context.Context, req remote.LoadObjectRequest) (*ontology.Object, error) {
	if err := c.enter(ctx, OpLoadObject); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.objects[req.ApiName][pkString(req.PrimaryKey)]
	if !ok {
		return nil, fmt.Errorf("%w: %s:%v", remote.ErrNotFound, req.ApiName, req.PrimaryKey)
	}
	return c.withDerivedLocked(o, req.DerivedProperties), nil
}

// LoadObjects implements remote.Client. Page tokens are offsets.
func (c *Client) LoadObjects(ctx context.Context, req remote.LoadObjectsRequest) (*remote.LoadObjectsResponse, error) {
	if err := c.enter(ctx, OpLoadObjects); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)

	all, err := c.evalLocked(req.ObjectSet)
	if err != nil {
		return nil, err
	}
	sortObjects(all, req.OrderBy)

	offset := 0
	if req.PageToken != "" {
		offset, err = strconv.Atoi(req.PageToken)
		if err != nil {
			return nil, &remote.Error{Op: OpLoadObjects, Status: 400, Message: "bad page token"}
		}
	}
	end := len(all)
	if req.PageSize > 0 && offset+req.PageSize < end {
		end = offset + req.PageSize
	}
	resp := &remote.LoadObjectsResponse{TotalCount: len(all)}
	if offset < len(all) {
		resp.Data = all[offset:end]
	}
	if end < len(all) {
		resp.NextPageToken = strconv.Itoa(end)
	}
	return resp, nil
}

// ApplyAction implements remote.Client.
func (c *Client) ApplyAction(ctx context.Context, req remote.ApplyActionRequest) (*remote.ActionResult, error) {
	if err := c.enter(ctx, OpApplyAction); err != nil {
		return nil, err
	}
	return c.runAction(req.Action, req.Parameters)
}

// BatchApplyAction implements remote.Client by applying each request in
// order and merging the results.
func (c *Client) BatchApplyAction(ctx context.Context, req remote.BatchApplyActionRequest) (*remote.ActionResult, error) {
	if err := c.enter(ctx, OpBatchApplyAction); err != nil {
		return nil, err
	}
	out := &remote.ActionResult{Kind: remote.EditsObjects}
	for _, params := range req.Requests {
		r, err := c.runAction(req.Action, params)
		if err != nil {
			return nil, err
		}
		if r == nil {
			continue
		}
		if r.Kind == remote.EditsObjectTypes {
			out.Kind = remote.EditsObjectTypes
		}
		out.AddedObjects = append(out.AddedObjects, r.AddedObjects...)
		out.ModifiedObjects = append(out.ModifiedObjects, r.ModifiedObjects...)
		out.DeletedObjects = append(out.DeletedObjects, r.DeletedObjects...)
		out.EditedObjectTypes = append(out.EditedObjectTypes, r.EditedObjectTypes...)
		out.DeletedObjectsCount += r.DeletedObjectsCount
	}
	return out, nil
}

func (c *Client) runAction(name string, params map[string]any) (*remote.ActionResult, error) {
	c.mu.Lock()
	fn := c.actions[name]
	c.mu.Unlock()
	if fn == nil {
		return nil, &remote.Error{Op: OpApplyAction, Status: 404, Message: "unknown action " + name}
	}
	return fn(c, params)
}

// ExecuteFunction implements remote.Client.
func (c *Client) ExecuteFunction(ctx context.Context, req remote.ExecuteFunctionRequest) (any, error) {
	if err := c.enter(ctx, OpExecuteFunction); err != nil {
		return nil, err
	}
	c.mu.Lock()
	fn := c.functions[req.ApiName]
	c.mu.Unlock()
	if fn == nil {
		return nil, &remote.Error{Op: OpExecuteFunction, Status: 404, Message: "unknown function " + req.ApiName}
	}
	return fn(req.Params)
}

func (c *Client) withDerivedLocked(o *ontology.Object, props objectset.DerivedProperties) *ontology.Object {
	out := o.With(nil)
	for name := range props {
		if fn := c.derived[name]; fn != nil {
			out.Properties[name] = fn(o)
		}
	}
	return out
}

func (c *Client) allOfTypeLocked(apiName string) []*ontology.Object {
	out := make([]*ontology.Object, 0, len(c.order[apiName]))
	for _, pk := range c.order[apiName] {
		out = append(out, c.objects[apiName][pk].With(nil))
	}
	return out
}

func (c *Client) evalLocked(os *objectset.ObjectSet) ([]*ontology.Object, error) {
	if os == nil {
		return nil, objectset.ErrNilObjectSet
	}
	switch os.Type {
	case objectset.KindBase:
		return c.allOfTypeLocked(os.ObjectType), nil
	case objectset.KindInterfaceBase:
		var out []*ontology.Object
		for _, t := range c.implements[os.InterfaceType] {
			out = append(out, c.allOfTypeLocked(t)...)
		}
		return out, nil
	case objectset.KindStatic:
		var out []*ontology.Object
		for _, ref := range os.Objects {
			if o, ok := c.objects[ref.ApiName][pkString(ref.PrimaryKey)]; ok {
				out = append(out, o.With(nil))
			}
		}
		return out, nil
	case objectset.KindFilter:
		inner, err := c.evalLocked(os.ObjectSet)
		if err != nil {
			return nil, err
		}
		return slices.DeleteFunc(inner, func(o *ontology.Object) bool {
			return !filter.MatchesStrict(o, os.Where)
		}), nil
	case objectset.KindSearchAround, objectset.KindPivot:
		inner, err := c.evalLocked(os.ObjectSet)
		if err != nil {
			return nil, err
		}
		var refs []ontology.ObjectRef
		for _, o := range inner {
			k := linkKey{from: ontology.ObjectRef{ApiName: o.ApiName, PrimaryKey: pkString(o.PrimaryKey)}, link: os.Link}
			refs = append(refs, c.links[k]...)
		}
		return c.evalLocked(objectset.Static(refs...))
	case objectset.KindWithProperties:
		inner, err := c.evalLocked(os.ObjectSet)
		if err != nil {
			return nil, err
		}
		for i, o := range inner {
			inner[i] = c.withDerivedLocked(o, os.DerivedProperties)
		}
		return inner, nil
	case objectset.KindUnion, objectset.KindIntersect, objectset.KindSubtract:
		return c.setOpLocked(os)
	}
	return nil, fmt.Errorf("%w: %s", objectset.ErrUnknownNode, os.Type)
}

func (c *Client) setOpLocked(os *objectset.ObjectSet) ([]*ontology.Object, error) {
	if len(os.ObjectSets) == 0 {
		return nil, objectset.ErrMissingOperand
	}
	id := func(o *ontology.Object) string { return o.ApiName + ":" + pkString(o.PrimaryKey) }

	var result []*ontology.Object
	for i, operand := range os.ObjectSets {
		objs, err := c.evalLocked(operand)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			result = dedupe(objs, id)
			continue
		}
		present := make(map[string]bool, len(objs))
		for _, o := range objs {
			present[id(o)] = true
		}
		switch os.Type {
		case objectset.KindUnion:
			result = dedupe(append(result, objs...), id)
		case objectset.KindIntersect:
			result = slices.DeleteFunc(result, func(o *ontology.Object) bool { return !present[id(o)] })
		case objectset.KindSubtract:
			result = slices.DeleteFunc(result, func(o *ontology.Object) bool { return present[id(o)] })
		}
	}
	return result, nil
}

func dedupe(objs []*ontology.Object, id func(*ontology.Object) string) []*ontology.Object {
	seen := make(map[string]bool, len(objs))
	return slices.DeleteFunc(objs, func(o *ontology.Object) bool {
		k := id(o)
		if seen[k] {
			return true
		}
		seen[k] = true
		return false
	})
}

func sortObjects(objs []*ontology.Object, orderBy ontology.OrderBy) {
	slices.SortStableFunc(objs, func(a, b *ontology.Object) int {
		for _, clause := range orderBy {
			av, _ := a.Get(clause.Property)
			bv, _ := b.Get(clause.Property)
			c, ok := filter.Compare(av, bv)
			if !ok || c == 0 {
				continue
			}
			if clause.Direction == ontology.Desc {
				return -c
			}
			return c
		}
		return 0
	})
}

// Streams is an in-memory remote.StreamSubscriber.
type Streams struct {
	mu     sync.Mutex
	next   int
	subs   map[int]streamSub
	failed error
}

type streamSub struct {
	req remote.StreamRequest
	h   remote.StreamHandler
}

// NewStreams creates a fake subscriber.
func NewStreams() *Streams {
	return &Streams{subs: make(map[int]streamSub)}
}

// FailSubscribe makes future Subscribe calls fail with err.
func (s *Streams) FailSubscribe(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = err
}

// Subscribe implements remote.StreamSubscriber.
func (s *Streams) Subscribe(_ context.Context, req remote.StreamRequest, h remote.StreamHandler) (io.Closer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed != nil {
		return nil, s.failed
	}
	id := s.next
	s.next++
	s.subs[id] = streamSub{req: req, h: h}
	return closerFunc(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
		return nil
	}), nil
}

// Active returns the number of open subscriptions.
func (s *Streams) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Streams) handlers() []remote.StreamHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]remote.StreamHandler, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub.h)
	}
	return out
}

// Push delivers updates to every open subscription.
func (s *Streams) Push(updates ...remote.StreamUpdate) {
	for _, h := range s.handlers() {
		if h.OnChange != nil {
			h.OnChange(updates)
		}
	}
}

// OutOfDate tells every subscription to refetch.
func (s *Streams) OutOfDate() {
	for _, h := range s.handlers() {
		if h.OnOutOfDate != nil {
			h.OnOutOfDate()
		}
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

var (
	_ remote.Client           = (*Client)(nil)
	_ remote.StreamSubscriber = (*Streams)(nil)
)
