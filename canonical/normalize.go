package canonical

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jonwraymond/objectcache/ontology"
)

// Sentinel errors for canonicalization.
var (
	ErrCircularReference = errors.New("canonical: Circular reference detected")
	ErrInvalidInput      = errors.New("canonical: invalid input")
)

// Undefined marks a value that is present but undefined. It is distinct
// from nil, which means null.
var Undefined = undefinedValue{}

type undefinedValue struct{}

// Set is an unordered collection. Members are canonicalized and sorted, so
// two sets with the same members in any order are equivalent.
type Set []any

// MapEntry is one entry of a canonicalized non-string-keyed map.
type MapEntry struct {
	Key   any
	Value any
}

// opaqueSeq numbers function values; each occurrence gets its own token.
var opaqueSeq atomic.Uint64

// opaqueMarker prefixes opaque tokens. Quoted strings never contain a raw
// NUL, so it cannot appear in any other encoding.
const opaqueMarker = "\x00opaque#"

func hasOpaque(key string) bool { return strings.Contains(key, opaqueMarker) }

var (
	timeType     = reflect.TypeOf(time.Time{})
	numberType   = reflect.TypeOf(json.Number(""))
	identityType = reflect.TypeOf((*ontology.Identity)(nil)).Elem()
)

// normalizer produces the normalized value and its encoding in one pass.
type normalizer struct {
	b    strings.Builder
	path map[uintptr]struct{}
}

func newNormalizer() *normalizer {
	return &normalizer{path: make(map[uintptr]struct{})}
}

// Key returns the normalized encoding of v.
func Key(v any) (string, error) {
	n := newNormalizer()
	if _, err := n.value(reflect.ValueOf(v)); err != nil {
		return "", err
	}
	return n.b.String(), nil
}

// Normalize returns the normalized form of v together with its encoding.
func Normalize(v any) (any, string, error) {
	n := newNormalizer()
	out, err := n.value(reflect.ValueOf(v))
	if err != nil {
		return nil, "", err
	}
	return out, n.b.String(), nil
}

func (n *normalizer) enter(v reflect.Value) (func(), error) {
	var ptr uintptr
	switch v.Kind() {
	case reflect.Map, reflect.Pointer, reflect.Slice:
		ptr = v.Pointer()
	}
	if ptr == 0 {
		return func() {}, nil
	}
	if _, ok := n.path[ptr]; ok {
		return nil, ErrCircularReference
	}
	n.path[ptr] = struct{}{}
	return func() { delete(n.path, ptr) }, nil
}

func (n *normalizer) value(v reflect.Value) (any, error) {
	if !v.IsValid() {
		n.b.WriteString("null")
		return nil, nil
	}

	if v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer {
		if v.IsNil() {
			n.b.WriteString("null")
			return nil, nil
		}
	}

	if v.Type() == reflect.TypeOf(Undefined) {
		n.b.WriteString("undef")
		return Undefined, nil
	}

	if v.Type().Implements(identityType) {
		id := v.Interface().(ontology.Identity)
		return n.identity(id.ObjectApiName(), id.ObjectPrimaryKey())
	}

	if v.Kind() == reflect.Interface {
		return n.value(v.Elem())
	}

	if v.Type() == timeType {
		t := v.Interface().(time.Time)
		fmt.Fprintf(&n.b, "date(%d)", t.UnixNano())
		return t.UTC(), nil
	}

	if v.Type() == numberType {
		f, err := strconv.ParseFloat(v.String(), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return n.float(f), nil
	}

	switch v.Kind() {
	case reflect.String:
		n.b.WriteString(strconv.Quote(v.String()))
		return v.String(), nil

	case reflect.Bool:
		if v.Bool() {
			n.b.WriteString("true")
		} else {
			n.b.WriteString("false")
		}
		return v.Bool(), nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i := v.Int()
		n.b.WriteString(strconv.FormatInt(i, 10))
		return i, nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := v.Uint()
		if u <= math.MaxInt64 {
			n.b.WriteString(strconv.FormatInt(int64(u), 10))
			return int64(u), nil
		}
		n.b.WriteString(strconv.FormatUint(u, 10))
		return u, nil

	case reflect.Float32, reflect.Float64:
		return n.float(v.Float()), nil

	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		fmt.Fprintf(&n.b, "%s%d", opaqueMarker, opaqueSeq.Add(1))
		return v.Interface(), nil

	case reflect.Pointer:
		leave, err := n.enter(v)
		if err != nil {
			return nil, err
		}
		defer leave()
		return n.value(v.Elem())

	case reflect.Map:
		leave, err := n.enter(v)
		if err != nil {
			return nil, err
		}
		defer leave()
		if v.Type().Key().Kind() == reflect.String {
			return n.object(v)
		}
		return n.mapEntries(v)

	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice {
			if v.IsNil() {
				n.b.WriteString("null")
				return nil, nil
			}
			leave, err := n.enter(v)
			if err != nil {
				return nil, err
			}
			defer leave()
		}
		if v.Type() == reflect.TypeOf(Set(nil)) {
			return n.set(v)
		}
		return n.array(v)

	case reflect.Struct:
		return n.structFields(v)
	}

	return nil, fmt.Errorf("%w: unsupported kind %s", ErrInvalidInput, v.Kind())
}

func (n *normalizer) float(f float64) any {
	switch {
	case math.IsNaN(f):
		n.b.WriteString("NaN")
		return f
	case math.IsInf(f, 1):
		n.b.WriteString("+Inf")
		return f
	case math.IsInf(f, -1):
		n.b.WriteString("-Inf")
		return f
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		i := int64(f)
		n.b.WriteString(strconv.FormatInt(i, 10))
		return i
	}
	n.b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return f
}

func (n *normalizer) identity(apiName string, pk any) (any, error) {
	n.b.WriteString("obj(")
	n.b.WriteString(strconv.Quote(apiName))
	n.b.WriteByte(',')
	key, err := n.value(reflect.ValueOf(pk))
	if err != nil {
		return nil, err
	}
	n.b.WriteByte(')')
	return ontology.ObjectRef{ApiName: apiName, PrimaryKey: key}, nil
}

// object normalizes a string-keyed map. Maps carrying $apiName and
// $primaryKey are treated as object identities.
func (n *normalizer) object(v reflect.Value) (any, error) {
	api := v.MapIndex(reflect.ValueOf("$apiName").Convert(v.Type().Key()))
	pk := v.MapIndex(reflect.ValueOf("$primaryKey").Convert(v.Type().Key()))
	if api.IsValid() && pk.IsValid() {
		if name, ok := api.Interface().(string); ok {
			return n.identity(name, pk.Interface())
		}
	}

	keys := make([]string, 0, v.Len())
	for _, k := range v.MapKeys() {
		keys = append(keys, k.String())
	}
	sort.Strings(keys)

	out := make(map[string]any, len(keys))
	n.b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			n.b.WriteByte(',')
		}
		n.b.WriteString(strconv.Quote(k))
		n.b.WriteByte(':')
		val, err := n.value(v.MapIndex(reflect.ValueOf(k).Convert(v.Type().Key())))
		if err != nil {
			return nil, err
		}
		out[k] = val
	}
	n.b.WriteByte('}')
	return out, nil
}

func (n *normalizer) mapEntries(v reflect.Value) (any, error) {
	type encoded struct {
		key   string
		entry MapEntry
		val   string
	}
	entries := make([]encoded, 0, v.Len())
	for _, k := range v.MapKeys() {
		kn := newNormalizerSharing(n)
		kv, err := kn.value(k)
		if err != nil {
			return nil, err
		}
		vn := newNormalizerSharing(n)
		vv, err := vn.value(v.MapIndex(k))
		if err != nil {
			return nil, err
		}
		entries = append(entries, encoded{key: kn.b.String(), val: vn.b.String(), entry: MapEntry{Key: kv, Value: vv}})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	out := make([]MapEntry, len(entries))
	n.b.WriteString("map[")
	for i, e := range entries {
		if i > 0 {
			n.b.WriteByte(',')
		}
		n.b.WriteString(e.key)
		n.b.WriteString("=>")
		n.b.WriteString(e.val)
		out[i] = e.entry
	}
	n.b.WriteByte(']')
	return out, nil
}

func (n *normalizer) set(v reflect.Value) (any, error) {
	type member struct {
		key string
		val any
	}
	members := make([]member, 0, v.Len())
	seen := make(map[string]struct{}, v.Len())
	for i := 0; i < v.Len(); i++ {
		mn := newNormalizerSharing(n)
		val, err := mn.value(v.Index(i))
		if err != nil {
			return nil, err
		}
		key := mn.b.String()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		members = append(members, member{key: key, val: val})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].key < members[j].key })

	out := make(Set, len(members))
	n.b.WriteString("set[")
	for i, m := range members {
		if i > 0 {
			n.b.WriteByte(',')
		}
		n.b.WriteString(m.key)
		out[i] = m.val
	}
	n.b.WriteByte(']')
	return out, nil
}

func (n *normalizer) array(v reflect.Value) (any, error) {
	out := make([]any, v.Len())
	n.b.WriteByte('[')
	for i := 0; i < v.Len(); i++ {
		if i > 0 {
			n.b.WriteByte(',')
		}
		val, err := n.value(v.Index(i))
		if err != nil {
			return nil, err
		}
		out[i] = val
	}
	n.b.WriteByte(']')
	return out, nil
}

// structFields normalizes exported fields under their json names, honoring
// "-" and omitempty.
func (n *normalizer) structFields(v reflect.Value) (any, error) {
	t := v.Type()
	fields := make(map[string]reflect.Value, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, omitEmpty := f.Name, false
		if tag, ok := f.Tag.Lookup("json"); ok {
			parts := strings.Split(tag, ",")
			if parts[0] == "-" {
				continue
			}
			if parts[0] != "" {
				name = parts[0]
			}
			for _, opt := range parts[1:] {
				if opt == "omitempty" || opt == "omitzero" {
					omitEmpty = true
				}
			}
		}
		fv := v.Field(i)
		if omitEmpty && fv.IsZero() {
			continue
		}
		fields[name] = fv
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]any, len(names))
	n.b.WriteByte('{')
	for i, name := range names {
		if i > 0 {
			n.b.WriteByte(',')
		}
		n.b.WriteString(strconv.Quote(name))
		n.b.WriteByte(':')
		val, err := n.value(fields[name])
		if err != nil {
			return nil, err
		}
		out[name] = val
	}
	n.b.WriteByte('}')
	return out, nil
}

// newNormalizerSharing returns a normalizer with its own buffer that still
// sees the parent's active path, so cycles through set members and map
// entries are caught.
func newNormalizerSharing(parent *normalizer) *normalizer {
	return &normalizer{path: parent.path}
}
