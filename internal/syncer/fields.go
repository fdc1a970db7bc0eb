package syncer

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"github.com/roach88/cascade/internal/equal"
	"github.com/roach88/cascade/internal/proxy"
)

// fieldCodec reads, writes and (de)serializes the synced fields of S.
// Structs are addressed by json tag or field name, maps by key. Writes
// return a modified copy; the input state is never mutated.
type fieldCodec[S any] struct {
	typ     reflect.Type
	isMap   bool
	fields  []string       // configured or discovered; nil for an all-keys map
	index   map[string]int // struct field index by name
	dynamic bool           // map with no configured fields: every key is tracked
}

func newFieldCodec[S any](key string, fields []string) (*fieldCodec[S], error) {
	typ := reflect.TypeOf((*S)(nil)).Elem()
	fc := &fieldCodec[S]{typ: typ}

	switch {
	case typ.Kind() == reflect.Struct:
		fc.index = make(map[string]int)
		var all []string
		for i := 0; i < typ.NumField(); i++ {
			f := typ.Field(i)
			name := proxy.FieldName(f)
			if !f.IsExported() || name == "" {
				continue
			}
			fc.index[name] = i
			all = append(all, name)
		}
		if len(fields) == 0 {
			fc.fields = all
			break
		}
		for _, name := range fields {
			if _, ok := fc.index[name]; !ok {
				return nil, configError(key, ErrUnknownField, "field %q is not a field of %s", name, typ)
			}
		}
		fc.fields = append([]string(nil), fields...)

	case typ.Kind() == reflect.Map && typ.Key().Kind() == reflect.String:
		fc.isMap = true
		fc.fields = append([]string(nil), fields...)
		fc.dynamic = len(fields) == 0

	default:
		return nil, configError(key, ErrUnsupportedState, "cannot sync state of type %s", typ)
	}
	return fc, nil
}

// tracked returns the tracked fields for state, sorted.
func (fc *fieldCodec[S]) tracked(state S) []string {
	if !fc.dynamic {
		return fc.fields
	}
	return fc.keys(state)
}

// union returns the tracked fields present in either state, sorted.
func (fc *fieldCodec[S]) union(a, b S) []string {
	if !fc.dynamic {
		return fc.fields
	}
	seen := make(map[string]bool)
	for _, k := range fc.keys(a) {
		seen[k] = true
	}
	for _, k := range fc.keys(b) {
		seen[k] = true
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (fc *fieldCodec[S]) tracks(name string) bool {
	if fc.dynamic {
		return true
	}
	for _, f := range fc.fields {
		if f == name {
			return true
		}
	}
	return false
}

func (fc *fieldCodec[S]) keys(state S) []string {
	v := reflect.ValueOf(state)
	if !v.IsValid() || v.IsNil() {
		return nil
	}
	out := make([]string, 0, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		out = append(out, iter.Key().String())
	}
	sort.Strings(out)
	return out
}

// fieldType returns the Go type values of name decode into.
func (fc *fieldCodec[S]) fieldType(name string) reflect.Type {
	if fc.isMap {
		return fc.typ.Elem()
	}
	return fc.typ.Field(fc.index[name]).Type
}

// get returns the value of name, and whether it is present.
func (fc *fieldCodec[S]) get(state S, name string) (any, bool) {
	v := reflect.ValueOf(state)
	if fc.isMap {
		if !v.IsValid() || v.IsNil() {
			return nil, false
		}
		e := v.MapIndex(reflect.ValueOf(name).Convert(fc.typ.Key()))
		if !e.IsValid() {
			return nil, false
		}
		return e.Interface(), true
	}
	i, ok := fc.index[name]
	if !ok {
		return nil, false
	}
	return v.Field(i).Interface(), true
}

// changed reports whether name differs between prev and next.
func (fc *fieldCodec[S]) changed(prev, next S, name string) bool {
	a, okA := fc.get(prev, name)
	b, okB := fc.get(next, name)
	if okA != okB {
		return true
	}
	return !equal.Identical(a, b)
}

// encode marshals the value of name. An absent map key encodes as null.
func (fc *fieldCodec[S]) encode(state S, name string) (json.RawMessage, error) {
	v, ok := fc.get(state, name)
	if !ok {
		return json.RawMessage("null"), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode field %q: %w", name, err)
	}
	return raw, nil
}

// decode unmarshals raw into the field's type.
func (fc *fieldCodec[S]) decode(name string, raw json.RawMessage) (any, error) {
	ptr := reflect.New(fc.fieldType(name))
	if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("decode field %q: %w", name, err)
	}
	return ptr.Elem().Interface(), nil
}

// accepts reports whether v can be stored in name. Interface-typed fields
// accept values of the same dynamic type as incoming or current.
func (fc *fieldCodec[S]) accepts(name string, v, incoming, current any) bool {
	want := fc.fieldType(name)
	if v == nil {
		switch want.Kind() {
		case reflect.Interface, reflect.Map, reflect.Slice, reflect.Pointer:
			return true
		default:
			return false
		}
	}
	got := reflect.TypeOf(v)
	if want.Kind() != reflect.Interface {
		return got == want
	}
	if !got.Implements(want) {
		return false
	}
	return (incoming != nil && got == reflect.TypeOf(incoming)) ||
		(current != nil && got == reflect.TypeOf(current)) ||
		(incoming == nil && current == nil)
}

// set returns a copy of state with name set to v.
func (fc *fieldCodec[S]) set(state S, name string, v any) S {
	if fc.isMap {
		m := fc.cloneMap(state)
		m.SetMapIndex(reflect.ValueOf(name).Convert(fc.typ.Key()), valueOf(v, fc.typ.Elem()))
		return m.Interface().(S)
	}
	out := state
	field := reflect.ValueOf(&out).Elem().Field(fc.index[name])
	field.Set(valueOf(v, field.Type()))
	return out
}

// clear returns a copy of state without name: map keys are deleted, struct
// fields zeroed.
func (fc *fieldCodec[S]) clear(state S, name string) S {
	if fc.isMap {
		m := fc.cloneMap(state)
		m.SetMapIndex(reflect.ValueOf(name).Convert(fc.typ.Key()), reflect.Value{})
		return m.Interface().(S)
	}
	out := state
	field := reflect.ValueOf(&out).Elem().Field(fc.index[name])
	field.Set(reflect.Zero(field.Type()))
	return out
}

func (fc *fieldCodec[S]) cloneMap(state S) reflect.Value {
	src := reflect.ValueOf(state)
	dst := reflect.MakeMapWithSize(fc.typ, src.Len()+1)
	iter := src.MapRange()
	for iter.Next() {
		dst.SetMapIndex(iter.Key(), iter.Value())
	}
	return dst
}

func valueOf(v any, t reflect.Type) reflect.Value {
	if v == nil {
		return reflect.Zero(t)
	}
	return reflect.ValueOf(v)
}
