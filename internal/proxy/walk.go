package proxy

import (
	"encoding/json"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Walk resolves path against state.
//
// Maps are indexed by key (string-kinded or integer keys), structs by
// field name or json tag, slices and arrays by decimal index. Pointers and
// interfaces are followed. Returns (nil, false) when any step fails.
func Walk(state any, path Path) (any, bool) {
	v := reflect.ValueOf(state)
	for _, key := range path {
		v = deref(v)
		if !v.IsValid() {
			return nil, false
		}
		next, ok := step(v, key)
		if !ok {
			return nil, false
		}
		v = next
	}
	if !v.IsValid() {
		return nil, len(path) == 0
	}
	if v.Kind() == reflect.Interface && v.IsNil() {
		return nil, true
	}
	if !v.CanInterface() {
		return nil, false
	}
	return v.Interface(), true
}

// Selector returns a function that walks path against its argument.
func Selector(path Path) func(state any) any {
	return func(state any) any {
		v, _ := Walk(state, path)
		return v
	}
}

func deref(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

func step(v reflect.Value, key string) (reflect.Value, bool) {
	switch v.Kind() {
	case reflect.Map:
		k, ok := mapKey(v.Type().Key(), key)
		if !ok {
			return reflect.Value{}, false
		}
		out := v.MapIndex(k)
		return out, out.IsValid()
	case reflect.Struct:
		return structField(v, key)
	case reflect.Slice, reflect.Array:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= v.Len() {
			return reflect.Value{}, false
		}
		return v.Index(i), true
	default:
		return reflect.Value{}, false
	}
}

func mapKey(t reflect.Type, key string) (reflect.Value, bool) {
	switch t.Kind() {
	case reflect.String:
		return reflect.ValueOf(key).Convert(t), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return reflect.Value{}, false
		}
		return reflect.ValueOf(n).Convert(t), true
	case reflect.Interface:
		return reflect.ValueOf(key), reflect.TypeOf(key).Implements(t)
	default:
		return reflect.Value{}, false
	}
}

func structField(v reflect.Value, key string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		if FieldName(f) == key || f.Name == key {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// FieldName returns the name a struct field is addressed by: its json tag
// name when present, else the Go field name. Fields tagged "-" return "".
func FieldName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "-" {
		return ""
	}
	if name, _, _ := strings.Cut(tag, ","); name != "" {
		return name
	}
	return f.Name
}

func toInt(v any) (int64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return int64(rv.Float()), true
	}
	if n, ok := v.(json.Number); ok {
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	if n, ok := v.(json.Number); ok {
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toString(v any) (string, bool) {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.String {
		return rv.String(), true
	}
	return "", false
}

func toBool(v any) (bool, bool) {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Bool {
		return rv.Bool(), true
	}
	return false, false
}

func length(v any) int {
	rv := deref(reflect.ValueOf(v))
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.String, reflect.Chan:
		return rv.Len()
	case reflect.Struct:
		return len(keys(v))
	default:
		return 0
	}
}

func keys(v any) []string {
	rv := deref(reflect.ValueOf(v))
	var out []string
	switch rv.Kind() {
	case reflect.Map:
		iter := rv.MapRange()
		for iter.Next() {
			out = append(out, keyString(iter.Key()))
		}
		sort.Strings(out)
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			out = append(out, strconv.Itoa(i))
		}
	case reflect.Struct:
		t := rv.Type()
		for i := 0; i < t.NumField(); i++ {
			if name := FieldName(t.Field(i)); name != "" && t.Field(i).IsExported() {
				out = append(out, name)
			}
		}
	}
	return out
}

func keyString(k reflect.Value) string {
	k = deref(k)
	switch k.Kind() {
	case reflect.String:
		return k.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(k.Int(), 10)
	default:
		return ""
	}
}
