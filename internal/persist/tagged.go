package persist

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

const (
	tagMap = "Map"
	tagSet = "Set"
)

// Map is a map that persists as {"__type":"Map","entries":[[k,v],...]}, so
// non-string keys survive a JSON round trip. Entries are written in key
// order.
type Map[K comparable, V any] map[K]V

type taggedMap struct {
	Type    string               `json:"__type"`
	Entries [][2]json.RawMessage `json:"entries"`
}

func (m Map[K, V]) MarshalJSON() ([]byte, error) {
	out := taggedMap{Type: tagMap, Entries: make([][2]json.RawMessage, 0, len(m))}
	for k, v := range m {
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, fmt.Errorf("map key: %w", err)
		}
		vb, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("map value: %w", err)
		}
		out.Entries = append(out.Entries, [2]json.RawMessage{kb, vb})
	}
	sort.Slice(out.Entries, func(i, j int) bool {
		return bytes.Compare(out.Entries[i][0], out.Entries[j][0]) < 0
	})
	return json.Marshal(out)
}

func (m *Map[K, V]) UnmarshalJSON(data []byte) error {
	var in taggedMap
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in.Type != tagMap {
		return fmt.Errorf("persist: expected __type %q, got %q", tagMap, in.Type)
	}
	out := make(Map[K, V], len(in.Entries))
	for _, e := range in.Entries {
		var k K
		var v V
		if err := json.Unmarshal(e[0], &k); err != nil {
			return fmt.Errorf("map key: %w", err)
		}
		if err := json.Unmarshal(e[1], &v); err != nil {
			return fmt.Errorf("map value: %w", err)
		}
		out[k] = v
	}
	*m = out
	return nil
}

// Set persists as {"__type":"Set","values":[...]}, values in sorted order.
type Set[T comparable] map[T]struct{}

type taggedSet struct {
	Type   string            `json:"__type"`
	Values []json.RawMessage `json:"values"`
}

func NewSet[T comparable](values ...T) Set[T] {
	s := make(Set[T], len(values))
	for _, v := range values {
		s[v] = struct{}{}
	}
	return s
}

func (s Set[T]) Has(v T) bool {
	_, ok := s[v]
	return ok
}

func (s Set[T]) MarshalJSON() ([]byte, error) {
	out := taggedSet{Type: tagSet, Values: make([]json.RawMessage, 0, len(s))}
	for v := range s {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("set value: %w", err)
		}
		out.Values = append(out.Values, b)
	}
	sort.Slice(out.Values, func(i, j int) bool {
		return bytes.Compare(out.Values[i], out.Values[j]) < 0
	})
	return json.Marshal(out)
}

func (s *Set[T]) UnmarshalJSON(data []byte) error {
	var in taggedSet
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in.Type != tagSet {
		return fmt.Errorf("persist: expected __type %q, got %q", tagSet, in.Type)
	}
	out := make(Set[T], len(in.Values))
	for _, raw := range in.Values {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("set value: %w", err)
		}
		out[v] = struct{}{}
	}
	*s = out
	return nil
}
