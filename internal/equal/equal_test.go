package equal

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

type point struct {
	X, Y int
	Tags []string
}

func TestIdentical(t *testing.T) {
	shared := []string{"a"}
	m := map[string]int{"a": 1}
	p := &point{X: 1}

	tests := []struct {
		name string
		a, b any
		want bool
	}{
		{"nil nil", nil, nil, true},
		{"nil vs value", nil, 0, false},
		{"ints", 3, 3, true},
		{"different types", int32(3), int64(3), false},
		{"strings", "x", "x", true},
		{"nan", math.NaN(), math.NaN(), true},
		{"signed zero", 0.0, math.Copysign(0, -1), false},
		{"same map", m, m, true},
		{"equal maps different identity", map[string]int{"a": 1}, map[string]int{"a": 1}, false},
		{"same slice", shared, shared, true},
		{"resliced", shared, shared[:0], false},
		{"same pointer", p, p, true},
		{"different pointer", &point{X: 1}, &point{X: 1}, false},
		{"struct sharing slice", point{X: 1, Tags: shared}, point{X: 1, Tags: shared}, true},
		{"struct with fresh slice", point{X: 1, Tags: []string{"a"}}, point{X: 1, Tags: []string{"a"}}, false},
		{"arrays", [2]int{1, 2}, [2]int{1, 2}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Identical(tt.a, tt.b))
		})
	}
}

func TestIdentical_InterfaceFieldsDoNotPanic(t *testing.T) {
	type holder struct{ V any }
	a := holder{V: map[string]int{"k": 1}}
	b := holder{V: map[string]int{"k": 1}}

	assert.NotPanics(t, func() { Identical(a, b) })
	assert.False(t, Identical(a, b))
	assert.True(t, Identical(a, a))
}

func TestShallow(t *testing.T) {
	inner := []int{1}

	assert.True(t, Shallow(map[string]any{"a": 1, "b": inner}, map[string]any{"a": 1, "b": inner}))
	assert.False(t, Shallow(map[string]any{"a": 1, "b": []int{1}}, map[string]any{"a": 1, "b": []int{1}}))
	assert.False(t, Shallow(map[string]int{"a": 1}, map[string]int{"a": 1, "b": 2}))
	assert.True(t, Shallow([]string{"x", "y"}, []string{"x", "y"}))
	assert.False(t, Shallow(&point{X: 1, Tags: []string{"t"}}, &point{X: 1, Tags: []string{"t"}}))
	assert.True(t, Shallow(&point{X: 1, Y: 2}, &point{X: 1, Y: 2}))
	assert.False(t, Shallow([]int{1}, map[string]int{}))
}

func TestDeep(t *testing.T) {
	assert.True(t, Deep(point{X: 1, Tags: []string{"a"}}, point{X: 1, Tags: []string{"a"}}))
	assert.False(t, Deep(point{X: 1}, point{X: 2}))
}

func TestForAndErase(t *testing.T) {
	byLen := For[[]int](func(a, b any) bool { return len(a.([]int)) == len(b.([]int)) })
	assert.True(t, byLen([]int{1}, []int{2}))

	erased := Erase(Func[int](func(a, b int) bool { return a%10 == b%10 }))
	assert.True(t, erased(1, 11))
	assert.False(t, erased(1, "1"))
}
