package persist

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cascade/internal/container"
	"github.com/roach88/cascade/internal/schedule"
)

type library struct {
	Counts Map[int, string] `json:"counts"`
	Tags   Set[string]      `json:"tags"`
}

func TestTagged_Encoding(t *testing.T) {
	lib := library{
		Counts: Map[int, string]{2: "two", 1: "one"},
		Tags:   NewSet("b", "a"),
	}

	data, err := json.Marshal(lib)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"counts": {"__type": "Map", "entries": [[1, "one"], [2, "two"]]},
		"tags":   {"__type": "Set", "values": ["a", "b"]}
	}`, string(data))

	var back library
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, lib, back)
	assert.True(t, back.Tags.Has("a"))
}

func TestTagged_RejectsWrongTag(t *testing.T) {
	var m Map[string, int]
	assert.Error(t, json.Unmarshal([]byte(`{"__type":"Set","values":[]}`), &m))

	var s Set[int]
	assert.Error(t, json.Unmarshal([]byte(`{"__type":"Map","entries":[]}`), &s))
	assert.Error(t, json.Unmarshal([]byte(`{"__type":"Set","values":["x"]}`), &s))
}

func TestTagged_SurvivesHydration(t *testing.T) {
	storage := NewMemoryStorage()
	first := container.New(library{Counts: Map[int, string]{}, Tags: NewSet[string]()})
	_, err := Attach(first, storage, Options[library]{Name: "lib", Loop: schedule.NewLoop()})
	require.NoError(t, err)

	first.SetState(library{Counts: Map[int, string]{7: "seven"}, Tags: NewSet("x")})

	second := container.New(library{})
	_, err = Attach(second, storage, Options[library]{Name: "lib", Loop: schedule.NewLoop()})
	require.NoError(t, err)
	assert.Equal(t, first.GetState(), second.GetState())
}

func TestMemoryStorage(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStorage()

	_, err := m.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	var seen []string
	stop := m.Watch(func(key string, value []byte) { seen = append(seen, key+"="+string(value)) })

	require.NoError(t, m.Set(ctx, "b", []byte("2")))
	require.NoError(t, m.Set(ctx, "a", []byte("1")))
	stop()
	require.NoError(t, m.Set(ctx, "c", []byte("3")))
	assert.Equal(t, []string{"b=2", "a=1"}, seen)

	keys, err := m.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, keys)

	ok, err := m.Contains(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, m.Delete(ctx, "a"))
	ok, _ = m.Contains(ctx, "a")
	assert.False(t, ok)

	require.NoError(t, m.Clear(ctx))
	keys, _ = m.Keys(ctx)
	assert.Empty(t, keys)
	assert.False(t, m.Async())
	assert.True(t, NewMemoryStorage(WithAsync()).Async())
}
