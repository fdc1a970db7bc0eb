package storageevent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cascade/internal/container"
	"github.com/roach88/cascade/internal/persist"
	"github.com/roach88/cascade/internal/schedule"
	"github.com/roach88/cascade/internal/syncer"
	"github.com/roach88/cascade/internal/testutil"
)

type prefs struct {
	Theme string `json:"theme"`
	Size  int    `json:"size"`
}

// openTab wires a container the way a browser tab would: persisted to the
// shared storage, synced through that storage's change events.
func openTab(t *testing.T, storage *persist.MemoryStorage, loop *schedule.Loop, clock syncer.Clock, session string) (*container.Container[prefs], *syncer.Sync[prefs]) {
	t.Helper()
	c := container.New(prefs{Theme: "light", Size: 12})

	var s *syncer.Sync[prefs]
	p, err := persist.Attach(c, storage, persist.Options[prefs]{
		Name: "prefs",
		Loop: loop,
		Metadata: func() (syncer.Metadata, bool) {
			if s == nil {
				return syncer.Metadata{}, false
			}
			return s.Metadata(), true
		},
	})
	require.NoError(t, err)

	s, err = syncer.Attach(c, syncer.Config{
		Key:       "prefs",
		Transport: New(storage),
		Hydration: p,
		SessionID: session,
		Clock:     clock,
		Loop:      loop,
	})
	require.NoError(t, err)
	return c, s
}

func TestStorageEvents_PropagateBetweenTabs(t *testing.T) {
	storage := persist.NewMemoryStorage()
	loop := schedule.NewLoop()
	clock := testutil.NewDeterministicClock(100)

	a, _ := openTab(t, storage, loop, clock, "a")
	b, bSync := openTab(t, storage, loop, clock, "b")

	a.Update(func(p prefs) prefs { p.Theme = "dark"; return p })
	loop.Drain()

	assert.Equal(t, "dark", b.GetState().Theme)
	assert.Equal(t, int64(100), bSync.LastWrite("theme"))

	clock.Set(200)
	b.Update(func(p prefs) prefs { p.Size = 18; return p })
	loop.Drain()
	assert.Equal(t, prefs{Theme: "dark", Size: 18}, a.GetState())
}

func TestStorageEvents_OnlyFieldsWrittenAtEnvelopeTimestamp(t *testing.T) {
	w := &fakeWatcher{}
	var got []syncer.Update
	h, err := New(w).Register(syncer.Registration{
		Key:       "prefs",
		SessionID: "b",
		Apply:     func(u syncer.Update) { got = append(got, u) },
	})
	require.NoError(t, err)

	w.fire("prefs", `{"state":{"theme":"dark","size":18},"syncMetadata":{"origin":"a","timestamp":200,"fields":{"theme":100,"size":200}}}`)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].SessionID)
	assert.Equal(t, int64(200), got[0].Timestamp)
	assert.Equal(t, []string{"size"}, got[0].Fields())

	// Own writes, other keys, envelopes without metadata and garbage are ignored.
	w.fire("prefs", `{"state":{},"syncMetadata":{"origin":"b","timestamp":300,"fields":{"theme":300}}}`)
	w.fire("other", `{"state":{},"syncMetadata":{"origin":"a","timestamp":300,"fields":{"theme":300}}}`)
	w.fire("prefs", `{"state":{"theme":"x"}}`)
	w.fire("prefs", `not json`)
	assert.Len(t, got, 1)

	assert.NoError(t, h.Publish(syncer.Update{}))
	h.Destroy()
	h.Destroy()
	assert.Equal(t, 1, w.stopped)
}

func TestStorageEvents_StorageKeyMapping(t *testing.T) {
	w := &fakeWatcher{}
	var got int
	_, err := New(w, WithStorageKey(func(k string) string { return "app/" + k })).Register(syncer.Registration{
		Key:       "prefs",
		SessionID: "b",
		Apply:     func(syncer.Update) { got++ },
	})
	require.NoError(t, err)

	w.fire("app/prefs", `{"state":{"theme":"x"},"syncMetadata":{"origin":"a","timestamp":1,"fields":{"theme":1}}}`)
	assert.Equal(t, 1, got)
}

type fakeWatcher struct {
	fns     []func(string, []byte)
	stopped int
}

func (w *fakeWatcher) Watch(fn func(string, []byte)) func() {
	w.fns = append(w.fns, fn)
	return func() { w.stopped++ }
}

func (w *fakeWatcher) fire(key, value string) {
	for _, fn := range w.fns {
		fn(key, []byte(value))
	}
}
