package broadcast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cascade/internal/container"
	"github.com/roach88/cascade/internal/schedule"
	"github.com/roach88/cascade/internal/syncer"
	"github.com/roach88/cascade/internal/testutil"
)

type prefs struct {
	Theme string `json:"theme"`
	Size  int    `json:"size"`
}

type peer struct {
	c    *container.Container[prefs]
	sync *syncer.Sync[prefs]
}

func join(t *testing.T, hub *Hub, loop *schedule.Loop, clock syncer.Clock, session string) peer {
	t.Helper()
	c := container.New(prefs{Theme: "light", Size: 12})
	s, err := syncer.Attach(c, syncer.Config{
		Key:       "prefs",
		Transport: hub,
		SessionID: session,
		Clock:     clock,
		Loop:      loop,
	})
	require.NoError(t, err)
	return peer{c: c, sync: s}
}

func TestHub_DeliversToOtherMembers(t *testing.T) {
	hub := NewHub()
	loop := schedule.NewLoop()
	clock := testutil.NewDeterministicClock(100)

	a := join(t, hub, loop, clock, "a")
	b := join(t, hub, loop, clock, "b")
	c := join(t, hub, loop, clock, "c")
	assert.Equal(t, 3, hub.Members("prefs"))

	a.c.Update(func(p prefs) prefs { p.Theme = "dark"; return p })
	assert.Equal(t, "light", b.c.GetState().Theme, "delivery is posted, not inline")

	loop.Drain()
	assert.Equal(t, "dark", b.c.GetState().Theme)
	assert.Equal(t, "dark", c.c.GetState().Theme)
	assert.Equal(t, int64(100), b.sync.LastWrite("theme"))
}

func TestHub_ConcurrentWritesConverge(t *testing.T) {
	hub := NewHub()
	loop := schedule.NewLoop()

	a := join(t, hub, loop, testutil.NewDeterministicClock(200), "a")
	b := join(t, hub, loop, testutil.NewDeterministicClock(300), "b")

	// Both write before either delivery runs; the later stamp wins on both.
	a.c.Update(func(p prefs) prefs { p.Theme = "blue"; return p })
	b.c.Update(func(p prefs) prefs { p.Theme = "green"; return p })
	loop.Drain()

	assert.Equal(t, "green", a.c.GetState().Theme)
	assert.Equal(t, "green", b.c.GetState().Theme)
}

func TestHub_CatchUpOnJoin(t *testing.T) {
	hub := NewHub()
	loop := schedule.NewLoop()
	clock := testutil.NewDeterministicClock(100)

	a := join(t, hub, loop, clock, "a")
	a.c.Update(func(p prefs) prefs { p.Theme = "dark"; return p })
	clock.Set(150)
	a.c.Update(func(p prefs) prefs { p.Size = 16; return p })
	loop.Drain()

	b := join(t, hub, loop, clock, "b")
	loop.Drain()

	assert.Equal(t, prefs{Theme: "dark", Size: 16}, b.c.GetState())
	assert.Equal(t, int64(100), b.sync.LastWrite("theme"))
	assert.Equal(t, int64(150), b.sync.LastWrite("size"))
}

func TestHub_CatchUpNeverOverridesNewerLocal(t *testing.T) {
	hub := NewHub()
	loop := schedule.NewLoop()

	a := join(t, hub, loop, testutil.NewDeterministicClock(100), "a")
	a.c.Update(func(p prefs) prefs { p.Theme = "dark"; return p })
	loop.Drain()

	// b joins and writes before the catch-up snapshot is delivered.
	c := container.New(prefs{Theme: "light"})
	bClock := testutil.NewDeterministicClock(500)
	s, err := syncer.Attach(c, syncer.Config{Key: "prefs", Transport: hub, SessionID: "b", Clock: bClock, Loop: loop})
	require.NoError(t, err)
	c.Update(func(p prefs) prefs { p.Theme = "mine"; return p })
	loop.Drain()

	assert.Equal(t, "mine", c.GetState().Theme, "snapshot stamped 100 loses to the local write at 500")
	assert.Equal(t, int64(500), s.LastWrite("theme"))
	assert.Equal(t, "mine", a.c.GetState().Theme)
}

func TestHub_WithoutCatchUp(t *testing.T) {
	hub := NewHub(WithoutCatchUp())
	loop := schedule.NewLoop()

	a := join(t, hub, loop, testutil.NewDeterministicClock(100), "a")
	a.c.Update(func(p prefs) prefs { p.Theme = "dark"; return p })
	b := join(t, hub, loop, testutil.NewDeterministicClock(100), "b")
	loop.Drain()

	assert.Equal(t, "light", b.c.GetState().Theme)
}

func TestHub_DestroyLeavesChannel(t *testing.T) {
	hub := NewHub()
	loop := schedule.NewLoop()
	clock := testutil.NewDeterministicClock(100)

	a := join(t, hub, loop, clock, "a")
	b := join(t, hub, loop, clock, "b")
	assert.Equal(t, []string{"prefs"}, hub.Channels())

	b.c.Destroy()
	assert.Equal(t, 1, hub.Members("prefs"))

	a.c.Update(func(p prefs) prefs { p.Theme = "dark"; return p })
	loop.Drain()
	assert.Equal(t, "light", b.c.GetState().Theme)

	a.c.Destroy()
	assert.Empty(t, hub.Channels())
}
