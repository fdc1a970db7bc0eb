package persist

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cascade/internal/container"
	"github.com/roach88/cascade/internal/schedule"
	"github.com/roach88/cascade/internal/syncer"
)

type settings struct {
	Theme string `json:"theme"`
	Size  int    `json:"size"`
}

func seed(t *testing.T, s Storage, key, value string) {
	t.Helper()
	require.NoError(t, s.Set(context.Background(), key, []byte(value)))
}

func stored(t *testing.T, s Storage, key string) Envelope {
	t.Helper()
	raw, err := s.Get(context.Background(), key)
	require.NoError(t, err)
	env, err := JSON{}.Unmarshal(raw)
	require.NoError(t, err)
	return env
}

func TestAttach_HydratesSyncStorage(t *testing.T) {
	storage := NewMemoryStorage()
	seed(t, storage, "settings", `{"state":{"theme":"dark","size":14}}`)

	c := container.New(settings{Theme: "light", Size: 12})
	p, err := Attach(c, storage, Options[settings]{Name: "settings", Loop: schedule.NewLoop()})
	require.NoError(t, err)

	assert.True(t, p.Hydrated())
	assert.Equal(t, settings{Theme: "dark", Size: 14}, c.GetState())
	require.NoError(t, p.Wait(context.Background()))

	env, ok := p.Persisted()
	require.True(t, ok)
	assert.JSONEq(t, `{"theme":"dark","size":14}`, string(env.State))
}

func TestAttach_MissingName(t *testing.T) {
	_, err := Attach(container.New(settings{}), NewMemoryStorage(), Options[settings]{})
	assert.ErrorIs(t, err, ErrMissingName)
}

func TestAttach_NotFoundWritesInitialState(t *testing.T) {
	storage := NewMemoryStorage()
	c := container.New(settings{Theme: "light"})
	p, err := Attach(c, storage, Options[settings]{Name: "settings", Loop: schedule.NewLoop()})
	require.NoError(t, err)

	require.NoError(t, p.Wait(context.Background()))
	assert.JSONEq(t, `{"theme":"light","size":0}`, string(stored(t, storage, "settings").State))
}

func TestAttach_HydrationErrors(t *testing.T) {
	tests := []struct {
		name   string
		stored string
	}{
		{"malformed json", `{"state":`},
		{"missing state", `{"version":0}`},
		{"state of the wrong shape", `{"state":"not an object"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storage := NewMemoryStorage()
			seed(t, storage, "settings", tt.stored)

			c := container.New(settings{Theme: "light"})
			p, err := Attach(c, storage, Options[settings]{Name: "settings", Loop: schedule.NewLoop()})
			require.NoError(t, err, "hydration errors are not configuration errors")

			assert.ErrorIs(t, p.Wait(context.Background()), ErrMalformed)
			assert.Equal(t, settings{Theme: "light"}, c.GetState(), "state stays initial")
			assert.True(t, p.Hydrated(), "sync is released even when hydration fails")
		})
	}
}

func TestAttach_Versioning(t *testing.T) {
	t.Run("mismatch without migration discards", func(t *testing.T) {
		storage := NewMemoryStorage()
		seed(t, storage, "settings", `{"state":{"theme":"dark"},"version":1}`)

		c := container.New(settings{Theme: "light"})
		_, err := Attach(c, storage, Options[settings]{Name: "settings", Version: 2, Loop: schedule.NewLoop()})
		require.NoError(t, err)
		assert.Equal(t, "light", c.GetState().Theme)

		env := stored(t, storage, "settings")
		require.NotNil(t, env.Version)
		assert.Equal(t, 2, *env.Version)
	})

	t.Run("migration", func(t *testing.T) {
		storage := NewMemoryStorage()
		seed(t, storage, "settings", `{"state":{"colour":"dark"},"version":1}`)

		c := container.New(settings{})
		_, err := Attach(c, storage, Options[settings]{
			Name:    "settings",
			Version: 2,
			Loop:    schedule.NewLoop(),
			Migrate: func(persisted json.RawMessage, version int) (settings, error) {
				assert.Equal(t, 1, version)
				var old struct {
					Colour string `json:"colour"`
				}
				if err := json.Unmarshal(persisted, &old); err != nil {
					return settings{}, err
				}
				return settings{Theme: old.Colour, Size: 12}, nil
			},
		})
		require.NoError(t, err)
		assert.Equal(t, settings{Theme: "dark", Size: 12}, c.GetState())
	})

	t.Run("migration error keeps state", func(t *testing.T) {
		storage := NewMemoryStorage()
		seed(t, storage, "settings", `{"state":{},"version":1}`)

		c := container.New(settings{Theme: "light"})
		p, err := Attach(c, storage, Options[settings]{
			Name:    "settings",
			Version: 2,
			Loop:    schedule.NewLoop(),
			Migrate: func(json.RawMessage, int) (settings, error) { return settings{}, errors.New("unsupported") },
		})
		require.NoError(t, err)
		assert.Error(t, p.Wait(context.Background()))
		assert.Equal(t, "light", c.GetState().Theme)
	})
}

func TestAttach_Merge(t *testing.T) {
	storage := NewMemoryStorage()
	seed(t, storage, "settings", `{"state":{"theme":"dark","size":0}}`)

	c := container.New(settings{Theme: "light", Size: 12})
	_, err := Attach(c, storage, Options[settings]{
		Name: "settings",
		Loop: schedule.NewLoop(),
		Merge: func(persisted, current settings) settings {
			if persisted.Size == 0 {
				persisted.Size = current.Size
			}
			return persisted
		},
	})
	require.NoError(t, err)
	assert.Equal(t, settings{Theme: "dark", Size: 12}, c.GetState())
}

func TestPersister_WritesEverySetWithMetadata(t *testing.T) {
	storage := NewMemoryStorage()
	c := container.New(settings{})
	meta := syncer.Metadata{Origin: "s1", Timestamp: 5, Fields: map[string]int64{"theme": 5}}

	var flushes int
	p, err := Attach(c, storage, Options[settings]{
		Name:     "settings",
		Version:  3,
		Loop:     schedule.NewLoop(),
		Metadata: func() (syncer.Metadata, bool) { return meta, true },
	})
	require.NoError(t, err)
	p.OnFlushEnd(func() { flushes++ })

	c.Update(func(s settings) settings { s.Theme = "dark"; return s })

	env := stored(t, storage, "settings")
	assert.JSONEq(t, `{"theme":"dark","size":0}`, string(env.State))
	require.NotNil(t, env.Version)
	assert.Equal(t, 3, *env.Version)
	require.NotNil(t, env.SyncMetadata)
	assert.Equal(t, meta, *env.SyncMetadata)
	assert.Equal(t, 1, flushes)

	c.Destroy()
	c.Update(func(s settings) settings { s.Theme = "light"; return s })
	assert.JSONEq(t, `{"theme":"dark","size":0}`, string(stored(t, storage, "settings").State), "no writes after destroy")
}

func TestPersister_AsyncHydrationOrder(t *testing.T) {
	storage := NewMemoryStorage(WithAsync())
	seed(t, storage, "settings", `{"state":{"theme":"dark","size":14}}`)

	loop := schedule.NewLoop()
	c := container.New(settings{Theme: "light"})
	p, err := Attach(c, storage, Options[settings]{Name: "settings", Loop: loop})
	require.NoError(t, err)
	assert.False(t, p.Hydrated(), "async storage hydrates later")

	var events []string
	p.OnHydrated(func() { events = append(events, "hydrated:"+c.GetState().Theme) })
	p.OnFlushEnd(func() { events = append(events, "flush-end") })

	require.Eventually(t, func() bool {
		loop.Drain()
		return len(events) == 2
	}, time.Second, time.Millisecond)

	assert.Equal(t, []string{"hydrated:dark", "flush-end"}, events)
	require.NoError(t, p.Wait(context.Background()))

	p.Close()
}

func TestPersister_WaitHonoursContext(t *testing.T) {
	storage := NewMemoryStorage(WithAsync())
	p, err := Attach(container.New(settings{}), storage, Options[settings]{Name: "settings", Loop: schedule.NewLoop()})
	require.NoError(t, err)

	// Nobody drains the loop, so hydration never completes.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Wait(ctx), context.DeadlineExceeded)
}

func TestPersister_Rehydrate(t *testing.T) {
	storage := NewMemoryStorage()
	c := container.New(settings{Theme: "light"})
	p, err := Attach(c, storage, Options[settings]{Name: "settings", Loop: schedule.NewLoop()})
	require.NoError(t, err)

	// Another handle on the same storage writes.
	seed(t, storage, "settings", `{"state":{"theme":"dark","size":1}}`)

	var hydrations int
	p.OnHydrated(func() { hydrations++ })
	p.Rehydrate(context.Background())

	assert.Equal(t, 1, hydrations)
	assert.Equal(t, settings{Theme: "dark", Size: 1}, c.GetState())
	require.NoError(t, p.Wait(context.Background()))
}

func TestPersister_NormalizesKey(t *testing.T) {
	storage := NewMemoryStorage()
	decomposed := "cafe\u0301"
	composed := "caf\u00e9"

	p, err := Attach(container.New(settings{}), storage, Options[settings]{Name: decomposed, Loop: schedule.NewLoop()})
	require.NoError(t, err)
	assert.Equal(t, composed, p.Key())

	keys, err := storage.Keys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{composed}, keys)
}

func TestPersister_GatesSync(t *testing.T) {
	storage := NewMemoryStorage(WithAsync())
	seed(t, storage, "prefs", `{"state":{"theme":"dark","size":14}}`)

	loop := schedule.NewLoop()
	c := container.New(settings{Theme: "light", Size: 12})
	p, err := Attach(c, storage, Options[settings]{Name: "prefs", Loop: loop})
	require.NoError(t, err)

	tr := &recordingTransport{}
	s, err := syncer.Attach(c, syncer.Config{
		Key:       "prefs",
		Transport: tr,
		Hydration: p,
		SessionID: "local",
		Loop:      loop,
		Clock:     syncer.ClockFunc(func() int64 { return 1000 }),
	})
	require.NoError(t, err)

	c.Update(func(st settings) settings { st.Size = 20; return st })
	s.Apply(syncer.Update{SessionID: "peer", Timestamp: 2000, Values: map[string]json.RawMessage{"theme": json.RawMessage(`"blue"`)}})
	assert.Empty(t, tr.published)
	assert.Equal(t, "light", c.GetState().Theme)

	require.Eventually(t, func() bool {
		loop.Drain()
		return c.GetState().Theme == "blue"
	}, time.Second, time.Millisecond)

	// Hydration replaced the queued local size, so it is not announced.
	assert.Empty(t, tr.published)
	assert.Equal(t, 14, c.GetState().Size)
	assert.Zero(t, s.LastWrite("size"))

	c.Update(func(st settings) settings { st.Size = 16; return st })
	require.Len(t, tr.published, 1)
	assert.Equal(t, []string{"size"}, tr.published[0].Fields())
	assert.JSONEq(t, `16`, string(tr.published[0].Values["size"]))

	// The remote value reached storage through the setter chain.
	require.Eventually(t, func() bool {
		raw, err := storage.Get(context.Background(), "prefs")
		return err == nil && json.Valid(raw) && string(FieldValues(mustEnvelope(raw).State)["theme"]) == `"blue"`
	}, time.Second, time.Millisecond)

	p.Close()
}

// failingStorage reads from memory but rejects every write.
type failingStorage struct {
	*MemoryStorage
}

func (failingStorage) Set(context.Context, string, []byte) error {
	return errors.New("disk full")
}

func TestPersister_FailedWriteStillEndsFlush(t *testing.T) {
	mem := NewMemoryStorage()
	c := container.New(settings{})
	p, err := Attach(c, failingStorage{mem}, Options[settings]{Name: "prefs", Loop: schedule.NewLoop()})
	require.NoError(t, err)
	assert.True(t, p.Hydrated())

	flushes := 0
	p.OnFlushEnd(func() { flushes++ })
	c.Update(func(st settings) settings { st.Size = 3; return st })
	assert.Equal(t, 1, flushes)
}

func TestPersister_FailedWriteReleasesSync(t *testing.T) {
	mem := NewMemoryStorage(WithAsync())
	seed(t, mem, "prefs", `{"state":{"theme":"dark","size":14}}`)

	loop := schedule.NewLoop()
	c := container.New(settings{Theme: "light", Size: 12})
	p, err := Attach(c, failingStorage{mem}, Options[settings]{Name: "prefs", Loop: loop})
	require.NoError(t, err)

	s, err := syncer.Attach(c, syncer.Config{
		Key:       "prefs",
		Transport: &recordingTransport{},
		Hydration: p,
		SessionID: "local",
		Loop:      loop,
		Clock:     syncer.ClockFunc(func() int64 { return 1000 }),
	})
	require.NoError(t, err)

	s.Apply(syncer.Update{SessionID: "peer", Timestamp: 2000, Values: map[string]json.RawMessage{"theme": json.RawMessage(`"blue"`)}})
	require.Eventually(t, func() bool {
		loop.Drain()
		return c.GetState().Theme == "blue"
	}, time.Second, time.Millisecond)

	_, remotes := s.Pending()
	assert.Zero(t, remotes)
	assert.Equal(t, 14, c.GetState().Size)

	p.Close()
}

func mustEnvelope(raw []byte) Envelope {
	env, _ := JSON{}.Unmarshal(raw)
	return env
}

type recordingTransport struct {
	published []syncer.Update
}

func (r *recordingTransport) Register(syncer.Registration) (syncer.Handle, error) {
	return r, nil
}

func (r *recordingTransport) Publish(u syncer.Update) error {
	r.published = append(r.published, u)
	return nil
}

func (r *recordingTransport) Destroy() {}
