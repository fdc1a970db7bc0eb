package observable

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type user struct {
	Name string
	Age  int
}

// box is a minimal Readable: Set notifies every watcher synchronously.
type box struct {
	state    user
	watchers Watchers
	holds    int
}

func (b *box) SourceID() string { return "box" }
func (b *box) Rank() int        { return 0 }
func (b *box) Current() any     { return b.state }
func (b *box) GetState() user   { return b.state }

func (b *box) Observe(w *Watch) func() {
	b.watchers.Add(w, b.state)
	return func() { b.watchers.Remove(w) }
}

func (b *box) Hold() func() {
	b.holds++
	return func() { b.holds-- }
}

func (b *box) Set(u user) {
	b.state = u
	b.watchers.Notify(u)
}

var _ Readable[user] = (*box)(nil)

func TestSubscribeSelector_FiresOnlyOnSliceChange(t *testing.T) {
	b := &box{state: user{Name: "ada", Age: 36}}

	var calls [][2]string
	unsub := SubscribeSelector(b, func(u user) string { return u.Name }, func(next, prev string) {
		calls = append(calls, [2]string{next, prev})
	})

	b.Set(user{Name: "ada", Age: 37})
	b.Set(user{Name: "grace", Age: 37})
	unsub()
	b.Set(user{Name: "linus", Age: 37})

	assert.Equal(t, [][2]string{{"grace", "ada"}}, calls)
	assert.Equal(t, 0, b.watchers.Len())
}

func TestSubscribeSelector_Options(t *testing.T) {
	b := &box{state: user{Name: "Ada"}}

	var calls [][2]string
	SubscribeSelector(b, func(u user) string { return u.Name }, func(next, prev string) {
		calls = append(calls, [2]string{next, prev})
	},
		WithEqual(func(a, b string) bool { return strings.EqualFold(a, b) }),
		FireImmediately[string](),
	)

	b.Set(user{Name: "ADA"})
	b.Set(user{Name: "Grace"})

	assert.Equal(t, [][2]string{{"Ada", "Ada"}, {"Grace", "Ada"}}, calls)
}

func TestSubscribe_WholeState(t *testing.T) {
	b := &box{state: user{Name: "ada"}}

	var got []user
	Subscribe[user](b, func(next, prev user) { got = append(got, prev, next) })
	b.Set(user{Name: "ada", Age: 1})
	b.Set(user{Name: "ada", Age: 1})

	assert.Equal(t, []user{{Name: "ada"}, {Name: "ada", Age: 1}}, got)
}

func TestWatchers_DerivedAndTerminal(t *testing.T) {
	var ws Watchers
	var order []string
	derived := &Watch{Derived: true, OnChange: func(next, prev any) { order = append(order, "derived") }}
	terminal := &Watch{OnChange: func(next, prev any) { order = append(order, "terminal") }}

	ws.Add(terminal, 1)
	ws.Add(derived, 1)
	assert.Equal(t, 2, ws.Len())
	assert.Equal(t, 1, ws.DerivedLen())
	assert.Equal(t, 1, ws.TerminalLen())

	assert.Equal(t, 1, ws.NotifyDerived(2))
	assert.Equal(t, 1, ws.NotifyTerminal(2))
	assert.Equal(t, 0, ws.Notify(2), "both watchers already saw 2")
	assert.Equal(t, []string{"derived", "terminal"}, order)

	require.True(t, ws.Remove(derived))
	assert.False(t, ws.Remove(derived))
	assert.False(t, derived.Active())
	assert.False(t, derived.Check(3), "removed watchers are not notified")

	ws.Clear()
	assert.Equal(t, 0, ws.Len())
	assert.False(t, terminal.Active())
}

func TestWatchers_ListenerMayUnsubscribeDuringNotify(t *testing.T) {
	var ws Watchers
	var second int
	var first *Watch
	first = &Watch{OnChange: func(any, any) { ws.Remove(first) }}
	ws.Add(first, 0)
	ws.Add(&Watch{OnChange: func(any, any) { second++ }}, 0)

	assert.Equal(t, 2, ws.Notify(1))
	assert.Equal(t, 1, second)
	assert.Equal(t, 1, ws.Len())
}

func TestWatch_Prime(t *testing.T) {
	w := &Watch{Select: func(s any) any { return s.(user).Age }}
	w.Prime(user{Age: 4})
	assert.Equal(t, 4, w.Current())
}
