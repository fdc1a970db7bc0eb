package observable

import (
	"github.com/roach88/cascade/internal/equal"
)

// SelectOption configures SubscribeSelector.
type SelectOption[U any] func(*selectConfig[U])

type selectConfig[U any] struct {
	eq              equal.Func[U]
	fireImmediately bool
}

// WithEqual sets the comparator for consecutive slices.
func WithEqual[U any](eq equal.Func[U]) SelectOption[U] {
	return func(c *selectConfig[U]) {
		c.eq = eq
	}
}

// FireImmediately calls the listener once with (slice, slice) on subscribe.
func FireImmediately[U any]() SelectOption[U] {
	return func(c *selectConfig[U]) {
		c.fireImmediately = true
	}
}

// SubscribeSelector subscribes listener to a typed projection of src.
// The listener receives (next, prev) only when the projection changes.
func SubscribeSelector[S, U any](src Readable[S], sel func(S) U, listener func(next, prev U), opts ...SelectOption[U]) (unsubscribe func()) {
	cfg := &selectConfig[U]{}
	for _, opt := range opts {
		opt(cfg)
	}

	w := &Watch{
		Select: func(state any) any {
			s, _ := state.(S)
			return sel(s)
		},
		OnChange: func(next, prev any) {
			n, _ := next.(U)
			p, _ := prev.(U)
			listener(n, p)
		},
	}
	if cfg.eq != nil {
		w.Equal = equal.Erase(cfg.eq)
	}

	unsubscribe = src.Observe(w)
	if cfg.fireImmediately {
		cur, _ := w.Current().(U)
		listener(cur, cur)
	}
	return unsubscribe
}

// Subscribe subscribes listener to every change of src's whole state.
func Subscribe[S any](src Readable[S], listener func(next, prev S)) (unsubscribe func()) {
	return src.Observe(&Watch{
		OnChange: func(next, prev any) {
			n, _ := next.(S)
			p, _ := prev.(S)
			listener(n, p)
		},
	})
}
