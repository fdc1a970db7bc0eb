package derive

import (
	"github.com/roach88/cascade/internal/equal"
	"github.com/roach88/cascade/internal/observable"
	"github.com/roach88/cascade/internal/proxy"
)

// Scope is the dependency getter handed to a derivation function. A scope
// lives for one pass.
type Scope struct {
	rec      *proxy.Recorder
	tracking bool

	sources  []observable.Source
	seen     map[observable.Source]bool
	holds    []func()
	explicit []explicitDep
}

type explicitDep struct {
	src   observable.Source
	whole bool
	sel   func(any) any
	eq    func(a, b any) bool
}

func newScope(rec *proxy.Recorder, tracking bool) *Scope {
	return &Scope{
		rec:      rec,
		tracking: tracking,
		seen:     make(map[observable.Source]bool),
	}
}

// Track returns a recording view of src. Only the paths read through it
// become dependencies.
func (s *Scope) Track(src observable.Source) *proxy.Node {
	s.touch(src)
	return s.rec.Node(src)
}

// Peek returns src's current state without depending on it.
func (s *Scope) Peek(src observable.Source) any {
	return src.Current()
}

// Get depends on the whole state of src (identity equality) and returns it.
func Get[S any](s *Scope, src observable.Readable[S]) S {
	s.touch(src)
	if s.tracking && !s.hasWhole(src) {
		s.explicit = append(s.explicit, explicitDep{src: src, whole: true})
	}
	return src.GetState()
}

// Select depends on sel(state of src), compared with eq (default
// equal.Identical), and returns the selected value.
func Select[S, U any](s *Scope, src observable.Readable[S], sel func(S) U, eq ...equal.Func[U]) U {
	s.touch(src)
	if s.tracking {
		dep := explicitDep{
			src: src,
			sel: func(state any) any {
				st, _ := state.(S)
				return sel(st)
			},
		}
		if len(eq) > 0 && eq[0] != nil {
			dep.eq = equal.Erase(eq[0])
		}
		s.explicit = append(s.explicit, dep)
	}
	return sel(src.GetState())
}

func (s *Scope) touch(src observable.Source) {
	if s.seen[src] {
		return
	}
	s.seen[src] = true
	s.sources = append(s.sources, src)
	if s.tracking {
		s.holds = append(s.holds, src.Hold())
	}
}

func (s *Scope) hasWhole(src observable.Source) bool {
	for _, d := range s.explicit {
		if d.whole && d.src == src {
			return true
		}
	}
	return false
}

// subscribe turns what the pass read into dependency subscriptions, each
// calling onChange when its slice changes.
func (s *Scope) subscribe(onChange func()) []func() {
	listener := func(_, _ any) { onChange() }

	var releases []func()
	for _, src := range s.rec.Sources() {
		for _, p := range s.rec.Paths(src) {
			releases = append(releases, src.Observe(&observable.Watch{
				Select:   proxy.Selector(p),
				Equal:    equal.Identical,
				OnChange: listener,
				Derived:  true,
			}))
		}
	}
	for _, d := range s.explicit {
		w := &observable.Watch{
			Select:   d.sel,
			Equal:    d.eq,
			OnChange: listener,
			Derived:  true,
		}
		releases = append(releases, d.src.Observe(w))
	}
	return releases
}

func (s *Scope) close() {
	s.rec.Close()
	holds := s.holds
	s.holds = nil
	for _, release := range holds {
		release()
	}
}
