package observable

// Watchers is an ordered watcher list. Not safe for concurrent use; owners
// run on the executor.
type Watchers struct {
	list    []*Watch
	derived int
}

// Add registers w, priming it with state.
func (ws *Watchers) Add(w *Watch, state any) {
	w.active = true
	w.Prime(state)
	ws.list = append(ws.list, w)
	if w.Derived {
		ws.derived++
	}
}

// Remove unregisters w. Returns false if w was not registered.
func (ws *Watchers) Remove(w *Watch) bool {
	for i, cur := range ws.list {
		if cur != w {
			continue
		}
		w.active = false
		ws.list = append(ws.list[:i:i], ws.list[i+1:]...)
		if w.Derived {
			ws.derived--
		}
		return true
	}
	return false
}

// Clear unregisters every watcher.
func (ws *Watchers) Clear() {
	for _, w := range ws.list {
		w.active = false
	}
	ws.list = nil
	ws.derived = 0
}

// Len returns the number of registered watchers.
func (ws *Watchers) Len() int { return len(ws.list) }

// DerivedLen returns the number of registered derived watchers.
func (ws *Watchers) DerivedLen() int { return ws.derived }

// TerminalLen returns the number of registered non-derived watchers.
func (ws *Watchers) TerminalLen() int { return len(ws.list) - ws.derived }

// Snapshot returns a copy of the list, safe to iterate while listeners
// subscribe or unsubscribe.
func (ws *Watchers) Snapshot() []*Watch {
	out := make([]*Watch, len(ws.list))
	copy(out, ws.list)
	return out
}

// Notify checks every watcher against state. Returns the number notified.
func (ws *Watchers) Notify(state any) int {
	return ws.notify(state, func(*Watch) bool { return true })
}

// NotifyDerived checks derived watchers only.
func (ws *Watchers) NotifyDerived(state any) int {
	return ws.notify(state, func(w *Watch) bool { return w.Derived })
}

// NotifyTerminal checks non-derived watchers only.
func (ws *Watchers) NotifyTerminal(state any) int {
	return ws.notify(state, func(w *Watch) bool { return !w.Derived })
}

func (ws *Watchers) notify(state any, include func(*Watch) bool) int {
	n := 0
	for _, w := range ws.Snapshot() {
		if include(w) && w.Check(state) {
			n++
		}
	}
	return n
}
