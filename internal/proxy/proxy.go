// Package proxy records which parts of a source's state a derivation reads.
//
// A derivation pass gets a fresh Recorder. Navigating a Node (Get, Index, At)
// only builds an access chain; terminal reads (Value, Int, String, Len, ...)
// record the chain's path against its source. After the pass every minimal
// recorded path becomes one subscription whose selector walks that path, so
// a derivation is invalidated only by changes to what it actually read.
//
// Recorders are single-use. Nodes that outlive their pass keep returning live
// values but record nothing.
package proxy

import (
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/roach88/cascade/internal/observable"
)

// Path is a sequence of keys from the root of a state tree.
type Path []string

// String renders the path dotted, "$" for the root.
func (p Path) String() string {
	if len(p) == 0 {
		return "$"
	}
	return "$." + strings.Join(p, ".")
}

// HasPrefix reports whether prefix is a prefix of p.
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i := range prefix {
		if p[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Recorder collects the paths read during one derivation pass.
type Recorder struct {
	sources []observable.Source
	paths   map[observable.Source]map[string]Path
	closed  bool
	logger  *slog.Logger
}

// NewRecorder creates a recorder for one pass.
func NewRecorder(logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		paths:  make(map[observable.Source]map[string]Path),
		logger: logger,
	}
}

// Node returns the root node of src for this pass.
func (r *Recorder) Node(src observable.Source) *Node {
	if _, ok := r.paths[src]; !ok && !r.closed {
		r.sources = append(r.sources, src)
		r.paths[src] = make(map[string]Path)
	}
	return &Node{rec: r, src: src}
}

// Close ends the pass. Nodes created by this recorder stop recording.
func (r *Recorder) Close() {
	r.closed = true
}

// Sources returns the sources touched during the pass, in first-touch order.
func (r *Recorder) Sources() []observable.Source {
	return r.sources
}

// Paths returns the minimal set of paths recorded for src: a recorded path
// subsumes every path it prefixes. Output is sorted for determinism.
func (r *Recorder) Paths(src observable.Source) []Path {
	recorded := r.paths[src]
	all := make([]Path, 0, len(recorded))
	for _, p := range recorded {
		all = append(all, p)
	}
	return Minimize(all)
}

func (r *Recorder) record(src observable.Source, p Path) {
	if r.closed {
		r.logger.Debug("read through stale proxy ignored",
			"source", src.SourceID(),
			"path", p.String(),
		)
		return
	}
	set, ok := r.paths[src]
	if !ok {
		set = make(map[string]Path)
		r.paths[src] = set
		r.sources = append(r.sources, src)
	}
	key := pathKey(p)
	if _, dup := set[key]; dup {
		return
	}
	cp := make(Path, len(p))
	copy(cp, p)
	set[key] = cp
}

// Minimize drops paths that have another path in the set as a prefix and
// removes duplicates. Output is sorted.
func Minimize(paths []Path) []Path {
	sorted := make([]Path, len(paths))
	copy(sorted, paths)
	sort.Slice(sorted, func(i, j int) bool {
		if len(sorted[i]) != len(sorted[j]) {
			return len(sorted[i]) < len(sorted[j])
		}
		return pathKey(sorted[i]) < pathKey(sorted[j])
	})

	var out []Path
	for _, p := range sorted {
		covered := false
		for _, kept := range out {
			if p.HasPrefix(kept) {
				covered = true
				break
			}
		}
		if !covered {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return pathKey(out[i]) < pathKey(out[j]) })
	return out
}

func pathKey(p Path) string {
	return strings.Join(p, "\x00")
}

// Node is one position in an access chain.
type Node struct {
	rec  *Recorder
	src  observable.Source
	path Path
}

// Get descends into key.
func (n *Node) Get(key string) *Node {
	return n.child(key)
}

// Index descends into element i.
func (n *Node) Index(i int) *Node {
	return n.child(strconv.Itoa(i))
}

// At descends through keys.
func (n *Node) At(keys ...string) *Node {
	cur := n
	for _, k := range keys {
		cur = cur.child(k)
	}
	return cur
}

// Path returns the node's path.
func (n *Node) Path() Path {
	return n.path
}

// Value records the node's path and returns the value found there, or nil
// when the path does not resolve.
func (n *Node) Value() any {
	n.rec.record(n.src, n.path)
	v, _ := Walk(n.src.Current(), n.path)
	return v
}

// Lookup is Value with an existence flag.
func (n *Node) Lookup() (any, bool) {
	n.rec.record(n.src, n.path)
	return Walk(n.src.Current(), n.path)
}

// Int records and returns the value as int64 (0 when not numeric).
func (n *Node) Int() int64 {
	i, _ := toInt(n.Value())
	return i
}

// Float records and returns the value as float64 (0 when not numeric).
func (n *Node) Float() float64 {
	f, _ := toFloat(n.Value())
	return f
}

// String records and returns the value as a string ("" when not a string).
func (n *Node) String() string {
	s, _ := toString(n.Value())
	return s
}

// Bool records and returns the value as a bool.
func (n *Node) Bool() bool {
	b, _ := toBool(n.Value())
	return b
}

// Len records and returns the length of the collection at the node.
func (n *Node) Len() int {
	return length(n.Value())
}

// Keys records and returns the sorted keys (or indices) at the node.
func (n *Node) Keys() []string {
	return keys(n.Value())
}

func (n *Node) child(key string) *Node {
	p := make(Path, len(n.path)+1)
	copy(p, n.path)
	p[len(n.path)] = key
	return &Node{rec: n.rec, src: n.src, path: p}
}
