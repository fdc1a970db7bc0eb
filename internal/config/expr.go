package config

import (
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"

	"github.com/roach88/cascade/internal/proxy"
	"github.com/roach88/cascade/internal/syncer"
)

// Dependency is one path an expression reads from a named store. An empty
// path depends on the whole state.
type Dependency struct {
	Source string
	Path   proxy.Path
}

func (d Dependency) String() string {
	if len(d.Path) == 0 {
		return d.Source
	}
	return d.Source + "." + strings.Join(d.Path, ".")
}

// Expression is a compiled derived-store expression.
type Expression struct {
	Source  string
	Deps    []Dependency
	program *vm.Program
}

// CompileExpression compiles src. Every identifier must be one of names.
// Member chains with constant keys (a.b, a["b"], a.items[0]) become
// dependency paths; anything else depends on the chain's longest constant
// prefix.
func CompileExpression(src string, names []string) (*Expression, error) {
	known := make(map[string]bool, len(names))
	for _, n := range names {
		known[n] = true
	}
	deps, err := dependencies(src, known)
	if err != nil {
		return nil, err
	}
	program, err := compile(src)
	if err != nil {
		return nil, err
	}
	return &Expression{Source: src, Deps: deps, program: program}, nil
}

// Sources returns the distinct stores the expression reads, sorted.
func (e *Expression) Sources() []string {
	var out []string
	for _, d := range e.Deps {
		if len(out) == 0 || out[len(out)-1] != d.Source {
			out = append(out, d.Source)
		}
	}
	return out
}

// Eval runs the expression against env (store name to state).
func (e *Expression) Eval(env map[string]any) (any, error) {
	out, err := expr.Run(e.program, env)
	if err != nil {
		return nil, err
	}
	return normalizeNumber(out), nil
}

// MergeExpr is a compiled per-field merge expression over incoming and
// current.
type MergeExpr struct {
	Source  string
	program *vm.Program
}

// CompileMerge compiles a merge expression.
func CompileMerge(src string) (*MergeExpr, error) {
	if _, err := dependencies(src, map[string]bool{"incoming": true, "current": true}); err != nil {
		return nil, err
	}
	program, err := compile(src)
	if err != nil {
		return nil, err
	}
	return &MergeExpr{Source: src, program: program}, nil
}

// Func adapts the expression to a syncer.MergeFunc. An evaluation error
// keeps the current value.
func (m *MergeExpr) Func(logger *slog.Logger) syncer.MergeFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(incoming, current any) any {
		out, err := expr.Run(m.program, map[string]any{"incoming": incoming, "current": current})
		if err != nil {
			logger.Warn("merge expression failed, keeping current value",
				"expr", m.Source,
				"error", err,
			)
			return current
		}
		return normalizeNumber(out)
	}
}

func compile(src string) (*vm.Program, error) {
	program, err := expr.Compile(src,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", src, err)
	}
	return program, nil
}

// normalizeNumber widens integer results to float64, the type JSON-decoded
// scenario state uses for every number.
func normalizeNumber(v any) any {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint())
	case reflect.Float32:
		return rv.Float()
	}
	return v
}

type collector struct {
	nodes []ast.Node
}

func (c *collector) Visit(node *ast.Node) {
	c.nodes = append(c.nodes, *node)
}

func dependencies(src string, known map[string]bool) ([]Dependency, error) {
	tree, err := parser.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", src, err)
	}
	c := &collector{}
	ast.Walk(&tree.Node, c)

	bound := make(map[string]bool)
	consumed := make(map[ast.Node]bool)
	chains := make(map[ast.Node]Dependency)
	for _, n := range c.nodes {
		switch n := n.(type) {
		case *ast.VariableDeclaratorNode:
			bound[n.Name] = true
		case *ast.MemberNode:
			dep, inner, ok := memberChain(n)
			if !ok {
				continue
			}
			chains[n] = dep
			for _, in := range inner {
				consumed[in] = true
			}
		}
	}

	byKey := make(map[string]Dependency)
	add := func(d Dependency) {
		byKey[d.String()] = d
	}
	for _, n := range c.nodes {
		if consumed[n] {
			continue
		}
		var dep Dependency
		if d, ok := chains[n]; ok {
			dep = d
		} else if id, ok := n.(*ast.IdentifierNode); ok {
			dep = Dependency{Source: id.Value}
		} else {
			continue
		}
		if bound[dep.Source] {
			continue
		}
		if !known[dep.Source] {
			return nil, fmt.Errorf("%q: unknown name %q", src, dep.Source)
		}
		add(dep)
	}
	return minimize(byKey), nil
}

// memberChain resolves a.b["c"][0] to a dependency, returning the nodes the
// chain is built from.
func memberChain(m *ast.MemberNode) (Dependency, []ast.Node, bool) {
	var path proxy.Path
	var inner []ast.Node
	var node ast.Node = m
	for {
		switch n := node.(type) {
		case *ast.MemberNode:
			key, ok := constantKey(n.Property)
			if !ok {
				return Dependency{}, nil, false
			}
			path = append(proxy.Path{key}, path...)
			if n != m {
				inner = append(inner, n)
			}
			node = n.Node
		case *ast.IdentifierNode:
			inner = append(inner, n)
			return Dependency{Source: n.Value, Path: path}, inner, true
		default:
			return Dependency{}, nil, false
		}
	}
}

func constantKey(n ast.Node) (string, bool) {
	switch n := n.(type) {
	case *ast.StringNode:
		return n.Value, true
	case *ast.IntegerNode:
		return strconv.Itoa(n.Value), true
	}
	return "", false
}

func minimize(deps map[string]Dependency) []Dependency {
	bySource := make(map[string][]proxy.Path)
	for _, d := range deps {
		bySource[d.Source] = append(bySource[d.Source], d.Path)
	}
	sources := sortedKeys(bySource)

	var out []Dependency
	for _, src := range sources {
		for _, p := range proxy.Minimize(bySource[src]) {
			out = append(out, Dependency{Source: src, Path: p})
		}
	}
	return out
}
