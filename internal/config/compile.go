package config

import (
	"fmt"
	"strings"
)

// Compiled is a scenario whose names are resolved and whose expressions are
// compiled.
type Compiled struct {
	*Scenario

	// Order lists derived stores so every store comes after the derived
	// stores it reads.
	Order []string

	Exprs  map[string]*Expression
	Merges map[string]map[string]*MergeExpr
}

// Compile resolves and compiles s, reporting every problem found.
func Compile(s *Scenario) (*Compiled, error) {
	c := &Compiled{
		Scenario: s,
		Exprs:    make(map[string]*Expression),
		Merges:   make(map[string]map[string]*MergeExpr),
	}
	var errs ValidationErrors

	sessions := make(map[string]bool)
	for i, name := range s.Sessions {
		if sessions[name] {
			errs = append(errs, invalid(fmt.Sprintf("sessions.%d", i), "duplicate session %q", name))
		}
		sessions[name] = true
	}

	stores := make(map[string]bool)
	var names []string
	for _, name := range s.ContainerNames() {
		stores[name] = true
		names = append(names, name)
	}
	for _, name := range sortedKeys(s.Derived) {
		if stores[name] {
			errs = append(errs, invalid("derived."+name, "name is already used by a container"))
			continue
		}
		stores[name] = true
		names = append(names, name)
	}

	for _, name := range s.ContainerNames() {
		ct := s.Containers[name]
		if ct.Sync == nil {
			continue
		}
		fields := make(map[string]bool)
		for _, f := range ct.Sync.Fields {
			fields[f] = true
		}
		for _, field := range sortedKeys(ct.Sync.Merge) {
			path := fmt.Sprintf("containers.%s.sync.merge.%s", name, field)
			if len(fields) > 0 && !fields[field] {
				errs = append(errs, invalid(path, "merge for untracked field"))
				continue
			}
			m, err := CompileMerge(ct.Sync.Merge[field])
			if err != nil {
				errs = append(errs, invalid(path, "%v", err))
				continue
			}
			if c.Merges[name] == nil {
				c.Merges[name] = make(map[string]*MergeExpr)
			}
			c.Merges[name][field] = m
		}
	}

	for _, name := range sortedKeys(s.Derived) {
		e, err := CompileExpression(s.Derived[name].Expr, names)
		if err != nil {
			errs = append(errs, invalid("derived."+name+".expr", "%v", err))
			continue
		}
		c.Exprs[name] = e
	}
	if len(errs) == 0 {
		order, err := c.order()
		if err != nil {
			errs = append(errs, err)
		}
		c.Order = order
	}

	checkSession := func(path, session string) {
		if session != "" && !sessions[session] {
			errs = append(errs, invalid(path+".session", "unknown session %q", session))
		}
	}
	checkContainer := func(path, name string) {
		if _, ok := s.Containers[name]; !ok {
			errs = append(errs, invalid(path+".container", "unknown container %q", name))
		}
	}
	checkStore := func(path, name string) {
		if !stores[name] {
			errs = append(errs, invalid(path+".store", "unknown store %q", name))
		}
	}

	for i, w := range s.Watch {
		path := fmt.Sprintf("watch.%d", i)
		checkStore(path, w.Store)
		checkSession(path, w.Session)
	}
	for i, step := range s.Steps {
		path := fmt.Sprintf("steps.%d.%s", i, step.Kind())
		switch step.Kind() {
		case StepSet:
			checkContainer(path, step.Set.Container)
			checkSession(path, step.Set.Session)
		case StepReplace:
			checkContainer(path, step.Replace.Container)
			checkSession(path, step.Replace.Session)
		case StepRemote:
			checkContainer(path, step.Remote.Container)
			checkSession(path, step.Remote.Session)
			if ct, ok := s.Containers[step.Remote.Container]; ok && ct.Sync == nil {
				errs = append(errs, invalid(path+".container", "container %q is not synced", step.Remote.Container))
			}
		case StepRead:
			checkStore(path, step.Read.Store)
			checkSession(path, step.Read.Session)
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return c, nil
}

// order sorts derived stores by dependency, rejecting cycles.
func (c *Compiled) order() ([]string, *ValidationError) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int)
	var out []string
	var stack []string

	var visit func(name string) *ValidationError
	visit = func(name string) *ValidationError {
		switch state[name] {
		case done:
			return nil
		case visiting:
			start := 0
			for i, n := range stack {
				if n == name {
					start = i
				}
			}
			cycle := append(append([]string(nil), stack[start:]...), name)
			return invalid("derived."+name, "dependency cycle: %s", strings.Join(cycle, " -> "))
		}
		state[name] = visiting
		stack = append(stack, name)
		for _, dep := range c.Exprs[name].Sources() {
			if _, derived := c.Exprs[dep]; !derived {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = done
		out = append(out, name)
		return nil
	}

	for _, name := range sortedKeys(c.Exprs) {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return out, nil
}
