// Package config loads scenario files: YAML documents declaring containers,
// expression-defined derived stores, watchers and a list of steps.
//
// Loading runs in two stages. The decoded YAML is first unified with the
// embedded CUE schema (schema.cue), which rejects unknown fields and
// malformed steps. Compile then resolves names across the document and
// compiles every expression, so a compiled scenario can be run without
// further checks.
package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// DefaultSession is the session used when a scenario declares none.
const DefaultSession = "main"

// Scenario is a decoded scenario file.
type Scenario struct {
	Name        string               `yaml:"name"`
	Description string               `yaml:"description,omitempty"`
	Sessions    []string             `yaml:"sessions,omitempty"`
	Containers  map[string]Container `yaml:"containers"`
	Derived     map[string]Derived   `yaml:"derived,omitempty"`
	Watch       []Watch              `yaml:"watch,omitempty"`
	Steps       []Step               `yaml:"steps"`
}

// Container declares one container, instantiated once per session.
type Container struct {
	Initial map[string]any `yaml:"initial"`
	Sync    *Sync          `yaml:"sync,omitempty"`
}

// Sync attaches the container to the scenario's broadcast hub.
type Sync struct {
	Key    string            `yaml:"key"`
	Fields []string          `yaml:"fields,omitempty"`
	Merge  map[string]string `yaml:"merge,omitempty"`
}

// Derived declares an expression-defined derived store.
type Derived struct {
	Expr      string `yaml:"expr"`
	Equal     string `yaml:"equal,omitempty"`
	Lock      bool   `yaml:"lock,omitempty"`
	KeepAlive bool   `yaml:"keepAlive,omitempty"`
}

// Watch subscribes a recording listener to a store.
type Watch struct {
	Store   string `yaml:"store"`
	Session string `yaml:"session,omitempty"`
}

// Step is one scenario action. Exactly one field is set.
type Step struct {
	Set     *Write    `yaml:"set,omitempty"`
	Replace *Write    `yaml:"replace,omitempty"`
	Settle  *struct{} `yaml:"settle,omitempty"`
	Advance int64     `yaml:"advance,omitempty"`
	Remote  *Remote   `yaml:"remote,omitempty"`
	Read    *Target   `yaml:"read,omitempty"`
}

// Step kinds.
const (
	StepSet     = "set"
	StepReplace = "replace"
	StepSettle  = "settle"
	StepAdvance = "advance"
	StepRemote  = "remote"
	StepRead    = "read"
)

// Kind returns the step's kind.
func (s Step) Kind() string {
	switch {
	case s.Set != nil:
		return StepSet
	case s.Replace != nil:
		return StepReplace
	case s.Settle != nil:
		return StepSettle
	case s.Advance > 0:
		return StepAdvance
	case s.Remote != nil:
		return StepRemote
	case s.Read != nil:
		return StepRead
	}
	return ""
}

// Write sets fields of a container. A null value deletes the key.
type Write struct {
	Container string         `yaml:"container"`
	Session   string         `yaml:"session,omitempty"`
	Values    map[string]any `yaml:"values"`
}

// Remote injects an update as if it came from another session.
type Remote struct {
	Container string         `yaml:"container"`
	Session   string         `yaml:"session,omitempty"`
	From      string         `yaml:"from"`
	Timestamp int64          `yaml:"timestamp"`
	Replace   bool           `yaml:"replace,omitempty"`
	Values    map[string]any `yaml:"values"`
}

// Target names a store in a session.
type Target struct {
	Store   string `yaml:"store"`
	Session string `yaml:"session,omitempty"`
}

// Load reads and validates a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return Parse(data)
}

// Parse validates data against the schema and decodes it.
func Parse(data []byte) (*Scenario, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if doc == nil {
		return nil, &ValidationError{Message: "scenario is empty"}
	}
	if err := validateSchema(doc); err != nil {
		return nil, err
	}

	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to decode scenario: %w", err)
	}
	if len(s.Sessions) == 0 {
		s.Sessions = []string{DefaultSession}
	}
	return &s, nil
}

// Session returns name, or the first session when name is empty.
func (s *Scenario) Session(name string) string {
	if name == "" {
		return s.Sessions[0]
	}
	return name
}

// ContainerNames returns the container names, sorted.
func (s *Scenario) ContainerNames() []string {
	return sortedKeys(s.Containers)
}

func validateSchema(doc any) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compiling embedded schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Scenario"))

	value := ctx.Encode(doc)
	if err := value.Err(); err != nil {
		return formatCUEError(err)
	}
	return formatCUEError(def.Unify(value).Validate(cue.Concrete(true)))
}

// formatCUEError flattens CUE's error list into ValidationErrors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &ValidationError{Message: err.Error()}
	}
	out := make(ValidationErrors, 0, len(errs))
	for _, e := range errs {
		format, args := e.Msg()
		out = append(out, &ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: fmt.Sprintf(format, args...),
		})
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
