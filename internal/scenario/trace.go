package scenario

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/cascade/internal/syncer"
)

// Event kinds.
const (
	KindStep    = "step"
	KindNotify  = "notify"
	KindPublish = "publish"
	KindDeliver = "deliver"
	KindRead    = "read"
)

// Event is one trace entry. Step is the 1-based step index, 0 for setup.
type Event struct {
	Seq     int            `json:"seq"`
	Step    int            `json:"step"`
	Kind    string         `json:"kind"`
	Session string         `json:"session,omitempty"`
	Store   string         `json:"store,omitempty"`
	Detail  string         `json:"detail,omitempty"`
	From    string         `json:"from,omitempty"`
	Next    any            `json:"next,omitempty"`
	Prev    any            `json:"prev,omitempty"`
	Value   any            `json:"value,omitempty"`
	Update  *syncer.Update `json:"update,omitempty"`
}

// String renders the event as one trace line.
func (e Event) String() string {
	switch e.Kind {
	case KindStep:
		return fmt.Sprintf("step %d: %s", e.Step, e.Detail)
	case KindNotify:
		return fmt.Sprintf("  %s notify %s %s -> %s", e.Session, e.Store, compact(e.Prev), compact(e.Next))
	case KindPublish:
		return fmt.Sprintf("  %s publish %s ts=%d %s%s", e.Session, e.Store, e.Update.Timestamp, values(e.Update.Values), replaceSuffix(e.Update.Replace))
	case KindDeliver:
		return fmt.Sprintf("  %s deliver %s from=%s ts=%d", e.Session, e.Store, e.From, e.Update.Timestamp)
	case KindRead:
		return fmt.Sprintf("  %s read %s = %s", e.Session, e.Store, compact(e.Value))
	}
	return fmt.Sprintf("  %s %s %s", e.Session, e.Kind, e.Store)
}

// Result is the outcome of one scenario run.
type Result struct {
	Scenario string  `json:"scenario"`
	Trace    []Event `json:"trace"`

	// Final holds every container's state by session, then container.
	Final map[string]map[string]any `json:"final"`

	// Recomputes counts derivation runs by "session/store".
	Recomputes map[string]int `json:"recomputes,omitempty"`

	sessions []string
}

// Text renders the result as the line-oriented trace the CLI prints and
// golden files store.
func (r *Result) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "scenario: %s\n", r.Scenario)
	for _, e := range r.Trace {
		b.WriteString(e.String())
		b.WriteByte('\n')
	}

	b.WriteString("final:\n")
	for _, session := range r.sessions {
		states := r.Final[session]
		for _, name := range sortedKeys(states) {
			fmt.Fprintf(&b, "  %s/%s = %s\n", session, name, compact(states[name]))
		}
	}

	if len(r.Recomputes) > 0 {
		b.WriteString("recomputes:\n")
		for _, key := range sortedKeys(r.Recomputes) {
			fmt.Fprintf(&b, "  %s = %d\n", key, r.Recomputes[key])
		}
	}
	return b.String()
}

func compact(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func values(vs map[string]json.RawMessage) string {
	data, err := json.Marshal(vs)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func replaceSuffix(replace bool) string {
	if replace {
		return " replace"
	}
	return ""
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
