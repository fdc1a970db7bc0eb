package syncer

import (
	"encoding/json"
	"sort"
)

// Update is the sync envelope every transport carries.
type Update struct {
	SessionID string                     `json:"sessionId"`
	Timestamp int64                      `json:"timestamp"`
	Replace   bool                       `json:"replace"`
	Values    map[string]json.RawMessage `json:"values"`
}

// Fields returns the field names in the update, sorted.
func (u Update) Fields() []string {
	out := make([]string, 0, len(u.Values))
	for f := range u.Values {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Metadata is the sync information persisted next to a container's state:
// which session wrote it, when, and the last-write timestamp of every field.
type Metadata struct {
	Origin    string           `json:"origin"`
	Timestamp int64            `json:"timestamp"`
	Fields    map[string]int64 `json:"fields"`
}

// Snapshot is the tracked state of a registration: every field's value and
// last-write timestamp.
type Snapshot struct {
	SessionID string
	Values    map[string]json.RawMessage
	Fields    map[string]int64
}

// SplitSnapshot turns a snapshot into updates, one per distinct timestamp
// in ascending order. Fields never written (timestamp 0) are left out, so a
// peer's own writes are never overridden by another peer's initial state.
func SplitSnapshot(snap Snapshot) []Update {
	byTS := make(map[int64]map[string]json.RawMessage)
	for f, ts := range snap.Fields {
		raw, ok := snap.Values[f]
		if !ok || ts <= 0 {
			continue
		}
		if byTS[ts] == nil {
			byTS[ts] = make(map[string]json.RawMessage)
		}
		byTS[ts][f] = raw
	}

	stamps := make([]int64, 0, len(byTS))
	for ts := range byTS {
		stamps = append(stamps, ts)
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i] < stamps[j] })

	out := make([]Update, 0, len(stamps))
	for _, ts := range stamps {
		out = append(out, Update{SessionID: snap.SessionID, Timestamp: ts, Values: byTS[ts]})
	}
	return out
}

// FromMetadata rebuilds the update a persisted write carried: the fields
// whose last-write timestamp equals the envelope timestamp, with their values
// taken from the persisted state.
func FromMetadata(meta Metadata, values map[string]json.RawMessage) (Update, bool) {
	u := Update{SessionID: meta.Origin, Timestamp: meta.Timestamp, Values: make(map[string]json.RawMessage)}
	for f, ts := range meta.Fields {
		if ts != meta.Timestamp {
			continue
		}
		raw, ok := values[f]
		if !ok {
			raw = json.RawMessage("null")
		}
		u.Values[f] = raw
	}
	return u, len(u.Values) > 0
}
