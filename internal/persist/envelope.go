package persist

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/roach88/cascade/internal/syncer"
)

// Envelope is the persisted record of one container.
type Envelope struct {
	State        json.RawMessage  `json:"state"`
	Version      *int             `json:"version,omitempty"`
	SyncMetadata *syncer.Metadata `json:"syncMetadata,omitempty"`
}

// Serializer converts envelopes to and from bytes.
type Serializer interface {
	Marshal(Envelope) ([]byte, error)
	Unmarshal([]byte) (Envelope, error)
}

// JSON is the default Serializer.
type JSON struct{}

// Marshal encodes env. An empty state is written as null.
func (JSON) Marshal(env Envelope) ([]byte, error) {
	if len(env.State) == 0 {
		env.State = json.RawMessage("null")
	}
	return json.Marshal(env)
}

// Unmarshal rejects input that is not a JSON object with a state member.
func (JSON) Unmarshal(data []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	state, ok := fields["state"]
	if !ok {
		return Envelope{}, fmt.Errorf("%w: missing state", ErrMalformed)
	}

	env := Envelope{State: state}
	if raw, ok := fields["version"]; ok && !isNull(raw) {
		var v int
		if err := json.Unmarshal(raw, &v); err != nil {
			return Envelope{}, fmt.Errorf("%w: version: %v", ErrMalformed, err)
		}
		env.Version = &v
	}
	if raw, ok := fields["syncMetadata"]; ok && !isNull(raw) {
		var meta syncer.Metadata
		if err := json.Unmarshal(raw, &meta); err != nil {
			return Envelope{}, fmt.Errorf("%w: syncMetadata: %v", ErrMalformed, err)
		}
		env.SyncMetadata = &meta
	}
	return env, nil
}

// FieldValues splits an object-shaped state into its members. Non-object
// states yield nil.
func FieldValues(state json.RawMessage) map[string]json.RawMessage {
	var out map[string]json.RawMessage
	if err := json.Unmarshal(state, &out); err != nil {
		return nil
	}
	return out
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
