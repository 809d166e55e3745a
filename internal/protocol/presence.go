package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/markb/sbrealtime/internal/presence"
)

// RawPresenceState is the wire form of presence: id -> {metas: [...]}.
type RawPresenceState map[string]RawPresenceMetas

// RawPresenceMetas is the list of tracked connections for one id.
type RawPresenceMetas struct {
	Metas []RawPresenceMeta `json:"metas"`
}

// RawPresenceMeta is one tracked connection. Data holds every field of the
// meta except phx_ref and is nil when there are none.
type RawPresenceMeta struct {
	PhxRef string
	Data   map[string]any
}

func (m RawPresenceMeta) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Data)+1)
	for k, v := range m.Data {
		out[k] = v
	}
	out["phx_ref"] = m.PhxRef
	return json.Marshal(out)
}

func (m *RawPresenceMeta) UnmarshalJSON(data []byte) error {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	ref, ok := fields["phx_ref"].(string)
	if !ok {
		return fmt.Errorf("presence meta missing phx_ref")
	}
	delete(fields, "phx_ref")

	m.PhxRef = ref
	m.Data = nil
	if len(fields) > 0 {
		m.Data = fields
	}
	return nil
}

// State converts the wire form to the canonical presence layout.
func (r RawPresenceState) State() presence.State {
	state := make(presence.State, len(r))
	for id, metas := range r {
		refs := make(map[string]map[string]any, len(metas.Metas))
		for _, meta := range metas.Metas {
			data := meta.Data
			if data == nil {
				data = map[string]any{}
			}
			refs[meta.PhxRef] = data
		}
		state[id] = refs
	}
	return state
}

// State converts a presence_state payload to the canonical layout.
func (p PresenceStatePayload) State() presence.State {
	return RawPresenceState(p).State()
}

// Diff converts a presence_diff payload to a presence.Diff.
func (p PresenceDiffPayload) Diff() presence.Diff {
	return presence.Diff{
		Joins:  p.Joins.State(),
		Leaves: p.Leaves.State(),
	}
}

// RawState converts a canonical state back to its wire form.
func RawState(s presence.State) RawPresenceState {
	raw := make(RawPresenceState, len(s))
	for id, refs := range s {
		metas := make([]RawPresenceMeta, 0, len(refs))
		for ref, data := range refs {
			meta := RawPresenceMeta{PhxRef: ref}
			if len(data) > 0 {
				meta.Data = data
			}
			metas = append(metas, meta)
		}
		raw[id] = RawPresenceMetas{Metas: metas}
	}
	return raw
}
