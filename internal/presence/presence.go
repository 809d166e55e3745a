// Package presence keeps the client-side copy of a channel's shared presence
// state and applies the join/leave diffs the server pushes.
//
// Layout of State:
//
//	{ [id]: { [phx_ref]: { [key]: value } } }
//
// An id is the presence key a client tracked under (usually a user id); a
// phx_ref identifies one tracked connection of that id.
package presence

import "maps"

// Event names a presence callback slot.
type Event string

const (
	EventTrack   Event = "track"
	EventUntrack Event = "untrack"
	EventJoin    Event = "join"
	EventLeave   Event = "leave"
	EventSync    Event = "sync"
)

// State is the triple nested presence map id -> phx_ref -> key -> value.
type State map[string]map[string]map[string]any

// Diff is a set of joining and leaving entries, both in State layout.
type Diff struct {
	Joins  State
	Leaves State
}

// Callback receives the id the event concerns, the state before the change
// and the entries of that id which changed.
type Callback func(id string, before, delta State)

// Clone returns a deep copy of the state. Values are copied shallowly.
func (s State) Clone() State {
	if s == nil {
		return State{}
	}
	out := make(State, len(s))
	for id, refs := range s {
		inner := make(map[string]map[string]any, len(refs))
		for ref, data := range refs {
			inner[ref] = maps.Clone(data)
		}
		out[id] = inner
	}
	return out
}

// Refs flattens the state into phx_ref -> data.
func (s State) Refs() map[string]map[string]any {
	out := make(map[string]map[string]any)
	for _, refs := range s {
		for ref, data := range refs {
			out[ref] = data
		}
	}
	return out
}

// Has reports whether ref exists under any id.
func (s State) Has(ref string) bool {
	for _, refs := range s {
		if _, ok := refs[ref]; ok {
			return true
		}
	}
	return false
}

// Engine owns a canonical State and the callbacks registered for it. It is
// not safe for concurrent use; the channel that owns it serializes access.
type Engine struct {
	state     State
	callbacks map[Event][]Callback
}

// NewEngine creates an engine with an empty state.
func NewEngine(callbacks map[Event][]Callback) *Engine {
	if callbacks == nil {
		callbacks = make(map[Event][]Callback)
	}
	return &Engine{
		state:     State{},
		callbacks: callbacks,
	}
}

// On registers a callback for event.
func (e *Engine) On(event Event, cb Callback) {
	e.callbacks[event] = append(e.callbacks[event], cb)
}

// State returns a snapshot of the canonical state.
func (e *Engine) State() State {
	return e.state.Clone()
}

// Sync reconciles the canonical state with a full state pushed by the server.
//
// Refs are compared across all ids, not per id: a ref present under any id
// of the current state is not a join, and a ref present under any id of next
// is not a leave.
func (e *Engine) Sync(next State) {
	joins := State{}
	for id, refs := range next {
		for ref, data := range refs {
			if e.state.Has(ref) {
				continue
			}
			if joins[id] == nil {
				joins[id] = make(map[string]map[string]any)
			}
			joins[id][ref] = data
		}
	}

	leaves := State{}
	for id, refs := range e.state {
		for ref, data := range refs {
			if next.Has(ref) {
				continue
			}
			if leaves[id] == nil {
				leaves[id] = make(map[string]map[string]any)
			}
			leaves[id][ref] = data
		}
	}

	before := e.state.Clone()
	e.ApplyDiff(Diff{Joins: joins, Leaves: leaves})

	after := e.state.Clone()
	for id := range e.state {
		e.fire(EventSync, id, before, after)
	}
}

// ApplyDiff applies a join/leave diff to the canonical state.
//
// Join callbacks fire here, before the merge, so joins pushed as a
// presence_diff are reported as well as those found by Sync. A leave removes
// the whole id, including refs the diff does not name. Joins replace the
// id's entry wholesale.
func (e *Engine) ApplyDiff(diff Diff) {
	for id, refs := range diff.Joins {
		e.fire(EventJoin, id, e.state.Clone(), State{id: refs})
	}

	for id, refs := range diff.Leaves {
		e.fire(EventLeave, id, e.state.Clone(), State{id: refs})
		delete(e.state, id)
	}

	for id, refs := range diff.Joins {
		inner := make(map[string]map[string]any, len(refs))
		for ref, data := range refs {
			inner[ref] = data
		}
		e.state[id] = inner
	}
}

func (e *Engine) fire(event Event, id string, before, delta State) {
	for _, cb := range e.callbacks[event] {
		cb(id, before, delta)
	}
}
