// internal/realtimetest/presence.go
package realtimetest

import (
	"maps"
	"sync"

	"github.com/google/uuid"

	"github.com/markb/sbrealtime/internal/protocol"
)

// presenceStore tracks presence for one channel. Each connection holds at
// most one entry per key.
type presenceStore struct {
	mu    sync.RWMutex
	state map[string][]presenceEntry // presence key -> entries
}

type presenceEntry struct {
	connID  string
	phxRef  string
	payload map[string]any
}

func newPresenceStore() *presenceStore {
	return &presenceStore{state: make(map[string][]presenceEntry)}
}

func (e presenceEntry) meta() protocol.RawPresenceMeta {
	return protocol.RawPresenceMeta{PhxRef: e.phxRef, Data: maps.Clone(e.payload)}
}

// track records payload under key for connID. A previous entry of the same
// connection is replaced and returned as a leave.
func (ps *presenceStore) track(key, connID string, payload map[string]any) (joined protocol.RawPresenceMeta, replaced *protocol.RawPresenceMeta) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	entry := presenceEntry{connID: connID, phxRef: uuid.NewString(), payload: maps.Clone(payload)}
	entries := ps.state[key]
	for i, e := range entries {
		if e.connID == connID {
			old := e.meta()
			entries[i] = entry
			return entry.meta(), &old
		}
	}
	ps.state[key] = append(entries, entry)
	return entry.meta(), nil
}

// untrack removes connID's entry under key and returns what left.
func (ps *presenceStore) untrack(key, connID string) []protocol.RawPresenceMeta {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.removeLocked(key, connID)
}

// untrackConn removes every entry of a connection.
func (ps *presenceStore) untrackConn(connID string) protocol.RawPresenceState {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	leaves := protocol.RawPresenceState{}
	for key := range ps.state {
		if left := ps.removeLocked(key, connID); len(left) > 0 {
			leaves[key] = protocol.RawPresenceMetas{Metas: left}
		}
	}
	return leaves
}

func (ps *presenceStore) removeLocked(key, connID string) []protocol.RawPresenceMeta {
	var left []protocol.RawPresenceMeta
	var remaining []presenceEntry
	for _, e := range ps.state[key] {
		if e.connID == connID {
			left = append(left, e.meta())
		} else {
			remaining = append(remaining, e)
		}
	}
	if len(remaining) == 0 {
		delete(ps.state, key)
	} else {
		ps.state[key] = remaining
	}
	return left
}

// snapshot returns the full state in wire form.
func (ps *presenceStore) snapshot() protocol.RawPresenceState {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	out := make(protocol.RawPresenceState, len(ps.state))
	for key, entries := range ps.state {
		metas := make([]protocol.RawPresenceMeta, len(entries))
		for i, e := range entries {
			metas[i] = e.meta()
		}
		out[key] = protocol.RawPresenceMetas{Metas: metas}
	}
	return out
}
