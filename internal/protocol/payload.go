package protocol

import (
	"encoding/json"
)

// Payload is one of the payload variants below.
type Payload interface {
	isPayload()
}

func (JoinPayload) isPayload()            {}
func (BroadcastPayload) isPayload()       {}
func (PresenceTrackPayload) isPayload()   {}
func (PresenceUntrackPayload) isPayload() {}
func (PresenceStatePayload) isPayload()   {}
func (PresenceDiffPayload) isPayload()    {}
func (PostgresChangesPayload) isPayload() {}
func (AccessTokenPayload) isPayload()     {}
func (ResponsePayload) isPayload()        {}
func (SystemPayload) isPayload()          {}
func (EmptyPayload) isPayload()           {}
func (RawPayload) isPayload()             {}

// JoinPayload is sent with phx_join.
type JoinPayload struct {
	Config      JoinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

// JoinConfig holds channel join configuration
type JoinConfig struct {
	Broadcast       BroadcastConfig  `json:"broadcast"`
	Presence        PresenceConfig   `json:"presence"`
	PostgresChanges []PostgresChange `json:"postgres_changes"`
	Private         bool             `json:"private,omitempty"`
}

// BroadcastConfig holds broadcast options
type BroadcastConfig struct {
	Ack  bool `json:"ack"`  // wait for server ack
	Self bool `json:"self"` // receive own broadcasts
}

// PresenceConfig holds presence options
type PresenceConfig struct {
	Key string `json:"key"` // presence key (e.g., user ID)
}

// PostgresChangeEvent is the change type of a row-level notification.
type PostgresChangeEvent string

const (
	PostgresChangeAll    PostgresChangeEvent = "*"
	PostgresChangeInsert PostgresChangeEvent = "INSERT"
	PostgresChangeUpdate PostgresChangeEvent = "UPDATE"
	PostgresChangeDelete PostgresChangeEvent = "DELETE"
)

// PostgresChange is one postgres_changes subscription in a join request.
type PostgresChange struct {
	Event  PostgresChangeEvent `json:"event"`
	Schema string              `json:"schema"`
	Table  string              `json:"table,omitempty"`
	Filter string              `json:"filter,omitempty"`
	ID     int                 `json:"id,omitempty"` // assigned by server
}

// BroadcastPayload carries an application event on a channel.
type BroadcastPayload struct {
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
}

func (p BroadcastPayload) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type    string         `json:"type"`
		Event   string         `json:"event"`
		Payload map[string]any `json:"payload"`
	}{"broadcast", p.Event, p.Payload})
}

// PresenceTrackPayload asks the server to track state for this connection.
type PresenceTrackPayload struct {
	Payload map[string]any `json:"payload"`
}

func (p PresenceTrackPayload) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type    string         `json:"type"`
		Event   string         `json:"event"`
		Payload map[string]any `json:"payload"`
	}{"presence", "track", p.Payload})
}

// PresenceUntrackPayload asks the server to stop tracking this connection.
type PresenceUntrackPayload struct{}

func (PresenceUntrackPayload) MarshalJSON() ([]byte, error) {
	return []byte(`{"type":"presence","event":"untrack"}`), nil
}

// PresenceStatePayload is the full presence state pushed after a join.
type PresenceStatePayload RawPresenceState

// PresenceDiffPayload is an incremental presence update.
type PresenceDiffPayload struct {
	Joins  RawPresenceState `json:"joins"`
	Leaves RawPresenceState `json:"leaves"`
}

// PostgresChangesPayload carries a row-level change notification.
type PostgresChangesPayload struct {
	IDs  []int              `json:"ids"`
	Data PostgresChangeData `json:"data"`
}

// PostgresChangeData represents a database change
type PostgresChangeData struct {
	Schema          string              `json:"schema"`
	Table           string              `json:"table"`
	CommitTimestamp string              `json:"commit_timestamp"`
	Type            PostgresChangeEvent `json:"type"`
	Record          map[string]any      `json:"record"`
	OldRecord       map[string]any      `json:"old_record"`
	Columns         []Column            `json:"columns,omitempty"`
	Errors          []string            `json:"errors"`
}

// Column describes a column of the changed table.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// UnmarshalJSON accepts both the hosted spelling (type, record, old_record)
// and the lite spelling (eventType, new, old).
func (d *PostgresChangeData) UnmarshalJSON(data []byte) error {
	type plain PostgresChangeData
	aux := struct {
		plain
		EventType PostgresChangeEvent `json:"eventType"`
		New       map[string]any      `json:"new"`
		Old       map[string]any      `json:"old"`
	}{}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	*d = PostgresChangeData(aux.plain)
	if d.Type == "" {
		d.Type = aux.EventType
	}
	if d.Record == nil {
		d.Record = aux.New
	}
	if d.OldRecord == nil {
		d.OldRecord = aux.Old
	}
	return nil
}

// AccessTokenPayload refreshes the token of a joined channel.
type AccessTokenPayload struct {
	AccessToken string `json:"access_token"`
}

// ReplyStatus is the status of a phx_reply.
type ReplyStatus string

const (
	StatusOK      ReplyStatus = "ok"
	StatusError   ReplyStatus = "error"
	StatusTimeout ReplyStatus = "timeout"
)

// ResponsePayload is the payload of phx_reply.
type ResponsePayload struct {
	Status   ReplyStatus    `json:"status"`
	Response map[string]any `json:"response"`
}

// SystemPayload reports subscription status for an extension.
type SystemPayload struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Extension string `json:"extension"`
	Channel   string `json:"channel,omitempty"`
}

// EmptyPayload encodes as {}.
type EmptyPayload struct{}

// RawPayload holds the payload of an event this package does not model.
type RawPayload json.RawMessage

func (p RawPayload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("{}"), nil
	}
	return p, nil
}
