// Package protocol implements the Supabase Realtime wire format: Phoenix
// Protocol v1.0.0 JSON frames carrying broadcast, presence and
// postgres_changes payloads.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the Phoenix serializer version sent as the vsn query parameter.
const Version = "1.0.0"

// Channel topics are namespaced on the wire.
const TopicPrefix = "realtime:"

// Phoenix topic for heartbeats
const TopicPhoenix = "phoenix"

// Event is the event tag of a frame.
type Event string

// Client events
const (
	EventJoin        Event = "phx_join"
	EventLeave       Event = "phx_leave"
	EventHeartbeat   Event = "heartbeat"
	EventAccessToken Event = "access_token"
	EventBroadcast   Event = "broadcast"
	EventPresence    Event = "presence"
)

// Server events
const (
	EventReply           Event = "phx_reply"
	EventClose           Event = "phx_close"
	EventError           Event = "phx_error"
	EventSystem          Event = "system"
	EventPostgresChanges Event = "postgres_changes"
	EventPresenceState   Event = "presence_state"
	EventPresenceDiff    Event = "presence_diff"
)

// Message is a single frame exchanged in either direction. An empty Ref or
// JoinRef is sent as null.
type Message struct {
	Event   Event
	Topic   string
	Payload Payload
	Ref     string
	JoinRef string
}

type wireMessage struct {
	Event   Event           `json:"event"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
	JoinRef *string         `json:"join_ref,omitempty"`
}

// DecodeError reports a frame that could not be decoded.
type DecodeError struct {
	Event Event
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Event == "" {
		return fmt.Sprintf("invalid message format: %v", e.Err)
	}
	return fmt.Sprintf("invalid %s payload: %v", e.Event, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Topic qualifies a logical channel name with the realtime namespace.
func Topic(name string) string {
	return TopicPrefix + name
}

// Heartbeat returns the keep-alive frame.
func Heartbeat() Message {
	return Message{
		Event:   EventHeartbeat,
		Topic:   TopicPhoenix,
		Payload: EmptyPayload{},
	}
}

// Encode serializes a message to JSON bytes.
func Encode(m Message) ([]byte, error) {
	payload := m.Payload
	if payload == nil {
		payload = EmptyPayload{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", m.Event, err)
	}

	w := wireMessage{
		Event:   m.Event,
		Topic:   m.Topic,
		Payload: raw,
	}
	if m.Ref != "" {
		w.Ref = &m.Ref
	}
	if m.JoinRef != "" {
		w.JoinRef = &m.JoinRef
	}
	return json.Marshal(w)
}

// Decode parses JSON bytes into a Message, choosing the payload variant from
// the event.
func Decode(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, &DecodeError{Err: err}
	}
	if w.Event == "" {
		return Message{}, &DecodeError{Err: fmt.Errorf("missing event")}
	}

	payload, err := decodePayload(w.Event, w.Payload)
	if err != nil {
		return Message{}, &DecodeError{Event: w.Event, Err: err}
	}

	m := Message{
		Event:   w.Event,
		Topic:   w.Topic,
		Payload: payload,
	}
	if w.Ref != nil {
		m.Ref = *w.Ref
	}
	if w.JoinRef != nil {
		m.JoinRef = *w.JoinRef
	}
	return m, nil
}

func decodePayload(event Event, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}

	switch event {
	case EventJoin:
		return unmarshalAs[JoinPayload](raw)
	case EventBroadcast:
		return unmarshalAs[BroadcastPayload](raw)
	case EventPresence:
		var head struct {
			Event string `json:"event"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			return nil, err
		}
		if head.Event == "untrack" {
			return PresenceUntrackPayload{}, nil
		}
		return unmarshalAs[PresenceTrackPayload](raw)
	case EventPresenceState:
		return unmarshalAs[PresenceStatePayload](raw)
	case EventPresenceDiff:
		return unmarshalAs[PresenceDiffPayload](raw)
	case EventPostgresChanges:
		return unmarshalAs[PostgresChangesPayload](raw)
	case EventAccessToken:
		return unmarshalAs[AccessTokenPayload](raw)
	case EventReply:
		return unmarshalAs[ResponsePayload](raw)
	case EventSystem:
		return unmarshalAs[SystemPayload](raw)
	case EventHeartbeat, EventLeave, EventClose, EventError:
		return EmptyPayload{}, nil
	default:
		return RawPayload(append([]byte(nil), raw...)), nil
	}
}

func unmarshalAs[T Payload](raw json.RawMessage) (Payload, error) {
	var p T
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return p, nil
}
