// internal/realtime/channel.go
package realtime

import (
	"github.com/google/uuid"

	"github.com/markb/sbrealtime/internal/log"
	"github.com/markb/sbrealtime/internal/presence"
	"github.com/markb/sbrealtime/internal/protocol"
)

// ChannelState is the join state of a channel.
type ChannelState int

const (
	ChannelClosed ChannelState = iota
	ChannelJoining
	ChannelJoined
	ChannelLeaving
	ChannelErrored
)

func (s ChannelState) String() string {
	switch s {
	case ChannelClosed:
		return "closed"
	case ChannelJoining:
		return "joining"
	case ChannelJoined:
		return "joined"
	case ChannelLeaving:
		return "leaving"
	case ChannelErrored:
		return "errored"
	}
	return "unknown"
}

// BroadcastCallback receives the payload of a broadcast event.
type BroadcastCallback func(payload map[string]any)

// PostgresChangeCallback receives a row change that passed its filter.
type PostgresChangeCallback func(change protocol.PostgresChangesPayload)

type postgresCallback struct {
	filter PostgresChangeFilter
	fn     PostgresChangeCallback
}

const channelQueueSize = 64

// Channel is one topic subscription. After registration it belongs to the
// Client: every method must be called from the goroutine that drives Step.
// Other goroutines use a ChannelHandle.
type Channel struct {
	id    uuid.UUID
	topic string
	state ChannelState
	join  protocol.JoinPayload

	postgres  map[protocol.PostgresChangeEvent][]postgresCallback
	broadcast map[string][]BroadcastCallback
	presence  *presence.Engine

	commands chan channelCommand
	outbox   func(protocol.Message)
	sink     Sink
}

// ID returns the channel's unique id. It is also the ref of its join.
func (ch *Channel) ID() uuid.UUID {
	return ch.id
}

// Topic returns the namespaced topic, e.g. "realtime:room".
func (ch *Channel) Topic() string {
	return ch.topic
}

// State returns the current join state.
func (ch *Channel) State() ChannelState {
	return ch.state
}

// PresenceState returns a snapshot of the channel's presence.
func (ch *Channel) PresenceState() presence.State {
	return ch.presence.State()
}

func (ch *Channel) leaveRef() string {
	return ch.id.String() + "+leave"
}

// Subscribe sends a join with the current configuration and token. Calling it
// again while joining or joined sends another join.
func (ch *Channel) Subscribe() error {
	if ch.state == ChannelLeaving {
		return ErrChannelBusy
	}
	ch.outbox(protocol.Message{
		Event:   protocol.EventJoin,
		Topic:   ch.topic,
		Payload: ch.join,
		Ref:     ch.id.String(),
		JoinRef: ch.id.String(),
	})
	ch.state = ChannelJoining
	log.Debug("realtime: joining channel", "channel_id", ch.id, "topic", ch.topic)
	return nil
}

// Unsubscribe sends a leave unless the channel is already closed or leaving.
func (ch *Channel) Unsubscribe() error {
	if ch.state == ChannelClosed || ch.state == ChannelLeaving {
		return nil
	}
	ch.outbox(protocol.Message{
		Event:   protocol.EventLeave,
		Topic:   ch.topic,
		Payload: protocol.EmptyPayload{},
		Ref:     ch.leaveRef(),
		JoinRef: ch.id.String(),
	})
	ch.state = ChannelLeaving
	log.Debug("realtime: leaving channel", "channel_id", ch.id, "topic", ch.topic)
	return nil
}

// Broadcast sends an application event to the channel's subscribers.
func (ch *Channel) Broadcast(event string, payload map[string]any) error {
	return ch.send(protocol.EventBroadcast, protocol.BroadcastPayload{Event: event, Payload: payload})
}

// Track publishes this connection's presence payload.
func (ch *Channel) Track(payload map[string]any) error {
	return ch.send(protocol.EventPresence, protocol.PresenceTrackPayload{Payload: payload})
}

// Untrack removes this connection from the channel's presence.
func (ch *Channel) Untrack() error {
	return ch.send(protocol.EventPresence, protocol.PresenceUntrackPayload{})
}

// SetAuth replaces the token used for future joins. A joined channel also
// forwards it to the server.
func (ch *Channel) SetAuth(token string) error {
	ch.join.AccessToken = token
	if ch.state != ChannelJoined {
		return nil
	}
	return ch.send(protocol.EventAccessToken, protocol.AccessTokenPayload{AccessToken: token})
}

func (ch *Channel) send(event protocol.Event, payload protocol.Payload) error {
	if ch.state == ChannelLeaving {
		return ErrChannelBusy
	}
	ch.outbox(protocol.Message{
		Event:   event,
		Topic:   ch.topic,
		Payload: payload,
		JoinRef: ch.id.String(),
	})
	return nil
}

// receive applies an inbound message addressed to this channel's topic.
func (ch *Channel) receive(msg protocol.Message) {
	switch p := msg.Payload.(type) {
	case protocol.ResponsePayload:
		if msg.Ref != ch.id.String() {
			break
		}
		if p.Status != protocol.StatusOK {
			log.Warn("realtime: join rejected", "channel_id", ch.id, "topic", ch.topic, "status", p.Status, "response", p.Response)
			break
		}
		if ch.state == ChannelJoining {
			ch.state = ChannelJoined
			log.Debug("realtime: channel joined", "channel_id", ch.id, "topic", ch.topic)
		}
	case protocol.PresenceStatePayload:
		ch.presence.Sync(p.State())
	case protocol.PresenceDiffPayload:
		ch.presence.ApplyDiff(p.Diff())
	case protocol.PostgresChangesPayload:
		ch.dispatchPostgres(p)
	case protocol.BroadcastPayload:
		for _, cb := range ch.broadcast[p.Event] {
			cb(p.Payload)
		}
	case protocol.SystemPayload:
		if p.Status != "ok" {
			log.Warn("realtime: system error", "channel_id", ch.id, "topic", ch.topic, "extension", p.Extension, "message", p.Message)
		}
	}

	switch msg.Event {
	case protocol.EventClose:
		if msg.Ref == ch.id.String() {
			ch.state = ChannelClosed
			log.Debug("realtime: channel closed", "channel_id", ch.id, "topic", ch.topic)
		}
	case protocol.EventReply:
		if msg.Ref == ch.leaveRef() {
			ch.state = ChannelClosed
			log.Debug("realtime: channel closed", "channel_id", ch.id, "topic", ch.topic)
		}
	case protocol.EventError:
		if msg.JoinRef != "" && msg.JoinRef != ch.id.String() {
			break
		}
		if ch.state == ChannelJoining || ch.state == ChannelJoined {
			ch.state = ChannelErrored
			log.Warn("realtime: channel errored", "channel_id", ch.id, "topic", ch.topic)
		}
	}
}

// dispatchPostgres runs the callbacks registered for the change type and
// then those registered for every type.
func (ch *Channel) dispatchPostgres(p protocol.PostgresChangesPayload) {
	for _, event := range []protocol.PostgresChangeEvent{p.Data.Type, protocol.PostgresChangeAll} {
		for _, cb := range ch.postgres[event] {
			if cb.filter.Matches(p.Data) {
				cb.fn(p)
			}
		}
		if p.Data.Type == protocol.PostgresChangeAll {
			break
		}
	}
}

// markClosed moves the channel to Closed without a leave round trip.
func (ch *Channel) markClosed() {
	ch.state = ChannelClosed
}

// rejoinable reports whether the channel should be joined again after the
// socket was re-established.
func (ch *Channel) rejoinable() bool {
	switch ch.state {
	case ChannelJoining, ChannelJoined, ChannelErrored:
		return true
	}
	return false
}
