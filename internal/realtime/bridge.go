// internal/realtime/bridge.go
package realtime

import (
	"github.com/google/uuid"

	"github.com/markb/sbrealtime/internal/log"
)

type clientCommandKind int

const (
	cmdRequestChannel clientCommandKind = iota
	cmdAddChannel
	cmdSetAccessToken
	cmdConnectionState
)

type clientCommand struct {
	kind     clientCommandKind
	callback string
	channel  *Channel
	token    string
}

type channelCommandKind int

const (
	cmdSubscribe channelCommandKind = iota
	cmdUnsubscribe
	cmdBroadcast
	cmdTrack
	cmdUntrack
	cmdPresenceState
	cmdChannelState
)

type channelCommand struct {
	kind     channelCommandKind
	callback string
	event    string
	payload  map[string]any
}

// ClientHandle lets any goroutine operate a Client. It is a small value
// that can be copied freely; every method only enqueues and never blocks.
type ClientHandle struct {
	cmds chan<- clientCommand
}

func (h ClientHandle) send(cmd clientCommand) error {
	if h.cmds == nil {
		return ErrClientClosed
	}
	select {
	case h.cmds <- cmd:
		return nil
	default:
		return ErrQueueFull
	}
}

// RequestChannel asks for a ChannelBuilder pre-filled with the client's
// access token. It arrives at the sink as a ChannelBuilderResult.
func (h ClientHandle) RequestChannel(callbackID string) error {
	return h.send(clientCommand{kind: cmdRequestChannel, callback: callbackID})
}

// SetAccessToken replaces the token on the client and all of its channels.
func (h ClientHandle) SetAccessToken(token string) error {
	return h.send(clientCommand{kind: cmdSetAccessToken, token: token})
}

// ConnectionState asks for the connection state as a ConnectionStateResult.
func (h ClientHandle) ConnectionState(callbackID string) error {
	return h.send(clientCommand{kind: cmdConnectionState, callback: callbackID})
}

func (h ClientHandle) addChannel(ch *Channel) error {
	return h.send(clientCommand{kind: cmdAddChannel, channel: ch})
}

// ChannelHandle lets any goroutine operate one channel. Like ClientHandle it
// only enqueues; Broadcast and friends fail on the owner side when the
// channel is leaving, which is logged there.
type ChannelHandle struct {
	id    uuid.UUID
	topic string
	cmds  chan<- channelCommand
}

func newChannelHandle(ch *Channel) ChannelHandle {
	return ChannelHandle{id: ch.id, topic: ch.topic, cmds: ch.commands}
}

func (h ChannelHandle) ID() uuid.UUID {
	return h.id
}

func (h ChannelHandle) Topic() string {
	return h.topic
}

func (h ChannelHandle) send(cmd channelCommand) error {
	if h.cmds == nil {
		return ErrNoChannel
	}
	select {
	case h.cmds <- cmd:
		return nil
	default:
		return ErrQueueFull
	}
}

func (h ChannelHandle) Subscribe() error {
	return h.send(channelCommand{kind: cmdSubscribe})
}

func (h ChannelHandle) Unsubscribe() error {
	return h.send(channelCommand{kind: cmdUnsubscribe})
}

func (h ChannelHandle) Broadcast(event string, payload map[string]any) error {
	return h.send(channelCommand{kind: cmdBroadcast, event: event, payload: payload})
}

func (h ChannelHandle) Track(payload map[string]any) error {
	return h.send(channelCommand{kind: cmdTrack, payload: payload})
}

func (h ChannelHandle) Untrack() error {
	return h.send(channelCommand{kind: cmdUntrack})
}

// PresenceState asks for a presence snapshot as a PresenceStateResult.
func (h ChannelHandle) PresenceState(callbackID string) error {
	return h.send(channelCommand{kind: cmdPresenceState, callback: callbackID})
}

// ChannelState asks for the join state as a ChannelStateResult.
func (h ChannelHandle) ChannelState(callbackID string) error {
	return h.send(channelCommand{kind: cmdChannelState, callback: callbackID})
}

// drainCommands applies every queued handle command.
func (ch *Channel) drainCommands() {
	for {
		select {
		case cmd := <-ch.commands:
			ch.apply(cmd)
		default:
			return
		}
	}
}

func (ch *Channel) apply(cmd channelCommand) {
	var err error
	switch cmd.kind {
	case cmdSubscribe:
		err = ch.Subscribe()
	case cmdUnsubscribe:
		err = ch.Unsubscribe()
	case cmdBroadcast:
		err = ch.Broadcast(cmd.event, cmd.payload)
	case cmdTrack:
		err = ch.Track(cmd.payload)
	case cmdUntrack:
		err = ch.Untrack()
	case cmdPresenceState:
		ch.sink.Deliver(PresenceStateResult{Callback: cmd.callback, ChannelID: ch.id, State: ch.PresenceState()})
	case cmdChannelState:
		ch.sink.Deliver(ChannelStateResult{Callback: cmd.callback, ChannelID: ch.id, State: ch.state})
	}
	if err != nil {
		log.Warn("realtime: channel command failed", "channel_id", ch.id, "topic", ch.topic, "error", err)
	}
}
