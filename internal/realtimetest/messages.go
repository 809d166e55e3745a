// internal/realtimetest/messages.go
package realtimetest

import (
	"github.com/markb/sbrealtime/internal/protocol"
)

func reply(topic, joinRef, ref string, status protocol.ReplyStatus, response map[string]any) protocol.Message {
	if response == nil {
		response = map[string]any{}
	}
	return protocol.Message{
		Event:   protocol.EventReply,
		Topic:   topic,
		Payload: protocol.ResponsePayload{Status: status, Response: response},
		Ref:     ref,
		JoinRef: joinRef,
	}
}

func errorReply(topic, joinRef, ref, code, message string) protocol.Message {
	return reply(topic, joinRef, ref, protocol.StatusError, map[string]any{
		"code":    code,
		"message": message,
	})
}

func systemMessage(topic, joinRef, status, message, extension string) protocol.Message {
	return protocol.Message{
		Event:   protocol.EventSystem,
		Topic:   topic,
		Payload: protocol.SystemPayload{Status: status, Message: message, Extension: extension, Channel: topic},
		JoinRef: joinRef,
	}
}

func presenceState(topic, joinRef string, state protocol.RawPresenceState) protocol.Message {
	return protocol.Message{
		Event:   protocol.EventPresenceState,
		Topic:   topic,
		Payload: protocol.PresenceStatePayload(state),
		JoinRef: joinRef,
	}
}

func presenceDiff(topic string, joins, leaves protocol.RawPresenceState) protocol.Message {
	if joins == nil {
		joins = protocol.RawPresenceState{}
	}
	if leaves == nil {
		leaves = protocol.RawPresenceState{}
	}
	return protocol.Message{
		Event:   protocol.EventPresenceDiff,
		Topic:   topic,
		Payload: protocol.PresenceDiffPayload{Joins: joins, Leaves: leaves},
	}
}

func singleMeta(key string, metas ...protocol.RawPresenceMeta) protocol.RawPresenceState {
	if len(metas) == 0 {
		return nil
	}
	return protocol.RawPresenceState{key: {Metas: metas}}
}
