// internal/realtimetest/conn.go
package realtimetest

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/markb/sbrealtime/internal/log"
	"github.com/markb/sbrealtime/internal/protocol"
)

const (
	// Send buffer size for outbound messages
	sendBufferSize = 256

	// Time allowed to write a message
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message
	pongWait = 60 * time.Second

	// Send pings with this period (must be less than pongWait)
	pingPeriod = 25 * time.Second

	maxMessageSize = 512 * 1024
)

// conn is one websocket client of the server.
type conn struct {
	id        string
	ws        *websocket.Conn
	hub       *hub
	mu        sync.Mutex
	subs      map[string]*subscription // topic -> subscription
	claims    jwt.MapClaims
	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (h *hub) newConn(ws *websocket.Conn) *conn {
	c := &conn{
		id:       uuid.NewString(),
		ws:       ws,
		hub:      h,
		subs:     make(map[string]*subscription),
		outbound: make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
	}
	h.registerConn(c)
	return c
}

// send queues a message. Messages to a closed or saturated connection are
// dropped.
func (c *conn) send(msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Error("realtimetest: encode failed", "conn_id", c.id, "event", msg.Event, "error", err.Error())
		return
	}
	select {
	case <-c.done:
	case c.outbound <- data:
	default:
		log.Warn("realtimetest: send buffer full, dropping message", "conn_id", c.id)
	}
}

// close drops the TCP connection without a close frame, as a network
// failure would.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws != nil {
			_ = c.ws.Close()
		}
		if c.hub != nil {
			c.hub.unregisterConn(c)
		}
	})
}

// shutdown sends a normal close frame before closing.
func (c *conn) shutdown(reason string) {
	if c.ws != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	}
	c.close()
}

func (c *conn) readPump() {
	defer c.close()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug("realtimetest: read error", "conn_id", c.id, "error", err.Error())
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := protocol.Decode(data)
		if err != nil {
			log.Debug("realtimetest: invalid message", "conn_id", c.id, "error", err.Error(), "len", len(data))
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case data := <-c.outbound:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *conn) handleMessage(msg protocol.Message) {
	log.Debug("realtimetest: message", "conn_id", c.id, "event", msg.Event, "topic", msg.Topic)

	switch msg.Event {
	case protocol.EventHeartbeat:
		c.send(reply(protocol.TopicPhoenix, "", msg.Ref, protocol.StatusOK, nil))
	case protocol.EventJoin:
		c.handleJoin(msg)
	case protocol.EventLeave:
		c.handleLeave(msg)
	case protocol.EventBroadcast:
		c.handleBroadcast(msg)
	case protocol.EventPresence:
		c.handlePresence(msg)
	case protocol.EventAccessToken:
		c.handleAccessToken(msg)
	default:
		log.Debug("realtimetest: unknown event", "conn_id", c.id, "event", msg.Event, "topic", msg.Topic)
	}
}

func (c *conn) handleJoin(msg protocol.Message) {
	join, ok := msg.Payload.(protocol.JoinPayload)
	if !ok {
		c.send(errorReply(msg.Topic, msg.JoinRef, msg.Ref, "invalid_payload", "join payload expected"))
		return
	}

	if join.AccessToken != "" && c.hub.jwtSecret != "" {
		claims, err := c.hub.validateToken(join.AccessToken)
		if err != nil {
			c.send(errorReply(msg.Topic, msg.JoinRef, msg.Ref, "invalid_token", err.Error()))
			return
		}
		c.setClaims(claims)
	}
	if join.Config.Private && c.getClaims() == nil {
		c.send(errorReply(msg.Topic, msg.JoinRef, msg.Ref, "unauthorized", "private channel requires authentication"))
		return
	}

	ch := c.hub.getOrCreateChannel(msg.Topic, join.Config.Private)

	changes := append([]protocol.PostgresChange(nil), join.Config.PostgresChanges...)
	for i := range changes {
		changes[i].ID = i + 1
	}

	sub := &subscription{
		conn:      c,
		joinRef:   msg.JoinRef,
		broadcast: join.Config.Broadcast,
		presence:  join.Config.Presence,
		changes:   changes,
	}
	if sub.presence.Key != "" {
		ch.enablePresence()
	}
	ch.addSubscriber(c.id, sub)

	c.mu.Lock()
	c.subs[msg.Topic] = sub
	c.mu.Unlock()

	response := map[string]any{}
	if len(changes) > 0 {
		list := make([]any, len(changes))
		for i, pc := range changes {
			list[i] = map[string]any{"id": pc.ID, "event": string(pc.Event), "schema": pc.Schema, "table": pc.Table, "filter": pc.Filter}
		}
		response["postgres_changes"] = list
	}
	c.send(reply(msg.Topic, msg.JoinRef, msg.Ref, protocol.StatusOK, response))

	if len(changes) > 0 {
		c.send(systemMessage(msg.Topic, msg.JoinRef, "ok", "Subscribed to PostgreSQL", "postgres_changes"))
	}
	if presence := ch.getPresence(); presence != nil {
		c.send(presenceState(msg.Topic, msg.JoinRef, presence.snapshot()))
	}
}

func (c *conn) handleLeave(msg protocol.Message) {
	c.mu.Lock()
	sub, ok := c.subs[msg.Topic]
	delete(c.subs, msg.Topic)
	c.mu.Unlock()

	if !ok {
		c.send(errorReply(msg.Topic, msg.JoinRef, msg.Ref, "not_joined", "not subscribed to channel"))
		return
	}

	if ch := c.hub.getChannel(msg.Topic); ch != nil {
		ch.removeSubscriber(c.id)
		if presence := ch.getPresence(); presence != nil && sub.presence.Key != "" {
			if leaves := presence.untrack(sub.presence.Key, c.id); len(leaves) > 0 {
				ch.fanout(presenceDiff(msg.Topic, nil, singleMeta(sub.presence.Key, leaves...)), "")
			}
		}
		c.hub.removeChannelIfEmpty(msg.Topic)
	}

	c.send(reply(msg.Topic, msg.JoinRef, msg.Ref, protocol.StatusOK, nil))
}

func (c *conn) subscription(topic string) (*subscription, *channel) {
	c.mu.Lock()
	sub, ok := c.subs[topic]
	c.mu.Unlock()
	if !ok {
		return nil, nil
	}
	ch := c.hub.getChannel(topic)
	if ch == nil {
		return nil, nil
	}
	return sub, ch
}

func (c *conn) handleBroadcast(msg protocol.Message) {
	sub, ch := c.subscription(msg.Topic)
	if sub == nil {
		log.Debug("realtimetest: broadcast on unjoined topic", "conn_id", c.id, "topic", msg.Topic)
		return
	}
	payload, ok := msg.Payload.(protocol.BroadcastPayload)
	if !ok {
		return
	}

	exclude := ""
	if !sub.broadcast.Self {
		exclude = c.id
	}
	ch.fanout(protocol.Message{Event: protocol.EventBroadcast, Topic: msg.Topic, Payload: payload}, exclude)

	if sub.broadcast.Ack {
		c.send(reply(msg.Topic, sub.joinRef, msg.Ref, protocol.StatusOK, nil))
	}
}

func (c *conn) handlePresence(msg protocol.Message) {
	sub, ch := c.subscription(msg.Topic)
	if sub == nil || sub.presence.Key == "" {
		return
	}
	presence := ch.getPresence()
	if presence == nil {
		return
	}
	key := sub.presence.Key

	switch p := msg.Payload.(type) {
	case protocol.PresenceTrackPayload:
		joined, replaced := presence.track(key, c.id, p.Payload)
		var leaves protocol.RawPresenceState
		if replaced != nil {
			leaves = singleMeta(key, *replaced)
		}
		ch.fanout(presenceDiff(msg.Topic, singleMeta(key, joined), leaves), "")
	case protocol.PresenceUntrackPayload:
		if left := presence.untrack(key, c.id); len(left) > 0 {
			ch.fanout(presenceDiff(msg.Topic, nil, singleMeta(key, left...)), "")
		}
	}
	if msg.Ref != "" {
		c.send(reply(msg.Topic, sub.joinRef, msg.Ref, protocol.StatusOK, nil))
	}
}

func (c *conn) handleAccessToken(msg protocol.Message) {
	p, ok := msg.Payload.(protocol.AccessTokenPayload)
	if !ok || p.AccessToken == "" || c.hub.jwtSecret == "" {
		return
	}
	claims, err := c.hub.validateToken(p.AccessToken)
	if err != nil {
		log.Debug("realtimetest: invalid access_token refresh", "conn_id", c.id, "error", err.Error())
		c.send(protocol.Message{Event: protocol.EventError, Topic: msg.Topic, Payload: protocol.EmptyPayload{}})
		return
	}
	c.setClaims(claims)
}

func (c *conn) setClaims(claims jwt.MapClaims) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.claims = claims
}

func (c *conn) getClaims() jwt.MapClaims {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.claims
}
