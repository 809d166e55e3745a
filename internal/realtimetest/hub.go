// internal/realtimetest/hub.go
package realtimetest

import (
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/markb/sbrealtime/internal/log"
	"github.com/markb/sbrealtime/internal/protocol"
	"github.com/markb/sbrealtime/internal/realtime"
)

// hub tracks all connections and channels of a Server.
type hub struct {
	mu          sync.RWMutex
	connections map[string]*conn    // connID -> conn
	channels    map[string]*channel // topic -> channel

	jwtSecret string
}

// Stats is a snapshot of server activity.
type Stats struct {
	Connections    int            `json:"connections"`
	Channels       int            `json:"channels"`
	ChannelDetails []ChannelStats `json:"channel_details"`
}

// ChannelStats describes one channel.
type ChannelStats struct {
	Topic       string `json:"topic"`
	Subscribers int    `json:"subscribers"`
	HasPresence bool   `json:"has_presence"`
}

func newHub(jwtSecret string) *hub {
	return &hub{
		connections: make(map[string]*conn),
		channels:    make(map[string]*channel),
		jwtSecret:   jwtSecret,
	}
}

func (h *hub) stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := Stats{
		Connections:    len(h.connections),
		Channels:       len(h.channels),
		ChannelDetails: make([]ChannelStats, 0, len(h.channels)),
	}
	for _, ch := range h.channels {
		ch.mu.RLock()
		stats.ChannelDetails = append(stats.ChannelDetails, ChannelStats{
			Topic:       ch.topic,
			Subscribers: len(ch.subscribers),
			HasPresence: ch.presence != nil,
		})
		ch.mu.RUnlock()
	}
	sort.Slice(stats.ChannelDetails, func(i, j int) bool {
		return stats.ChannelDetails[i].Topic < stats.ChannelDetails[j].Topic
	})
	return stats
}

func (h *hub) registerConn(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[c.id] = c
}

// unregisterConn removes a connection from the hub and all of its channels,
// announcing its presence leaves to the remaining subscribers.
func (h *hub) unregisterConn(c *conn) {
	h.mu.Lock()
	delete(h.connections, c.id)
	var touched []*channel
	for topic, ch := range h.channels {
		ch.mu.Lock()
		if _, ok := ch.subscribers[c.id]; ok {
			delete(ch.subscribers, c.id)
			if len(ch.subscribers) == 0 {
				delete(h.channels, topic)
			} else {
				touched = append(touched, ch)
			}
		}
		ch.mu.Unlock()
	}
	h.mu.Unlock()

	for _, ch := range touched {
		presence := ch.getPresence()
		if presence == nil {
			continue
		}
		if leaves := presence.untrackConn(c.id); len(leaves) > 0 {
			ch.fanout(presenceDiff(ch.topic, nil, leaves), "")
		}
	}
}

func (h *hub) getOrCreateChannel(topic string, private bool) *channel {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.channels[topic]; ok {
		return ch
	}
	ch := &channel{
		topic:       topic,
		private:     private,
		subscribers: make(map[string]*subscription),
	}
	h.channels[topic] = ch
	return ch
}

func (h *hub) getChannel(topic string) *channel {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.channels[topic]
}

func (h *hub) removeChannelIfEmpty(topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.channels[topic]; ok && ch.isEmpty() {
		delete(h.channels, topic)
	}
}

func (h *hub) snapshotConns() []*conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := make([]*conn, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	return conns
}

func (h *hub) snapshotChannels() []*channel {
	h.mu.RLock()
	defer h.mu.RUnlock()
	chans := make([]*channel, 0, len(h.channels))
	for _, ch := range h.channels {
		chans = append(chans, ch)
	}
	return chans
}

// broadcastChange delivers a row change to every subscription whose
// postgres_changes entries match it. The ids list the matching entries.
func (h *hub) broadcastChange(schema, table string, event protocol.PostgresChangeEvent, oldRow, newRow map[string]any) int {
	data := protocol.PostgresChangeData{
		Schema:          schema,
		Table:           table,
		CommitTimestamp: time.Now().UTC().Format(time.RFC3339),
		Type:            event,
		Record:          newRow,
		OldRecord:       oldRow,
	}

	delivered := 0
	for _, ch := range h.snapshotChannels() {
		for _, sub := range ch.getSubscribers() {
			var ids []int
			for _, pc := range sub.changes {
				if pc.Event != protocol.PostgresChangeAll && pc.Event != event {
					continue
				}
				filter := realtime.PostgresChangeFilter{Schema: pc.Schema, Table: pc.Table, Filter: pc.Filter}
				if filter.Matches(data) {
					ids = append(ids, pc.ID)
				}
			}
			if len(ids) == 0 {
				continue
			}
			sub.conn.send(protocol.Message{
				Event:   protocol.EventPostgresChanges,
				Topic:   ch.topic,
				Payload: protocol.PostgresChangesPayload{IDs: ids, Data: data},
				JoinRef: sub.joinRef,
			})
			delivered++
		}
	}
	log.Debug("realtimetest: change delivered", "schema", schema, "table", table, "event", event, "subscribers", delivered)
	return delivered
}

// validateToken verifies an HS256 token against the hub secret.
func (h *hub) validateToken(tokenStr string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return []byte(h.jwtSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	return claims, nil
}
