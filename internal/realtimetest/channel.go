// internal/realtimetest/channel.go
package realtimetest

import (
	"sync"

	"github.com/markb/sbrealtime/internal/protocol"
)

// channel is one topic on the server with its subscribers.
type channel struct {
	topic       string
	private     bool
	mu          sync.RWMutex
	subscribers map[string]*subscription // connID -> subscription
	presence    *presenceStore           // nil until a subscriber sets a presence key
}

// subscription is a connection's join of a channel.
type subscription struct {
	conn      *conn
	joinRef   string
	broadcast protocol.BroadcastConfig
	presence  protocol.PresenceConfig
	changes   []protocol.PostgresChange
}

func (ch *channel) addSubscriber(connID string, sub *subscription) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.subscribers[connID] = sub
}

func (ch *channel) removeSubscriber(connID string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	delete(ch.subscribers, connID)
}

// getSubscribers returns a snapshot of all subscribers.
func (ch *channel) getSubscribers() []*subscription {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	subs := make([]*subscription, 0, len(ch.subscribers))
	for _, sub := range ch.subscribers {
		subs = append(subs, sub)
	}
	return subs
}

func (ch *channel) isEmpty() bool {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return len(ch.subscribers) == 0
}

func (ch *channel) enablePresence() *presenceStore {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.presence == nil {
		ch.presence = newPresenceStore()
	}
	return ch.presence
}

func (ch *channel) getPresence() *presenceStore {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.presence
}

// fanout sends msg to every subscriber except excludeConnID.
func (ch *channel) fanout(msg protocol.Message, excludeConnID string) {
	for _, sub := range ch.getSubscribers() {
		if sub.conn.id == excludeConnID {
			continue
		}
		out := msg
		out.JoinRef = sub.joinRef
		sub.conn.send(out)
	}
}
