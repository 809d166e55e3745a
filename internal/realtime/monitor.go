// internal/realtime/monitor.go
package realtime

import (
	"context"
	"slices"
	"time"

	"github.com/markb/sbrealtime/internal/log"
	"github.com/markb/sbrealtime/internal/protocol"
)

// runMonitor reconnects the socket once a reconnect was signalled and the
// backoff delay for the current attempt has passed. A successful reconnect
// rejoins every channel that was joining, joined or errored.
func (c *Client) runMonitor(ctx context.Context) error {
	now := c.clock.Now()
	if c.reconnectAt.IsZero() {
		c.reconnectAt = now
		c.reconnectDelay = c.backoff(c.reconnectAttempts)
	}

	if !c.reconnectSignal ||
		c.state == StateOpen ||
		c.state == StateReconnecting ||
		now.Before(c.reconnectAt.Add(c.reconnectDelay)) {
		return &MonitorError{Reason: MonitorWouldBlock}
	}

	if limit := c.cfg.MaxReconnectAttempts; limit >= 0 && c.reconnectAttempts >= limit {
		return &MonitorError{Reason: MonitorMaxReconnects}
	}

	c.reconnectSignal = false
	c.state = StateReconnecting
	c.reconnectAttempts++
	c.reconnectAt = time.Time{}
	log.Info("realtime: reconnecting", "attempt", c.reconnectAttempts)

	sock, err := c.dial(ctx)
	c.metrics.RecordReconnect(ctx, err == nil)
	if err != nil {
		log.Warn("realtime: reconnect failed", "attempt", c.reconnectAttempts, "error", err)
		c.state = StateReconnect
		return &MonitorError{Reason: MonitorReconnectError, Err: err}
	}

	c.opened(sock)
	log.Info("realtime: reconnected")

	// Joins, leaves and token updates queued for the old socket are replaced
	// by the rejoins below; the remaining messages follow them in order.
	pending := slices.DeleteFunc(c.outbound, isChannelControl)
	c.outbound = nil
	defer func() { c.outbound = append(c.outbound, pending...) }()

	for _, id := range c.order {
		ch := c.channels[id]
		switch {
		case ch.rejoinable():
			if err := ch.Subscribe(); err != nil {
				log.Warn("realtime: rejoin failed", "channel_id", ch.id, "topic", ch.topic, "error", err)
			}
		case ch.state == ChannelLeaving:
			ch.markClosed()
		}
	}
	return nil
}

func isChannelControl(msg protocol.Message) bool {
	switch msg.Event {
	case protocol.EventJoin, protocol.EventLeave, protocol.EventAccessToken:
		return true
	}
	return false
}

// runHeartbeat queues a heartbeat once per HeartbeatInterval.
func (c *Client) runHeartbeat() {
	now := c.clock.Now()
	if c.lastHeartbeat.IsZero() {
		c.lastHeartbeat = now
		return
	}
	if now.Sub(c.lastHeartbeat) < c.cfg.HeartbeatInterval {
		return
	}
	c.lastHeartbeat = now
	c.enqueue(protocol.Heartbeat())
}
