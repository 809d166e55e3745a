// internal/realtime/middleware.go
package realtime

import (
	"slices"

	"github.com/google/uuid"

	"github.com/markb/sbrealtime/internal/protocol"
)

// Middleware transforms an inbound message before it is routed to channels.
type Middleware func(protocol.Message) protocol.Message

type middlewareEntry struct {
	id uuid.UUID
	fn Middleware
}

// AddMiddleware registers fn and returns an id for RemoveMiddleware.
// Middleware runs in registration order.
func (c *Client) AddMiddleware(fn Middleware) uuid.UUID {
	id := uuid.New()
	c.middleware = append(c.middleware, middlewareEntry{id: id, fn: fn})
	return id
}

// RemoveMiddleware unregisters the middleware with id and reports whether it
// was registered.
func (c *Client) RemoveMiddleware(id uuid.UUID) bool {
	i := slices.IndexFunc(c.middleware, func(e middlewareEntry) bool { return e.id == id })
	if i < 0 {
		return false
	}
	c.middleware = slices.Delete(c.middleware, i, i+1)
	return true
}

func (c *Client) runMiddleware(msg protocol.Message) protocol.Message {
	for _, e := range c.middleware {
		msg = e.fn(msg)
	}
	return msg
}
