// internal/realtime/sink.go
package realtime

import (
	"github.com/google/uuid"

	"github.com/markb/sbrealtime/internal/log"
	"github.com/markb/sbrealtime/internal/presence"
)

// Result is the answer to a query made through a handle. CallbackID is the
// id the caller passed with the query.
type Result interface {
	CallbackID() string
}

// ChannelBuilderResult answers ClientHandle.RequestChannel.
type ChannelBuilderResult struct {
	Callback string
	Builder  *ChannelBuilder
}

// PresenceStateResult answers ChannelHandle.PresenceState.
type PresenceStateResult struct {
	Callback  string
	ChannelID uuid.UUID
	State     presence.State
}

// ChannelStateResult answers ChannelHandle.ChannelState.
type ChannelStateResult struct {
	Callback  string
	ChannelID uuid.UUID
	State     ChannelState
}

// ConnectionStateResult answers ClientHandle.ConnectionState.
type ConnectionStateResult struct {
	Callback string
	State    ConnectionState
}

func (r ChannelBuilderResult) CallbackID() string  { return r.Callback }
func (r PresenceStateResult) CallbackID() string   { return r.Callback }
func (r ChannelStateResult) CallbackID() string    { return r.Callback }
func (r ConnectionStateResult) CallbackID() string { return r.Callback }

// Sink receives query results on the goroutine that drives the client.
// Implementations must not block.
type Sink interface {
	Deliver(Result)
}

// ChanSink is a Sink backed by a buffered channel the caller polls.
type ChanSink struct {
	results chan Result
}

// NewChanSink creates a sink that buffers up to size results.
func NewChanSink(size int) *ChanSink {
	return &ChanSink{results: make(chan Result, size)}
}

// Deliver queues r, dropping it with a warning when the buffer is full.
func (s *ChanSink) Deliver(r Result) {
	select {
	case s.results <- r:
	default:
		log.Warn("realtime: result sink full, dropping result", "callback_id", r.CallbackID())
	}
}

// Results returns the channel results are delivered on.
func (s *ChanSink) Results() <-chan Result {
	return s.results
}

type discardSink struct{}

func (discardSink) Deliver(r Result) {
	log.Debug("realtime: no sink configured, dropping result", "callback_id", r.CallbackID())
}
