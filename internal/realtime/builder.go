// internal/realtime/builder.go
package realtime

import (
	"errors"

	"github.com/google/uuid"

	"github.com/markb/sbrealtime/internal/presence"
	"github.com/markb/sbrealtime/internal/protocol"
)

var (
	errNoTopic     = errors.New("realtime: channel builder has no topic")
	errBuilderUsed = errors.New("realtime: channel builder already built")
)

// ChannelBuilder configures a channel before it is handed to the client.
// The setters return the builder so calls can be chained.
type ChannelBuilder struct {
	id          uuid.UUID
	topic       string
	accessToken string
	config      protocol.JoinConfig

	postgres  map[protocol.PostgresChangeEvent][]postgresCallback
	broadcast map[string][]BroadcastCallback
	presence  map[presence.Event][]presence.Callback
	built     bool
}

// NewChannelBuilder returns a builder whose joins carry accessToken.
func NewChannelBuilder(accessToken string) *ChannelBuilder {
	return &ChannelBuilder{
		id:          uuid.New(),
		accessToken: accessToken,
		postgres:    make(map[protocol.PostgresChangeEvent][]postgresCallback),
		broadcast:   make(map[string][]BroadcastCallback),
		presence:    make(map[presence.Event][]presence.Callback),
	}
}

// ID returns the id the built channel will have.
func (b *ChannelBuilder) ID() uuid.UUID {
	return b.id
}

// Topic sets the logical topic; the realtime namespace is added here.
func (b *ChannelBuilder) Topic(name string) *ChannelBuilder {
	b.topic = protocol.Topic(name)
	return b
}

// SetBroadcastConfig sets the self and ack options sent with the join.
func (b *ChannelBuilder) SetBroadcastConfig(cfg protocol.BroadcastConfig) *ChannelBuilder {
	b.config.Broadcast = cfg
	return b
}

// SetPresenceConfig sets the presence key sent with the join.
func (b *ChannelBuilder) SetPresenceConfig(cfg protocol.PresenceConfig) *ChannelBuilder {
	b.config.Presence = cfg
	return b
}

// SetPrivate marks the channel as requiring an authorized token.
func (b *ChannelBuilder) SetPrivate(private bool) *ChannelBuilder {
	b.config.Private = private
	return b
}

// OnPostgresChange subscribes to row changes of the given type and registers
// a callback for the ones that pass filter.
func (b *ChannelBuilder) OnPostgresChange(event protocol.PostgresChangeEvent, filter PostgresChangeFilter, cb PostgresChangeCallback) *ChannelBuilder {
	b.config.PostgresChanges = append(b.config.PostgresChanges, protocol.PostgresChange{
		Event:  event,
		Schema: filter.Schema,
		Table:  filter.Table,
		Filter: filter.Filter,
	})
	b.postgres[event] = append(b.postgres[event], postgresCallback{filter: filter, fn: cb})
	return b
}

// OnBroadcast registers a callback for broadcasts named event.
func (b *ChannelBuilder) OnBroadcast(event string, cb BroadcastCallback) *ChannelBuilder {
	b.broadcast[event] = append(b.broadcast[event], cb)
	return b
}

// OnPresence registers a callback for a presence event.
func (b *ChannelBuilder) OnPresence(event presence.Event, cb presence.Callback) *ChannelBuilder {
	b.presence[event] = append(b.presence[event], cb)
	return b
}

// Build hands the channel to the client behind h and returns a handle to it.
// The client registers the channel on its next step; the channel starts
// Closed until subscribed. A builder can be built once.
func (b *ChannelBuilder) Build(h ClientHandle) (ChannelHandle, error) {
	ch, err := b.build()
	if err != nil {
		return ChannelHandle{}, err
	}
	if err := h.addChannel(ch); err != nil {
		b.built = false
		return ChannelHandle{}, err
	}
	return newChannelHandle(ch), nil
}

func (b *ChannelBuilder) build() (*Channel, error) {
	if b.topic == "" {
		return nil, errNoTopic
	}
	if b.built {
		return nil, errBuilderUsed
	}
	b.built = true

	config := b.config
	config.PostgresChanges = append([]protocol.PostgresChange(nil), b.config.PostgresChanges...)
	if config.PostgresChanges == nil {
		config.PostgresChanges = []protocol.PostgresChange{}
	}

	return &Channel{
		id:        b.id,
		topic:     b.topic,
		state:     ChannelClosed,
		join:      protocol.JoinPayload{Config: config, AccessToken: b.accessToken},
		postgres:  cloneCallbacks(b.postgres),
		broadcast: cloneCallbacks(b.broadcast),
		presence:  presence.NewEngine(cloneCallbacks(b.presence)),
		commands:  make(chan channelCommand, channelQueueSize),
	}, nil
}

func cloneCallbacks[K comparable, V any](m map[K][]V) map[K][]V {
	out := make(map[K][]V, len(m))
	for k, v := range m {
		out[k] = append([]V(nil), v...)
	}
	return out
}
