// internal/realtime/e2e_test.go
package realtime_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markb/sbrealtime/internal/presence"
	"github.com/markb/sbrealtime/internal/protocol"
	"github.com/markb/sbrealtime/internal/realtime"
	"github.com/markb/sbrealtime/internal/realtimetest"
)

const apiKey = "anon-key"

func startServer(t *testing.T) (*realtimetest.Server, string) {
	t.Helper()
	srv := realtimetest.NewServer(realtimetest.Config{APIKey: apiKey})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(srv.CloseAll)
	return srv, realtimetest.Endpoint(ts.URL)
}

func connect(t *testing.T, endpoint string, opts ...realtime.Option) *realtime.Client {
	t.Helper()
	cfg := realtime.DefaultConfig(endpoint, "")
	cfg.APIKey = apiKey
	c := realtime.NewClient(cfg, opts...)
	require.NoError(t, c.Connect(context.Background()))
	return c
}

// stepUntil drives the clients until cond holds.
func stepUntil(t *testing.T, cond func() bool, clients ...*realtime.Client) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		busy := false
		for _, c := range clients {
			if _, err := c.Step(context.Background()); err == nil {
				busy = true
			}
		}
		if !busy {
			time.Sleep(2 * time.Millisecond)
		}
	}
}

func TestEndToEndBroadcastSelf(t *testing.T) {
	_, endpoint := startServer(t)
	c := connect(t, endpoint)

	var got []map[string]any
	ch, err := c.AddChannel(c.Channel().
		Topic("room").
		SetBroadcastConfig(protocol.BroadcastConfig{Self: true}).
		OnBroadcast("ping", func(p map[string]any) { got = append(got, p) }))
	require.NoError(t, err)
	require.NoError(t, c.SubscribeBlocking(context.Background(), ch.ID()))

	require.NoError(t, ch.Broadcast("ping", map[string]any{"n": 1.0}))
	require.NoError(t, ch.Broadcast("other", map[string]any{}))
	stepUntil(t, func() bool { return len(got) == 1 }, c)
	assert.Equal(t, map[string]any{"n": 1.0}, got[0])
}

func TestEndToEndBroadcastBetweenClients(t *testing.T) {
	_, endpoint := startServer(t)
	sender := connect(t, endpoint)
	receiver := connect(t, endpoint)

	var got []map[string]any
	in, err := receiver.AddChannel(receiver.Channel().Topic("room").
		OnBroadcast("msg", func(p map[string]any) { got = append(got, p) }))
	require.NoError(t, err)
	out, err := sender.AddChannel(sender.Channel().Topic("room"))
	require.NoError(t, err)
	require.NoError(t, receiver.SubscribeBlocking(context.Background(), in.ID()))
	require.NoError(t, sender.SubscribeBlocking(context.Background(), out.ID()))

	require.NoError(t, out.Broadcast("msg", map[string]any{"text": "hi"}))
	stepUntil(t, func() bool { return len(got) == 1 }, sender, receiver)
	assert.Equal(t, "hi", got[0]["text"])
}

func TestEndToEndPresence(t *testing.T) {
	_, endpoint := startServer(t)
	alice := connect(t, endpoint)
	bob := connect(t, endpoint)

	var joins, leaves []string
	bobCh, err := bob.AddChannel(bob.Channel().Topic("lobby").
		SetPresenceConfig(protocol.PresenceConfig{Key: "bob"}).
		OnPresence(presence.EventJoin, func(id string, _, _ presence.State) { joins = append(joins, id) }).
		OnPresence(presence.EventLeave, func(id string, _, _ presence.State) { leaves = append(leaves, id) }))
	require.NoError(t, err)
	aliceCh, err := alice.AddChannel(alice.Channel().Topic("lobby").
		SetPresenceConfig(protocol.PresenceConfig{Key: "alice"}))
	require.NoError(t, err)

	require.NoError(t, bob.SubscribeBlocking(context.Background(), bobCh.ID()))
	require.NoError(t, alice.SubscribeBlocking(context.Background(), aliceCh.ID()))

	require.NoError(t, aliceCh.Track(map[string]any{"status": "online"}))
	stepUntil(t, func() bool { return len(joins) > 0 }, alice, bob)
	assert.Equal(t, []string{"alice"}, joins)

	state := bobCh.PresenceState()
	require.Len(t, state["alice"], 1)
	for _, data := range state["alice"] {
		assert.Equal(t, "online", data["status"])
	}

	require.NoError(t, aliceCh.Untrack())
	stepUntil(t, func() bool { return len(leaves) > 0 }, alice, bob)
	assert.Equal(t, []string{"alice"}, leaves)
	assert.NotContains(t, bobCh.PresenceState(), "alice")
}

func TestEndToEndPostgresChanges(t *testing.T) {
	srv, endpoint := startServer(t)
	c := connect(t, endpoint)

	var inserts []protocol.PostgresChangesPayload
	ch, err := c.AddChannel(c.Channel().Topic("db").
		OnPostgresChange(protocol.PostgresChangeInsert,
			realtime.PostgresChangeFilter{Schema: "public", Table: "todos", Filter: "owner=eq.7"},
			func(p protocol.PostgresChangesPayload) { inserts = append(inserts, p) }))
	require.NoError(t, err)
	require.NoError(t, c.SubscribeBlocking(context.Background(), ch.ID()))

	assert.Equal(t, 0, srv.NotifyChange("public", "todos", protocol.PostgresChangeInsert, nil, map[string]any{"owner": 8.0}))
	assert.Equal(t, 1, srv.NotifyChange("public", "todos", protocol.PostgresChangeInsert, nil, map[string]any{"owner": 7.0, "title": "x"}))
	stepUntil(t, func() bool { return len(inserts) == 1 }, c)
	assert.Equal(t, "x", inserts[0].Data.Record["title"])
	assert.Equal(t, protocol.PostgresChangeInsert, inserts[0].Data.Type)
}

func TestEndToEndReconnectRejoins(t *testing.T) {
	srv, endpoint := startServer(t)

	joins := 0
	countJoins := realtime.WithEncode(func(m protocol.Message) protocol.Message {
		if m.Event == protocol.EventJoin {
			joins++
		}
		return m
	})
	c := connect(t, endpoint, countJoins)

	var got []map[string]any
	ch, err := c.AddChannel(c.Channel().Topic("room").
		SetBroadcastConfig(protocol.BroadcastConfig{Self: true}).
		OnBroadcast("ping", func(p map[string]any) { got = append(got, p) }))
	require.NoError(t, err)
	require.NoError(t, c.SubscribeBlocking(context.Background(), ch.ID()))
	require.Equal(t, 1, joins)

	srv.CloseAll()
	stepUntil(t, func() bool {
		return joins == 2 && ch.State() == realtime.ChannelJoined
	}, c)
	assert.Equal(t, realtime.StateOpen, c.State())

	require.NoError(t, ch.Broadcast("ping", map[string]any{}))
	stepUntil(t, func() bool { return len(got) == 1 }, c)
}

func TestEndToEndDisconnect(t *testing.T) {
	srv, endpoint := startServer(t)
	c := connect(t, endpoint)

	ch, err := c.AddChannel(c.Channel().Topic("room"))
	require.NoError(t, err)
	require.NoError(t, c.SubscribeBlocking(context.Background(), ch.ID()))
	require.Equal(t, 1, srv.Stats().Channels)

	require.NoError(t, c.Disconnect(context.Background()))
	assert.Equal(t, realtime.StateClosed, c.State())
	assert.Equal(t, realtime.ChannelClosed, ch.State())
	assert.Eventually(t, func() bool { return srv.Stats().Connections == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, srv.Stats().Channels)
}

func TestEndToEndServerShutdownClosesClient(t *testing.T) {
	srv, endpoint := startServer(t)
	c := connect(t, endpoint)

	ch, err := c.AddChannel(c.Channel().Topic("room"))
	require.NoError(t, err)
	require.NoError(t, c.SubscribeBlocking(context.Background(), ch.ID()))

	srv.Shutdown()
	stepUntil(t, func() bool { return c.State() == realtime.StateClosed }, c)
	assert.Equal(t, realtime.ChannelClosed, ch.State())
}

func TestEndToEndRejectedAPIKey(t *testing.T) {
	_, endpoint := startServer(t)
	cfg := realtime.DefaultConfig(endpoint, "")
	cfg.APIKey = "wrong"
	err := realtime.NewClient(cfg).Connect(context.Background())

	var ce *realtime.ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, realtime.ConnectHandshake, ce.Reason)
}
