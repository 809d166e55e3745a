// internal/realtime/client_test.go
package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/markb/sbrealtime/internal/observability"
	"github.com/markb/sbrealtime/internal/protocol"
)

const testEndpoint = "http://localhost:4000/realtime/v1"

type testClient struct {
	*Client
	clock  *clock.Mock
	dialer *fakeDialer
	sock   *fakeSocket
}

func newTestClient(t *testing.T, mutate func(*Config), opts ...Option) *testClient {
	t.Helper()
	cfg := DefaultConfig(testEndpoint, "token")
	if mutate != nil {
		mutate(&cfg)
	}
	tc := &testClient{
		clock:  clock.NewMock(),
		dialer: &fakeDialer{},
		sock:   &fakeSocket{},
	}
	tc.dialer.queue(tc.sock, nil)
	opts = append([]Option{WithClock(tc.clock), WithDialer(tc.dialer)}, opts...)
	tc.Client = NewClient(cfg, opts...)
	require.NoError(t, tc.Connect(context.Background()))
	return tc
}

// stepN runs n steps and returns the errors that were not would-block.
func (tc *testClient) stepN(n int) []error {
	var errs []error
	for range n {
		if _, err := tc.Step(context.Background()); err != nil && !errors.Is(err, ErrWouldBlock) {
			errs = append(errs, err)
		}
	}
	return errs
}

func (tc *testClient) joinedChannel(t *testing.T, topic string) *Channel {
	t.Helper()
	ch, err := tc.AddChannel(tc.Channel().Topic(topic))
	require.NoError(t, err)
	require.NoError(t, ch.Subscribe())
	tc.stepN(1)
	tc.sock.pushReply(t, ch.Topic(), ch.ID().String())
	tc.stepN(1)
	require.Equal(t, ChannelJoined, ch.State())
	return ch
}

func eventsOf(msgs []protocol.Message) []protocol.Event {
	out := make([]protocol.Event, len(msgs))
	for i, m := range msgs {
		out[i] = m.Event
	}
	return out
}

func TestConnectURLAndHeaders(t *testing.T) {
	tc := newTestClient(t, func(cfg *Config) {
		cfg.Params = map[string]string{"log_level": "info"}
		cfg.Headers = map[string]string{"X-Extra": "1"}
	})

	assert.Equal(t, StateOpen, tc.State())
	require.Len(t, tc.dialer.urls, 1)
	assert.Equal(t, "ws://localhost:4000/realtime/v1/websocket?apikey=token&log_level=info&vsn=1.0.0", tc.dialer.urls[0])

	h := tc.dialer.headers[0]
	assert.Equal(t, "Bearer token", h.Get("Authorization"))
	assert.Equal(t, ClientInfo, h.Get("X-Client-Info"))
	assert.Equal(t, "1", h.Get("X-Extra"))
}

func TestSocketURL(t *testing.T) {
	tests := []struct {
		endpoint string
		apiKey   string
		want     string
		reason   ConnectReason
	}{
		{endpoint: "https://xyz.supabase.co/realtime/v1", want: "wss://xyz.supabase.co/realtime/v1/websocket?apikey=token&vsn=1.0.0"},
		{endpoint: "http://localhost:4000/realtime/v1/", want: "ws://localhost:4000/realtime/v1/websocket?apikey=token&vsn=1.0.0"},
		{endpoint: "wss://example.com", apiKey: "anon", want: "wss://example.com/websocket?apikey=anon&vsn=1.0.0"},
		{endpoint: "ftp://example.com", reason: ConnectBadURI},
		{endpoint: "http://", reason: ConnectBadHost},
	}

	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			cfg := DefaultConfig(tt.endpoint, "token")
			cfg.APIKey = tt.apiKey
			c := NewClient(cfg)

			got, err := c.socketURL()
			if tt.want == "" {
				var ce *ConnectError
				require.ErrorAs(t, err, &ce)
				assert.Equal(t, tt.reason, ce.Reason)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConnectRetriesTransientFailures(t *testing.T) {
	sock := &fakeSocket{}
	d := &fakeDialer{}
	d.queue(nil, &ConnectError{Reason: ConnectStream})
	d.queue(nil, &ConnectError{Reason: ConnectHandshake, StatusCode: http.StatusBadGateway})
	d.queue(sock, nil)

	c := NewClient(DefaultConfig(testEndpoint, "token"),
		WithDialer(d),
		WithBackoff(func(int) time.Duration { return 0 }))

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateOpen, c.State())
	assert.Equal(t, 3, d.dials())
}

func TestConnectFinalFailures(t *testing.T) {
	d := &fakeDialer{}
	d.queue(nil, &ConnectError{Reason: ConnectHandshake, StatusCode: http.StatusUnauthorized})

	c := NewClient(DefaultConfig(testEndpoint, "token"), WithDialer(d))
	err := c.Connect(context.Background())

	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ConnectHandshake, ce.Reason)
	assert.Equal(t, 1, d.dials(), "client errors are not retried")
	assert.Equal(t, StateClosed, c.State())
	assert.True(t, IsFatal(err))
}

func TestConnectMaxRetries(t *testing.T) {
	d := &fakeDialer{}
	cfg := DefaultConfig(testEndpoint, "token")
	cfg.ConnectRetries = 2

	c := NewClient(cfg, WithDialer(d), WithBackoff(func(int) time.Duration { return 0 }))
	err := c.Connect(context.Background())

	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ConnectMaxRetries, ce.Reason)
	assert.Equal(t, 3, d.dials())
}

func TestConnectWaitsOnBackoff(t *testing.T) {
	d := &fakeDialer{}
	d.queue(nil, &ConnectError{Reason: ConnectStream})
	mock := clock.NewMock()
	c := NewClient(DefaultConfig(testEndpoint, "token"), WithDialer(d), WithClock(mock))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Connect(ctx) }()

	// the retry waits on the mock clock, which never moves
	select {
	case <-done:
		t.Fatal("connect returned before its backoff elapsed")
	case <-time.After(20 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, StateClosed, c.State())
	case <-time.After(time.Second):
		t.Fatal("connect ignored cancellation")
	}
}

func TestStepClosedClient(t *testing.T) {
	c := NewClient(DefaultConfig(testEndpoint, "token"))
	_, err := c.Step(context.Background())
	assert.ErrorIs(t, err, ErrClientClosed)
	assert.True(t, IsFatal(err))
}

func TestStepRoutesByTopic(t *testing.T) {
	tc := newTestClient(t, nil)

	a1, err := tc.AddChannel(tc.Channel().Topic("a"))
	require.NoError(t, err)
	a2, err := tc.AddChannel(tc.Channel().Topic("a"))
	require.NoError(t, err)
	_, err = tc.AddChannel(tc.Channel().Topic("b"))
	require.NoError(t, err)

	tc.sock.push(t, protocol.Message{
		Event:   protocol.EventBroadcast,
		Topic:   "realtime:a",
		Payload: protocol.BroadcastPayload{Event: "ping", Payload: map[string]any{}},
	})

	ids, err := tc.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{a1.ID(), a2.ID()}, ids)

	_, err = tc.Step(context.Background())
	assert.ErrorIs(t, err, ErrWouldBlock)
}

func TestStepAssignsRefs(t *testing.T) {
	tc := newTestClient(t, nil)
	ch, err := tc.AddChannel(tc.Channel().Topic("room"))
	require.NoError(t, err)

	require.NoError(t, ch.Subscribe())
	require.NoError(t, ch.Broadcast("x", map[string]any{}))
	tc.stepN(2)

	sent := tc.sock.sent(t)
	require.Len(t, sent, 2)
	assert.Equal(t, ch.ID().String(), sent[0].Ref)
	assert.NotEmpty(t, sent[1].Ref)
	assert.NotEqual(t, sent[0].Ref, sent[1].Ref)
}

func TestThrottleKeepsOrder(t *testing.T) {
	tc := newTestClient(t, nil)
	ch, err := tc.AddChannel(tc.Channel().Topic("room"))
	require.NoError(t, err)

	for i := range 12 {
		require.NoError(t, ch.Broadcast(fmt.Sprintf("e%d", i), map[string]any{}))
	}

	tc.stepN(12)
	sent := tc.sock.sent(t)
	require.Len(t, sent, 10, "only ten writes fit in one second")

	tc.clock.Add(time.Second)
	tc.stepN(12)
	sent = tc.sock.sent(t)
	require.Len(t, sent, 12)

	for i, msg := range sent {
		p := msg.Payload.(protocol.BroadcastPayload)
		assert.Equal(t, fmt.Sprintf("e%d", i), p.Event)
	}
}

func TestHeartbeat(t *testing.T) {
	tc := newTestClient(t, nil)

	tc.clock.Add(28 * time.Second)
	tc.stepN(1)
	assert.Empty(t, tc.sock.written)

	tc.clock.Add(time.Second)
	tc.stepN(1)
	sent := tc.sock.sent(t)
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.EventHeartbeat, sent[0].Event)
	assert.Equal(t, protocol.TopicPhoenix, sent[0].Topic)
	assert.NotEmpty(t, sent[0].Ref)

	tc.clock.Add(time.Second)
	tc.stepN(1)
	assert.Len(t, tc.sock.written, 1)
}

func TestEncodeDecodeHooks(t *testing.T) {
	tc := newTestClient(t, nil,
		WithEncode(func(m protocol.Message) protocol.Message {
			m.Topic = "realtime:encoded"
			return m
		}),
		WithDecode(func(m protocol.Message) protocol.Message {
			m.Topic = "realtime:room"
			return m
		}))

	var got int
	ch, err := tc.AddChannel(tc.Channel().Topic("room").OnBroadcast("x", func(map[string]any) { got++ }))
	require.NoError(t, err)
	require.NoError(t, ch.Broadcast("x", map[string]any{}))

	tc.sock.push(t, protocol.Message{
		Event:   protocol.EventBroadcast,
		Topic:   "realtime:elsewhere",
		Payload: protocol.BroadcastPayload{Event: "x", Payload: map[string]any{}},
	})
	tc.stepN(1)

	assert.Equal(t, "realtime:encoded", tc.sock.sent(t)[0].Topic)
	assert.Equal(t, 1, got)
}

func TestMiddlewareRunsInOrder(t *testing.T) {
	tc := newTestClient(t, nil)
	var trace []string

	first := tc.AddMiddleware(func(m protocol.Message) protocol.Message {
		trace = append(trace, "first:"+m.Topic)
		m.Topic = "realtime:b"
		return m
	})
	tc.AddMiddleware(func(m protocol.Message) protocol.Message {
		trace = append(trace, "second:"+m.Topic)
		return m
	})

	b, err := tc.AddChannel(tc.Channel().Topic("b"))
	require.NoError(t, err)

	tc.sock.push(t, protocol.Message{Event: protocol.EventBroadcast, Topic: "realtime:a",
		Payload: protocol.BroadcastPayload{Event: "x", Payload: map[string]any{}}})
	ids, err := tc.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"first:realtime:a", "second:realtime:b"}, trace)
	require.Len(t, ids, 1)
	assert.Equal(t, b.ID(), ids[0])

	assert.True(t, tc.RemoveMiddleware(first))
	assert.False(t, tc.RemoveMiddleware(first))

	tc.sock.push(t, protocol.Message{Event: protocol.EventBroadcast, Topic: "realtime:a",
		Payload: protocol.BroadcastPayload{Event: "x", Payload: map[string]any{}}})
	ids, err = tc.Step(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Equal(t, "second:realtime:a", trace[len(trace)-1])
}

func TestUndecodableFrameIsSkipped(t *testing.T) {
	tc := newTestClient(t, nil)
	tc.sock.frames = append(tc.sock.frames, Frame{Type: FrameText, Data: []byte("not json")})

	_, err := tc.Step(context.Background())
	assert.ErrorIs(t, err, ErrWouldBlock)
	assert.Equal(t, StateOpen, tc.State())
}

func TestReadErrorReconnectsAndRejoins(t *testing.T) {
	tc := newTestClient(t, nil)
	ch := tc.joinedChannel(t, "room")

	second := &fakeSocket{}
	tc.dialer.queue(second, nil)
	tc.sock.readErr = io.ErrUnexpectedEOF

	_, err := tc.Step(context.Background())
	var se *SocketError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, SocketNoRead, se.Reason)
	assert.Equal(t, StateReconnect, tc.State())
	assert.True(t, tc.sock.closed)

	// the first reconnect attempt has no delay and happens in the next step
	_, err = tc.Step(context.Background())
	assert.ErrorIs(t, err, ErrWouldBlock)
	assert.Equal(t, StateOpen, tc.State())
	assert.Equal(t, 2, tc.dialer.dials())

	sent := second.sent(t)
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.EventJoin, sent[0].Event)
	assert.Equal(t, ch.ID().String(), sent[0].Ref)
	assert.Equal(t, ChannelJoining, ch.State())
}

func TestReconnectDropsStaleControlMessages(t *testing.T) {
	tc := newTestClient(t, nil)
	ch, err := tc.AddChannel(tc.Channel().Topic("room"))
	require.NoError(t, err)
	require.NoError(t, ch.Subscribe())
	require.NoError(t, ch.Broadcast("cursor", map[string]any{"x": 1.0}))

	// the join never reaches the first socket
	tc.sock.writeErr = errors.New("broken pipe")
	second := &fakeSocket{}
	tc.dialer.queue(second, nil)

	_, err = tc.Step(context.Background())
	var se *SocketError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, SocketNoWrite, se.Reason)

	tc.stepN(3)
	sent := second.sent(t)
	assert.Equal(t, []protocol.Event{protocol.EventJoin, protocol.EventBroadcast}, eventsOf(sent))
	assert.Equal(t, ch.ID().String(), sent[0].Ref)
	assert.Equal(t, "cursor", sent[1].Payload.(protocol.BroadcastPayload).Event)
}

func TestReconnectDropsLeaveForClosedChannel(t *testing.T) {
	tc := newTestClient(t, nil)
	ch := tc.joinedChannel(t, "room")
	require.NoError(t, ch.Unsubscribe())

	tc.sock.writeErr = errors.New("broken pipe")
	second := &fakeSocket{}
	tc.dialer.queue(second, nil)

	tc.stepN(3)
	assert.Equal(t, ChannelClosed, ch.State())
	assert.Empty(t, second.written)
}

func TestReconnectBackoffAndMaxAttempts(t *testing.T) {
	tc := newTestClient(t, func(cfg *Config) { cfg.MaxReconnectAttempts = 2 })
	tc.joinedChannel(t, "room")
	tc.sock.readErr = io.EOF
	ctx := context.Background()

	_, err := tc.Step(ctx)
	require.Error(t, err)

	_, err = tc.Step(ctx)
	var me *MonitorError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, MonitorReconnectError, me.Reason)
	assert.Equal(t, 2, tc.dialer.dials())

	// attempt two waits one second
	_, err = tc.Step(ctx)
	var se *SocketError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, SocketDisconnected, se.Reason)

	tc.clock.Add(999 * time.Millisecond)
	_, err = tc.Step(ctx)
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 2, tc.dialer.dials())

	tc.clock.Add(time.Millisecond)
	_, err = tc.Step(ctx)
	require.ErrorAs(t, err, &me)
	assert.Equal(t, MonitorReconnectError, me.Reason)
	assert.Equal(t, 3, tc.dialer.dials())
	assert.False(t, IsFatal(err))

	// attempt three would wait two seconds, but the limit is reached
	_, err = tc.Step(ctx)
	require.ErrorAs(t, err, &se)
	tc.clock.Add(2 * time.Second)
	_, err = tc.Step(ctx)
	require.ErrorAs(t, err, &me)
	assert.Equal(t, MonitorMaxReconnects, me.Reason)
	assert.True(t, IsFatal(err))
	assert.Equal(t, StateClosed, tc.State())
	assert.Empty(t, tc.Channels())
	assert.Equal(t, 3, tc.dialer.dials())
}

func TestWriteErrorRequeues(t *testing.T) {
	tc := newTestClient(t, nil)
	ch, err := tc.AddChannel(tc.Channel().Topic("room"))
	require.NoError(t, err)
	require.NoError(t, ch.Broadcast("x", map[string]any{}))

	tc.sock.writeErr = errors.New("broken pipe")
	second := &fakeSocket{}
	tc.dialer.queue(second, nil)

	_, err = tc.Step(context.Background())
	var se *SocketError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, SocketNoWrite, se.Reason)
	assert.Equal(t, StateReconnect, tc.State())

	tc.stepN(1)
	sent := second.sent(t)
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.EventBroadcast, sent[0].Event, "the failed write is retried on the new socket")
}

func TestServerCloseFrameTearsDown(t *testing.T) {
	tc := newTestClient(t, nil)
	ch := tc.joinedChannel(t, "room")

	tc.sock.frames = append(tc.sock.frames, Frame{Type: FrameClose, CloseCode: 1001, CloseText: "going away"})
	_, err := tc.Step(context.Background())

	var se *SocketError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, SocketDisconnected, se.Reason)
	assert.Equal(t, StateClosed, tc.State())
	assert.Equal(t, ChannelClosed, ch.State())
	assert.Empty(t, tc.Channels())
	assert.True(t, tc.sock.closed)

	_, err = tc.Step(context.Background())
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestDisconnectWaitsForLeaves(t *testing.T) {
	tc := newTestClient(t, nil)
	a := tc.joinedChannel(t, "a")
	b := tc.joinedChannel(t, "b")
	tc.sock.onWrite = ackJoinsAndLeaves(t)

	require.NoError(t, tc.Disconnect(context.Background()))

	assert.Equal(t, StateClosed, tc.State())
	assert.Equal(t, ChannelClosed, a.State())
	assert.Equal(t, ChannelClosed, b.State())
	assert.Empty(t, tc.Channels())
	assert.True(t, tc.sock.closed)

	sent := tc.sock.sent(t)
	assert.Equal(t, []protocol.Event{protocol.EventJoin, protocol.EventJoin, protocol.EventLeave, protocol.EventLeave}, eventsOf(sent))

	// a second disconnect is a no-op
	require.NoError(t, tc.Disconnect(context.Background()))
}

func TestDisconnectTimesOut(t *testing.T) {
	sock := &fakeSocket{}
	d := &fakeDialer{}
	d.queue(sock, nil)
	cfg := DefaultConfig(testEndpoint, "token")
	cfg.DisconnectTimeout = 50 * time.Millisecond

	c := NewClient(cfg, WithDialer(d))
	require.NoError(t, c.Connect(context.Background()))
	ch, err := c.AddChannel(c.Channel().Topic("room"))
	require.NoError(t, err)
	require.NoError(t, ch.Subscribe())

	start := time.Now()
	require.NoError(t, c.Disconnect(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, ChannelClosed, ch.State())
}

func TestDisconnectHonoursContext(t *testing.T) {
	tc := newTestClient(t, nil)
	tc.joinedChannel(t, "room")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := tc.Disconnect(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, tc.State())
}

func TestSetAuthPropagates(t *testing.T) {
	tc := newTestClient(t, nil)
	ch := tc.joinedChannel(t, "room")

	tc.SetAuth("fresh")
	tc.stepN(1)

	sent := tc.sock.sent(t)
	last := sent[len(sent)-1]
	assert.Equal(t, protocol.EventAccessToken, last.Event)
	assert.Equal(t, protocol.AccessTokenPayload{AccessToken: "fresh"}, last.Payload)
	assert.Equal(t, "fresh", ch.join.AccessToken)
	assert.Equal(t, "fresh", tc.Channel().accessToken)
}

func TestRemoveChannel(t *testing.T) {
	tc := newTestClient(t, nil)
	a := tc.joinedChannel(t, "a")
	b := tc.joinedChannel(t, "b")
	ctx := context.Background()

	assert.ErrorIs(t, tc.RemoveChannel(ctx, uuid.New()), ErrNoChannel)

	require.NoError(t, tc.RemoveChannel(ctx, a.ID()))
	assert.Equal(t, StateOpen, tc.State())
	_, ok := tc.ChannelByID(a.ID())
	assert.False(t, ok)
	assert.Equal(t, ChannelLeaving, a.State())

	require.NoError(t, tc.RemoveChannel(ctx, b.ID()))
	assert.Equal(t, StateClosed, tc.State(), "removing the last channel disconnects")

	sent := eventsOf(tc.sock.sent(t))
	assert.Equal(t, []protocol.Event{protocol.EventJoin, protocol.EventJoin, protocol.EventLeave, protocol.EventLeave}, sent)
}

func TestSubscribeBlocking(t *testing.T) {
	tc := newTestClient(t, nil)
	tc.sock.onWrite = ackJoinsAndLeaves(t)

	ch, err := tc.AddChannel(tc.Channel().Topic("room"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tc.SubscribeBlocking(ctx, ch.ID()))
	assert.Equal(t, ChannelJoined, ch.State())

	// already joined
	require.NoError(t, tc.SubscribeBlocking(ctx, ch.ID()))
	assert.ErrorIs(t, tc.SubscribeBlocking(ctx, uuid.New()), ErrNoChannel)
}

func TestSubscribeBlockingTimesOut(t *testing.T) {
	tc := newTestClient(t, nil)
	ch, err := tc.AddChannel(tc.Channel().Topic("room"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = tc.SubscribeBlocking(ctx, ch.ID())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, ChannelJoining, ch.State())
}

func TestRunStopsOnContext(t *testing.T) {
	sock := &fakeSocket{}
	d := &fakeDialer{}
	d.queue(sock, nil)
	c := NewClient(DefaultConfig(testEndpoint, "token"), WithDialer(d))
	require.NoError(t, c.Connect(context.Background()))

	ch, err := c.AddChannel(c.Channel().Topic("room"))
	require.NoError(t, err)
	require.NoError(t, ch.Subscribe())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = c.Run(ctx, time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, sock.written, 1)
}

func TestRunReturnsFatalError(t *testing.T) {
	c := NewClient(DefaultConfig(testEndpoint, "token"))
	err := c.Run(context.Background(), time.Millisecond)
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestRunSurvivesFailedReconnect(t *testing.T) {
	first := &fakeSocket{readErr: io.EOF}
	second := &fakeSocket{}
	d := &fakeDialer{}
	d.queue(first, nil)
	d.queue(nil, &ConnectError{Reason: ConnectStream, Err: errors.New("connection refused")})
	d.queue(second, nil)

	noDelay := func(int) time.Duration { return 0 }
	c := NewClient(DefaultConfig(testEndpoint, "token"), WithDialer(d), WithBackoff(noDelay))
	require.NoError(t, c.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := c.Run(ctx, time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "a refused reconnect dial is retried")
	assert.Equal(t, StateOpen, c.State())
	assert.Equal(t, 3, d.dials())
}

func TestClientMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := observability.InitMetrics(mp)
	require.NoError(t, err)

	tc := newTestClient(t, nil, WithMetrics(m))
	tc.joinedChannel(t, "room")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			if sum, ok := metric.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					sums[metric.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(1), sums["realtime.client.messages_sent"])
	assert.Equal(t, int64(1), sums["realtime.client.messages_received"])
}
