// Package realtime is a client for Supabase Realtime. A Client owns one
// websocket and every channel multiplexed over it; it makes progress only
// when its owner calls Step (or Run). Other goroutines talk to it through
// ClientHandle and ChannelHandle, which enqueue commands the next Step
// applies.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/markb/sbrealtime/internal/log"
	"github.com/markb/sbrealtime/internal/observability"
	"github.com/markb/sbrealtime/internal/protocol"
)

// ConnectionState is the state of the client's socket.
type ConnectionState int

const (
	StateClosed ConnectionState = iota
	StateConnecting
	StateOpen
	StateClosing
	StateReconnect
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateReconnect:
		return "reconnect"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// ClientInfo is sent in the X-Client-Info header.
const ClientInfo = "sbrealtime-go/0.1.0"

const (
	minConnectionTimeout = time.Second
	pollInterval         = 5 * time.Millisecond
)

// Config holds client settings. Start from DefaultConfig or
// config.ParseEnv; NewClient fills zero durations and limits with defaults.
type Config struct {
	// Endpoint is the realtime base URL, e.g. https://xyz.supabase.co/realtime/v1.
	// http and https are mapped to ws and wss.
	Endpoint string `env:"SBREALTIME_ENDPOINT"`

	// APIKey is sent as the apikey query parameter. Defaults to the access token.
	APIKey      string `env:"SBREALTIME_API_KEY"`
	AccessToken string `env:"SBREALTIME_ACCESS_TOKEN"`

	Params  map[string]string `env:"SBREALTIME_PARAMS"`
	Headers map[string]string `env:"SBREALTIME_HEADERS"`

	HeartbeatInterval time.Duration `env:"SBREALTIME_HEARTBEAT_INTERVAL" envDefault:"29s"`
	ConnectionTimeout time.Duration `env:"SBREALTIME_CONNECTION_TIMEOUT" envDefault:"10s"`
	DisconnectTimeout time.Duration `env:"SBREALTIME_DISCONNECT_TIMEOUT" envDefault:"5s"`

	// ConnectRetries bounds the extra dials Connect makes after a transient failure.
	ConnectRetries int `env:"SBREALTIME_CONNECT_RETRIES" envDefault:"5"`

	// MaxReconnectAttempts bounds consecutive failed reconnects; -1 means unlimited.
	MaxReconnectAttempts int `env:"SBREALTIME_MAX_RECONNECT_ATTEMPTS" envDefault:"-1"`

	MaxEventsPerSecond int `env:"SBREALTIME_MAX_EVENTS_PER_SECOND" envDefault:"10"`
	CommandQueueSize   int `env:"SBREALTIME_COMMAND_QUEUE_SIZE" envDefault:"256"`
}

// DefaultConfig returns the default settings for endpoint.
func DefaultConfig(endpoint, accessToken string) Config {
	return Config{
		Endpoint:             endpoint,
		AccessToken:          accessToken,
		HeartbeatInterval:    29 * time.Second,
		ConnectionTimeout:    10 * time.Second,
		DisconnectTimeout:    5 * time.Second,
		ConnectRetries:       5,
		MaxReconnectAttempts: -1,
		MaxEventsPerSecond:   10,
		CommandQueueSize:     256,
	}
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 29 * time.Second
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = 10 * time.Second
	}
	c.ConnectionTimeout = max(c.ConnectionTimeout, minConnectionTimeout)
	if c.DisconnectTimeout <= 0 {
		c.DisconnectTimeout = 5 * time.Second
	}
	c.ConnectRetries = max(c.ConnectRetries, 0)
	if c.MaxEventsPerSecond <= 0 {
		c.MaxEventsPerSecond = 10
	}
	if c.CommandQueueSize <= 0 {
		c.CommandQueueSize = 256
	}
	return c
}

// Option customizes a Client.
type Option func(*Client)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithDialer replaces the gorilla/websocket dialer.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithEncode sets a hook applied to every outbound message before encoding.
func WithEncode(fn func(protocol.Message) protocol.Message) Option {
	return func(c *Client) { c.encode = fn }
}

// WithDecode sets a hook applied to every inbound message after decoding.
func WithDecode(fn func(protocol.Message) protocol.Message) Option {
	return func(c *Client) { c.decode = fn }
}

// WithBackoff replaces the reconnect delay schedule.
func WithBackoff(fn BackoffFunc) Option {
	return func(c *Client) { c.backoff = fn }
}

// WithSink sets where query results from handles are delivered.
func WithSink(s Sink) Option {
	return func(c *Client) { c.sink = s }
}

// WithMetrics records client activity on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client is a realtime connection and its channels. All methods must be
// called from a single goroutine, the one that drives Step.
type Client struct {
	cfg     Config
	clock   clock.Clock
	dialer  Dialer
	backoff BackoffFunc
	encode  func(protocol.Message) protocol.Message
	decode  func(protocol.Message) protocol.Message
	sink    Sink
	metrics *observability.Metrics

	state       ConnectionState
	socket      Socket
	accessToken string

	channels map[uuid.UUID]*Channel
	order    []uuid.UUID

	outbound   []protocol.Message
	inbound    []protocol.Message
	throttle   *throttle
	middleware []middlewareEntry

	reconnectSignal   bool
	reconnectAt       time.Time
	reconnectDelay    time.Duration
	reconnectAttempts int
	lastHeartbeat     time.Time

	commands chan clientCommand
}

// NewClient creates a closed client. Call Connect to open the socket.
func NewClient(cfg Config, opts ...Option) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:         cfg,
		clock:       clock.New(),
		backoff:     DefaultBackoff,
		sink:        discardSink{},
		state:       StateClosed,
		accessToken: cfg.AccessToken,
		channels:    make(map[uuid.UUID]*Channel),
		throttle:    newThrottle(cfg.MaxEventsPerSecond),
		commands:    make(chan clientCommand, cfg.CommandQueueSize),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer == nil {
		c.dialer = newWSDialer(cfg.ConnectionTimeout)
	}
	warnIfExpired(c.accessToken, c.clock.Now())
	return c
}

// State returns the connection state.
func (c *Client) State() ConnectionState {
	return c.state
}

// Handle returns a handle other goroutines can use to operate the client.
func (c *Client) Handle() ClientHandle {
	return ClientHandle{cmds: c.commands}
}

// Channel returns a builder pre-filled with the client's access token.
func (c *Client) Channel() *ChannelBuilder {
	return NewChannelBuilder(c.accessToken)
}

// AddChannel builds b and registers the channel immediately.
func (c *Client) AddChannel(b *ChannelBuilder) (*Channel, error) {
	ch, err := b.build()
	if err != nil {
		return nil, err
	}
	c.addChannel(ch)
	return ch, nil
}

// Channels returns the registered channels in registration order.
func (c *Client) Channels() []*Channel {
	out := make([]*Channel, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.channels[id])
	}
	return out
}

// ChannelByID returns the registered channel with id.
func (c *Client) ChannelByID(id uuid.UUID) (*Channel, bool) {
	ch, ok := c.channels[id]
	return ch, ok
}

func (c *Client) addChannel(ch *Channel) {
	if _, ok := c.channels[ch.id]; ok {
		return
	}
	ch.outbox = c.enqueue
	ch.sink = c.sink
	c.channels[ch.id] = ch
	c.order = append(c.order, ch.id)
	log.Debug("realtime: channel added", "channel_id", ch.id, "topic", ch.topic)
}

// RemoveChannel unsubscribes the channel and forgets it. Removing the last
// channel disconnects the client.
func (c *Client) RemoveChannel(ctx context.Context, id uuid.UUID) error {
	ch, ok := c.channels[id]
	if !ok {
		return ErrNoChannel
	}
	delete(c.channels, id)
	c.order = slices.DeleteFunc(c.order, func(o uuid.UUID) bool { return o == id })
	if err := ch.Unsubscribe(); err != nil {
		return err
	}
	if len(c.channels) == 0 {
		return c.Disconnect(ctx)
	}
	return nil
}

func (c *Client) enqueue(msg protocol.Message) {
	c.outbound = append(c.outbound, msg)
}

// SetAuth replaces the access token on the client and every channel. Joined
// channels forward it to the server.
func (c *Client) SetAuth(token string) {
	c.accessToken = token
	warnIfExpired(token, c.clock.Now())
	for _, id := range c.order {
		ch := c.channels[id]
		if err := ch.SetAuth(token); err != nil {
			log.Warn("realtime: set auth failed", "channel_id", ch.id, "topic", ch.topic, "error", err)
		}
	}
}

// Connect opens the socket, retrying transient failures on the backoff
// schedule up to Config.ConnectRetries times.
func (c *Client) Connect(ctx context.Context) error {
	ctx, span := observability.Tracer().Start(ctx, "realtime.connect",
		trace.WithAttributes(observability.AttrRealtimeURL.String(c.cfg.Endpoint)))
	defer span.End()

	if c.state == StateOpen {
		return nil
	}
	c.state = StateConnecting
	start := c.clock.Now()

	err := c.connect(ctx, span)
	c.metrics.RecordConnect(ctx, c.clock.Since(start), err == nil)
	if err != nil {
		c.state = StateClosed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("realtime: connect failed", "endpoint", c.cfg.Endpoint, "error", err)
		return err
	}
	span.SetStatus(codes.Ok, "")
	log.Info("realtime: connected", "endpoint", c.cfg.Endpoint)
	return nil
}

func (c *Client) connect(ctx context.Context, span trace.Span) error {
	var last error
	for attempt := 0; attempt <= c.cfg.ConnectRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.backoff(attempt)); err != nil {
				return err
			}
		}
		span.SetAttributes(observability.AttrRealtimeAttempt.Int(attempt))

		sock, err := c.dial(ctx)
		if err == nil {
			c.opened(sock)
			return nil
		}
		last = err

		var ce *ConnectError
		if !errors.As(err, &ce) || !ce.retryable() {
			return err
		}
		log.Warn("realtime: connect attempt failed", "attempt", attempt, "error", err)
	}
	return &ConnectError{Reason: ConnectMaxRetries, Err: last}
}

func (c *Client) opened(sock Socket) {
	c.socket = sock
	c.state = StateOpen
	c.reconnectAttempts = 0
	c.lastHeartbeat = c.clock.Now()
}

func (c *Client) dial(ctx context.Context) (Socket, error) {
	u, err := c.socketURL()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectionTimeout)
	defer cancel()
	return c.dialer.Dial(ctx, u, c.header())
}

// socketURL derives the websocket URL from the endpoint:
// <endpoint>/websocket?apikey=<key>&vsn=1.0.0[&params].
func (c *Client) socketURL() (string, error) {
	u, err := url.Parse(c.cfg.Endpoint)
	if err != nil {
		return "", &ConnectError{Reason: ConnectBadURI, Err: err}
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", &ConnectError{Reason: ConnectBadURI, Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}
	if u.Hostname() == "" {
		return "", &ConnectError{Reason: ConnectBadHost}
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/websocket"

	q := u.Query()
	for k, v := range c.cfg.Params {
		q.Set(k, v)
	}
	apiKey := c.cfg.APIKey
	if apiKey == "" {
		apiKey = c.accessToken
	}
	q.Set("apikey", apiKey)
	q.Set("vsn", protocol.Version)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) header() http.Header {
	h := make(http.Header)
	for k, v := range c.cfg.Headers {
		h.Set(k, v)
	}
	h.Set("X-Client-Info", ClientInfo)
	if c.accessToken != "" {
		h.Set("Authorization", "Bearer "+c.accessToken)
	}
	return h
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := c.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Step runs one cycle: apply handle commands, reconnect if due, queue a
// heartbeat if due, write one message, read one frame and route one message.
// It returns the ids of the channels the routed message was delivered to,
// or ErrWouldBlock when there was nothing to route. Errors for which
// IsFatal is false are transient; keep stepping.
func (c *Client) Step(ctx context.Context) ([]uuid.UUID, error) {
	c.drainCommands()
	for _, id := range c.order {
		c.channels[id].drainCommands()
	}

	switch c.state {
	case StateClosed:
		return nil, ErrClientClosed
	case StateReconnecting:
		return nil, ErrWouldBlock
	case StateReconnect:
		c.reconnectSignal = true
	}

	if err := c.runMonitor(ctx); err != nil {
		var me *MonitorError
		errors.As(err, &me)
		switch {
		case me.Reason == MonitorMaxReconnects:
			log.Error("realtime: giving up after max reconnect attempts", "attempts", c.reconnectAttempts)
			c.teardown()
			return nil, err
		case me.Reason == MonitorReconnectError:
			return nil, err
		case c.state == StateReconnect:
			return nil, &SocketError{Reason: SocketDisconnected}
		}
	}

	if c.socket != nil {
		c.runHeartbeat()
	}
	if err := c.writeSocket(ctx); err != nil {
		return nil, err
	}
	if err := c.readSocket(); err != nil {
		return nil, err
	}
	return c.route(ctx)
}

func (c *Client) writeSocket(ctx context.Context) error {
	if c.socket == nil || len(c.outbound) == 0 {
		return nil
	}
	now := c.clock.Now()
	if !c.throttle.allow(now) {
		c.metrics.RecordThrottled(ctx)
		return nil
	}

	msg := c.outbound[0]
	c.outbound = c.outbound[1:]

	out := msg
	if out.Ref == "" {
		out.Ref = uuid.NewString()
	}
	if c.encode != nil {
		out = c.encode(out)
	}
	data, err := protocol.Encode(out)
	if err != nil {
		log.Error("realtime: dropping message that failed to encode", "event", out.Event, "topic", out.Topic, "error", err)
		return nil
	}
	if err := c.socket.WriteText(data); err != nil {
		c.outbound = slices.Insert(c.outbound, 0, msg)
		log.Warn("realtime: write failed", "event", out.Event, "topic", out.Topic, "error", err)
		c.reconnect()
		return &SocketError{Reason: SocketNoWrite, Err: err}
	}
	c.throttle.record(now)
	c.metrics.RecordSent(ctx, string(out.Event))
	log.Debug("realtime: sent", "event", out.Event, "topic", out.Topic, "ref", out.Ref)
	return nil
}

func (c *Client) readSocket() error {
	if c.socket == nil {
		return nil
	}
	frame, err := c.socket.Read()
	if errors.Is(err, ErrWouldBlock) {
		return nil
	}
	if err != nil {
		log.Warn("realtime: read failed", "error", err)
		c.reconnect()
		return &SocketError{Reason: SocketNoRead, Err: err}
	}

	if frame.Type == FrameClose {
		log.Info("realtime: server closed the connection", "code", frame.CloseCode, "reason", frame.CloseText)
		c.teardown()
		return &SocketError{Reason: SocketDisconnected}
	}

	msg, err := protocol.Decode(frame.Data)
	if err != nil {
		log.Warn("realtime: dropping frame that failed to decode", "error", err)
		return nil
	}
	if c.decode != nil {
		msg = c.decode(msg)
	}
	log.Debug("realtime: received", "event", msg.Event, "topic", msg.Topic, "ref", msg.Ref)
	c.inbound = append(c.inbound, msg)
	return nil
}

func (c *Client) route(ctx context.Context) ([]uuid.UUID, error) {
	if len(c.inbound) == 0 {
		return nil, ErrWouldBlock
	}
	msg := c.inbound[0]
	c.inbound = c.inbound[1:]

	msg = c.runMiddleware(msg)

	var ids []uuid.UUID
	for _, id := range c.order {
		ch := c.channels[id]
		if ch.topic != msg.Topic {
			continue
		}
		ch.receive(msg)
		ids = append(ids, id)
	}
	c.metrics.RecordReceived(ctx, string(msg.Event), len(ids))
	return ids, nil
}

// reconnect drops the socket and flags the monitor. While closing there is
// nothing to reconnect for, so the client is torn down instead.
func (c *Client) reconnect() {
	if c.state == StateClosing {
		c.teardown()
		return
	}
	c.closeSocket()
	c.state = StateReconnect
	c.reconnectSignal = true
}

func (c *Client) closeSocket() {
	if c.socket == nil {
		return
	}
	if err := c.socket.Close(); err != nil {
		log.Debug("realtime: socket close", "error", err)
	}
	c.socket = nil
}

// teardown closes everything locally without a leave round trip.
func (c *Client) teardown() {
	for _, ch := range c.channels {
		ch.markClosed()
	}
	clear(c.channels)
	c.order = nil
	c.outbound = nil
	c.inbound = nil
	c.closeSocket()
	c.reconnectSignal = false
	c.reconnectAt = time.Time{}
	c.state = StateClosed
}

// Disconnect leaves every channel and closes the socket. It steps the client
// until all leaves are acknowledged, giving up after Config.DisconnectTimeout.
func (c *Client) Disconnect(ctx context.Context) error {
	if c.state == StateClosing || c.state == StateClosed {
		return nil
	}
	c.state = StateClosing
	if c.socket == nil {
		c.teardown()
		return nil
	}

	for _, id := range c.order {
		ch := c.channels[id]
		if err := ch.Unsubscribe(); err != nil {
			log.Debug("realtime: unsubscribe", "channel_id", ch.id, "error", err)
		}
	}

	dctx, cancel := c.clock.WithTimeout(ctx, c.cfg.DisconnectTimeout)
	defer cancel()

	for c.state == StateClosing && (!c.allChannelsClosed() || len(c.outbound) > 0) {
		_, err := c.Step(dctx)
		if errors.Is(err, ErrWouldBlock) {
			idle(dctx)
		} else if err != nil {
			log.Debug("realtime: step during disconnect", "error", err)
		}
		if dctx.Err() != nil {
			if ctx.Err() == nil {
				log.Warn("realtime: disconnect timed out, closing remaining channels", "timeout", c.cfg.DisconnectTimeout)
			}
			break
		}
	}

	c.teardown()
	log.Info("realtime: disconnected")
	return ctx.Err()
}

func (c *Client) allChannelsClosed() bool {
	for _, ch := range c.channels {
		if ch.state != ChannelClosed {
			return false
		}
	}
	return true
}

// SubscribeBlocking subscribes the channel unless it is already joining and
// steps the client until the join is acknowledged.
func (c *Client) SubscribeBlocking(ctx context.Context, id uuid.UUID) error {
	ch, ok := c.channels[id]
	if !ok {
		return ErrNoChannel
	}
	if ch.state == ChannelJoined {
		return nil
	}
	if ch.state != ChannelJoining {
		if err := ch.Subscribe(); err != nil {
			return err
		}
	}

	for {
		_, err := c.Step(ctx)
		if IsFatal(err) {
			return err
		}
		ch, ok := c.channels[id]
		if !ok {
			return ErrChannelClosed
		}
		switch ch.state {
		case ChannelJoined:
			return nil
		case ChannelClosed, ChannelErrored:
			return fmt.Errorf("%w: %s", ErrChannelClosed, ch.state)
		}
		if errors.Is(err, ErrWouldBlock) {
			idle(ctx)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// Run steps the client every interval until ctx is done or a fatal error
// occurs. Each tick steps until there is nothing left to route.
func (c *Client) Run(ctx context.Context, interval time.Duration) error {
	ticker := c.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		for {
			_, err := c.Step(ctx)
			if err == nil {
				continue
			}
			if IsFatal(err) {
				return err
			}
			if !errors.Is(err, ErrWouldBlock) {
				log.Debug("realtime: step", "error", err)
			}
			break
		}
	}
}

func (c *Client) drainCommands() {
	for {
		select {
		case cmd := <-c.commands:
			c.apply(cmd)
		default:
			return
		}
	}
}

func (c *Client) apply(cmd clientCommand) {
	switch cmd.kind {
	case cmdRequestChannel:
		c.sink.Deliver(ChannelBuilderResult{Callback: cmd.callback, Builder: c.Channel()})
	case cmdAddChannel:
		c.addChannel(cmd.channel)
	case cmdSetAccessToken:
		c.SetAuth(cmd.token)
	case cmdConnectionState:
		c.sink.Deliver(ConnectionStateResult{Callback: cmd.callback, State: c.state})
	}
}

// idle pauses between polls that found nothing to do.
func idle(ctx context.Context) {
	t := time.NewTimer(pollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
