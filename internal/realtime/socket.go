// internal/realtime/socket.go
package realtime

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// FrameType distinguishes the frames a Socket hands to the client.
type FrameType int

const (
	FrameText FrameType = iota
	FrameClose
)

// Frame is one inbound websocket frame. Control frames other than close are
// handled by the socket itself.
type Frame struct {
	Type      FrameType
	Data      []byte
	CloseCode int
	CloseText string
}

// Socket is an established websocket connection as seen by the client.
// Read never blocks: it returns ErrWouldBlock when no frame is ready.
type Socket interface {
	Read() (Frame, error)
	WriteText(data []byte) error
	Close() error
}

// Dialer opens a Socket. Failures are returned as *ConnectError.
type Dialer interface {
	Dial(ctx context.Context, rawURL string, header http.Header) (Socket, error)
}

const (
	socketBufferFrames = 256
	socketWriteTimeout = 10 * time.Second
	socketCloseTimeout = time.Second
)

// wsDialer dials with gorilla/websocket, with TCP_NODELAY set on the
// underlying connection.
type wsDialer struct {
	timeout time.Duration
}

func newWSDialer(timeout time.Duration) *wsDialer {
	return &wsDialer{timeout: timeout}
}

type noDelayError struct {
	err error
}

func (e *noDelayError) Error() string { return "set TCP_NODELAY: " + e.err.Error() }
func (e *noDelayError) Unwrap() error { return e.err }

func (d *wsDialer) Dial(ctx context.Context, rawURL string, header http.Header) (Socket, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &ConnectError{Reason: ConnectBadURI, Err: err}
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, &ConnectError{Reason: ConnectBadURI, Err: errors.New("scheme must be ws or wss")}
	}
	if u.Hostname() == "" {
		return nil, &ConnectError{Reason: ConnectBadHost}
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.timeout,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			nd := &net.Dialer{Timeout: d.timeout}
			conn, err := nd.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tcp, ok := conn.(*net.TCPConn); ok {
				if err := tcp.SetNoDelay(true); err != nil {
					conn.Close()
					return nil, &noDelayError{err: err}
				}
			}
			return conn, nil
		},
	}

	conn, resp, err := dialer.DialContext(ctx, rawURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, classifyDialError(err, resp)
	}
	return newWSSocket(conn), nil
}

func classifyDialError(err error, resp *http.Response) *ConnectError {
	var nd *noDelayError
	if errors.As(err, &nd) {
		return &ConnectError{Reason: ConnectNoDelay, Err: err}
	}
	if errors.Is(err, websocket.ErrBadHandshake) {
		if resp != nil && resp.StatusCode >= 400 {
			return &ConnectError{Reason: ConnectHandshake, StatusCode: resp.StatusCode, Err: err}
		}
		return &ConnectError{Reason: ConnectWrongProtocol, Err: err}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &ConnectError{Reason: ConnectBadAddrs, Err: err}
	}
	return &ConnectError{Reason: ConnectStream, Err: err}
}

// wsSocket adapts a blocking gorilla connection to the non-blocking Socket
// contract with a single reader goroutine.
type wsSocket struct {
	conn   *websocket.Conn
	frames chan Frame
	done   chan struct{}

	mu      sync.Mutex
	readErr error
	once    sync.Once
}

func newWSSocket(conn *websocket.Conn) *wsSocket {
	s := &wsSocket{
		conn:   conn,
		frames: make(chan Frame, socketBufferFrames),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *wsSocket) readLoop() {
	defer close(s.frames)
	for {
		typ, data, err := s.conn.ReadMessage()
		if err != nil {
			// 1006 is reported locally for a dropped connection; no frame was received.
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure {
				s.push(Frame{Type: FrameClose, CloseCode: ce.Code, CloseText: ce.Text})
				return
			}
			s.mu.Lock()
			s.readErr = err
			s.mu.Unlock()
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		if !s.push(Frame{Type: FrameText, Data: data}) {
			return
		}
	}
}

func (s *wsSocket) push(f Frame) bool {
	select {
	case s.frames <- f:
		return true
	case <-s.done:
		return false
	}
}

func (s *wsSocket) Read() (Frame, error) {
	select {
	case f, ok := <-s.frames:
		if ok {
			return f, nil
		}
		s.mu.Lock()
		err := s.readErr
		s.mu.Unlock()
		if err == nil {
			err = io.EOF
		}
		return Frame{}, err
	default:
		return Frame{}, ErrWouldBlock
	}
}

func (s *wsSocket) WriteText(data []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a normal close frame and closes the connection. It is safe to
// call more than once.
func (s *wsSocket) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(socketCloseTimeout))
		err = s.conn.Close()
	})
	return err
}
