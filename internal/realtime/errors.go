// internal/realtime/errors.go
package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrWouldBlock reports that a step had nothing to do. It is the steady
	// state of an idle client, not a failure.
	ErrWouldBlock = errors.New("realtime: would block")

	ErrNoChannel     = errors.New("realtime: no such channel")
	ErrChannelClosed = errors.New("realtime: channel closed")
	ErrClientClosed  = errors.New("realtime: client closed")

	// ErrQueueFull is returned by handles when the owner has fallen behind.
	ErrQueueFull = errors.New("realtime: command queue full")

	// ErrChannelBusy rejects a send on a channel that is leaving.
	ErrChannelBusy = errors.New("realtime: channel busy")
)

// ConnectReason classifies a ConnectError.
type ConnectReason int

const (
	ConnectBadURI ConnectReason = iota
	ConnectBadHost
	ConnectBadAddrs
	ConnectStream
	ConnectNoDelay
	ConnectHandshake
	ConnectMaxRetries
	ConnectWrongProtocol
)

var connectReasons = [...]string{
	ConnectBadURI:        "bad uri",
	ConnectBadHost:       "bad host",
	ConnectBadAddrs:      "bad addrs",
	ConnectStream:        "stream error",
	ConnectNoDelay:       "no delay error",
	ConnectHandshake:     "handshake error",
	ConnectMaxRetries:    "max retries",
	ConnectWrongProtocol: "wrong protocol",
}

func (r ConnectReason) String() string {
	if int(r) < len(connectReasons) {
		return connectReasons[r]
	}
	return fmt.Sprintf("ConnectReason(%d)", int(r))
}

// ConnectError is returned when a socket could not be established.
// StatusCode is set for handshake failures that got an HTTP response.
type ConnectError struct {
	Reason     ConnectReason
	StatusCode int
	Err        error
}

func (e *ConnectError) Error() string {
	msg := "realtime: connect: " + e.Reason.String()
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// retryable reports whether another dial could succeed. Client errors from
// the server (bad key, bad token) and protocol mismatches are final.
func (e *ConnectError) retryable() bool {
	switch e.Reason {
	case ConnectStream, ConnectBadAddrs:
		return true
	case ConnectHandshake:
		return e.StatusCode == 0 || e.StatusCode >= 500
	default:
		return false
	}
}

// SocketReason classifies a SocketError.
type SocketReason int

const (
	SocketNoSocket SocketReason = iota
	SocketNoRead
	SocketNoWrite
	SocketDisconnected
	SocketWouldBlock
	SocketTooManyRetries
	SocketHandshake
)

var socketReasons = [...]string{
	SocketNoSocket:       "no socket",
	SocketNoRead:         "no read",
	SocketNoWrite:        "no write",
	SocketDisconnected:   "disconnected",
	SocketWouldBlock:     "would block",
	SocketTooManyRetries: "too many retries",
	SocketHandshake:      "handshake error",
}

func (r SocketReason) String() string {
	if int(r) < len(socketReasons) {
		return socketReasons[r]
	}
	return fmt.Sprintf("SocketReason(%d)", int(r))
}

// SocketError reports a failure reading or writing the established socket.
type SocketError struct {
	Reason SocketReason
	Err    error
}

func (e *SocketError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("realtime: socket: %s: %v", e.Reason, e.Err)
	}
	return "realtime: socket: " + e.Reason.String()
}

func (e *SocketError) Unwrap() error {
	return e.Err
}

func (e *SocketError) Is(target error) bool {
	return target == ErrWouldBlock && e.Reason == SocketWouldBlock
}

// MonitorReason classifies a MonitorError.
type MonitorReason int

const (
	MonitorReconnectError MonitorReason = iota
	MonitorMaxReconnects
	MonitorWouldBlock
	MonitorDisconnected
)

var monitorReasons = [...]string{
	MonitorReconnectError: "reconnect error",
	MonitorMaxReconnects:  "max reconnects",
	MonitorWouldBlock:     "would block",
	MonitorDisconnected:   "disconnected",
}

func (r MonitorReason) String() string {
	if int(r) < len(monitorReasons) {
		return monitorReasons[r]
	}
	return fmt.Sprintf("MonitorReason(%d)", int(r))
}

// MonitorError is returned by the reconnect monitor.
type MonitorError struct {
	Reason MonitorReason
	Err    error
}

func (e *MonitorError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("realtime: monitor: %s: %v", e.Reason, e.Err)
	}
	return "realtime: monitor: " + e.Reason.String()
}

func (e *MonitorError) Unwrap() error {
	return e.Err
}

func (e *MonitorError) Is(target error) bool {
	return target == ErrWouldBlock && e.Reason == MonitorWouldBlock
}

// IsFatal reports whether err ends the client: it is closed, ran out of
// reconnect attempts, or could not connect at all. Every other step error is
// transient and the caller should keep stepping.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrClientClosed) {
		return true
	}
	// a failed reconnect dial wraps a ConnectError but only costs an attempt
	var me *MonitorError
	if errors.As(err, &me) {
		return me.Reason == MonitorMaxReconnects
	}
	var ce *ConnectError
	return errors.As(err, &ce)
}
