package log

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
)

// RingBuffer is a thread-safe circular buffer for log lines.
type RingBuffer struct {
	mu    sync.Mutex
	lines []string
	next  int // next write position
	count int
}

// NewRingBuffer creates a new ring buffer with the given capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 500
	}
	return &RingBuffer{lines: make([]string, capacity)}
}

// Add adds a line to the buffer, evicting the oldest if full.
func (rb *RingBuffer) Add(line string) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.lines[rb.next] = line
	rb.next = (rb.next + 1) % len(rb.lines)
	if rb.count < len(rb.lines) {
		rb.count++
	}
}

// Lines returns the last n lines (oldest first).
func (rb *RingBuffer) Lines(n int) []string {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n = min(n, rb.count)
	if n <= 0 {
		return []string{}
	}

	out := make([]string, n)
	first := rb.next - n
	if first < 0 {
		first += len(rb.lines)
	}
	for i := range out {
		out[i] = rb.lines[(first+i)%len(rb.lines)]
	}
	return out
}

// Len returns the number of lines currently held.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// BufferHandler wraps another handler and keeps a text rendering of every
// record in a ring buffer, regardless of the wrapped handler's level.
type BufferHandler struct {
	wrapped slog.Handler
	buffer  *RingBuffer
	attrs   []slog.Attr
	group   string
}

// NewBufferHandler creates a handler that stores logs in the buffer and forwards to wrapped.
func NewBufferHandler(wrapped slog.Handler, buffer *RingBuffer) *BufferHandler {
	return &BufferHandler{wrapped: wrapped, buffer: buffer}
}

func (h *BufferHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *BufferHandler) Handle(ctx context.Context, r slog.Record) error {
	var buf bytes.Buffer
	var text slog.Handler = slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	if h.group != "" {
		text = text.WithGroup(h.group)
	}
	if len(h.attrs) > 0 {
		text = text.WithAttrs(h.attrs)
	}
	if err := text.Handle(ctx, r); err == nil {
		h.buffer.Add(string(bytes.TrimRight(buf.Bytes(), "\n")))
	}

	if h.wrapped != nil && h.wrapped.Enabled(ctx, r.Level) {
		return h.wrapped.Handle(ctx, r)
	}
	return nil
}

func (h *BufferHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &BufferHandler{
		buffer: h.buffer,
		attrs:  append(append([]slog.Attr(nil), h.attrs...), attrs...),
		group:  h.group,
	}
	if h.wrapped != nil {
		next.wrapped = h.wrapped.WithAttrs(attrs)
	}
	return next
}

func (h *BufferHandler) WithGroup(name string) slog.Handler {
	next := &BufferHandler{buffer: h.buffer, attrs: h.attrs, group: name}
	if h.wrapped != nil {
		next.wrapped = h.wrapped.WithGroup(name)
	}
	return next
}
