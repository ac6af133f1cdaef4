// Package wstransport is a thin, testable seam over a WebSocket connection.
// The Cable client (internal/cable) depends only on the Conn interface, so
// it can be driven in tests without a real network socket.
package wstransport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/coder/websocket"
)

// FrameKind identifies the kind of a WebSocket frame.
type FrameKind int

const (
	Text FrameKind = iota
	Binary
	Close
)

// Frame is a single WebSocket message.
type Frame struct {
	Kind FrameKind
	Data []byte
}

// TransportError wraps a failure from the underlying WebSocket connection
// (dial, read, write, close) so callers can distinguish it from a protocol
// error raised after a successful read.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("wstransport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransportError reports whether err is (or wraps) a *TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// Conn is the surface the Cable client needs from a WebSocket connection.
// Implementations must be safe for concurrent Send and Receive (but not
// concurrent Send with Send, nor Receive with Receive).
type Conn interface {
	Send(ctx context.Context, f Frame) error
	Receive(ctx context.Context) (Frame, error)
	Close(code int, reason string) error
	CloseWrite(ctx context.Context, code int, reason string) error
	Connected() bool
}

// Dialer opens Conns. The default Dialer uses github.com/coder/websocket.
type Dialer struct {
	// Subprotocols requested during the handshake.
	Subprotocols []string
	// Header carries request headers (e.g. Origin) to set before dialing.
	Header http.Header
	// MaxReadBytes caps the size of a single inbound frame. Zero uses the
	// underlying library's default.
	MaxReadBytes int64
}

// Dial opens a new connection to url.
func (d Dialer) Dial(ctx context.Context, url string) (Conn, error) {
	opts := &websocket.DialOptions{
		Subprotocols: d.Subprotocols,
		HTTPHeader:   d.Header,
	}
	c, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}
	if d.MaxReadBytes > 0 {
		c.SetReadLimit(d.MaxReadBytes)
	}
	return &wsConn{conn: c}, nil
}

type wsConn struct {
	conn   *websocket.Conn
	closed atomic.Bool
}

func (c *wsConn) Send(ctx context.Context, f Frame) error {
	var mt websocket.MessageType
	switch f.Kind {
	case Text:
		mt = websocket.MessageText
	case Binary:
		mt = websocket.MessageBinary
	default:
		return &TransportError{Op: "send", Err: fmt.Errorf("unsupported frame kind %d", f.Kind)}
	}
	if err := c.conn.Write(ctx, mt, f.Data); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

func (c *wsConn) Receive(ctx context.Context) (Frame, error) {
	mt, data, err := c.conn.Read(ctx)
	if err != nil {
		return Frame{}, &TransportError{Op: "receive", Err: err}
	}
	kind := Text
	if mt == websocket.MessageBinary {
		kind = Binary
	}
	return Frame{Kind: kind, Data: data}, nil
}

func (c *wsConn) Close(code int, reason string) error {
	c.closed.Store(true)
	if err := c.conn.Close(websocket.StatusCode(code), reason); err != nil {
		return &TransportError{Op: "close", Err: err}
	}
	return nil
}

func (c *wsConn) CloseWrite(ctx context.Context, code int, reason string) error {
	c.closed.Store(true)
	if err := c.conn.CloseNow(); err != nil {
		return &TransportError{Op: "close_write", Err: err}
	}
	_ = ctx
	_ = code
	_ = reason
	return nil
}

func (c *wsConn) Connected() bool {
	return !c.closed.Load()
}
