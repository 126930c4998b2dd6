// Package transport provides the message-oriented sockets used for the relay
// control and rendezvous channels.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 30 * time.Second
	closeWait               = 5 * time.Second

	readBufferSize  = 64 * 1024
	writeBufferSize = 64 * 1024
)

// Close codes used with Socket.Close.
const (
	CloseNormalClosure = websocket.CloseNormalClosure
	CloseGoingAway     = websocket.CloseGoingAway
)

var (
	// ErrUnexpectedMessage is returned when a binary message arrives where a
	// text command was expected, or the other way around.
	ErrUnexpectedMessage = errors.New("transport: unexpected message type")
	// ErrClosed is returned by operations on a closed socket.
	ErrClosed = errors.New("transport: socket closed")
)

// Socket is one connected, message-oriented channel. Sends may be called
// concurrently; receives must come from a single goroutine.
type Socket interface {
	// SendText sends one text (command) message.
	SendText(ctx context.Context, data []byte) error
	// SendBytes sends one binary message.
	SendBytes(ctx context.Context, data []byte) error
	// ReceiveMessage reads one binary message.
	ReceiveMessage(ctx context.Context) ([]byte, error)
	// ReceiveControlMessage reads one text message.
	ReceiveControlMessage(ctx context.Context) ([]byte, error)
	// Close sends a close frame with code and reason and releases the
	// connection.
	Close(code int, reason string) error
}

// Dialer creates connected sockets.
type Dialer interface {
	Dial(ctx context.Context, address string) (Socket, error)
}

// WebSocketDialer dials gorilla/websocket connections.
type WebSocketDialer struct {
	// Header is sent with every handshake.
	Header http.Header
	// HandshakeTimeout bounds the opening handshake. Zero uses 30s.
	HandshakeTimeout time.Duration
	// TLSClientConfig is passed to the underlying dialer.
	TLSClientConfig *tls.Config
	Logger          *slog.Logger
}

// Dial connects to address and returns the socket.
func (d *WebSocketDialer) Dial(ctx context.Context, address string) (Socket, error) {
	timeout := d.HandshakeTimeout
	if timeout == 0 {
		timeout = defaultHandshakeTimeout
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  d.TLSClientConfig,
		HandshakeTimeout: timeout,
		ReadBufferSize:   readBufferSize,
		WriteBufferSize:  writeBufferSize,
	}

	conn, resp, err := dialer.DialContext(ctx, address, d.Header)
	if resp != nil && resp.Body != nil {
		defer func(body io.ReadCloser) {
			_ = body.Close()
		}(resp.Body)
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("transport: dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("transport: dial: %w", err)
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("websocket connected", "remote", conn.RemoteAddr().String())

	return NewWebSocket(conn), nil
}

// WebSocket adapts a *websocket.Conn to Socket.
type WebSocket struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// NewWebSocket wraps an established connection, client or server side.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	return &WebSocket{conn: conn, closed: make(chan struct{})}
}

// SendText implements Socket.
func (s *WebSocket) SendText(ctx context.Context, data []byte) error {
	return s.write(ctx, websocket.TextMessage, data)
}

// SendBytes implements Socket.
func (s *WebSocket) SendBytes(ctx context.Context, data []byte) error {
	return s.write(ctx, websocket.BinaryMessage, data)
}

func (s *WebSocket) write(ctx context.Context, messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.closed:
		return ErrClosed
	default:
	}

	dl, _ := ctx.Deadline()
	if err := s.conn.SetWriteDeadline(dl); err != nil {
		return fmt.Errorf("transport: set write deadline: %w", err)
	}
	// Cancellation without a deadline unblocks the write by expiring it.
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	if err := s.conn.WriteMessage(messageType, data); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("transport: write: %w", ctxErr)
		}
		var netErr net.Error
		if !dl.IsZero() && errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("transport: write: %w", context.DeadlineExceeded)
		}
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// ReceiveMessage implements Socket.
func (s *WebSocket) ReceiveMessage(ctx context.Context) ([]byte, error) {
	return s.read(ctx, websocket.BinaryMessage)
}

// ReceiveControlMessage implements Socket.
func (s *WebSocket) ReceiveControlMessage(ctx context.Context) ([]byte, error) {
	return s.read(ctx, websocket.TextMessage)
}

func (s *WebSocket) read(ctx context.Context, want int) ([]byte, error) {
	dl, _ := ctx.Deadline()
	if err := s.conn.SetReadDeadline(dl); err != nil {
		return nil, fmt.Errorf("transport: set read deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	messageType, data, err := s.conn.ReadMessage()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("transport: read: %w", ctxErr)
		}
		var netErr net.Error
		if !dl.IsZero() && errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("transport: read: %w", context.DeadlineExceeded)
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, fmt.Errorf("transport: read: %w: %w", ErrClosed, err)
		}
		return nil, fmt.Errorf("transport: read: %w", err)
	}
	if messageType != want {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrUnexpectedMessage, messageTypeName(messageType), messageTypeName(want))
	}
	return data, nil
}

// Close implements Socket. Only the first call has an effect.
func (s *WebSocket) Close(code int, reason string) error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		close(s.closed)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func messageTypeName(t int) string {
	switch t {
	case websocket.TextMessage:
		return "text"
	case websocket.BinaryMessage:
		return "binary"
	default:
		return fmt.Sprintf("type %d", t)
	}
}
