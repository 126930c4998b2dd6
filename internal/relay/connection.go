// Package relay implements the per-request engine of the relay listener: it
// resolves an inbound request command, runs the handler, and delivers the
// response over the control channel or a dedicated rendezvous connection.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"relay-listener-go/internal/clock"
	"relay-listener-go/internal/command"
	"relay-listener-go/internal/deadline"
	"relay-listener-go/internal/metrics"
	"relay-listener-go/internal/transport"
)

var (
	// ErrInvalidAddress is returned when the rendezvous address is not a URI.
	ErrInvalidAddress = errors.New("relay: invalid rendezvous address")
	// ErrInvalidRequestTarget is returned when listener address and request
	// target do not form a URI.
	ErrInvalidRequestTarget = errors.New("relay: invalid request target")
	// ErrMissingBodyFlag is returned when a command read from the rendezvous
	// connection still does not say whether a body follows.
	ErrMissingBodyFlag = errors.New("relay: request command has no body flag")
	// ErrUnexpectedCommand is returned when the rendezvous connection delivers
	// something other than a request command.
	ErrUnexpectedCommand = errors.New("relay: expected a request command")
	// ErrNoRendezvous is returned by SendBody before EnsureRendezvous.
	ErrNoRendezvous = errors.New("relay: no rendezvous connection")
	// ErrConnectionClosed is returned by EnsureRendezvous after Close.
	ErrConnectionClosed = errors.New("relay: connection closed")
	// ErrResponseClosed is returned when writing to or changing a closed response.
	ErrResponseClosed = errors.New("relay: response closed")
	// ErrHandlerPanic wraps a recovered handler panic.
	ErrHandlerPanic = errors.New("relay: handler panicked")
)

const closeReason = "NormalClosure"

// Listener is what a Connection needs from the owner of the control channel.
type Listener interface {
	// Address is the public base address requests are relayed from.
	Address() *url.URL
	// OperationTimeout bounds each network operation of a request.
	OperationTimeout() time.Duration
	// Handler returns the registered request handler, or nil.
	Handler() Handler
	// SendControlCommand sends cmd, followed by body when the command
	// declares one, as a single unit over the control channel.
	SendControlCommand(ctx context.Context, cmd *command.ListenerCommand, body []byte) error
}

// RequestAndBody pairs a request command with its body, when one came with it.
type RequestAndBody struct {
	Command *command.RequestCommand
	Body    []byte
}

// Option configures a Connection.
type Option func(*Connection)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Connection) { c.logger = l }
}

// WithMetrics enables metric recording.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Connection) { c.metrics = m }
}

// WithClock replaces the real clock, for the flush watchdog and deadlines.
func WithClock(cl clock.Clock) Option {
	return func(c *Connection) { c.clock = cl }
}

// WithFlushInterval sets the response watchdog interval. Non-positive
// values keep the default.
func WithFlushInterval(d time.Duration) Option {
	return func(c *Connection) {
		if d > 0 {
			c.flushInterval = d
		}
	}
}

// Connection drives one relayed request from command to closed response.
// It owns at most one rendezvous socket, dialed on first need.
type Connection struct {
	listener          Listener
	control           transport.Socket
	dialer            transport.Dialer
	rendezvousAddress *url.URL

	logger        *slog.Logger
	metrics       *metrics.Metrics
	clock         clock.Clock
	flushInterval time.Duration

	rvMu       sync.Mutex
	rendezvous transport.Socket
	rvClosed   bool
	// rvStarted is set before dialing so writers stop buffering for the
	// control channel as soon as a rendezvous is under way.
	rvStarted atomic.Bool
}

// NewConnection parses the rendezvous address and returns a Connection.
func NewConnection(l Listener, control transport.Socket, dialer transport.Dialer, rendezvousAddress string, opts ...Option) (*Connection, error) {
	u, err := url.Parse(rendezvousAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q is not an absolute URI", ErrInvalidAddress, rendezvousAddress)
	}

	c := &Connection{
		listener:          l,
		control:           control,
		dialer:            dialer,
		rendezvousAddress: u,
		logger:            slog.Default(),
		clock:             clock.Real(),
		flushInterval:     DefaultFlushInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "relay_connection")
	return c, nil
}

// Begin resolves cmd and dispatches it. It returns once the response is
// closed or the request failed.
func (c *Connection) Begin(ctx context.Context, cmd *command.RequestCommand) error {
	rb, err := c.ReceiveRequest(ctx, cmd)
	if err != nil {
		return err
	}
	return c.Process(ctx, rb)
}

// ReceiveRequest reads the request body from the control channel when the
// command says one follows. The control channel owner must call it before
// reading the next control message.
func (c *Connection) ReceiveRequest(ctx context.Context, cmd *command.RequestCommand) (*RequestAndBody, error) {
	rb := &RequestAndBody{Command: cmd}
	if !cmd.HasBody() {
		return rb, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.listener.OperationTimeout())
	defer cancel()

	body, err := c.control.ReceiveMessage(ctx)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("relay: receive request body over control channel: %w", err)
	}
	rb.Body = body
	return rb, nil
}

// Process finishes request resolution over the rendezvous connection if the
// command was a stub, then dispatches it to the handler. On failure the
// connection is closed; nothing is retried.
func (c *Connection) Process(ctx context.Context, rb *RequestAndBody) error {
	if !rb.Command.BodyKnown() {
		resolved, err := c.receiveRequestOverRendezvous(ctx)
		if err != nil {
			c.logger.Warn("request resolution failed", "id", rb.Command.ID, "err", err)
			c.Close()
			return err
		}
		rb = resolved
	}

	if err := c.dispatch(ctx, rb); err != nil {
		c.logger.Warn("dispatch failed", "id", rb.Command.ID, "err", err)
		c.Close()
		return err
	}
	return nil
}

func (c *Connection) receiveRequestOverRendezvous(ctx context.Context) (*RequestAndBody, error) {
	tracker := deadline.New(c.listener.OperationTimeout(), c.clock)
	ctx, cancel := tracker.Context(ctx)
	defer cancel()

	if err := c.EnsureRendezvous(ctx); err != nil {
		return nil, err
	}
	sock := c.socket()

	data, err := sock.ReceiveControlMessage(ctx)
	if err != nil {
		return nil, fmt.Errorf("relay: receive request over rendezvous: %w", err)
	}
	lc, err := command.Parse(data)
	if err != nil {
		return nil, err
	}
	if lc.Request == nil {
		return nil, fmt.Errorf("%w: got %s", ErrUnexpectedCommand, lc.Kind())
	}
	if !lc.Request.BodyKnown() {
		return nil, ErrMissingBodyFlag
	}

	rb := &RequestAndBody{Command: lc.Request}
	if lc.Request.HasBody() {
		c.logger.Debug("reading request body over rendezvous", "id", lc.Request.ID)
		body, err := sock.ReceiveMessage(ctx)
		if err != nil {
			return nil, fmt.Errorf("relay: receive request body over rendezvous: %w", err)
		}
		rb.Body = body
	}
	return rb, nil
}

func (c *Connection) dispatch(ctx context.Context, rb *RequestAndBody) error {
	cmd := rb.Command
	uri, err := requestURI(c.listener.Address(), cmd.RequestTarget)
	if err != nil {
		return err
	}

	resp := newResponse(cmd.ID)
	rc := &Context{
		ctx: ctx,
		Request: &Request{
			Method:     cmd.Method,
			URL:        uri,
			Target:     cmd.RequestTarget,
			Header:     command.HeaderFromMap(cmd.RequestHeaders),
			RemoteAddr: cmd.RemoteEndpoint.String(),
			TrackingID: cmd.ID,
			HasBody:    cmd.HasBody(),
			body:       rb.Body,
		},
		Response: resp,
	}
	resp.sink = newResponseSink(ctx, c, resp)

	start := c.clock.Now()
	if c.metrics != nil {
		c.metrics.RequestsInFlight.Inc()
		defer c.metrics.RequestsInFlight.Dec()
	}
	defer func() {
		if c.metrics == nil {
			return
		}
		method := metrics.NormalizeMethod(cmd.Method)
		c.metrics.RequestsTotal.WithLabelValues(method, strconv.Itoa(resp.StatusCode())).Inc()
		c.metrics.RequestDuration.WithLabelValues(method).Observe(c.clock.Now().Sub(start).Seconds())
	}()

	logger := c.logger.With("id", cmd.ID, "method", cmd.Method)
	logger.Debug("request received", "uri", uri.String())

	handler := c.listener.Handler()
	if handler == nil {
		logger.Warn("no request handler registered")
		c.recordFailure("missing")
		_ = resp.SetStatusCode(501)
		return resp.Close()
	}

	if err := invoke(handler, rc); err != nil {
		logger.Warn("request handler failed", "err", err)
		if errors.Is(err, ErrHandlerPanic) {
			c.recordFailure("panic")
		} else {
			c.recordFailure("error")
		}
		_ = resp.SetStatusCode(500)
		return resp.Close()
	}
	return resp.Close()
}

func invoke(h Handler, rc *Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return h.ServeRelay(rc)
}

func (c *Connection) recordFailure(kind string) {
	if c.metrics != nil {
		c.metrics.HandlerFailures.WithLabelValues(kind).Inc()
	}
}

// requestURI joins base and target with exactly one slash.
func requestURI(base *url.URL, target string) (*url.URL, error) {
	addr := base.String()
	var joined string
	switch {
	case strings.HasSuffix(addr, "/") && strings.HasPrefix(target, "/"):
		joined = addr + target[1:]
	case strings.HasSuffix(addr, "/") || strings.HasPrefix(target, "/"):
		joined = addr + target
	default:
		joined = addr + "/" + target
	}

	u, err := url.Parse(joined)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequestTarget, err)
	}
	return u, nil
}

// EnsureRendezvous dials the rendezvous address unless a socket already
// exists. Concurrent callers share the single dial.
func (c *Connection) EnsureRendezvous(ctx context.Context) error {
	c.rvMu.Lock()
	defer c.rvMu.Unlock()

	if c.rendezvous != nil {
		return nil
	}
	if c.rvClosed {
		return ErrConnectionClosed
	}

	c.rvStarted.Store(true)
	c.logger.Debug("creating rendezvous connection", "host", c.rendezvousAddress.Host, "path", c.rendezvousAddress.Path)
	sock, err := c.dialer.Dial(ctx, c.rendezvousAddress.String())
	if err != nil {
		c.rvStarted.Store(false)
		c.recordRendezvous("error")
		return fmt.Errorf("relay: rendezvous: %w", err)
	}
	c.recordRendezvous("ok")
	c.rendezvous = sock
	return nil
}

func (c *Connection) recordRendezvous(result string) {
	if c.metrics != nil {
		c.metrics.RendezvousTotal.WithLabelValues(result).Inc()
	}
}

func (c *Connection) hasRendezvous() bool {
	return c.rvStarted.Load()
}

func (c *Connection) socket() transport.Socket {
	c.rvMu.Lock()
	defer c.rvMu.Unlock()
	return c.rendezvous
}

// SendResponse sends the response command, and body when the command
// declares one. Without a rendezvous connection both go over the control
// channel as one unit; otherwise the command is a text message on the
// rendezvous connection followed by the body as a binary message.
func (c *Connection) SendResponse(ctx context.Context, rc *command.ResponseCommand, body []byte) error {
	lc := &command.ListenerCommand{Response: rc}

	if !c.hasRendezvous() {
		if c.metrics != nil {
			c.metrics.ResponsesTotal.WithLabelValues(metrics.ChannelControl).Inc()
		}
		if err := c.listener.SendControlCommand(ctx, lc, body); err != nil {
			return fmt.Errorf("relay: send response over control channel: %w", err)
		}
		return nil
	}

	if err := c.EnsureRendezvous(ctx); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.ResponsesTotal.WithLabelValues(metrics.ChannelRendezvous).Inc()
	}

	data, err := lc.Marshal()
	if err != nil {
		return err
	}
	sock := c.socket()
	if err := sock.SendText(ctx, data); err != nil {
		return fmt.Errorf("relay: send response command over rendezvous: %w", err)
	}
	if rc.HasBody() && len(body) > 0 {
		if err := sock.SendBytes(ctx, body); err != nil {
			return fmt.Errorf("relay: send response body over rendezvous: %w", err)
		}
	}
	return nil
}

// SendBody streams body over the rendezvous connection. Empty bodies are
// ignored.
func (c *Connection) SendBody(ctx context.Context, body []byte) error {
	if len(body) == 0 {
		return nil
	}
	sock := c.socket()
	if sock == nil {
		return ErrNoRendezvous
	}
	if err := sock.SendBytes(ctx, body); err != nil {
		return fmt.Errorf("relay: send body over rendezvous: %w", err)
	}
	return nil
}

// Close closes the rendezvous connection, if any, with a normal closure.
// Failures are logged, not returned.
func (c *Connection) Close() {
	c.rvMu.Lock()
	if c.rvClosed {
		c.rvMu.Unlock()
		return
	}
	c.rvClosed = true
	sock := c.rendezvous
	c.rvMu.Unlock()

	if sock == nil {
		return
	}
	if err := sock.Close(transport.CloseNormalClosure, closeReason); err != nil {
		c.logger.Debug("closing rendezvous connection", "err", err)
	}
}
