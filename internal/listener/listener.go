// Package listener keeps the control WebSocket to the relay service open and
// hands every relayed request to a relay.Connection.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"relay-listener-go/internal/command"
	"relay-listener-go/internal/metrics"
	"relay-listener-go/internal/relay"
	"relay-listener-go/internal/token"
	"relay-listener-go/internal/transport"
)

// AuthorizationHeader carries the shared access signature on the control
// channel handshake.
const AuthorizationHeader = "ServiceBusAuthorization"

const (
	defaultOperationTimeout = 60 * time.Second
	controlCloseReason      = "listener shutting down"
)

var (
	// ErrNotConnected is returned by SendControlCommand while the control
	// channel is down.
	ErrNotConnected = errors.New("listener: control channel not connected")
	// ErrTokenExpired is returned by New for a token that is already expired.
	ErrTokenExpired = errors.New("listener: token expired")
	// ErrInvalidAddress is returned by New when the relay address has no host.
	ErrInvalidAddress = errors.New("listener: invalid relay address")
)

// Config holds the listener settings.
type Config struct {
	// Address is the public address of the relay endpoint, e.g.
	// https://ns.servicebus.windows.net/hub.
	Address string
	// Token is the shared access signature presented on connect. Empty
	// means no authorization header.
	Token            string
	OperationTimeout time.Duration
	FlushInterval    time.Duration
	// ReconnectPerSecond paces control channel reconnects.
	ReconnectPerSecond float64
}

// Status is a snapshot for the admin status endpoint.
type Status struct {
	ID        string `json:"id"`
	Address   string `json:"address"`
	Connected bool   `json:"connected"`
	InFlight  int64  `json:"in_flight"`
}

// Listener implements relay.Listener over a reconnecting control channel.
type Listener struct {
	cfg        Config
	id         string
	address    *url.URL
	controlURL string
	handler    relay.Handler
	logger     *slog.Logger
	metrics    *metrics.Metrics
	limiter    *rate.Limiter

	controlDialer    transport.Dialer
	rendezvousDialer transport.Dialer

	sendMu    sync.Mutex
	mu        sync.RWMutex
	control   transport.Socket
	connected atomic.Bool
	inFlight  atomic.Int64
	requests  sync.WaitGroup
}

// New validates cfg and returns a listener that is not yet connected.
func New(cfg Config, handler relay.Handler, logger *slog.Logger, m *metrics.Metrics) (*Listener, error) {
	address, err := url.Parse(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	}
	if address.Host == "" {
		return nil, fmt.Errorf("%w: %q has no host", ErrInvalidAddress, cfg.Address)
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = defaultOperationTimeout
	}
	if cfg.ReconnectPerSecond <= 0 {
		cfg.ReconnectPerSecond = 1
	}

	logger = logger.With("component", "listener")
	header := make(http.Header)
	if cfg.Token != "" {
		tok, err := token.Parse(cfg.Token)
		if err != nil {
			return nil, fmt.Errorf("listener: token: %w", err)
		}
		if tok.Expired(time.Now()) {
			return nil, fmt.Errorf("%w: at %s", ErrTokenExpired, tok.ExpiresAt.Format(time.RFC3339))
		}
		logger.Info("using relay token", "audience", tok.Audience, "expires_at", tok.ExpiresAt)
		header.Set(AuthorizationHeader, cfg.Token)
	}

	id := uuid.NewString()
	l := &Listener{
		cfg:        cfg,
		id:         id,
		address:    address,
		controlURL: controlURL(address, id),
		handler:    handler,
		logger:     logger.With("listener_id", id),
		metrics:    m,
		limiter:    rate.NewLimiter(rate.Limit(cfg.ReconnectPerSecond), 1),
		controlDialer: &transport.WebSocketDialer{
			Header:           header,
			HandshakeTimeout: cfg.OperationTimeout,
			Logger:           logger,
		},
		rendezvousDialer: &transport.WebSocketDialer{
			HandshakeTimeout: cfg.OperationTimeout,
			Logger:           logger,
		},
	}
	return l, nil
}

// controlURL maps the public address onto the listen endpoint.
func controlURL(address *url.URL, id string) string {
	scheme := "wss"
	if address.Scheme == "http" || address.Scheme == "ws" {
		scheme = "ws"
	}
	q := url.Values{}
	q.Set("sb-hc-action", "listen")
	q.Set("sb-hc-id", id)
	u := url.URL{
		Scheme:   scheme,
		Host:     address.Host,
		Path:     "/$hc/" + strings.TrimPrefix(address.Path, "/"),
		RawQuery: q.Encode(),
	}
	return u.String()
}

// ID returns the listener's connection id.
func (l *Listener) ID() string { return l.id }

// Address implements relay.Listener.
func (l *Listener) Address() *url.URL { return l.address }

// OperationTimeout implements relay.Listener.
func (l *Listener) OperationTimeout() time.Duration { return l.cfg.OperationTimeout }

// Handler implements relay.Listener.
func (l *Listener) Handler() relay.Handler { return l.handler }

// Connected reports whether the control channel is up.
func (l *Listener) Connected() bool { return l.connected.Load() }

// Status returns a snapshot of the listener state.
func (l *Listener) Status() Status {
	return Status{
		ID:        l.id,
		Address:   l.address.Redacted(),
		Connected: l.Connected(),
		InFlight:  l.inFlight.Load(),
	}
}

// SendControlCommand implements relay.Listener. The command and its body are
// written back to back with no other control message in between.
func (l *Listener) SendControlCommand(ctx context.Context, cmd *command.ListenerCommand, body []byte) error {
	data, err := cmd.Marshal()
	if err != nil {
		return err
	}

	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	sock := l.currentControl()
	if sock == nil {
		return ErrNotConnected
	}
	if err := sock.SendText(ctx, data); err != nil {
		return fmt.Errorf("listener: send command: %w", err)
	}
	if cmd.Response != nil && cmd.Response.HasBody() {
		if err := sock.SendBytes(ctx, body); err != nil {
			return fmt.Errorf("listener: send body: %w", err)
		}
	}
	return nil
}

func (l *Listener) currentControl() transport.Socket {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.control
}

func (l *Listener) setControl(sock transport.Socket) {
	l.mu.Lock()
	l.control = sock
	l.mu.Unlock()

	l.connected.Store(sock != nil)
	if l.metrics != nil {
		if sock != nil {
			l.metrics.ControlUp.Set(1)
		} else {
			l.metrics.ControlUp.Set(0)
		}
	}
}

// Run keeps the control channel connected until ctx ends, then waits for
// in-flight requests to finish.
func (l *Listener) Run(ctx context.Context) error {
	l.logger.Info("listener starting", "address", l.address.Redacted())
	defer l.requests.Wait()

	for {
		if err := l.limiter.Wait(ctx); err != nil {
			l.logger.Info("listener stopped")
			return nil
		}

		err := l.serve(ctx)
		if ctx.Err() != nil {
			l.logger.Info("listener stopped")
			return nil
		}
		l.logger.Warn("control channel lost, reconnecting", "err", err)
	}
}

// serve runs one control channel session.
func (l *Listener) serve(ctx context.Context) error {
	sock, err := l.controlDialer.Dial(ctx, l.controlURL)
	if err != nil {
		l.recordConnect("error")
		return err
	}
	l.recordConnect("ok")
	l.logger.Info("control channel connected")

	l.setControl(sock)
	defer l.setControl(nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		l.sendMu.Lock()
		defer l.sendMu.Unlock()
		return sock.Close(transport.CloseNormalClosure, controlCloseReason)
	})
	g.Go(func() error {
		return l.readLoop(ctx, gctx, sock)
	})
	return g.Wait()
}

func (l *Listener) recordConnect(result string) {
	if l.metrics != nil {
		l.metrics.ControlConnects.WithLabelValues(result).Inc()
	}
}

// readLoop reads control commands until the session ends. It always returns
// a non-nil error so the session's errgroup unwinds.
func (l *Listener) readLoop(runCtx, ctx context.Context, sock transport.Socket) error {
	for {
		data, err := sock.ReceiveControlMessage(ctx)
		if errors.Is(err, transport.ErrUnexpectedMessage) {
			l.logger.Warn("ignoring binary message on control channel")
			continue
		}
		if err != nil {
			return fmt.Errorf("listener: read control channel: %w", err)
		}

		lc, err := command.Parse(data)
		if err != nil {
			l.logger.Warn("ignoring unparseable control message", "err", err)
			continue
		}

		switch {
		case lc.Request != nil:
			l.onRequest(runCtx, ctx, sock, lc.Request)
		case lc.Accept != nil:
			l.logger.Info("websocket accept is not supported, ignoring", "id", lc.Accept.ID)
		case lc.RenewToken != nil:
			l.logger.Debug("ignoring token renewal")
		default:
			l.logger.Warn("ignoring unexpected control command", "kind", lc.Kind())
		}
	}
}

// onRequest reads any control-channel body inline, since it is the next
// message on the channel, then processes the request in the background.
// Processing runs under runCtx so a request on its own rendezvous
// connection survives a control channel reconnect.
func (l *Listener) onRequest(runCtx, ctx context.Context, sock transport.Socket, cmd *command.RequestCommand) {
	logger := l.logger.With("id", cmd.ID)

	conn, err := relay.NewConnection(l, sock, l.rendezvousDialer, cmd.Address,
		relay.WithLogger(l.logger),
		relay.WithMetrics(l.metrics),
		relay.WithFlushInterval(l.cfg.FlushInterval),
	)
	if err != nil {
		logger.Warn("rejecting request", "err", err)
		return
	}

	rb, err := conn.ReceiveRequest(ctx, cmd)
	if err != nil {
		logger.Warn("reading request body failed", "err", err)
		return
	}

	l.inFlight.Add(1)
	l.requests.Add(1)
	go func() {
		defer l.requests.Done()
		defer l.inFlight.Add(-1)
		if err := conn.Process(runCtx, rb); err != nil {
			logger.Warn("request failed", "err", err)
		}
	}()
}
