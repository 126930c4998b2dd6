// Package relaytest runs relay handlers against in-memory channels and
// records the response the relay service would receive.
package relaytest

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"relay-listener-go/internal/command"
	"relay-listener-go/internal/relay"
	"relay-listener-go/internal/transport"
)

// Address is the listener address requests are relayed from.
const Address = "https://relay.test/hub"

const rendezvousAddress = "wss://relay.test/$hc/hub?sb-hc-action=request"

// Result is the response as seen by the relay service.
type Result struct {
	StatusCode        int
	StatusDescription string
	Header            http.Header
	Body              []byte
	// Rendezvous is true when the response travelled over a rendezvous
	// connection instead of the control channel.
	Rendezvous bool
}

// NewRequest returns a request command for method and target with body, or
// no body when body is nil.
func NewRequest(method, target string, header http.Header, body []byte) *command.RequestCommand {
	hasBody := body != nil
	headers := make(map[string]string, len(header))
	for k := range header {
		headers[k] = header.Get(k)
	}
	return &command.RequestCommand{
		Address:        rendezvousAddress,
		ID:             "relaytest",
		RequestTarget:  target,
		Method:         method,
		RemoteEndpoint: command.Endpoint{Address: "192.0.2.10", Port: 40000},
		RequestHeaders: headers,
		Body:           &hasBody,
	}
}

// Serve runs h for cmd and returns the recorded response. body is delivered
// as the control-channel request body when cmd declares one.
func Serve(ctx context.Context, h relay.Handler, cmd *command.RequestCommand, body []byte) (*Result, error) {
	rec := &recorder{}
	l := &listener{handler: h, rec: rec}
	l.address, _ = url.Parse(Address)

	control := &socket{rec: rec, incoming: [][]byte{body}}
	dialer := &dialer{sock: &socket{rec: rec, rendezvous: true}}

	conn, err := relay.NewConnection(l, control, dialer, cmd.Address,
		relay.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		return nil, err
	}
	if err := conn.Begin(ctx, cmd); err != nil {
		return nil, err
	}
	return rec.result()
}

type recorder struct {
	mu         sync.Mutex
	header     []byte
	body       []byte
	rendezvous bool
}

func (r *recorder) text(data []byte, rendezvous bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.header == nil {
		r.header = append([]byte(nil), data...)
		r.rendezvous = rendezvous
	}
}

func (r *recorder) bytes(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.body = append(r.body, data...)
}

func (r *recorder) result() (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lc, err := command.Parse(r.header)
	if err != nil {
		return nil, err
	}
	rc := lc.Response
	res := &Result{
		StatusCode:        rc.StatusCode,
		StatusDescription: rc.StatusDescription,
		Header:            command.HeaderFromMap(rc.ResponseHeaders),
		Body:              r.body,
		Rendezvous:        r.rendezvous,
	}
	return res, nil
}

type listener struct {
	address *url.URL
	handler relay.Handler
	rec     *recorder
}

func (l *listener) Address() *url.URL               { return l.address }
func (l *listener) OperationTimeout() time.Duration { return 10 * time.Second }
func (l *listener) Handler() relay.Handler          { return l.handler }

func (l *listener) SendControlCommand(_ context.Context, cmd *command.ListenerCommand, body []byte) error {
	data, err := cmd.Marshal()
	if err != nil {
		return err
	}
	l.rec.text(data, false)
	if cmd.Response != nil && cmd.Response.HasBody() {
		l.rec.bytes(body)
	}
	return nil
}

type socket struct {
	rec        *recorder
	rendezvous bool

	mu       sync.Mutex
	incoming [][]byte
}

func (s *socket) SendText(_ context.Context, data []byte) error {
	s.rec.text(data, s.rendezvous)
	return nil
}

func (s *socket) SendBytes(_ context.Context, data []byte) error {
	s.rec.bytes(data)
	return nil
}

func (s *socket) ReceiveMessage(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.incoming) == 0 {
		return nil, io.EOF
	}
	m := s.incoming[0]
	s.incoming = s.incoming[1:]
	return m, nil
}

func (s *socket) ReceiveControlMessage(context.Context) ([]byte, error) {
	return nil, transport.ErrUnexpectedMessage
}

func (s *socket) Close(int, string) error { return nil }

type dialer struct {
	sock *socket
}

func (d *dialer) Dial(context.Context, string) (transport.Socket, error) {
	return d.sock, nil
}
