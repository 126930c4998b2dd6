package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"testing"
	"time"

	"relay-listener-go/internal/clock"
	"relay-listener-go/internal/command"
	"relay-listener-go/internal/transport"
)

const (
	chControl    = "control"
	chRendezvous = "rendezvous"

	testTimeout = 5 * time.Second
)

// event is one observable action on the wire.
type event struct {
	channel string
	kind    string // dial, text, bytes, close
	data    []byte
}

func (e event) String() string { return e.channel + ":" + e.kind }

// wire records events from every channel of one request in order.
type wire struct {
	mu     sync.Mutex
	events []event
}

func (w *wire) add(e event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, e)
}

func (w *wire) snapshot() []event {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]event(nil), w.events...)
}

func (w *wire) kinds() []string {
	var out []string
	for _, e := range w.snapshot() {
		out = append(out, e.String())
	}
	return out
}

// responses decodes every response command sent on any channel.
func (w *wire) responses(t *testing.T) []*command.ResponseCommand {
	t.Helper()
	var out []*command.ResponseCommand
	for _, e := range w.snapshot() {
		if e.kind != "text" {
			continue
		}
		lc, err := command.Parse(e.data)
		if err != nil {
			t.Fatalf("sent text is not a command: %v", err)
		}
		if lc.Response != nil {
			out = append(out, lc.Response)
		}
	}
	return out
}

// bodyBytes concatenates every binary message on channel.
func (w *wire) bodyBytes(channel string) []byte {
	var out []byte
	for _, e := range w.snapshot() {
		if e.channel == channel && e.kind == "bytes" {
			out = append(out, e.data...)
		}
	}
	return out
}

type message struct {
	text bool
	data []byte
}

type fakeSocket struct {
	channel  string
	wire     *wire
	incoming chan message
	sendErr  error

	mu     sync.Mutex
	closes int
}

func newFakeSocket(channel string, w *wire, queued ...message) *fakeSocket {
	s := &fakeSocket{channel: channel, wire: w, incoming: make(chan message, 16)}
	for _, m := range queued {
		s.incoming <- m
	}
	return s
}

func (s *fakeSocket) SendText(_ context.Context, data []byte) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.wire.add(event{channel: s.channel, kind: "text", data: append([]byte(nil), data...)})
	return nil
}

func (s *fakeSocket) SendBytes(_ context.Context, data []byte) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.wire.add(event{channel: s.channel, kind: "bytes", data: append([]byte(nil), data...)})
	return nil
}

func (s *fakeSocket) receive(ctx context.Context, text bool) ([]byte, error) {
	select {
	case m := <-s.incoming:
		if m.text != text {
			return nil, transport.ErrUnexpectedMessage
		}
		return m.data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSocket) ReceiveMessage(ctx context.Context) ([]byte, error) {
	return s.receive(ctx, false)
}

func (s *fakeSocket) ReceiveControlMessage(ctx context.Context) ([]byte, error) {
	return s.receive(ctx, true)
}

func (s *fakeSocket) Close(int, string) error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	s.wire.add(event{channel: s.channel, kind: "close"})
	return nil
}

func (s *fakeSocket) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

type fakeDialer struct {
	wire *wire
	sock *fakeSocket
	err  error

	mu    sync.Mutex
	dials int
}

func (d *fakeDialer) Dial(context.Context, string) (transport.Socket, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	d.wire.add(event{channel: chRendezvous, kind: "dial"})
	return d.sock, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// fakeListener sends control commands onto the wire the way the real
// listener frames them: one text message, then the body if declared.
type fakeListener struct {
	address *url.URL
	timeout time.Duration
	handler Handler
	wire    *wire
	sendErr error
}

func (l *fakeListener) Address() *url.URL               { return l.address }
func (l *fakeListener) OperationTimeout() time.Duration { return l.timeout }
func (l *fakeListener) Handler() Handler                { return l.handler }

func (l *fakeListener) SendControlCommand(_ context.Context, cmd *command.ListenerCommand, body []byte) error {
	if l.sendErr != nil {
		return l.sendErr
	}
	data, err := cmd.Marshal()
	if err != nil {
		return err
	}
	l.wire.add(event{channel: chControl, kind: "text", data: data})
	if cmd.Response != nil && cmd.Response.HasBody() {
		l.wire.add(event{channel: chControl, kind: "bytes", data: append([]byte(nil), body...)})
	}
	return nil
}

// harness bundles one Connection with its fakes.
type harness struct {
	conn       *Connection
	listener   *fakeListener
	control    *fakeSocket
	rendezvous *fakeSocket
	dialer     *fakeDialer
	wire       *wire
	clock      *clock.FakeClock
}

const testRendezvousAddress = "wss://ns.example.net/$hc/hub?sb-hc-action=request&sb-hc-id=1"

func newHarness(t *testing.T, handler Handler) *harness {
	t.Helper()
	w := &wire{}
	base, _ := url.Parse("https://ns.example.net/hub")
	h := &harness{
		listener:   &fakeListener{address: base, timeout: testTimeout, handler: handler, wire: w},
		control:    newFakeSocket(chControl, w),
		rendezvous: newFakeSocket(chRendezvous, w),
		wire:       w,
		clock:      clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
	h.dialer = &fakeDialer{wire: w, sock: h.rendezvous}

	conn, err := NewConnection(h.listener, h.control, h.dialer, testRendezvousAddress,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(h.clock),
		WithFlushInterval(DefaultFlushInterval),
	)
	if err != nil {
		t.Fatalf("NewConnection() error = %v", err)
	}
	h.conn = conn
	return h
}

func boolPtr(b bool) *bool { return &b }

func getRequest(body *bool) *command.RequestCommand {
	return &command.RequestCommand{
		Address:        testRendezvousAddress,
		ID:             "req-1",
		RequestTarget:  "/items?x=1",
		Method:         "GET",
		RemoteEndpoint: command.Endpoint{Address: "10.1.2.3", Port: 4567},
		RequestHeaders: map[string]string{"Accept": "text/plain"},
		Body:           body,
	}
}

var errBoom = errors.New("boom")
