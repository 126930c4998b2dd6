package relay

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"relay-listener-go/internal/clock"
	"relay-listener-go/internal/command"
	"relay-listener-go/internal/deadline"
)

const (
	// MaxControlBodySize is the largest response body the control channel
	// carries.
	MaxControlBodySize = 64 * 1024

	// DefaultFlushInterval is how long buffered bytes may wait for more
	// writes before the watchdog forces them out.
	DefaultFlushInterval = 200 * time.Second
)

type sinkState int

const (
	stateBuffering sinkState = iota
	stateHeaderSent
	stateClosed
)

func (s sinkState) String() string {
	switch s {
	case stateBuffering:
		return "buffering"
	case stateHeaderSent:
		return "header_sent"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type flushReason int

const (
	flushNone flushReason = iota
	flushRendezvousExists
	flushBufferFull
	flushTimer
)

func (r flushReason) String() string {
	switch r {
	case flushRendezvousExists:
		return "rendezvous_exists"
	case flushBufferFull:
		return "buffer_full"
	case flushTimer:
		return "timer"
	default:
		return "none"
	}
}

// decideFlush is the write-path transition function. Only a buffering sink
// flushes; an existing rendezvous wins over buffer pressure.
func decideFlush(state sinkState, rendezvousExists bool, buffered, incoming int) flushReason {
	if state != stateBuffering {
		return flushNone
	}
	if rendezvousExists {
		return flushRendezvousExists
	}
	if buffered+incoming > MaxControlBodySize {
		return flushBufferFull
	}
	return flushNone
}

// headerSend tracks the one in-flight response header. Streaming writes wait
// on done so body bytes never overtake the header.
type headerSend struct {
	done chan struct{}
	err  error
}

func (h *headerSend) wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// responseSink buffers response bytes while the whole response may still fit
// in one control-channel message, and switches to streaming over the
// rendezvous connection once it cannot.
type responseSink struct {
	ctx           context.Context
	conn          *Connection
	resp          *Response
	gate          *Gate
	clock         clock.Clock
	flushInterval time.Duration
	writeTimeout  atomic.Int64
	logger        *slog.Logger

	// Guarded by gate.
	state  sinkState
	buf    []byte
	timer  *clock.Timer
	header *headerSend
}

func newResponseSink(ctx context.Context, conn *Connection, resp *Response) *responseSink {
	s := &responseSink{
		// Sends are bounded by the write timeout, not by the request
		// context, so a handler can still answer a request it gave up on.
		ctx:           context.WithoutCancel(ctx),
		conn:          conn,
		resp:          resp,
		gate:          NewGate(),
		clock:         conn.clock,
		flushInterval: conn.flushInterval,
		logger:        conn.logger,
	}
	s.writeTimeout.Store(int64(conn.listener.OperationTimeout()))
	return s
}

func (s *responseSink) setWriteTimeout(d time.Duration) error {
	if err := deadline.CheckTimeout(d); err != nil {
		return err
	}
	s.writeTimeout.Store(int64(d))
	return nil
}

func (s *responseSink) opContext() (context.Context, context.CancelFunc) {
	d := time.Duration(s.writeTimeout.Load())
	if d == 0 {
		return context.WithCancel(s.ctx)
	}
	return deadline.Start(d, s.clock).Context(s.ctx)
}

// Write implements io.Writer.
func (s *responseSink) Write(p []byte) (int, error) {
	ctx, cancel := s.opContext()
	defer cancel()

	release, err := s.gate.Lock(ctx)
	if err != nil {
		return 0, err
	}

	switch s.state {
	case stateClosed:
		release()
		return 0, ErrResponseClosed
	case stateHeaderSent:
		hs := s.header
		release()
		if err := hs.wait(ctx); err != nil {
			return 0, err
		}
		if err := s.conn.SendBody(ctx, p); err != nil {
			return 0, err
		}
		return len(p), nil
	}

	if len(p) == 0 {
		release()
		return 0, nil
	}

	reason := decideFlush(s.state, s.conn.hasRendezvous(), len(s.buf), len(p))
	if reason == flushNone {
		if s.buf == nil {
			s.buf = make([]byte, 0, min(len(p), MaxControlBodySize))
			s.timer = s.clock.AfterFunc(s.flushInterval, s.onFlushTimer)
		}
		s.buf = append(s.buf, p...)
		release()
		return len(p), nil
	}

	flush, err := s.claimFlush(reason)
	release()
	if err != nil {
		return 0, err
	}
	if err := flush(ctx); err != nil {
		return 0, err
	}
	// p was not part of the flushed body; it follows as a streamed message.
	if err := s.conn.SendBody(ctx, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// claimFlush moves a buffering sink to HeaderSent and returns the I/O that
// completes the transition. The caller holds the gate and must run the
// returned function after releasing it.
func (s *responseSink) claimFlush(reason flushReason) (func(context.Context) error, error) {
	rc, err := s.resp.command()
	if err != nil {
		return nil, err
	}
	rc.SetBody(true)

	buffered := s.buf
	s.buf = nil
	s.stopTimer()

	hs := &headerSend{done: make(chan struct{})}
	s.header = hs
	s.state = stateHeaderSent

	s.logger.Debug("flushing response", "reason", reason.String(), "buffered", len(buffered))
	if s.conn.metrics != nil {
		s.conn.metrics.FlushesTotal.WithLabelValues(reason.String()).Inc()
	}

	return func(ctx context.Context) error {
		hs.err = s.flushCore(ctx, rc, buffered)
		close(hs.done)
		return hs.err
	}, nil
}

// flushCore sends the header, and any buffered bytes as its body, over the
// rendezvous connection.
func (s *responseSink) flushCore(ctx context.Context, rc *command.ResponseCommand, buffered []byte) error {
	if err := s.conn.EnsureRendezvous(ctx); err != nil {
		return err
	}
	return s.conn.SendResponse(ctx, rc, buffered)
}

func (s *responseSink) onFlushTimer() {
	ctx, cancel := s.opContext()
	defer cancel()

	release, err := s.gate.Lock(ctx)
	if err != nil {
		s.logger.Warn("flush timer could not acquire response gate", "err", err)
		return
	}
	if s.state != stateBuffering {
		release()
		return
	}

	flush, err := s.claimFlush(flushTimer)
	release()
	if err != nil {
		s.logger.Warn("flush timer could not build response", "err", err)
		return
	}
	if err := flush(ctx); err != nil {
		s.logger.Warn("flush timer send failed", "err", err)
	}
}

// Close implements io.Closer. Only the first call sends anything.
func (s *responseSink) Close() error {
	ctx, cancel := s.opContext()
	defer cancel()

	release, err := s.gate.Lock(ctx)
	if err != nil {
		return err
	}

	var (
		rc   *command.ResponseCommand
		body []byte
		hs   *headerSend
	)
	switch s.state {
	case stateClosed:
		release()
		return nil
	case stateBuffering:
		rc, err = s.resp.command()
		body = s.buf
		s.buf = nil
		s.stopTimer()
		if err != nil {
			// The response cannot be encoded; end it without sending.
			s.state = stateClosed
			release()
			s.conn.Close()
			return err
		}
		rc.SetBody(len(body) > 0)
	case stateHeaderSent:
		hs = s.header
	}
	s.state = stateClosed
	release()

	var sendErr error
	if rc != nil {
		// No rendezvous is forced here: a response that never left the
		// buffer goes out over the control channel in one message.
		sendErr = s.conn.SendResponse(ctx, rc, body)
	} else if sendErr = hs.wait(ctx); sendErr == nil {
		// The body stream ends when the rendezvous connection closes.
		sendErr = s.conn.SendBody(ctx, nil)
	}

	s.conn.Close()
	return sendErr
}

// stopTimer cancels the watchdog. A callback that already fired sees a
// non-buffering state and does nothing.
func (s *responseSink) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
