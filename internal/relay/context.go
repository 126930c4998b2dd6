package relay

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"relay-listener-go/internal/command"
)

// Handler serves one relayed request. Returning an error, or panicking,
// turns the response into a 500 if nothing has been sent yet.
type Handler interface {
	ServeRelay(rc *Context) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(rc *Context) error

// ServeRelay calls f(rc).
func (f HandlerFunc) ServeRelay(rc *Context) error { return f(rc) }

// Context is what a Handler sees for one relayed request.
type Context struct {
	ctx      context.Context
	Request  *Request
	Response *Response
}

// Context returns the context bounding the request.
func (c *Context) Context() context.Context { return c.ctx }

// Request is the inbound side of a relayed request.
type Request struct {
	Method     string
	URL        *url.URL
	Target     string
	Header     http.Header
	RemoteAddr string
	TrackingID string
	HasBody    bool

	body []byte
}

// Body returns a reader over the request body, or http.NoBody.
func (r *Request) Body() io.Reader {
	if !r.HasBody {
		return http.NoBody
	}
	return bytes.NewReader(r.body)
}

// ContentLength returns the body size, or 0 when there is no body.
func (r *Request) ContentLength() int64 {
	return int64(len(r.body))
}

// Response is the outbound side of a relayed request. Bytes written to it
// go to the response sink, which decides between the control and
// rendezvous channels.
type Response struct {
	mu          sync.Mutex
	requestID   string
	status      int
	description string
	header      http.Header
	closed      bool

	// sent is the header as of the first Write. The watchdog reads it from
	// its own goroutine, so it never touches the live map.
	sent http.Header

	sink *responseSink
}

func newResponse(requestID string) *Response {
	return &Response{
		requestID: requestID,
		status:    http.StatusOK,
		header:    make(http.Header),
	}
}

// StatusCode returns the current status code.
func (r *Response) StatusCode() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// SetStatusCode sets the status code. Codes outside 100..999 are rejected.
// It has no effect on the wire once the response header has been sent.
func (r *Response) SetStatusCode(code int) error {
	if err := command.ValidateStatusCode(code); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrResponseClosed
	}
	r.status = code
	return nil
}

// StatusDescription returns the description, defaulting to the standard
// reason phrase for the status code.
func (r *Response) StatusDescription() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.descriptionLocked()
}

func (r *Response) descriptionLocked() string {
	if r.description != "" {
		return r.description
	}
	return http.StatusText(r.status)
}

// SetStatusDescription sets the reason phrase. Control characters other
// than horizontal tab are rejected.
func (r *Response) SetStatusDescription(desc string) error {
	if err := command.ValidateStatusDescription(desc); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrResponseClosed
	}
	r.description = desc
	return nil
}

// Header returns the response header map. As with net/http, changes after
// the first Write are not sent.
func (r *Response) Header() http.Header { return r.header }

// SetWriteTimeout bounds each Write and Close, including waiting for the
// response gate. Zero or deadline.MaxDuration removes the bound; negative
// values are rejected.
func (r *Response) SetWriteTimeout(d time.Duration) error {
	return r.sink.setWriteTimeout(d)
}

// Write buffers or streams p.
func (r *Response) Write(p []byte) (int, error) {
	r.freezeHeader()
	return r.sink.Write(p)
}

// freezeHeader copies the live header on the writer's goroutine.
func (r *Response) freezeHeader() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent == nil {
		r.sent = r.header.Clone()
	}
}

// Close sends whatever has not been sent, ends the response and releases
// the rendezvous connection. Calling Close again is a no-op.
func (r *Response) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return r.sink.Close()
}

// command snapshots the response into a response command.
func (r *Response) command() (*command.ResponseCommand, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	header := r.sent
	if header == nil {
		header = r.header
	}
	return command.NewResponseCommand(r.requestID, r.status, r.descriptionLocked(), header)
}
