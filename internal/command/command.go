// Package command defines the JSON envelope exchanged with the relay service
// over the control and rendezvous channels.
//
// Every command is one text WebSocket message holding a single object with
// exactly one populated field. A command whose body flag is true is followed,
// on the same channel, by exactly one binary message carrying the body.
package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"golang.org/x/net/http/httpguts"
)

var (
	// ErrInvalidStatusCode is returned for status codes outside 100..999.
	ErrInvalidStatusCode = errors.New("command: status code must be between 100 and 999")
	// ErrInvalidStatusDescription is returned for descriptions holding control characters.
	ErrInvalidStatusDescription = errors.New("command: status description must not contain control characters")
	// ErrInvalidHeader is returned for response header names or values that
	// are not valid HTTP field syntax.
	ErrInvalidHeader = errors.New("command: invalid response header")
	// ErrEmptyCommand is returned when an envelope carries no known command.
	ErrEmptyCommand = errors.New("command: envelope carries no command")
)

// ListenerCommand is the envelope. Exactly one field is set.
type ListenerCommand struct {
	Request    *RequestCommand    `json:"request,omitempty"`
	Response   *ResponseCommand   `json:"response,omitempty"`
	Accept     *AcceptCommand     `json:"accept,omitempty"`
	RenewToken *RenewTokenCommand `json:"renewToken,omitempty"`
}

// Endpoint is the remote peer of a relayed request.
type Endpoint struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// String returns host:port.
func (e Endpoint) String() string {
	if e.Address == "" {
		return ""
	}
	if strings.Contains(e.Address, ":") {
		return fmt.Sprintf("[%s]:%d", e.Address, e.Port)
	}
	return fmt.Sprintf("%s:%d", e.Address, e.Port)
}

// RequestCommand describes one inbound HTTP request.
//
// Body is tri-state: true means one binary body message follows on the
// channel that delivered the command, false means there is no body, and nil
// means the command is a stub and the real command must be read from the
// rendezvous channel.
type RequestCommand struct {
	Address        string            `json:"address"`
	ID             string            `json:"id"`
	RequestTarget  string            `json:"requestTarget"`
	Method         string            `json:"method"`
	RemoteEndpoint Endpoint          `json:"remoteEndpoint"`
	RequestHeaders map[string]string `json:"requestHeaders,omitempty"`
	Body           *bool             `json:"body,omitempty"`
}

// HasBody reports whether the body flag is present and true.
func (r *RequestCommand) HasBody() bool {
	return r.Body != nil && *r.Body
}

// BodyKnown reports whether the body flag is present.
func (r *RequestCommand) BodyKnown() bool {
	return r.Body != nil
}

// ResponseCommand is the response header for one relayed request.
type ResponseCommand struct {
	RequestID         string            `json:"requestId"`
	StatusCode        int               `json:"statusCode"`
	StatusDescription string            `json:"statusDescription,omitempty"`
	ResponseHeaders   map[string]string `json:"responseHeaders,omitempty"`
	Body              *bool             `json:"body,omitempty"`
}

// NewResponseCommand validates status, description and headers and builds a
// response command. Multi-valued headers are joined with ", ".
func NewResponseCommand(requestID string, status int, description string, header http.Header) (*ResponseCommand, error) {
	if err := ValidateStatusCode(status); err != nil {
		return nil, err
	}
	if err := ValidateStatusDescription(description); err != nil {
		return nil, err
	}
	if err := ValidateHeader(header); err != nil {
		return nil, err
	}

	rc := &ResponseCommand{
		RequestID:         requestID,
		StatusCode:        status,
		StatusDescription: description,
	}
	if len(header) > 0 {
		rc.ResponseHeaders = make(map[string]string, len(header))
		for k, vals := range header {
			rc.ResponseHeaders[k] = strings.Join(vals, ", ")
		}
	}
	return rc, nil
}

// SetBody sets the body flag.
func (r *ResponseCommand) SetBody(hasBody bool) {
	r.Body = &hasBody
}

// HasBody reports whether the body flag is present and true.
func (r *ResponseCommand) HasBody() bool {
	return r.Body != nil && *r.Body
}

// AcceptCommand announces a relayed WebSocket session.
type AcceptCommand struct {
	Address        string            `json:"address"`
	ID             string            `json:"id"`
	RemoteEndpoint Endpoint          `json:"remoteEndpoint"`
	ConnectHeaders map[string]string `json:"connectHeaders,omitempty"`
}

// RenewTokenCommand carries a fresh token for the control channel.
type RenewTokenCommand struct {
	Token string `json:"token"`
}

// ValidateStatusCode accepts 100..999 inclusive.
func ValidateStatusCode(code int) error {
	if code < 100 || code > 999 {
		return fmt.Errorf("%w: got %d", ErrInvalidStatusCode, code)
	}
	return nil
}

// ValidateStatusDescription rejects ASCII control characters except
// horizontal tab, and any rune at or above DEL.
func ValidateStatusDescription(desc string) error {
	for i, r := range desc {
		if (r <= 31 && r != '\t') || r >= 127 {
			return fmt.Errorf("%w: character %U at offset %d", ErrInvalidStatusDescription, r, i)
		}
	}
	return nil
}

// ValidateHeader rejects header names that are not HTTP tokens and values
// holding control characters such as CR, LF or BEL.
func ValidateHeader(h http.Header) error {
	for name, vals := range h {
		if !httpguts.ValidHeaderFieldName(name) {
			return fmt.Errorf("%w: name %q", ErrInvalidHeader, name)
		}
		for _, v := range vals {
			if !httpguts.ValidHeaderFieldValue(v) {
				return fmt.Errorf("%w: value of %s", ErrInvalidHeader, name)
			}
		}
	}
	return nil
}

// Parse decodes one text message into an envelope.
func Parse(data []byte) (*ListenerCommand, error) {
	var lc ListenerCommand
	if err := json.Unmarshal(data, &lc); err != nil {
		return nil, fmt.Errorf("command: decode envelope: %w", err)
	}
	if lc.Request == nil && lc.Response == nil && lc.Accept == nil && lc.RenewToken == nil {
		return nil, ErrEmptyCommand
	}
	return &lc, nil
}

// Marshal encodes the envelope as compact JSON.
func (lc *ListenerCommand) Marshal() ([]byte, error) {
	data, err := json.Marshal(lc)
	if err != nil {
		return nil, fmt.Errorf("command: encode envelope: %w", err)
	}
	return data, nil
}

// Kind names the populated field, for logging.
func (lc *ListenerCommand) Kind() string {
	switch {
	case lc.Request != nil:
		return "request"
	case lc.Response != nil:
		return "response"
	case lc.Accept != nil:
		return "accept"
	case lc.RenewToken != nil:
		return "renewToken"
	default:
		return "none"
	}
}

// HeaderFromMap converts a wire header map into an http.Header. Keys are
// added in sorted order so repeated conversions are stable.
func HeaderFromMap(m map[string]string) http.Header {
	h := make(http.Header, len(m))
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Add(k, m[k])
	}
	return h
}
