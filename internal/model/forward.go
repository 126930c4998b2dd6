// Package model defines the types exchanged between the forwarding handler
// and the upstream client.
package model

import (
	"context"
	"io"
	"net/http"
)

// ForwardRequest is a relayed request on its way to the upstream.
type ForwardRequest struct {
	Ctx           context.Context
	Method        string
	URL           string
	Header        http.Header
	Body          io.Reader
	ContentLength int64
	// TrackingID is the relay's id for the request. It tags upstream logs
	// and is passed on as X-Request-Id unless the caller already sent one.
	TrackingID string
}

// UpstreamResponse is the upstream answer to be written into the relay
// response. The caller closes Body.
type UpstreamResponse struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       io.ReadCloser
}
