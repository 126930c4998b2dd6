// Package service implements the default relay handler: it forwards each
// relayed request to the configured upstream service.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/time/rate"

	"relay-listener-go/internal/client"
	"relay-listener-go/internal/config"
	"relay-listener-go/internal/metrics"
	"relay-listener-go/internal/model"
	"relay-listener-go/internal/relay"
)

// hopByHopHeaders are headers that should not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// secretPattern matches credential query parameters in URLs embedded in error messages.
var secretPattern = regexp.MustCompile(`(?i)((?:sig|sb-hc-token|code)=)[^&\s"]+`)

const (
	headerForwardedFor   = "X-Forwarded-For"
	headerForwardedHost  = "X-Forwarded-Host"
	headerForwardedProto = "X-Forwarded-Proto"
)

// Forwarder is a relay.Handler that proxies requests to the upstream.
type Forwarder struct {
	client  *client.UpstreamClient
	logger  *slog.Logger
	metrics *metrics.Metrics
	baseURL *url.URL
	limiter *rate.Limiter
}

// NewForwarder creates a Forwarder for cfg.Upstream. The metrics parameter
// is optional.
func NewForwarder(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*Forwarder, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	f := &Forwarder{
		client:  c,
		logger:  logger.With("component", "forwarder"),
		metrics: m,
		baseURL: u,
	}
	if rl := cfg.Upstream.RateLimit; rl.Enabled {
		f.limiter = rate.NewLimiter(rate.Limit(rl.RequestsPerSecond), max(rl.Burst, 1))
		f.logger.Info("upstream rate limit enabled", "rps", rl.RequestsPerSecond, "burst", rl.Burst)
	}
	return f, nil
}

// ServeRelay implements relay.Handler.
func (f *Forwarder) ServeRelay(rc *relay.Context) error {
	req := rc.Request
	resp := rc.Response

	if f.limiter != nil && !f.limiter.Allow() {
		if f.metrics != nil {
			f.metrics.UpstreamThrottled.Inc()
		}
		return writeError(resp, http.StatusTooManyRequests, "upstream admission limit reached")
	}

	target, err := f.upstreamURL(req.Target)
	if err != nil {
		return writeError(resp, http.StatusBadRequest, "invalid request target")
	}

	f.logger.Debug("forwarding request",
		"id", req.TrackingID,
		"method", req.Method,
		"target", req.Target,
	)

	up, err := f.client.Do(&model.ForwardRequest{
		Ctx:           rc.Context(),
		Method:        req.Method,
		URL:           target,
		Header:        f.requestHeaders(req),
		Body:          req.Body(),
		ContentLength: req.ContentLength(),
		TrackingID:    req.TrackingID,
	})
	if err != nil {
		return f.mapError(resp, req, err)
	}
	defer func() { _ = up.Body.Close() }()

	copyHeaders(resp.Header(), up.Header)
	if err := resp.SetStatusCode(up.StatusCode); err != nil {
		return writeError(resp, http.StatusBadGateway, "upstream returned an invalid status")
	}
	if desc := reasonPhrase(up.Status); desc != "" {
		// An unusable reason phrase falls back to the standard one.
		_ = resp.SetStatusDescription(desc)
	}

	// Once the response header has gone out a copy failure can only
	// truncate the body; the error is returned so the request is counted
	// as failed.
	if _, err := io.Copy(resp, up.Body); err != nil {
		f.logger.Error("streaming response body",
			"err", sanitizeError(err),
			"id", req.TrackingID,
		)
		return fmt.Errorf("stream upstream body: %w", err)
	}
	return nil
}

// upstreamURL resolves a relayed request target against the base URL,
// joining paths with exactly one slash.
func (f *Forwarder) upstreamURL(target string) (string, error) {
	ref, err := url.Parse(target)
	if err != nil {
		return "", err
	}
	u := *f.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(ref.Path, "/")
	u.RawPath = ""
	u.RawQuery = ref.RawQuery
	return u.String(), nil
}

func (f *Forwarder) requestHeaders(req *relay.Request) http.Header {
	dst := req.Header.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	stripHopByHop(dst)
	dst.Del("Host")

	if host, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		if prior := dst.Get(headerForwardedFor); prior != "" {
			host = prior + ", " + host
		}
		dst.Set(headerForwardedFor, host)
	}
	if req.URL != nil {
		dst.Set(headerForwardedHost, req.URL.Host)
		proto := "https"
		if req.URL.Scheme == "http" {
			proto = "http"
		}
		dst.Set(headerForwardedProto, proto)
	}
	return dst
}

// stripHopByHop removes hop-by-hop headers, including any named in Connection.
func stripHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

func copyHeaders(dst, src http.Header) {
	src = src.Clone()
	stripHopByHop(src)
	for key, vals := range src {
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
}

// reasonPhrase extracts "OK" from "200 OK".
func reasonPhrase(status string) string {
	_, desc, ok := strings.Cut(status, " ")
	if !ok {
		return ""
	}
	return desc
}

func (f *Forwarder) mapError(resp *relay.Response, req *relay.Request, err error) error {
	f.logger.Error("upstream error",
		"err", sanitizeError(err),
		"id", req.TrackingID,
		"target", req.Target,
	)

	if errors.Is(err, context.DeadlineExceeded) {
		return writeError(resp, http.StatusGatewayTimeout, "upstream request timed out")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return writeError(resp, http.StatusGatewayTimeout, "upstream request timed out")
	}

	if errors.Is(err, context.Canceled) {
		return writeError(resp, http.StatusBadGateway, "request canceled")
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return writeError(resp, http.StatusBadGateway, "upstream host unreachable")
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return writeError(resp, http.StatusBadGateway, "upstream connection failed")
	}

	return writeError(resp, http.StatusBadGateway, "upstream request failed")
}

// writeError answers with a small JSON error body.
func writeError(resp *relay.Response, status int, msg string) error {
	if err := resp.SetStatusCode(status); err != nil {
		return err
	}
	resp.Header().Set("Content-Type", "application/json")
	body, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		return err
	}
	_, err = resp.Write(body)
	return err
}

// sanitizeError redacts signatures and tokens from error messages that may contain URLs.
func sanitizeError(err error) string {
	return secretPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
