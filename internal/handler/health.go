// Package handler provides the admin HTTP endpoints.
package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"relay-listener-go/internal/config"
	"relay-listener-go/internal/listener"
)

// Version is a string type for dependency injection of the build version.
type Version string

// StatusSource reports the state of the relay listener.
type StatusSource interface {
	Status() listener.Status
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	source  StatusSource
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, source StatusSource, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, source: source, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// StatusResponse is the body of the relay status endpoint.
type StatusResponse struct {
	Status      string          `json:"status"`
	Version     string          `json:"version"`
	UpstreamURL string          `json:"upstream_url"`
	Listener    listener.Status `json:"listener"`
}

// Status returns listener status information. It answers 503 while the
// control channel is down so the endpoint can back a readiness probe.
func (h *HealthHandler) Status(c echo.Context) error {
	st := h.source.Status()
	resp := StatusResponse{
		Status:      "ok",
		Version:     string(h.version),
		UpstreamURL: h.cfg.Upstream.BaseURL,
		Listener:    st,
	}
	code := http.StatusOK
	if !st.Connected {
		resp.Status = "disconnected"
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}
