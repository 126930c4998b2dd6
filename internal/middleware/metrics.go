package middleware

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"relay-listener-go/internal/metrics"
)

// unmatchedRoute labels requests that matched no registered route. All 404s
// carry it, whatever partial route the router reports.
const unmatchedRoute = "unmatched"

// MetricsMiddleware returns an Echo middleware that counts admin requests by
// method, route and status code.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)

			// A returned *echo.HTTPError has not been written yet; the
			// central error handler writes it later.
			statusCode := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					statusCode = he.Code
				}
			}

			route := c.Path()
			if route == "" || statusCode == http.StatusNotFound {
				route = unmatchedRoute
			}

			m.AdminRequestsTotal.WithLabelValues(
				metrics.NormalizeMethod(c.Request().Method),
				route,
				strconv.Itoa(statusCode),
			).Inc()

			return err
		}
	}
}
