package server

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	invocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loglined_invocations_total",
		Help: "Ledger invocations by route, method and response status.",
	}, []string{"path", "method", "status"})

	invocationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "loglined_invocation_duration_seconds",
		Help:    "Ledger invocation latency by route and method.",
		Buckets: prometheus.DefBuckets,
	}, []string{"path", "method"})
)

// invocationMetrics records per-invocation counters and latency.
func invocationMetrics() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			path := c.Path()
			invocationsTotal.WithLabelValues(path, c.Request().Method, strconv.Itoa(status)).Inc()
			invocationDuration.WithLabelValues(path, c.Request().Method).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
