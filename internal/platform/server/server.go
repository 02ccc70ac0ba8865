// Package server exposes the evaluation pipeline over HTTP.
package server

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/cqlpipe/internal/platform/middleware"
	"github.com/ehr/cqlpipe/internal/platform/telemetry"
)

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// Options configures New. Zero values disable the matching feature.
type Options struct {
	Logger         zerolog.Logger
	Metrics        *telemetry.PipelineMetrics
	RequestTimeout time.Duration
	BodyLimit      string
	Checks         map[string]HealthCheck
}

// New builds the echo instance with global middleware, health and metrics
// endpoints, and the evaluation routes under /api/v1.
func New(h *EvaluationHandler, opts Options) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(opts.Logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(opts.Logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(opts.Metrics.Middleware())
	if opts.BodyLimit != "" {
		e.Use(middleware.BodyLimit(opts.BodyLimit))
	}
	if opts.RequestTimeout > 0 {
		e.Use(middleware.RequestTimeout(opts.RequestTimeout))
	}

	e.GET("/health", healthHandler(opts.Checks))
	if opts.Metrics != nil {
		e.GET("/metrics", opts.Metrics.Handler())
	}

	h.RegisterRoutes(e.Group("/api/v1"))
	return e
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func healthHandler(checks map[string]HealthCheck) echo.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		resp := healthResponse{Status: "ok"}
		status := http.StatusOK
		for _, name := range names {
			if resp.Checks == nil {
				resp.Checks = make(map[string]string, len(names))
			}
			if err := checks[name](ctx); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "unhealthy"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
		return c.JSON(status, resp)
	}
}
