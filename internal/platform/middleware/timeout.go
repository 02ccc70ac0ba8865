package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/cqlpipe/internal/platform/fhir"
)

// RequestTimeout bounds each request with a context deadline. The handler
// runs on the request goroutine and sees the deadline through its request
// context; when it returns after the deadline without writing a response,
// the client gets a 504 with an OperationOutcome.
//
// Streaming endpoints (paths ending in /stream) are skipped; they carry
// their own per-stage deadlines.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 || strings.HasSuffix(c.Request().URL.Path, "/stream") {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if c.Response().Committed {
				return err
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return writeOutcome(c, http.StatusGatewayTimeout, fhir.IssueTypeTimeout,
					"request processing exceeded "+timeout.String())
			}
			return err
		}
	}
}
