package middleware

import (
	"encoding/json"

	"github.com/labstack/echo/v4"

	"github.com/ehr/cqlpipe/internal/platform/fhir"
)

// writeOutcome sends a single-issue OperationOutcome unless the response has
// already been started.
func writeOutcome(c echo.Context, status int, code, diagnostics string) error {
	if c.Response().Committed {
		return nil
	}
	body, err := json.Marshal(fhir.NewOperationOutcome(fhir.IssueSeverityError, code, diagnostics))
	if err != nil {
		return err
	}
	return c.Blob(status, fhir.ContentTypeJSON, body)
}
