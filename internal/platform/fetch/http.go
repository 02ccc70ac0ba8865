package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/cqlpipe/internal/platform/fhir"
)

// HTTPFetcher performs a single GET against a FHIR server.
type HTTPFetcher struct {
	client *http.Client
	token  string
	logger zerolog.Logger
}

// HTTPOption configures an HTTPFetcher.
type HTTPOption func(*HTTPFetcher)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(f *HTTPFetcher) {
		if c != nil {
			f.client = c
		}
	}
}

// WithBearerToken sends token in the Authorization header of every request.
func WithBearerToken(token string) HTTPOption {
	return func(f *HTTPFetcher) { f.token = token }
}

// NewHTTPFetcher creates an HTTPFetcher. The default client has no timeout of
// its own; deadlines come from the request context.
func NewHTTPFetcher(logger zerolog.Logger, opts ...HTTPOption) *HTTPFetcher {
	f := &HTTPFetcher{
		client: &http.Client{},
		logger: logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch issues GET address and returns the response body unmodified.
func (f *HTTPFetcher) Fetch(ctx context.Context, address string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, address, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w: %v", address, ErrUnsupportedScheme, err)
	}
	req.Header.Set("Accept", fhir.ContentTypeJSON)
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, transportFailure(address, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportFailure(address, err)
	}

	f.logger.Debug().
		Str("address", address).
		Int("status", resp.StatusCode).
		Int("bytes", len(body)).
		Dur("latency", time.Since(start)).
		Msg("fhir fetch")

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("fetch %s: %w (status %d)", address, ErrNotFound, resp.StatusCode)
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusGatewayTimeout:
		return nil, fmt.Errorf("fetch %s: %w (status %d)", address, ErrTimeout, resp.StatusCode)
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("fetch %s: %w: unexpected status %d", address, ErrNetwork, resp.StatusCode)
	}
	return body, nil
}

func transportFailure(address string, err error) error {
	if cerr := contextFailure(address, err); cerr != nil {
		return cerr
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("fetch %s: %w: %v", address, ErrTimeout, err)
	}
	return fmt.Errorf("fetch %s: %w: %v", address, ErrNetwork, err)
}
