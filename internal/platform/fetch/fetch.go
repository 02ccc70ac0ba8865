// Package fetch retrieves clinical-content artifacts (CQL libraries, value
// sets, patient bundles) from the places they live: a FHIR server over HTTP,
// the local filesystem, a Postgres artifact table, or process memory.
//
// Every Fetcher is single-shot and returns the payload bytes exactly as the
// source delivered them. Failures are classified with the sentinel errors
// below so callers can tell a transport failure from a missing resource or an
// expired deadline.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrNetwork           = errors.New("network failure")
	ErrNotFound          = errors.New("resource not found")
	ErrTimeout           = errors.New("fetch timed out")
	ErrUnsupportedScheme = errors.New("unsupported address scheme")
)

// Fetcher retrieves the payload stored at a fully-resolved address.
type Fetcher interface {
	Fetch(ctx context.Context, address string) ([]byte, error)
}

// FetcherFunc adapts a plain function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, address string) ([]byte, error)

// Fetch calls f(ctx, address).
func (f FetcherFunc) Fetch(ctx context.Context, address string) ([]byte, error) {
	return f(ctx, address)
}

// WithTimeout bounds every call to f by d. A call that runs out of time is
// reported as ErrTimeout. A non-positive d returns f unchanged.
func WithTimeout(f Fetcher, d time.Duration) Fetcher {
	if d <= 0 {
		return f
	}
	return FetcherFunc(func(ctx context.Context, address string) ([]byte, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		payload, err := f.Fetch(ctx, address)
		if err == nil {
			return payload, nil
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
			return nil, fmt.Errorf("fetch %s: %w after %s", address, ErrTimeout, d)
		}
		return nil, err
	})
}

// contextFailure converts a context error observed while fetching address
// into the package taxonomy. Cancellation is passed through untouched so the
// caller can tell a superseded request from a slow source.
func contextFailure(address string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("fetch %s: %w: %w", address, ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("fetch %s: %w", address, err)
	default:
		return nil
	}
}
