package fetch

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// RetryPolicy controls Retrying.
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Retrying wraps f so that network failures and timeouts are retried with
// exponential backoff. Missing resources and configuration errors are
// returned on the first attempt. With MaxRetries == 0, f is returned as is.
func Retrying(f Fetcher, policy RetryPolicy, logger zerolog.Logger) Fetcher {
	if policy.MaxRetries == 0 {
		return f
	}
	return FetcherFunc(func(ctx context.Context, address string) ([]byte, error) {
		var payload []byte
		attempt := 0
		op := func() error {
			attempt++
			b, err := f.Fetch(ctx, address)
			if err == nil {
				payload = b
				return nil
			}
			if errors.Is(err, ErrNetwork) || errors.Is(err, ErrTimeout) {
				logger.Warn().Err(err).Str("address", address).Int("attempt", attempt).Msg("fetch failed, retrying")
				return err
			}
			return backoff.Permanent(err)
		}

		eb := backoff.NewExponentialBackOff()
		if policy.InitialInterval > 0 {
			eb.InitialInterval = policy.InitialInterval
		}
		if policy.MaxInterval > 0 {
			eb.MaxInterval = policy.MaxInterval
		}
		b := backoff.WithContext(backoff.WithMaxRetries(eb, policy.MaxRetries), ctx)

		if err := backoff.Retry(op, b); err != nil {
			return nil, err
		}
		return payload, nil
	})
}
