package service

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/and161185/mdmkeeper/internal/model"
)

const maxRetryDelay = 10 * time.Second

// errRetryableStatus marks a response worth another attempt.
var errRetryableStatus = errors.New("retryable status")

// Retry returns a Middleware that re-issues a dispatch up to maxRetries times with
// exponential backoff starting at base. Transport errors, 429 and 5xx are retried;
// the last response or error is returned unchanged.
func Retry(maxRetries uint64, base time.Duration) Middleware {
	return func(next DispatchFunc) DispatchFunc {
		if maxRetries == 0 {
			return next
		}
		return func(ctx context.Context, token string, kind model.ActionKind, deviceID string) (int, []byte, error) {
			var (
				status  int
				body    []byte
				lastErr error
			)
			b := retry.WithCappedDuration(maxRetryDelay, retry.WithMaxRetries(maxRetries, retry.NewExponential(base)))
			err := retry.Do(ctx, b, func(ctx context.Context) error {
				status, body, lastErr = next(ctx, token, kind, deviceID)
				switch {
				case lastErr != nil:
					if ctx.Err() != nil {
						return lastErr
					}
					return retry.RetryableError(lastErr)
				case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
					return retry.RetryableError(errRetryableStatus)
				}
				return nil
			})
			if status == 0 && lastErr == nil && err != nil {
				// cancelled before the first attempt
				return 0, nil, err
			}
			return status, body, lastErr
		}
	}
}
