package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
)

// ErrExhausted is wrapped by the error Do returns once the strategy allows
// no further retries.
var ErrExhausted = errors.New("retry attempts exhausted")

// NotifyFunc is called after a failed attempt, before waiting wait for the
// next one. attempt counts from 1.
type NotifyFunc func(err error, attempt int, wait time.Duration)

// Do runs op until it succeeds, the strategy is exhausted or ctx is done.
// Waits between attempts are aborted when ctx is cancelled, in which case
// ctx.Err() is returned. On exhaustion the returned error wraps both
// ErrExhausted and the last error from op.
func Do(ctx context.Context, s Strategy, op func(ctx context.Context) error, notify NotifyFunc) error {
	attempts := 0
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		attempts++
		return op(ctx)
	}

	var onFailure backoff.Notify
	if notify != nil {
		onFailure = func(err error, wait time.Duration) {
			notify(err, attempts, wait)
		}
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(s.BackOff(), ctx), onFailure)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, err)
}
