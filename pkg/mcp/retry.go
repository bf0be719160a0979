package mcp

import (
	"context"
	"errors"
	"net"
	"time"
)

// RetryPolicy controls how tool calls are retried on transient failures.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
	Retryable   func(error) bool
	Sleep       func(context.Context, time.Duration) error
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Backoff == nil {
		p.Backoff = func(attempt int) time.Duration {
			if attempt <= 1 {
				return 0
			}
			return time.Duration(1<<(attempt-2)) * 50 * time.Millisecond
		}
	}
	if p.Retryable == nil {
		p.Retryable = defaultRetryable
	}
	if p.Sleep == nil {
		p.Sleep = sleepContext
	}
	return p
}

// Do runs fn until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. onRetry runs before each new attempt.
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) error, onRetry func(error)) error {
	p = p.withDefaults()
	if err := ctx.Err(); err != nil {
		return err
	}
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !p.Retryable(err) || attempt == p.MaxAttempts {
			break
		}
		if onRetry != nil {
			onRetry(err)
		}
		if err := p.Sleep(ctx, p.Backoff(attempt+1)); err != nil {
			return err
		}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func defaultRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return nerr.Timeout()
	}
	var oerr *net.OpError
	return errors.As(err, &oerr)
}
