package docstore

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// Options tunes the optimistic retry loop shared by store implementations.
type Options struct {
	// MaxAttempts bounds how many times a conflicting body is re-run.
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// OnConflict is invoked after every conflicting attempt.
	OnConflict func(attempt int)
}

// DefaultOptions mirrors the hosted store defaults: five attempts with a short
// jittered exponential backoff.
func DefaultOptions() Options {
	return Options{MaxAttempts: 5, BaseBackoff: 10 * time.Millisecond, MaxBackoff: 500 * time.Millisecond}
}

func (o Options) normalized() Options {
	def := DefaultOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = def.MaxAttempts
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = def.BaseBackoff
	}
	if o.MaxBackoff < o.BaseBackoff {
		o.MaxBackoff = o.BaseBackoff
	}
	return o
}

// Retry drives attempt until it succeeds, fails with a non-conflict error, or
// the attempt budget is spent.
func Retry(ctx context.Context, opts Options, attempt func(context.Context) (CommitResult, error)) (CommitResult, error) {
	opts = opts.normalized()
	var lastErr error
	for n := 1; n <= opts.MaxAttempts; n++ {
		if err := ctx.Err(); err != nil {
			return CommitResult{}, err
		}
		res, err := attempt(ctx)
		if err == nil {
			res.Attempts = n
			return res, nil
		}
		if !errors.Is(err, ErrConflict) {
			return CommitResult{}, err
		}
		lastErr = err
		if opts.OnConflict != nil {
			opts.OnConflict(n)
		}
		if n == opts.MaxAttempts {
			break
		}
		if err := sleep(ctx, backoff(opts, n)); err != nil {
			return CommitResult{}, err
		}
	}
	return CommitResult{}, fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, opts.MaxAttempts, lastErr)
}

func backoff(opts Options, attempt int) time.Duration {
	d := opts.BaseBackoff << (attempt - 1)
	if d <= 0 || d > opts.MaxBackoff {
		d = opts.MaxBackoff
	}
	half := int64(d / 2)
	if half <= 0 {
		return d
	}
	return time.Duration(half + rand.Int64N(half+1))
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
