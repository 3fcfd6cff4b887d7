// Package retry runs an operation with capped exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/decred/slog"
)

type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	// MaxAttempts of zero retries until the context ends.
	MaxAttempts int
}

// Durable is the policy used around relay writes that hold value.
var Durable = Config{
	InitialDelay: 250 * time.Millisecond,
	MaxDelay:     4 * time.Second,
	Factor:       2,
	MaxAttempts:  4,
}

type Retry struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	factor       float64
	maxAttempts  int
	log          slog.Logger
}

func New(cfg Config, log slog.Logger) *Retry {
	if log == nil {
		log = slog.Disabled
	}
	r := &Retry{
		initialDelay: cfg.InitialDelay,
		maxDelay:     cfg.MaxDelay,
		factor:       cfg.Factor,
		maxAttempts:  cfg.MaxAttempts,
		log:          log,
	}
	if r.factor < 1 {
		r.factor = 1
	}
	if r.maxDelay < r.initialDelay {
		r.maxDelay = r.initialDelay
	}
	return r
}

// Do calls fn until it succeeds, reports the error as not retryable, the
// attempts run out or ctx ends. The last error from fn is returned.
func (r *Retry) Do(ctx context.Context, fn func(attempt int) (retryable bool, err error)) error {
	attempt := 0
	for {
		attempt++
		retryable, err := fn(attempt)
		if err == nil {
			return nil
		}
		r.log.Debugf("%v (attempt=%d)", err, attempt)
		if !retryable || (r.maxAttempts > 0 && attempt >= r.maxAttempts) {
			return err
		}
		if werr := r.WaitDelay(ctx, attempt); werr != nil {
			return err
		}
	}
}

// Delay is the wait after failureCount failures.
func (r *Retry) Delay(failureCount int) time.Duration {
	if failureCount <= 0 {
		return 0
	}
	d := r.initialDelay
	for i := 0; i < failureCount-1; i++ {
		d = time.Duration(float64(d) * r.factor)
		if d > r.maxDelay {
			return r.maxDelay
		}
	}
	return d
}

func (r *Retry) WaitDelay(ctx context.Context, failureCount int) error {
	d := r.Delay(failureCount)
	if d == 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
