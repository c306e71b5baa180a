// Package retry holds the single backoff policy shared by every outbound call the
// pipeline makes. Only errors marked with Transient are retried.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// Policy describes how many times an operation is attempted and how long to wait
// between attempts.
type Policy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	JitterPercent uint64
}

// Default is used when a component is constructed without an explicit policy.
var Default = Policy{
	MaxAttempts:   3,
	BaseDelay:     time.Second,
	MaxDelay:      30 * time.Second,
	JitterPercent: 20,
}

// WithAttempts returns a copy of p with a different attempt budget.
func (p Policy) WithAttempts(n int) Policy {
	p.MaxAttempts = n
	return p
}

// Do runs fn until it succeeds, returns a non-transient error, the attempt budget is
// spent, or ctx is done. The last error is returned wrapped with the attempt count.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := 0
	err := goretry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if IsTransient(err) {
			return goretry.RetryableError(err)
		}
		return err
	})
	if err == nil {
		return nil
	}
	if attempts > 1 {
		return fmt.Errorf("after %d attempts: %w", attempts, err)
	}
	return err
}

func (p Policy) backoff() goretry.Backoff {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Millisecond
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	b := goretry.NewExponential(base)
	if p.JitterPercent > 0 {
		b = goretry.WithJitterPercent(p.JitterPercent, b)
	}
	if p.MaxDelay > 0 {
		b = goretry.WithCappedDuration(p.MaxDelay, b)
	}
	return goretry.WithMaxRetries(uint64(attempts-1), b)
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as safe to retry. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether any error in err's chain was marked with Transient.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// StatusTransient classifies an HTTP status code returned by a remote service.
func StatusTransient(code int) bool {
	switch {
	case code == 408, code == 425, code == 429:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}
