// Package retry runs an operation under a fixed attempt budget with
// exponential backoff between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Lllllllleong/documentpageflow/internal/apperr"
)

const (
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 1 * time.Second
)

// Policy describes how many times an operation runs and how long to wait in
// between. The wait before attempt n+1 is InitialBackoff * 2^(n-1).
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy is 3 attempts with 1s, 2s backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    DefaultMaxAttempts,
		InitialBackoff: DefaultInitialBackoff,
	}
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Op       string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Backoff returns the wait before the attempt following attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.InitialBackoff << (attempt - 1)
}

// Do calls fn until it succeeds, returns an error whose kind is not
// apperr.Transient, or the attempt budget runs out. fn receives the 1-based
// attempt number.
func (p Policy) Do(ctx context.Context, logger *slog.Logger, op string, fn func(ctx context.Context, attempt int) error) error {
	if logger == nil {
		logger = slog.Default()
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if !apperr.IsKind(err, apperr.Transient) {
			return err
		}
		lastErr = err

		if attempt == maxAttempts {
			break
		}

		backoff := p.Backoff(attempt)
		logger.Warn(
			"Attempt failed, will retry.",
			"op", op,
			"attempt", attempt,
			"maxAttempts", maxAttempts,
			"backoff", backoff.String(),
			"error", err,
		)
		if err := p.sleep(ctx, backoff); err != nil {
			logger.Error("Context cancelled during backoff. Aborting retries.", "op", op, "error", err)
			return err
		}
	}

	logger.Error("All attempts failed.", "op", op, "attempts", maxAttempts, "error", lastErr)
	return &ExhaustedError{Op: op, Attempts: maxAttempts, Last: lastErr}
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
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

// IsExhausted reports whether err came from running out of attempts.
func IsExhausted(err error) bool {
	var e *ExhaustedError
	return errors.As(err, &e)
}
