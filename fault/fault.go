// Package fault defines the shared error taxonomy for LifeQuery operations.
//
// Every long-running operation classifies failures into one of four buckets:
//
//	ErrConfig    settings missing or invalid; refuse the operation
//	ErrTransient network hiccup or rate limit; retried in place
//	ErrUpstream  the LLM or embedder returned a deterministic failure
//	ErrConflict  a single-flight admission rejection
//
// Cancellation is represented by context.Canceled, not a fault sentinel.
package fault

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrConfig    = errors.New("configuration error")
	ErrTransient = errors.New("transient error")
	ErrUpstream  = errors.New("upstream error")
	ErrConflict  = errors.New("operation already running")
)

// Config wraps err (or formats a message) as a configuration error.
func Config(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

// Transient wraps err as a retryable error.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Upstream wraps err as a deterministic upstream failure.
func Upstream(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrUpstream, err)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// IsCancelled reports whether err is a cancellation rather than a failure.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

const maxRetries = 3

// Retry runs fn up to 3 times with 100/200/300 ms backoff, retrying only
// transient errors. Any other error (or success) returns immediately.
func Retry(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil || !IsTransient(err) {
			return err
		}
		if i == maxRetries-1 {
			break
		}
		t := time.NewTimer(time.Duration(100*(i+1)) * time.Millisecond)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}
