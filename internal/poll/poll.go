// Package poll implements the bounded wait loops used against the remote page.
//
// Every wait is identified by a site name so callers can tell which phase of
// an interaction ran out of time.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const defaultInterval = 250 * time.Millisecond

// ErrTimeout is matched by every *TimeoutError.
var ErrTimeout = errors.New("wait timed out")

type Spec struct {
	Site     string
	Interval time.Duration
	Timeout  time.Duration
}

type TimeoutError struct {
	Site    string
	Timeout time.Duration
	LastErr error
}

func (e *TimeoutError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("timeout after %s waiting for %s (last error: %v)", e.Timeout, e.Site, e.LastErr)
	}
	return fmt.Sprintf("timeout after %s waiting for %s", e.Timeout, e.Site)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

func (e *TimeoutError) Unwrap() error {
	return e.LastErr
}

// Permanent marks a condition error that must stop the loop immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Until evaluates cond right away and then once per interval until it reports
// done, returns a Permanent error, or the timeout elapses. Other condition
// errors are treated as transient and kept for the timeout report.
func Until(ctx context.Context, spec Spec, cond func(context.Context) (bool, error)) error {
	interval := spec.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	if spec.Timeout <= 0 {
		return fmt.Errorf("wait for %s: timeout must be positive", spec.Site)
	}

	deadline := time.Now().Add(spec.Timeout)
	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error
	for {
		done, err := cond(waitCtx)
		if err != nil {
			var perm *permanentError
			if errors.As(err, &perm) {
				return perm.err
			}
			lastErr = err
		} else if done {
			return nil
		}

		select {
		case <-waitCtx.Done():
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return &TimeoutError{Site: spec.Site, Timeout: spec.Timeout, LastErr: lastErr}
		case <-ticker.C:
		}
	}
}

// Sleep pauses for d unless ctx ends first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
