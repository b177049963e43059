package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Outcome tags the result of Do.
type Outcome int

const (
	// Success means fn returned nil.
	Success Outcome = iota
	// Retryable means the loop stopped before the budget was spent (the
	// context ended); the work may be attempted again later.
	Retryable
	// Exhausted means no further attempts will be made: either every attempt
	// failed or fn returned a permanent error.
	Exhausted
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Retryable:
		return "retryable"
	case Exhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is returned by Do. Attempts counts calls to fn; Err is the last error.
type Result struct {
	Outcome  Outcome
	Attempts int
	Err      error
}

// Policy bounds a retry loop. MaxRetries is the number of retries after the
// first attempt. When Schedule is non-empty it supplies the delays (the last
// entry repeats); otherwise Backoff is used.
type Policy struct {
	MaxRetries int
	Backoff    Backoff
	Schedule   []time.Duration
}

// Delay returns the wait before retry number n (0-based).
func (p Policy) Delay(n int) time.Duration {
	if len(p.Schedule) > 0 {
		if n >= len(p.Schedule) {
			n = len(p.Schedule) - 1
		}
		return p.Schedule[n]
	}
	return p.Backoff.Delay(n)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Do calls fn until it succeeds, returns a permanent error, the retry budget
// is spent, or ctx ends. attempt is 1-based.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) Result {
	var last error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{Outcome: Retryable, Attempts: attempt - 1, Err: firstErr(last, err)}
		}
		err := fn(ctx, attempt)
		if err == nil {
			return Result{Outcome: Success, Attempts: attempt}
		}
		last = err
		if IsPermanent(err) || attempt > p.MaxRetries {
			return Result{Outcome: Exhausted, Attempts: attempt, Err: err}
		}
		if werr := sleep(ctx, p.Delay(attempt-1)); werr != nil {
			return Result{Outcome: Retryable, Attempts: attempt, Err: err}
		}
	}
}

func firstErr(errs ...error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
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
