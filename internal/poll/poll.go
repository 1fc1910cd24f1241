// File: internal/poll/poll.go
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is returned when every attempt ran without the check reporting done.
var ErrExhausted = errors.New("poll attempts exhausted")

// Policy describes a bounded polling loop.
type Policy struct {
	// Interval is the pause between attempts.
	Interval time.Duration
	// MaxAttempts bounds the number of checks. Values below 1 are treated as 1.
	MaxAttempts int
	// SleepFirst pauses for Interval before the first check too.
	SleepFirst bool
}

// Bounded builds a policy that checks every interval until roughly total has elapsed.
func Bounded(interval, total time.Duration) Policy {
	attempts := 1
	if interval > 0 {
		attempts = int(total / interval)
		if attempts < 1 {
			attempts = 1
		}
	}
	return Policy{Interval: interval, MaxAttempts: attempts}
}

// Budget is the longest time the policy can spend sleeping.
func (p Policy) Budget() time.Duration {
	n := p.attempts()
	if !p.SleepFirst {
		n--
	}
	return time.Duration(n) * p.Interval
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Check is one polling attempt. Returning done=true or a non-nil error stops the loop.
type Check func(ctx context.Context, attempt int) (done bool, err error)

// Run drives check under policy p using clock c. It returns the number of checks made.
// The loop stops on the first done, the first error, context cancellation or exhaustion.
func Run(ctx context.Context, c Clock, p Policy, check Check) (int, error) {
	if c == nil {
		c = RealClock()
	}
	max := p.attempts()
	for attempt := 1; attempt <= max; attempt++ {
		if attempt > 1 || p.SleepFirst {
			if err := c.Sleep(ctx, p.Interval); err != nil {
				return attempt - 1, err
			}
		}
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}
		done, err := check(ctx, attempt)
		if err != nil {
			return attempt, err
		}
		if done {
			return attempt, nil
		}
	}
	return max, fmt.Errorf("%w after %d attempts", ErrExhausted, max)
}

// Retry calls fn until it succeeds, returns an error retryable rejects, or the policy is exhausted.
// On exhaustion the last error from fn is returned.
func Retry(ctx context.Context, c Clock, p Policy, retryable func(error) bool, fn func(ctx context.Context) error) error {
	var last error
	_, err := Run(ctx, c, p, func(ctx context.Context, _ int) (bool, error) {
		last = fn(ctx)
		if last == nil {
			return true, nil
		}
		if retryable != nil && retryable(last) {
			return false, nil
		}
		return false, last
	})
	if errors.Is(err, ErrExhausted) {
		return last
	}
	return err
}
