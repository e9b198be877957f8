// Package schedule holds the timing primitives shared by the round
// coordinator and the workers: cancellable sleeps, fixed-interval loops,
// deadline waits with adaptive backoff, and the cron-based round cutover.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Every runs fn immediately and then once per interval until ctx is done.
// A slow fn delays the next run; runs never overlap.
func Every(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		fn(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PollUntil calls check every interval until it reports done. Errors are
// passed to onErr and retried on the next interval. It returns ctx.Err()
// if ctx ends first.
func PollUntil(ctx context.Context, interval time.Duration, check func(ctx context.Context) (bool, error), onErr func(error)) error {
	for {
		done, err := check(ctx)
		if err != nil {
			if onErr != nil {
				onErr(err)
			}
		} else if done {
			return nil
		}
		if err := Sleep(ctx, interval); err != nil {
			return err
		}
	}
}

// Waiter blocks until a moving deadline is close.
type Waiter struct {
	// Lead is how long before the deadline the wait ends.
	Lead time.Duration
	// MinWait is the shortest sleep between deadline checks.
	MinWait time.Duration
	// MaxWait caps a single sleep so a deadline moved closer is noticed
	// within MaxWait. Zero means no cap.
	MaxWait time.Duration
	// Now and SleepFn default to the wall clock.
	Now     func() time.Time
	SleepFn func(ctx context.Context, d time.Duration) error
	// OnError is called when the deadline cannot be read.
	OnError func(error)
}

// Wait re-reads the deadline on every step, sleeping half the remaining
// time (between MinWait and MaxWait, never past the lead), until
// deadline - now <= Lead.
func (w *Waiter) Wait(ctx context.Context, deadline func(ctx context.Context) (time.Time, error)) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	sleep := w.SleepFn
	if sleep == nil {
		sleep = Sleep
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		d, err := deadline(ctx)
		if err != nil {
			if w.OnError != nil {
				w.OnError(err)
			}
			if err := sleep(ctx, w.MinWait); err != nil {
				return err
			}
			continue
		}

		remaining := d.Sub(now())
		if remaining <= w.Lead {
			return nil
		}
		if err := sleep(ctx, NextBackoff(remaining, w.Lead, w.MinWait, w.MaxWait)); err != nil {
			return err
		}
	}
}

// NextBackoff returns how long to sleep with remaining time left before
// the deadline. A non-positive maxWait leaves the step uncapped.
func NextBackoff(remaining, lead, minWait, maxWait time.Duration) time.Duration {
	step := remaining / 2
	if maxWait > 0 && step > maxWait {
		step = maxWait
	}
	if step < minWait {
		step = minWait
	}
	if untilLead := remaining - lead; untilLead > 0 && step > untilLead {
		step = untilLead
	}
	return step
}

// MinRoundLength keeps a freshly started round from closing almost at once
// when resolution finishes just before the cutover.
const MinRoundLength = time.Hour

// Cutover computes round deadlines from a standard cron expression in UTC.
type Cutover struct {
	expr     string
	schedule cron.Schedule
}

// ParseCutover parses a five-field cron expression such as "0 6 * * *".
func ParseCutover(expr string) (*Cutover, error) {
	s, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cutover %q: %w", expr, err)
	}
	return &Cutover{expr: expr, schedule: s}, nil
}

// Next returns the first cutover at least MinRoundLength after now.
func (c *Cutover) Next(now time.Time) time.Time {
	now = now.UTC()
	next := c.schedule.Next(now)
	for next.Sub(now) < MinRoundLength {
		next = c.schedule.Next(next)
	}
	return next
}

// String returns the cron expression.
func (c *Cutover) String() string {
	return c.expr
}
