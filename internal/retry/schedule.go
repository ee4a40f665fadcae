// Package retry paces the engine's dials to a remote device.  A
// [Schedule] retries one toggle's dial a few times; a [Cooldown] spans
// toggles and refuses dials to a device that keeps failing.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// fatal marks an error that another dial will not fix.
type fatal struct{ err error }

func (f *fatal) Error() string { return f.err.Error() }
func (f *fatal) Unwrap() error { return f.err }

// Permanent marks err so that [Schedule.Run] returns it without trying
// again.  Permanent(nil) is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &fatal{err: err}
}

// IsPermanent reports whether err, or anything it wraps, went through
// [Permanent].
func IsPermanent(err error) bool {
	var f *fatal
	return errors.As(err, &f)
}

// Schedule is a capped exponential dial schedule.
type Schedule struct {
	// First is the pause after the first failed dial.
	First time.Duration
	// Cap bounds every pause.
	Cap time.Duration
	// Attempts is the number of dials, including the first.  Zero
	// keeps dialing until ctx ends.
	Attempts int
	// Spread randomises each pause by up to ±Spread of itself
	// (0.25 = ±25%).  Zero waits exactly.
	Spread float64

	// OnRetry is told about each failed dial before the pause.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DeviceDial is the schedule used for device dials.  A user is waiting
// on the toggle, so it gives up after a few quick tries.
func DeviceDial() *Schedule {
	return &Schedule{
		First:    500 * time.Millisecond,
		Cap:      10 * time.Second,
		Attempts: 5,
		Spread:   0.25,
	}
}

// Pause returns the pause after the given failed attempt (1-based),
// before any spread.
func (s *Schedule) Pause(attempt int) time.Duration {
	d := s.First
	if d <= 0 {
		d = time.Second
	}
	limit := s.Cap
	if limit <= 0 {
		limit = time.Minute
	}
	for i := 1; i < attempt && d < limit; i++ {
		d *= 2
	}
	return min(d, limit)
}

// Run calls dial until it succeeds, fails permanently, runs out of
// attempts, or ctx ends.  A permanent failure is returned unwrapped.
func (s *Schedule) Run(ctx context.Context, dial func(attempt int) error) error {
	for attempt := 1; ; attempt++ {
		err := dial(attempt)
		if err == nil {
			return nil
		}
		var f *fatal
		if errors.As(err, &f) {
			return f.err
		}
		if s.Attempts > 0 && attempt >= s.Attempts {
			return fmt.Errorf("gave up after %d dials: %w", attempt, err)
		}

		wait := spread(s.Pause(attempt), s.Spread)
		if s.OnRetry != nil {
			s.OnRetry(attempt, err, wait)
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("dial abandoned: %w", ctx.Err())
		case <-t.C:
		}
	}
}

func spread(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := (rand.Float64()*2 - 1) * frac * float64(d)
	return max(d+time.Duration(delta), time.Millisecond)
}
