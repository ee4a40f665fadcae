package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func fast(attempts int) *Schedule {
	return &Schedule{First: time.Millisecond, Cap: 2 * time.Millisecond, Attempts: attempts}
}

func TestSchedule_RecoversAfterFailures(t *testing.T) {
	var calls, told int
	s := fast(5)
	s.OnRetry = func(attempt int, err error, wait time.Duration) {
		told++
		if attempt != told {
			t.Errorf("OnRetry attempt = %d, want %d", attempt, told)
		}
	}

	err := s.Run(context.Background(), func(attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 3 || told != 2 {
		t.Errorf("calls = %d, retries told = %d, want 3 and 2", calls, told)
	}
}

func TestSchedule_GivesUp(t *testing.T) {
	calls := 0
	refused := errors.New("connection refused")
	err := fast(3).Run(context.Background(), func(int) error {
		calls++
		return refused
	})
	if !errors.Is(err, refused) {
		t.Fatalf("err = %v, want wrapped refusal", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestSchedule_PermanentStopsAtOnce(t *testing.T) {
	calls := 0
	rejected := errors.New("unable to authenticate")
	err := fast(5).Run(context.Background(), func(int) error {
		calls++
		return fmt.Errorf("handshake: %w", Permanent(rejected))
	})
	if !errors.Is(err, rejected) {
		t.Fatalf("err = %v, want the rejection", err)
	}
	if IsPermanent(err) {
		t.Error("Run should unwrap the permanent marker")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestSchedule_ContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Schedule{First: time.Hour, Attempts: 0}
	s.OnRetry = func(int, error, time.Duration) { cancel() }

	err := s.Run(ctx, func(int) error { return errors.New("timeout") })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestSchedule_Pause(t *testing.T) {
	s := &Schedule{First: 100 * time.Millisecond, Cap: time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{50, time.Second},
	}
	for _, tt := range tests {
		if got := s.Pause(tt.attempt); got != tt.want {
			t.Errorf("Pause(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	var zero Schedule
	if got := zero.Pause(1); got != time.Second {
		t.Errorf("zero Pause(1) = %v, want 1s", got)
	}
}

func TestSpread(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 500; i++ {
		got := spread(base, 0.25)
		if got < 75*time.Millisecond || got > 125*time.Millisecond {
			t.Fatalf("spread(%v) = %v, outside ±25%%", base, got)
		}
	}
	if got := spread(base, 0); got != base {
		t.Errorf("spread without fraction = %v, want %v", got, base)
	}
}

func TestPermanent(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
	if IsPermanent(errors.New("plain")) {
		t.Error("plain error reported permanent")
	}
	if !IsPermanent(fmt.Errorf("wrapped: %w", Permanent(errors.New("x")))) {
		t.Error("wrapped permanent not detected")
	}
}

func TestDeviceDial(t *testing.T) {
	s := DeviceDial()
	if s.Attempts <= 0 || s.First <= 0 || s.Cap < s.First {
		t.Errorf("DeviceDial() = %+v", s)
	}
}
