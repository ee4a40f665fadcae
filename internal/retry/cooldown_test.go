package retry

import (
	"errors"
	"testing"
	"time"

	ncerr "mitmctl/internal/errors"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestCooldown(strikes int) (*Cooldown, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c := NewCooldown(strikes, time.Minute)
	c.now = clk.now
	return c, clk
}

var errUnreachable = errors.New("no route to host")

func fail() error { return errUnreachable }
func ok() error   { return nil }

func TestCooldown_BenchesAfterStrikes(t *testing.T) {
	c, _ := newTestCooldown(3)
	for i := 0; i < 3; i++ {
		if err := c.Do(fail); !errors.Is(err, errUnreachable) {
			t.Fatalf("dial %d: err = %v", i+1, err)
		}
	}
	if c.Health() != Benched {
		t.Fatalf("health = %v, want benched", c.Health())
	}

	called := false
	err := c.Do(func() error { called = true; return nil })
	if !ncerr.Is(err, ncerr.ErrDeviceCooling) {
		t.Errorf("err = %v, want ErrDeviceCooling", err)
	}
	if called {
		t.Error("dial ran while benched")
	}
}

func TestCooldown_SuccessClearsStrikes(t *testing.T) {
	c, _ := newTestCooldown(3)
	c.Do(fail) //nolint:errcheck
	c.Do(fail) //nolint:errcheck
	if err := c.Do(ok); err != nil {
		t.Fatal(err)
	}
	if c.Failures() != 0 || c.Health() != Healthy {
		t.Errorf("failures = %d, health = %v", c.Failures(), c.Health())
	}
}

func TestCooldown_TrialRestores(t *testing.T) {
	c, clk := newTestCooldown(1)
	c.Do(fail) //nolint:errcheck
	clk.advance(59 * time.Second)
	if err := c.Do(ok); !ncerr.Is(err, ncerr.ErrDeviceCooling) {
		t.Fatalf("err before bench ends = %v", err)
	}

	clk.advance(2 * time.Second)
	if err := c.Do(ok); err != nil {
		t.Fatalf("trial dial: %v", err)
	}
	if c.Health() != Healthy {
		t.Errorf("health = %v, want healthy", c.Health())
	}
}

func TestCooldown_FailedTrialBenchesAgain(t *testing.T) {
	c, clk := newTestCooldown(2)
	c.Do(fail) //nolint:errcheck
	c.Do(fail) //nolint:errcheck
	clk.advance(2 * time.Minute)

	if err := c.Do(fail); !errors.Is(err, errUnreachable) {
		t.Fatalf("trial err = %v", err)
	}
	if c.Health() != Benched {
		t.Fatalf("health = %v, want benched", c.Health())
	}
	if err := c.Do(ok); !ncerr.Is(err, ncerr.ErrDeviceCooling) {
		t.Errorf("err right after failed trial = %v", err)
	}
}

func TestCooldown_OneTrialAtATime(t *testing.T) {
	c, clk := newTestCooldown(1)
	c.Do(fail) //nolint:errcheck
	clk.advance(2 * time.Minute)

	var inner error
	err := c.Do(func() error {
		inner = c.Do(ok)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !ncerr.Is(inner, ncerr.ErrDeviceCooling) {
		t.Errorf("second dial during trial = %v, want ErrDeviceCooling", inner)
	}
}

func TestCooldown_OnChange(t *testing.T) {
	c, clk := newTestCooldown(1)
	var seen []string
	c.OnChange = func(from, to Health) { seen = append(seen, from.String()+">"+to.String()) }

	c.Do(fail) //nolint:errcheck
	clk.advance(2 * time.Minute)
	c.Do(ok) //nolint:errcheck
	c.Do(fail) //nolint:errcheck
	c.Forgive()

	want := []string{"healthy>benched", "benched>trial", "trial>healthy", "healthy>benched", "benched>healthy"}
	if len(seen) != len(want) {
		t.Fatalf("changes = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("change %d = %q, want %q", i, seen[i], want[i])
		}
	}
}

func TestNewCooldown_Defaults(t *testing.T) {
	c := NewCooldown(0, 0)
	if c.Strikes != 3 || c.Bench != 30*time.Second {
		t.Errorf("defaults = %d, %v", c.Strikes, c.Bench)
	}
}

func TestHealth_String(t *testing.T) {
	tests := []struct {
		h    Health
		want string
	}{
		{Healthy, "healthy"},
		{Benched, "benched"},
		{Trial, "trial"},
		{Health(9), "health(9)"},
	}
	for _, tt := range tests {
		if got := tt.h.String(); got != tt.want {
			t.Errorf("Health(%d).String() = %q, want %q", int(tt.h), got, tt.want)
		}
	}
}
