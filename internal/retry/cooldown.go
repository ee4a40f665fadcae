package retry

import (
	"fmt"
	"sync"
	"time"

	ncerr "mitmctl/internal/errors"
)

// Health is what a [Cooldown] currently thinks of the device.
type Health int

const (
	// Healthy devices are dialed normally.
	Healthy Health = iota
	// Benched devices are not dialed until the bench time has passed.
	Benched
	// Trial lets exactly one dial through to see whether the device
	// came back.
	Trial
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Benched:
		return "benched"
	case Trial:
		return "trial"
	default:
		return fmt.Sprintf("health(%d)", int(h))
	}
}

// Cooldown benches a device after Strikes consecutive failed toggles.
// While benched, [Cooldown.Do] fails fast with errors.ErrDeviceCooling.
// After Bench has passed one trial dial is let through: success
// restores the device, failure benches it again.
type Cooldown struct {
	Strikes int
	Bench   time.Duration

	// OnChange is called under the lock on every health change.
	OnChange func(from, to Health)

	now func() time.Time

	mu       sync.Mutex
	health   Health
	failures int
	trying   bool
	benched  time.Time
}

// NewCooldown returns a cooldown with the given limits.  Non-positive
// values fall back to 3 strikes and 30s on the bench.
func NewCooldown(strikes int, bench time.Duration) *Cooldown {
	if strikes <= 0 {
		strikes = 3
	}
	if bench <= 0 {
		bench = 30 * time.Second
	}
	return &Cooldown{Strikes: strikes, Bench: bench, now: time.Now}
}

// Do runs dial unless the device is benched, and records the outcome.
func (c *Cooldown) Do(dial func() error) error {
	if err := c.admit(); err != nil {
		return err
	}
	err := dial()
	c.record(err)
	return err
}

// Health returns the current health.
func (c *Cooldown) Health() Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health
}

// Failures returns the consecutive failures counted so far.
func (c *Cooldown) Failures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

// Forgive clears the failure count and restores the device.
func (c *Cooldown) Forgive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	c.trying = false
	c.set(Healthy)
}

func (c *Cooldown) admit() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.health {
	case Benched:
		left := c.Bench - c.clock().Sub(c.benched)
		if left > 0 {
			return fmt.Errorf("%w: %d failed dials, next try in %v",
				ncerr.ErrDeviceCooling, c.failures, left.Round(time.Second))
		}
		c.set(Trial)
		c.trying = true
		return nil
	case Trial:
		if c.trying {
			return fmt.Errorf("%w: trial dial in flight", ncerr.ErrDeviceCooling)
		}
		c.trying = true
	}
	return nil
}

func (c *Cooldown) record(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trying = false

	if err == nil {
		c.failures = 0
		c.set(Healthy)
		return
	}
	c.failures++
	if c.health == Trial || c.failures >= c.Strikes {
		c.benched = c.clock()
		c.set(Benched)
	}
}

func (c *Cooldown) set(h Health) {
	if c.health == h {
		return
	}
	from := c.health
	c.health = h
	if c.OnChange != nil {
		c.OnChange(from, h)
	}
}

func (c *Cooldown) clock() time.Time {
	if c.now == nil {
		return time.Now()
	}
	return c.now()
}
