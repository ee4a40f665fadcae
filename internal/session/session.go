// Package session implements the MITM session lifecycle controller.
//
// A toggle walks a fixed acquisition sequence: the overlay grant, the
// tunnel-consent grant (skipped while the engine is active), an engine
// activity check, and finally the engine start.  When a grant must be
// answered by the user the controller records where it stopped and
// returns at once; ResumeAfterExternalGrant picks the sequence up from
// the step after that grant.  Engine events are the only authority for
// Starting → Running and Stopping → Stopped.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"mitmctl/internal/apps"
	"mitmctl/internal/engine"
	ncerr "mitmctl/internal/errors"
	"mitmctl/internal/metrics"
	"mitmctl/internal/privilege"
	"mitmctl/internal/tunnelcfg"
	"mitmctl/util"
)

// step is a point in the acquisition sequence.
type step int

const (
	stepOverlay step = iota
	stepConsent
	stepEngine
)

func stepAfter(k privilege.Kind) step {
	if k == privilege.OverlayDisplay {
		return stepConsent
	}
	return stepEngine
}

// Options configures a Controller.  Engine, Gate and Catalog are
// required.
type Options struct {
	Engine  engine.Engine
	Gate    privilege.Gate
	Catalog apps.Catalog

	// Defaults shape every tunnel configuration.  Zero means
	// tunnelcfg.DefaultDefaults().
	Defaults tunnelcfg.Defaults

	// GrantTimeout resets a controller left in AwaitingPrivilege for
	// longer than this.  Zero waits forever.
	GrantTimeout time.Duration

	Logger  *util.Logger
	Metrics *metrics.Collector
	Now     func() time.Time
}

// Controller owns the session status.  All methods are safe for
// concurrent use and none of them blocks on the user or the engine.
type Controller struct {
	engine   engine.Engine
	gate     privilege.Gate
	catalog  apps.Catalog
	defaults tunnelcfg.Defaults
	timeout  time.Duration
	logger   *util.Logger
	metrics  *metrics.Collector
	now      func() time.Time

	mu         sync.Mutex
	status     Status
	lastBuilt  Target
	grantTimer *time.Timer
	closed     bool

	unsubscribe func()
	notes       *notifier
}

// New creates a controller and subscribes it to the engine.  An engine
// that is already active is adopted as Running with an unknown target.
func New(opts Options) (*Controller, error) {
	if opts.Engine == nil || opts.Gate == nil || opts.Catalog == nil {
		return nil, fmt.Errorf("session: engine, gate and catalog are required")
	}
	defaults := opts.Defaults
	if defaults.MTU == 0 && defaults.Label == "" && len(defaults.Routes) == 0 {
		defaults = tunnelcfg.DefaultDefaults()
	}
	if err := defaults.Validate(); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = util.Discard()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	c := &Controller{
		engine:   opts.Engine,
		gate:     opts.Gate,
		catalog:  opts.Catalog,
		defaults: defaults,
		timeout:  opts.GrantTimeout,
		logger:   logger,
		metrics:  opts.Metrics,
		now:      now,
		notes:    newNotifier(),
	}
	c.status = Status{Phase: Stopped, Since: now()}
	c.unsubscribe = c.engine.Subscribe(c.onEngineEvent)

	if c.engine.IsActive() {
		c.mu.Lock()
		c.adoptLocked()
		c.mu.Unlock()
	}
	return c, nil
}

// Status returns the current status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Subscribe registers o for transitions into Running and Stopped.
func (c *Controller) Subscribe(o Observer) (unsubscribe func()) {
	return c.notes.subscribe(o, false)
}

// Watch registers o for every transition, including the internal
// phases (marked Diagnostic).
func (c *Controller) Watch(o Observer) (unsubscribe func()) {
	return c.notes.subscribe(o, true)
}

// Close detaches from the engine and flushes pending notifications.
// The engine is left as it is.  Close must not be called from an
// observer.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.stopGrantTimerLocked()
	c.mu.Unlock()

	c.unsubscribe()
	c.notes.close()
}

// RequestToggle starts a session for t when stopped and stops it when
// it is running for t.
//
// It fails with ErrInvalidTarget for an unknown or network-less app,
// ErrSessionBusy while another toggle is in flight and
// ErrAlreadyRunningDifferentTarget while running for another app.  A
// toggle for a different app while a grant is outstanding abandons
// that attempt and starts over.
func (c *Controller) RequestToggle(ctx context.Context, t Target) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return OutcomeNone, err
	}
	if err := apps.Validate(c.catalog, t); err != nil {
		c.metrics.Rejected()
		c.logger.Warn("toggle rejected: %v", err)
		return OutcomeNone, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return OutcomeNone, fmt.Errorf("session: controller closed")
	}

	switch cur := c.status; cur.Phase {
	case Running:
		if !sameTarget(cur.Target, t) {
			c.mu.Unlock()
			c.metrics.Rejected()
			return OutcomeNone, fmt.Errorf("%w: running for %s, requested %s",
				ncerr.ErrAlreadyRunningDifferentTarget, cur.Target, t)
		}
		c.metrics.Toggle()
		return c.stopLocked(cur.Target, cur.Attempt)

	case AwaitingPrivilege:
		if cur.Target == t {
			c.mu.Unlock()
			c.metrics.Rejected()
			return OutcomeNone, fmt.Errorf("%w: awaiting %s grant for %s", ncerr.ErrSessionBusy, cur.Privilege, t)
		}
		c.logger.Info("abandoning %s grant for %s, new target %s", cur.Privilege, cur.Target, t)
		c.setLocked(Status{Phase: Stopped}, fmt.Errorf("abandoned for %s", t))

	case Starting, Stopping:
		c.mu.Unlock()
		c.metrics.Rejected()
		return OutcomeNone, fmt.Errorf("%w: session is %s", ncerr.ErrSessionBusy, cur)
	}

	c.metrics.Toggle()
	return c.acquireLocked(uuid.NewString(), t, stepOverlay)
}

// ResumeAfterExternalGrant continues the acquisition after the grant
// for kind was answered.  A call that does not match the outstanding
// grant fails with ErrStateMismatch and changes nothing.  A denial
// returns the controller to Stopped and fails with ErrGrantDenied.
func (c *Controller) ResumeAfterExternalGrant(ctx context.Context, kind privilege.Kind, granted bool) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return OutcomeNone, err
	}

	c.mu.Lock()
	cur := c.status
	if cur.Phase != AwaitingPrivilege || cur.Privilege != kind {
		c.mu.Unlock()
		c.metrics.StaleResume()
		c.logger.Debug("stale %s answer while %s", kind, cur)
		return OutcomeNone, fmt.Errorf("%w: %s answer while %s", ncerr.ErrStateMismatch, kind, cur)
	}

	if !granted {
		err := fmt.Errorf("%w: %s for %s", ncerr.ErrGrantDenied, kind, cur.Target)
		c.setLocked(Status{Phase: Stopped}, err)
		c.mu.Unlock()
		c.metrics.GrantDenied()
		c.logger.Warn("%v", err)
		return OutcomeNone, err
	}

	c.logger.Verbose("%s granted for %s", kind, cur.Target)
	return c.acquireLocked(cur.Attempt, cur.Target, stepAfter(kind))
}

// Reset abandons an outstanding grant request and returns to Stopped.
// It reports whether anything was reset; other phases are left alone.
func (c *Controller) Reset(reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.Phase != AwaitingPrivilege {
		return false
	}
	c.logger.Info("reset while %s: %s", c.status, reason)
	c.setLocked(Status{Phase: Stopped}, fmt.Errorf("reset: %s", reason))
	return true
}

// ── acquisition ──────────────────────────────────────────────────────

// acquireLocked runs the sequence from `from`.  It is called with c.mu
// held and returns with it released.  Gate requests and engine calls
// happen outside the lock so a collaborator may call back in.
func (c *Controller) acquireLocked(attempt string, t Target, from step) (Outcome, error) {
	if from <= stepOverlay && !c.gate.IsGranted(privilege.OverlayDisplay) {
		return c.awaitLocked(attempt, t, privilege.OverlayDisplay)
	}

	active := c.engine.IsActive()
	if from <= stepConsent && !active && !c.gate.IsGranted(privilege.TunnelConsent) {
		return c.awaitLocked(attempt, t, privilege.TunnelConsent)
	}

	if active {
		if !sameTarget(c.lastBuilt, t) {
			err := fmt.Errorf("%w: engine active for %s, requested %s",
				ncerr.ErrAlreadyRunningDifferentTarget, c.lastBuilt, t)
			if c.status.Phase != Stopped {
				c.setLocked(Status{Phase: Stopped}, err)
			}
			c.mu.Unlock()
			return OutcomeNone, err
		}
		return c.stopLocked(c.lastBuilt, attempt)
	}

	return c.startLocked(attempt, t)
}

func (c *Controller) awaitLocked(attempt string, t Target, k privilege.Kind) (Outcome, error) {
	c.setLocked(Status{Phase: AwaitingPrivilege, Privilege: k, Target: t, Attempt: attempt}, nil)
	c.mu.Unlock()

	c.metrics.GrantRequested()
	c.logger.Info("requesting %s grant for %s", k, t)
	if err := c.gate.RequestGrant(k); err != nil {
		err = fmt.Errorf("requesting %s grant: %w", k, err)
		c.mu.Lock()
		if c.status.Phase == AwaitingPrivilege && c.status.Attempt == attempt && c.status.Privilege == k {
			c.setLocked(Status{Phase: Stopped}, err)
		}
		c.mu.Unlock()
		c.metrics.RecordError(err.Error())
		return OutcomeNone, err
	}
	return OutcomePending, nil
}

func (c *Controller) startLocked(attempt string, t Target) (Outcome, error) {
	cfg := tunnelcfg.Build(t, c.defaults)
	c.lastBuilt = t
	c.setLocked(Status{Phase: Starting, Target: t, Attempt: attempt}, nil)
	c.mu.Unlock()

	c.logger.Verbose("starting engine: %s", cfg)
	if err := c.engine.Start(cfg); err != nil {
		err = ncerr.EngineStart(err)
		c.mu.Lock()
		if c.status.Phase == Starting && c.status.Attempt == attempt {
			c.setLocked(Status{Phase: Stopped}, err)
		}
		c.mu.Unlock()
		c.metrics.EngineFailed()
		c.metrics.RecordError(err.Error())
		c.logger.Error("%v", err)
		return OutcomeNone, err
	}
	c.metrics.EngineStarted()
	return OutcomeStarting, nil
}

// stopLocked moves to Stopping for the session t and asks the engine
// to stop.  Called with c.mu held; returns with it released.
func (c *Controller) stopLocked(t Target, attempt string) (Outcome, error) {
	c.setLocked(Status{Phase: Stopping, Target: t, Attempt: attempt}, nil)
	c.mu.Unlock()

	c.logger.Verbose("stopping engine")
	if err := c.engine.Stop(); err != nil {
		c.logger.Warn("engine stop: %v", err)
		c.metrics.RecordError(err.Error())
		c.mu.Lock()
		if c.status.Phase == Stopping && c.status.Attempt == attempt && !c.engine.IsActive() {
			c.setLocked(Status{Phase: Stopped}, err)
		}
		c.mu.Unlock()
	}
	return OutcomeStopping, nil
}

// ── engine events ────────────────────────────────────────────────────

func (c *Controller) onEngineEvent(ev engine.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.status
	switch ev {
	case engine.EventStarted:
		switch cur.Phase {
		case Starting:
			c.setLocked(Status{Phase: Running, Target: cur.Target, Attempt: cur.Attempt}, nil)
			c.metrics.SessionUp()
			c.logger.Info("session running for %s", cur.Target)
		case Stopped, AwaitingPrivilege:
			c.logger.Warn("engine started outside a toggle while %s", cur)
			c.adoptLocked()
		default:
			c.logger.Debug("ignoring engine %s while %s", ev, cur)
		}

	case engine.EventStopped:
		switch cur.Phase {
		case Starting:
			err := fmt.Errorf("engine stopped before %s came up", cur.Target)
			c.setLocked(Status{Phase: Stopped}, err)
			c.metrics.RecordError(err.Error())
			c.logger.Warn("%v", err)
		case Running:
			c.setLocked(Status{Phase: Stopped}, fmt.Errorf("engine stopped unexpectedly"))
			c.metrics.SessionDown()
			c.logger.Warn("session for %s lost", cur.Target)
		case Stopping:
			c.setLocked(Status{Phase: Stopped}, nil)
			c.metrics.SessionDown()
			c.logger.Info("session stopped")
		default:
			c.logger.Debug("ignoring engine %s while %s", ev, cur)
		}
	}
}

// adoptLocked takes over an engine this controller did not start.
func (c *Controller) adoptLocked() {
	c.lastBuilt = Target{}
	c.setLocked(Status{Phase: Running, Attempt: uuid.NewString()}, nil)
	c.metrics.SessionUp()
}

// ── transitions ──────────────────────────────────────────────────────

// setLocked installs next and queues its notification.  Leaving
// AwaitingPrivilege cancels the grant timer; entering it arms one.
func (c *Controller) setLocked(next Status, cause error) {
	prev := c.status
	next.Since = c.now()
	c.status = next

	if prev.Phase == AwaitingPrivilege {
		c.stopGrantTimerLocked()
	}
	if next.Phase == AwaitingPrivilege && c.timeout > 0 && !c.closed {
		attempt, kind := next.Attempt, next.Privilege
		c.grantTimer = time.AfterFunc(c.timeout, func() { c.expire(attempt, kind) })
	}

	attempt := next.Attempt
	if attempt == "" {
		attempt = prev.Attempt
	}
	c.logger.Verbose("%s -> %s", prev, next)
	c.notes.push(Notification{
		Status:     next,
		Previous:   prev.Phase,
		Attempt:    attempt,
		Err:        cause,
		Diagnostic: next.Phase != Running && next.Phase != Stopped,
	})
}

func (c *Controller) stopGrantTimerLocked() {
	if c.grantTimer != nil {
		c.grantTimer.Stop()
		c.grantTimer = nil
	}
}

// expire resets an attempt whose grant went unanswered.
func (c *Controller) expire(attempt string, kind privilege.Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.status
	if cur.Phase != AwaitingPrivilege || cur.Attempt != attempt || cur.Privilege != kind {
		return
	}
	err := fmt.Errorf("%s grant for %s unanswered after %v", kind, cur.Target, c.timeout)
	c.logger.Warn("%v", err)
	c.setLocked(Status{Phase: Stopped}, err)
}

// sameTarget reports whether a session for running serves want.  An
// unknown running target matches anything.
func sameTarget(running, want Target) bool {
	return running.IsZero() || running == want
}
