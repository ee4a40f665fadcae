package engine

import (
	"sync"
	"time"

	ncerr "mitmctl/internal/errors"
	"mitmctl/internal/tunnelcfg"
	"mitmctl/util"
)

// Sim is an in-process engine that brings a pretend interface up and
// down.  With Manual set, transitions only complete when the caller
// invokes CompleteStart / CompleteStop, which makes ordering in tests
// fully deterministic.
type Sim struct {
	Broker

	// StartupDelay is how long an automatic start or stop takes.
	StartupDelay time.Duration
	// Manual disables automatic completion.
	Manual bool

	logger *util.Logger

	mu       sync.Mutex
	active   bool
	starting bool
	stopping bool
	failNext error
	last     tunnelcfg.Config
	starts   int
	cancel   chan struct{}
}

// NewSim returns a simulated engine.
func NewSim(logger *util.Logger) *Sim {
	if logger == nil {
		logger = util.Discard()
	}
	return &Sim{logger: logger}
}

// FailNextStart makes the next Start call return err synchronously.
func (s *Sim) FailNextStart(err error) {
	s.mu.Lock()
	s.failNext = err
	s.mu.Unlock()
}

// IsActive implements [Engine].
func (s *Sim) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Start implements [Engine].
func (s *Sim) Start(cfg tunnelcfg.Config) error {
	if err := cfg.Check(); err != nil {
		return ncerr.EngineStart(err)
	}

	s.mu.Lock()
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		s.mu.Unlock()
		return ncerr.EngineStart(err)
	}
	if s.active || s.starting {
		s.mu.Unlock()
		return ncerr.EngineStart(ncerr.ErrEngineActive)
	}
	s.starting = true
	s.last = cfg
	s.starts++
	cancel := make(chan struct{})
	s.cancel = cancel
	manual := s.Manual
	s.mu.Unlock()

	s.logger.Verbose("sim: starting %s", cfg)
	if !manual {
		go s.after(cancel, s.CompleteStart)
	}
	return nil
}

// Stop implements [Engine].
func (s *Sim) Stop() error {
	s.mu.Lock()
	if !s.active && !s.starting {
		s.mu.Unlock()
		return nil
	}
	if s.starting {
		// Abort a startup in progress.
		close(s.cancel)
		s.starting = false
		s.mu.Unlock()
		s.logger.Verbose("sim: startup aborted")
		s.Publish(EventStopped)
		return nil
	}
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	manual := s.Manual
	s.mu.Unlock()

	s.logger.Verbose("sim: stopping")
	if !manual {
		go s.after(nil, s.CompleteStop)
	}
	return nil
}

// CompleteStart finishes a pending start and publishes EventStarted.
// It is a no-op when no start is pending.
func (s *Sim) CompleteStart() {
	s.mu.Lock()
	if !s.starting {
		s.mu.Unlock()
		return
	}
	s.starting = false
	s.active = true
	s.mu.Unlock()

	s.logger.Verbose("sim: interface up")
	s.Publish(EventStarted)
}

// CompleteStop finishes a pending stop and publishes EventStopped.
func (s *Sim) CompleteStop() {
	s.mu.Lock()
	if !s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = false
	s.active = false
	s.mu.Unlock()

	s.logger.Verbose("sim: interface down")
	s.Publish(EventStopped)
}

// Crash drops an active interface without a Stop call, as a real
// engine does when the host revokes the tunnel.
func (s *Sim) Crash() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.stopping = false
	s.mu.Unlock()

	s.logger.Warn("sim: interface lost")
	s.Publish(EventStopped)
}

// LastConfig returns the configuration of the most recent Start.
func (s *Sim) LastConfig() tunnelcfg.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Starts returns how many Start calls were accepted.
func (s *Sim) Starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts
}

func (s *Sim) after(cancel chan struct{}, fn func()) {
	t := time.NewTimer(s.StartupDelay)
	defer t.Stop()
	select {
	case <-cancel:
		return
	case <-t.C:
	}
	fn()
}
