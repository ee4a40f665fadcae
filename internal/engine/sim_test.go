package engine

import (
	"fmt"
	"testing"
	"time"

	"mitmctl/internal/apps"
	ncerr "mitmctl/internal/errors"
	"mitmctl/internal/tunnelcfg"
)

func validConfig(pkg string) tunnelcfg.Config {
	return tunnelcfg.Build(apps.NewTarget(pkg), tunnelcfg.DefaultDefaults())
}

func recordEvents(e Engine) chan Event {
	ch := make(chan Event, 16)
	e.Subscribe(func(ev Event) { ch <- ev })
	return ch
}

func waitEvent(t *testing.T, ch chan Event, want Event) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("event = %s, want %s", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", want)
	}
}

func TestSim_ManualLifecycle(t *testing.T) {
	s := NewSim(nil)
	s.Manual = true
	events := recordEvents(s)

	if err := s.Start(validConfig("com.example.game")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.IsActive() {
		t.Error("engine should not be active before the started event")
	}

	s.CompleteStart()
	waitEvent(t, events, EventStarted)
	if !s.IsActive() {
		t.Error("engine should be active after CompleteStart")
	}
	if got := s.LastConfig().Target().Package; got != "com.example.game" {
		t.Errorf("last config target = %q", got)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	s.CompleteStop()
	waitEvent(t, events, EventStopped)
	if s.IsActive() {
		t.Error("engine should be inactive after CompleteStop")
	}
}

func TestSim_AutomaticLifecycle(t *testing.T) {
	s := NewSim(nil)
	s.StartupDelay = time.Millisecond
	events := recordEvents(s)

	if err := s.Start(validConfig("com.example.game")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitEvent(t, events, EventStarted)

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitEvent(t, events, EventStopped)
}

func TestSim_StartRejections(t *testing.T) {
	t.Run("malformed config", func(t *testing.T) {
		s := NewSim(nil)
		err := s.Start(tunnelcfg.Config{})
		if !ncerr.Is(err, ncerr.ErrEngineStartFailed) {
			t.Errorf("err = %v, want ErrEngineStartFailed", err)
		}
	})

	t.Run("already active", func(t *testing.T) {
		s := NewSim(nil)
		s.Manual = true
		if err := s.Start(validConfig("a.b")); err != nil {
			t.Fatal(err)
		}
		err := s.Start(validConfig("a.b"))
		if !ncerr.Is(err, ncerr.ErrEngineStartFailed) || !ncerr.Is(err, ncerr.ErrEngineActive) {
			t.Errorf("err = %v, want engine-active start failure", err)
		}
	})

	t.Run("injected failure", func(t *testing.T) {
		s := NewSim(nil)
		cause := fmt.Errorf("tun busy")
		s.FailNextStart(cause)
		err := s.Start(validConfig("a.b"))
		if !ncerr.Is(err, cause) {
			t.Errorf("err = %v, want cause", err)
		}
		if s.Starts() != 0 {
			t.Errorf("failed start should not count, got %d", s.Starts())
		}
		// The failure is one-shot.
		if err := s.Start(validConfig("a.b")); err != nil {
			t.Errorf("second Start: %v", err)
		}
	})
}

func TestSim_StopIdempotent(t *testing.T) {
	s := NewSim(nil)
	s.Manual = true
	events := recordEvents(s)

	if err := s.Stop(); err != nil {
		t.Errorf("Stop on idle engine: %v", err)
	}
	select {
	case ev := <-events:
		t.Errorf("idle Stop published %s", ev)
	default:
	}
}

func TestSim_StopAbortsStartup(t *testing.T) {
	s := NewSim(nil)
	s.Manual = true
	events := recordEvents(s)

	if err := s.Start(validConfig("a.b")); err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, events, EventStopped)

	s.CompleteStart() // late completion is ignored
	if s.IsActive() {
		t.Error("aborted startup must not come up")
	}
}

func TestSim_Crash(t *testing.T) {
	s := NewSim(nil)
	s.Manual = true
	events := recordEvents(s)

	_ = s.Start(validConfig("a.b"))
	s.CompleteStart()
	waitEvent(t, events, EventStarted)

	s.Crash()
	waitEvent(t, events, EventStopped)
	if s.IsActive() {
		t.Error("crashed engine should be inactive")
	}
}
