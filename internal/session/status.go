package session

import (
	"encoding/json"
	"fmt"
	"time"

	"mitmctl/internal/apps"
	"mitmctl/internal/privilege"
)

// Target is the application a session intercepts.
type Target = apps.Target

// Phase is the coarse controller state.
type Phase int

const (
	Stopped Phase = iota
	AwaitingPrivilege
	Starting
	Running
	Stopping
)

func (p Phase) String() string {
	switch p {
	case Stopped:
		return "stopped"
	case AwaitingPrivilege:
		return "awaiting-privilege"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Status is a consistent snapshot of the controller.
//
// Privilege is only meaningful in AwaitingPrivilege.  Target is the
// pending target while awaiting a privilege and the session target
// otherwise; it is zero when Stopped, and zero in Running when the
// controller adopted an engine it did not start.
type Status struct {
	Phase     Phase
	Privilege privilege.Kind
	Target    Target
	Attempt   string
	Since     time.Time
}

func (s Status) String() string {
	switch s.Phase {
	case AwaitingPrivilege:
		return fmt.Sprintf("%s(%s, %s)", s.Phase, s.Privilege, s.Target)
	case Starting, Running, Stopping:
		if s.Target.IsZero() {
			return fmt.Sprintf("%s(?)", s.Phase)
		}
		return fmt.Sprintf("%s(%s)", s.Phase, s.Target)
	default:
		return s.Phase.String()
	}
}

type statusJSON struct {
	Phase     Phase     `json:"phase"`
	Privilege string    `json:"privilege,omitempty"`
	Target    string    `json:"target,omitempty"`
	Attempt   string    `json:"attempt,omitempty"`
	Since     time.Time `json:"since"`
}

// MarshalJSON renders the status for the HTTP API.
func (s Status) MarshalJSON() ([]byte, error) {
	v := statusJSON{
		Phase:   s.Phase,
		Target:  s.Target.Package,
		Attempt: s.Attempt,
		Since:   s.Since,
	}
	if s.Phase == AwaitingPrivilege {
		v.Privilege = s.Privilege.String()
	}
	return json.Marshal(v)
}

// Outcome says what a successful call set in motion.
type Outcome int

const (
	OutcomeNone Outcome = iota
	// OutcomePending: a grant was requested; call
	// ResumeAfterExternalGrant when it is answered.
	OutcomePending
	// OutcomeStarting: the engine is starting; Running follows on the
	// engine's started event.
	OutcomeStarting
	// OutcomeStopping: the engine is stopping; Stopped follows on the
	// engine's stopped event.
	OutcomeStopping
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeStarting:
		return "starting"
	case OutcomeStopping:
		return "stopping"
	default:
		return "none"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// Notification describes one status transition.
type Notification struct {
	Status   Status
	Previous Phase
	// Attempt is the acquisition attempt the transition belongs to.
	// On a transition into Stopped it names the attempt that ended,
	// although Status.Attempt is empty there.
	Attempt string
	// Err is set when the transition was caused by a failure: a denied
	// grant, an engine that failed or dropped, a reset.
	Err error
	// Diagnostic marks transitions into internal phases.  Only
	// observers registered with Watch receive them.
	Diagnostic bool
}

// Observer receives status notifications in transition order, on a
// goroutine owned by the controller.
type Observer interface {
	Notify(Notification)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Notification)

// Notify implements [Observer].
func (f ObserverFunc) Notify(n Notification) { f(n) }
