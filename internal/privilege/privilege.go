// Package privilege models the two user-granted privileges a session
// needs before the tunnel may start, and the gates that check and
// request them.
//
// A grant is answered out-of-band: RequestGrant only starts the flow.
// The answer travels back through a [Resolver], which the caller wires
// to the session controller's resume entry point.
package privilege

import (
	"fmt"
	"strings"
)

// Kind identifies a privilege.
type Kind int

const (
	// OverlayDisplay lets the tool draw over other applications.
	OverlayDisplay Kind = iota + 1
	// TunnelConsent lets the tool create the interception tunnel.
	TunnelConsent
)

// Kinds lists every privilege in acquisition order.
func Kinds() []Kind { return []Kind{OverlayDisplay, TunnelConsent} }

func (k Kind) String() string {
	switch k {
	case OverlayDisplay:
		return "overlay"
	case TunnelConsent:
		return "consent"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Describe returns the question put to a user when the privilege is
// requested.
func (k Kind) Describe() string {
	switch k {
	case OverlayDisplay:
		return "display over other apps"
	case TunnelConsent:
		return "set up the interception tunnel"
	default:
		return k.String()
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if k != OverlayDisplay && k != TunnelConsent {
		return nil, fmt.Errorf("unknown privilege kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// ParseKind accepts the short names used on the command line, in grant
// files and in the HTTP API.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "overlay", "overlay-display", "overlay_display":
		return OverlayDisplay, nil
	case "consent", "tunnel-consent", "tunnel_consent", "vpn":
		return TunnelConsent, nil
	}
	return 0, fmt.Errorf("unknown privilege %q (want overlay or consent)", s)
}

// State is the grant state of one privilege.
type State int

const (
	NotGranted State = iota
	Granted
	PendingExternalGrant
)

func (s State) String() string {
	switch s {
	case Granted:
		return "granted"
	case PendingExternalGrant:
		return "pending"
	default:
		return "denied"
	}
}

// ParseState reads the tokens used in grant files.  Anything that is
// not recognisably granted or pending counts as NotGranted.
func ParseState(s string) State {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "granted", "yes", "y", "allow", "allowed":
		return Granted
	case "pending":
		return PendingExternalGrant
	default:
		return NotGranted
	}
}

// Gate checks and requests privileges against the host.
type Gate interface {
	// IsGranted reports whether kind is currently held.
	IsGranted(kind Kind) bool
	// RequestGrant starts an asynchronous, user-mediated grant flow.
	// It returns once the request is issued; it never waits for the
	// answer and imposes no timeout.
	RequestGrant(kind Kind) error
}

// Resolver receives the answer to a grant request.
type Resolver func(kind Kind, granted bool)
