package privilege

import "sync"

// StaticGate is an in-memory Gate.  Requests mark the kind pending and
// are answered by calling Resolve, which also forwards the answer to
// the resolver if one is set.
type StaticGate struct {
	mu       sync.Mutex
	states   map[Kind]State
	requests map[Kind]int
	resolver Resolver
}

// NewStaticGate returns a gate holding exactly the given privileges.
func NewStaticGate(granted ...Kind) *StaticGate {
	g := &StaticGate{
		states:   make(map[Kind]State),
		requests: make(map[Kind]int),
	}
	for _, k := range granted {
		g.states[k] = Granted
	}
	return g
}

// SetResolver sets where Resolve forwards answers.
func (g *StaticGate) SetResolver(r Resolver) {
	g.mu.Lock()
	g.resolver = r
	g.mu.Unlock()
}

// IsGranted implements [Gate].
func (g *StaticGate) IsGranted(kind Kind) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.states[kind] == Granted
}

// RequestGrant implements [Gate].
func (g *StaticGate) RequestGrant(kind Kind) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.states[kind] = PendingExternalGrant
	g.requests[kind]++
	return nil
}

// Resolve answers a request for kind.
func (g *StaticGate) Resolve(kind Kind, granted bool) {
	g.mu.Lock()
	if granted {
		g.states[kind] = Granted
	} else {
		g.states[kind] = NotGranted
	}
	r := g.resolver
	g.mu.Unlock()

	if r != nil {
		r(kind, granted)
	}
}

// Set forces the state of kind without notifying anyone.
func (g *StaticGate) Set(kind Kind, s State) {
	g.mu.Lock()
	g.states[kind] = s
	g.mu.Unlock()
}

// State returns the state of kind.
func (g *StaticGate) State(kind Kind) State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.states[kind]
}

// Requests returns how many times kind was requested.
func (g *StaticGate) Requests(kind Kind) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[kind]
}
