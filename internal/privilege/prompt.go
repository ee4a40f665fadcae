package privilege

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// PromptGate asks the person at the terminal.  Grants last for the life
// of the gate.  Each request is asked on its own goroutine and the
// answer is delivered through the resolver, so RequestGrant never
// blocks the caller.
type PromptGate struct {
	in  *bufio.Reader
	raw io.Reader
	out io.Writer

	// AssumeInteractive skips the terminal check on the input.
	AssumeInteractive bool

	mu       sync.Mutex
	states   map[Kind]State
	resolver Resolver
	asking   sync.Mutex
}

// NewPromptGate reads answers from in and writes questions to out.
func NewPromptGate(in io.Reader, out io.Writer) *PromptGate {
	return &PromptGate{
		in:     bufio.NewReader(in),
		raw:    in,
		out:    out,
		states: make(map[Kind]State),
	}
}

// SetResolver sets where answers are delivered.
func (p *PromptGate) SetResolver(r Resolver) {
	p.mu.Lock()
	p.resolver = r
	p.mu.Unlock()
}

// IsInteractive reports whether there is a terminal to ask on.
func (p *PromptGate) IsInteractive() bool {
	if p.AssumeInteractive {
		return true
	}
	f, ok := p.raw.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// IsGranted implements [Gate].
func (p *PromptGate) IsGranted(kind Kind) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.states[kind] == Granted
}

// RequestGrant implements [Gate].
func (p *PromptGate) RequestGrant(kind Kind) error {
	if !p.IsInteractive() {
		return fmt.Errorf("cannot ask for %s: input is not a terminal", kind)
	}
	p.mu.Lock()
	p.states[kind] = PendingExternalGrant
	p.mu.Unlock()

	go p.ask(kind)
	return nil
}

func (p *PromptGate) ask(kind Kind) {
	p.asking.Lock()
	granted := p.readAnswer(kind)
	p.asking.Unlock()

	p.mu.Lock()
	if granted {
		p.states[kind] = Granted
	} else {
		p.states[kind] = NotGranted
	}
	r := p.resolver
	p.mu.Unlock()

	if r != nil {
		r(kind, granted)
	}
}

// readAnswer prompts once.  EOF and anything but yes is a denial.
func (p *PromptGate) readAnswer(kind Kind) bool {
	_, _ = fmt.Fprintf(p.out, "Allow mitmctl to %s? [y/n]: ", kind.Describe())
	line, err := p.in.ReadString('\n')
	if err != nil && line == "" {
		_, _ = fmt.Fprintln(p.out)
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}
