package privilege

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ncerr "mitmctl/internal/errors"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"overlay", OverlayDisplay, false},
		{"Overlay-Display", OverlayDisplay, false},
		{"consent", TunnelConsent, false},
		{" tunnel_consent ", TunnelConsent, false},
		{"vpn", TunnelConsent, false},
		{"camera", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKind(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKind_TextRoundTrip(t *testing.T) {
	for _, k := range Kinds() {
		b, err := k.MarshalText()
		require.NoError(t, err)
		var back Kind
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, k, back)
	}
	_, err := Kind(0).MarshalText()
	assert.Error(t, err)
}

func TestKinds_AcquisitionOrder(t *testing.T) {
	assert.Equal(t, []Kind{OverlayDisplay, TunnelConsent}, Kinds())
}

func TestParseState(t *testing.T) {
	assert.Equal(t, Granted, ParseState("granted"))
	assert.Equal(t, Granted, ParseState(" YES "))
	assert.Equal(t, PendingExternalGrant, ParseState("pending"))
	assert.Equal(t, NotGranted, ParseState("denied"))
	assert.Equal(t, NotGranted, ParseState(""))
	assert.Equal(t, NotGranted, ParseState("maybe"))
}

// ── StaticGate ───────────────────────────────────────────────────────

func TestStaticGate(t *testing.T) {
	g := NewStaticGate(OverlayDisplay)
	assert.True(t, g.IsGranted(OverlayDisplay))
	assert.False(t, g.IsGranted(TunnelConsent))

	var got []string
	g.SetResolver(func(k Kind, granted bool) {
		got = append(got, k.String())
	})

	require.NoError(t, g.RequestGrant(TunnelConsent))
	assert.Equal(t, PendingExternalGrant, g.State(TunnelConsent))
	assert.Equal(t, 1, g.Requests(TunnelConsent))

	g.Resolve(TunnelConsent, false)
	assert.Equal(t, NotGranted, g.State(TunnelConsent))
	g.Resolve(TunnelConsent, true)
	assert.True(t, g.IsGranted(TunnelConsent))
	assert.Equal(t, []string{"consent", "consent"}, got)
}

// ── FileGate ─────────────────────────────────────────────────────────

func newFileGate(t *testing.T) *FileGate {
	t.Helper()
	return NewFileGate(WithPath(filepath.Join(t.TempDir(), "nested", "grants.yaml")))
}

func TestFileGate_MissingFileGrantsNothing(t *testing.T) {
	g := newFileGate(t)
	assert.False(t, g.IsGranted(OverlayDisplay))
	states, err := g.Load()
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestFileGate_RequestWritesPending(t *testing.T) {
	g := newFileGate(t)
	require.NoError(t, g.RequestGrant(OverlayDisplay))

	states, err := g.Load()
	require.NoError(t, err)
	assert.Equal(t, PendingExternalGrant, states[OverlayDisplay])
	assert.Equal(t, []Kind{OverlayDisplay}, g.Outstanding())

	info, err := os.Stat(g.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err := os.ReadFile(g.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), "overlay:")
	assert.Contains(t, string(data), "state: pending")
	assert.Contains(t, string(data), "requested_at:")
}

func TestFileGate_ResolveSettlesRequest(t *testing.T) {
	g := newFileGate(t)
	require.NoError(t, g.RequestGrant(TunnelConsent))
	require.NoError(t, g.Resolve(TunnelConsent, true))

	assert.True(t, g.IsGranted(TunnelConsent))
	assert.Empty(t, g.Outstanding())

	err := g.Resolve(TunnelConsent, false)
	require.ErrorIs(t, err, ncerr.ErrStateMismatch)
	assert.True(t, g.IsGranted(TunnelConsent), "a settled request cannot be answered again")
}

func TestFileGate_ResolveWithoutRequest(t *testing.T) {
	g := newFileGate(t)

	err := g.Resolve(TunnelConsent, true)
	require.ErrorIs(t, err, ncerr.ErrStateMismatch)
	assert.False(t, g.IsGranted(TunnelConsent))
	_, statErr := os.Stat(g.Path())
	assert.True(t, os.IsNotExist(statErr), "no file is written for an unrequested answer")

	require.NoError(t, g.RequestGrant(OverlayDisplay))
	require.ErrorIs(t, g.Resolve(TunnelConsent, true), ncerr.ErrStateMismatch)
	assert.False(t, g.IsGranted(TunnelConsent))
	assert.Equal(t, []Kind{OverlayDisplay}, g.Outstanding())
}

func TestFileGate_HandEditedFile(t *testing.T) {
	g := newFileGate(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(g.Path()), 0o755))
	doc := "grants:\n  overlay:\n    state: granted\n  camera:\n    state: granted\n"
	require.NoError(t, os.WriteFile(g.Path(), []byte(doc), 0o600))

	assert.True(t, g.IsGranted(OverlayDisplay))
	assert.False(t, g.IsGranted(TunnelConsent))

	states, err := g.Load()
	require.NoError(t, err)
	assert.Len(t, states, 1, "unknown privileges are ignored")
}

func TestFileGate_CorruptFile(t *testing.T) {
	g := newFileGate(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(g.Path()), 0o755))
	require.NoError(t, os.WriteFile(g.Path(), []byte("grants: [unterminated"), 0o600))

	assert.False(t, g.IsGranted(OverlayDisplay))
	assert.Error(t, g.RequestGrant(OverlayDisplay))
}

// ── Watcher ──────────────────────────────────────────────────────────

type answers struct {
	mu  sync.Mutex
	got []string
}

func (a *answers) resolve(k Kind, granted bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.got = append(a.got, k.String()+"="+map[bool]string{true: "yes", false: "no"}[granted])
}

func (a *answers) list() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.got...)
}

func edit(t *testing.T, path, doc string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
}

func TestWatcher_CheckReportsAnsweredRequests(t *testing.T) {
	g := newFileGate(t)
	var a answers
	w := NewWatcher(g, a.resolve, nil)

	require.NoError(t, g.RequestGrant(OverlayDisplay))
	require.NoError(t, g.RequestGrant(TunnelConsent))
	w.Check()
	assert.Empty(t, a.list(), "pending entries are not answers")

	edit(t, g.Path(), "grants:\n  overlay:\n    state: granted\n  consent:\n    state: pending\n")
	w.Check()
	assert.Equal(t, []string{"overlay=yes"}, a.list())

	edit(t, g.Path(), "grants:\n  overlay:\n    state: granted\n  consent:\n    state: denied\n")
	w.Check()
	w.Check()
	assert.Equal(t, []string{"overlay=yes", "consent=no"}, a.list(), "each request is answered once")
}

func TestWatcher_RemovedEntryIsDenial(t *testing.T) {
	g := newFileGate(t)
	var a answers
	w := NewWatcher(g, a.resolve, nil)

	require.NoError(t, g.RequestGrant(OverlayDisplay))
	edit(t, g.Path(), "grants: {}\n")
	w.Check()
	assert.Equal(t, []string{"overlay=no"}, a.list())
}

func TestWatcher_IgnoresUnrequestedKinds(t *testing.T) {
	g := newFileGate(t)
	var a answers
	w := NewWatcher(g, a.resolve, nil)

	require.NoError(t, os.MkdirAll(filepath.Dir(g.Path()), 0o755))
	edit(t, g.Path(), "grants:\n  overlay:\n    state: granted\n")
	w.Check()
	assert.Empty(t, a.list())
}

func TestWatcher_RunPicksUpEdits(t *testing.T) {
	g := newFileGate(t)
	var a answers
	w := NewWatcher(g, a.resolve, nil)
	w.SetDebounce(10 * time.Millisecond)

	require.NoError(t, g.RequestGrant(TunnelConsent))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher a moment to register before editing.
	time.Sleep(50 * time.Millisecond)
	edit(t, g.Path(), "grants:\n  consent:\n    state: granted\n")

	assert.Eventually(t, func() bool {
		return len(a.list()) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"consent=yes"}, a.list())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

// ── PromptGate ───────────────────────────────────────────────────────

func TestPromptGate_RefusesWithoutTerminal(t *testing.T) {
	p := NewPromptGate(strings.NewReader("y\n"), &bytes.Buffer{})
	assert.False(t, p.IsInteractive())
	assert.Error(t, p.RequestGrant(OverlayDisplay))
	assert.False(t, p.IsGranted(OverlayDisplay))
}

func TestPromptGate_AnswersThroughResolver(t *testing.T) {
	var out syncBuffer
	p := NewPromptGate(strings.NewReader("y\nno\n"), &out)
	p.AssumeInteractive = true

	got := make(chan string, 2)
	p.SetResolver(func(k Kind, granted bool) {
		got <- k.String() + "=" + map[bool]string{true: "yes", false: "no"}[granted]
	})

	require.NoError(t, p.RequestGrant(OverlayDisplay))
	assert.Equal(t, "overlay=yes", receive(t, got))
	assert.True(t, p.IsGranted(OverlayDisplay))

	require.NoError(t, p.RequestGrant(TunnelConsent))
	assert.Equal(t, "consent=no", receive(t, got))
	assert.False(t, p.IsGranted(TunnelConsent))

	assert.Contains(t, out.String(), "Allow mitmctl to display over other apps? [y/n]: ")
	assert.Contains(t, out.String(), "Allow mitmctl to set up the interception tunnel? [y/n]: ")
}

func TestPromptGate_EOFDenies(t *testing.T) {
	p := NewPromptGate(strings.NewReader(""), &syncBuffer{})
	p.AssumeInteractive = true
	got := make(chan string, 1)
	p.SetResolver(func(k Kind, granted bool) {
		got <- map[bool]string{true: "yes", false: "no"}[granted]
	})
	require.NoError(t, p.RequestGrant(OverlayDisplay))
	assert.Equal(t, "no", receive(t, got))
}

func receive(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no answer delivered")
		return ""
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
