package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mitmctl/internal/apps"
	"mitmctl/internal/engine"
	"mitmctl/internal/privilege"
	"mitmctl/internal/session"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndRecent(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, phase := range []string{"starting", "running", "stopping", "stopped"} {
		id, err := s.Record(ctx, Entry{At: base.Add(time.Duration(i) * time.Second), Attempt: "a1", Phase: phase, Target: "com.example.a"})
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), id)
	}

	got, err := s.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "stopped", got[0].Phase)
	assert.Equal(t, "stopping", got[1].Phase)
	assert.True(t, got[0].At.Equal(base.Add(3*time.Second)))

	all, err := s.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestAttempt(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	now := time.Now()

	_, err := s.Record(ctx, Entry{At: now, Attempt: "a1", Phase: "awaiting-privilege", Privilege: "overlay"})
	require.NoError(t, err)
	_, err = s.Record(ctx, Entry{At: now, Attempt: "a2", Phase: "starting"})
	require.NoError(t, err)
	_, err = s.Record(ctx, Entry{At: now, Attempt: "a1", Phase: "stopped", Error: "grant denied: overlay"})
	require.NoError(t, err)

	got, err := s.Attempt(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "awaiting-privilege", got[0].Phase)
	assert.Equal(t, "overlay", got[0].Privilege)
	assert.Equal(t, "grant denied: overlay", got[1].Error)
}

func TestOpen_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "journal.db")
	s, err := Open(path, nil)
	require.NoError(t, err)
	_, err = s.Record(context.Background(), Entry{At: time.Now(), Phase: "stopped"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path, nil)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestFromNotification(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e := FromNotification(session.Notification{
		Status: session.Status{
			Phase:     session.AwaitingPrivilege,
			Privilege: privilege.TunnelConsent,
			Target:    apps.NewTarget("com.example.a"),
			Attempt:   "x",
			Since:     at,
		},
		Previous:   session.Stopped,
		Attempt:    "x",
		Diagnostic: true,
	})
	assert.Equal(t, Entry{At: at, Attempt: "x", Previous: "stopped", Phase: "awaiting-privilege", Privilege: "consent", Target: "com.example.a"}, e)

	e = FromNotification(session.Notification{
		Status:   session.Status{Phase: session.Stopped, Since: at},
		Previous: session.Starting,
		Attempt:  "x",
		Err:      errors.New("engine stopped"),
	})
	assert.Empty(t, e.Privilege)
	assert.Equal(t, "x", e.Attempt)
	assert.Equal(t, "engine stopped", e.Error)
}

func TestJournalRecordsControllerTransitions(t *testing.T) {
	s := openMemory(t)

	eng := engine.NewSim(nil)
	eng.Manual = true
	c, err := session.New(session.Options{
		Engine:  eng,
		Gate:    privilege.NewStaticGate(privilege.TunnelConsent),
		Catalog: apps.NewStatic(apps.App{Package: "com.example.a", Network: true}),
	})
	require.NoError(t, err)
	c.Watch(s)

	ctx := context.Background()
	_, err = c.RequestToggle(ctx, apps.NewTarget("com.example.a"))
	require.NoError(t, err)
	attempt := c.Status().Attempt
	_, err = c.ResumeAfterExternalGrant(ctx, privilege.OverlayDisplay, true)
	require.NoError(t, err)
	eng.CompleteStart()
	c.Close() // flushes notifications

	got, err := s.Attempt(ctx, attempt)
	require.NoError(t, err)
	phases := make([]string, 0, len(got))
	for _, e := range got {
		phases = append(phases, e.Phase)
	}
	assert.Equal(t, []string{"awaiting-privilege", "starting", "running"}, phases)
	assert.Equal(t, "overlay", got[0].Privilege)
}

func TestJournalRecordsHowAnAttemptEnded(t *testing.T) {
	s := openMemory(t)

	c, err := session.New(session.Options{
		Engine:  engine.NewSim(nil),
		Gate:    privilege.NewStaticGate(),
		Catalog: apps.NewStatic(apps.App{Package: "com.example.a", Network: true}),
	})
	require.NoError(t, err)
	c.Watch(s)

	ctx := context.Background()
	_, err = c.RequestToggle(ctx, apps.NewTarget("com.example.a"))
	require.NoError(t, err)
	attempt := c.Status().Attempt
	_, err = c.ResumeAfterExternalGrant(ctx, privilege.OverlayDisplay, false)
	require.Error(t, err)
	c.Close()

	got, err := s.Attempt(ctx, attempt)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "awaiting-privilege", got[0].Phase)
	assert.Equal(t, "stopped", got[1].Phase)
	assert.Equal(t, "awaiting-privilege", got[1].Previous)
	assert.Contains(t, got[1].Error, "grant denied")
	assert.Empty(t, got[1].Target)
}
