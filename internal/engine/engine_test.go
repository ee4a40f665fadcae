package engine

import (
	"testing"
)

func TestEvent_String(t *testing.T) {
	tests := []struct {
		ev   Event
		want string
	}{
		{EventStarted, "started"},
		{EventStopped, "stopped"},
		{Event(0), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.ev.String(); got != tt.want {
			t.Errorf("Event(%d).String() = %q, want %q", tt.ev, got, tt.want)
		}
	}
}

func TestBroker_FanOutInOrder(t *testing.T) {
	var b Broker
	var got []string

	b.Subscribe(func(ev Event) { got = append(got, "a:"+ev.String()) })
	b.Subscribe(func(ev Event) { got = append(got, "b:"+ev.String()) })

	b.Publish(EventStarted)
	b.Publish(EventStopped)

	want := []string{"a:started", "b:started", "a:stopped", "b:stopped"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBroker_Unsubscribe(t *testing.T) {
	var b Broker
	calls := 0
	unsub := b.Subscribe(func(Event) { calls++ })
	other := b.Subscribe(func(Event) {})

	unsub()
	unsub() // second call is harmless
	b.Publish(EventStarted)

	if calls != 0 {
		t.Errorf("unsubscribed listener called %d times", calls)
	}
	if b.Len() != 1 {
		t.Errorf("Len() = %d, want 1", b.Len())
	}
	other()
	if b.Len() != 0 {
		t.Errorf("Len() = %d, want 0", b.Len())
	}
}

func TestBroker_ListenerMaySubscribe(t *testing.T) {
	var b Broker
	b.Subscribe(func(Event) {
		// Re-entrant registration must not deadlock.
		b.Subscribe(func(Event) {})
	})
	b.Publish(EventStarted)
	if b.Len() != 2 {
		t.Errorf("Len() = %d, want 2", b.Len())
	}
}
