package conn

import (
	"testing"
	"time"
)

func TestStateStrings(t *testing.T) {
	cases := map[State]string{
		StateDisconnected:   "disconnected",
		StateConnecting:     "connecting",
		StateConnected:      "connected",
		StateAuthenticating: "authenticating",
		StateReady:          "ready",
		StateDegraded:       "degraded",
		StateClosing:        "closing",
		StateClosed:         "closed",
		StateFailed:         "failed",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("state %d: expected %q, got %q", state, want, got)
		}
	}
	if got := State(42).String(); got != "unknown" {
		t.Fatalf("expected unknown for out of range state, got %q", got)
	}
}

func TestCanTransitionForward(t *testing.T) {
	order := []State{
		StateDisconnected, StateConnecting, StateConnected,
		StateAuthenticating, StateReady, StateDegraded, StateClosing, StateClosed,
	}
	for i := 0; i < len(order)-1; i++ {
		if !CanTransition(order[i], order[i+1]) {
			t.Fatalf("expected %s -> %s to be allowed", order[i], order[i+1])
		}
	}
}

func TestCanTransitionRejectsBackward(t *testing.T) {
	if CanTransition(StateReady, StateConnecting) {
		t.Fatal("ready -> connecting must be rejected")
	}
	if CanTransition(StateClosing, StateReady) {
		t.Fatal("closing -> ready must be rejected")
	}
	if CanTransition(StateClosed, StateReady) {
		t.Fatal("closed is terminal")
	}
	if CanTransition(StateFailed, StateConnecting) {
		t.Fatal("failed is terminal")
	}
}

func TestCanTransitionRecoveryEdge(t *testing.T) {
	if !CanTransition(StateDegraded, StateReady) {
		t.Fatal("degraded -> ready recovery must be allowed")
	}
}

func TestCanTransitionFailedFromAnywhere(t *testing.T) {
	for _, from := range []State{
		StateDisconnected, StateConnecting, StateConnected,
		StateAuthenticating, StateReady, StateDegraded, StateClosing,
	} {
		if !CanTransition(from, StateFailed) {
			t.Fatalf("expected %s -> failed to be allowed", from)
		}
	}
}

func TestCanTransitionSameStateIdempotent(t *testing.T) {
	if !CanTransition(StateReady, StateReady) {
		t.Fatal("re-asserting the current state must be a no-op, not an error")
	}
}

func TestMetricsApply(t *testing.T) {
	m := Metrics{StateTimestamps: map[State]time.Time{}}
	now := time.Now()
	m.Apply(MetricsDelta{Sent: 2, Received: 5, Failed: 1, Errors: 1, Reconnects: 1}, now)
	m.Apply(MetricsDelta{Sent: 1}, now.Add(time.Second))

	if m.MessagesSent != 3 || m.MessagesReceived != 5 || m.MessagesFailed != 1 {
		t.Fatalf("unexpected counters: %+v", m)
	}
	if m.Errors != 1 || m.Reconnects != 1 {
		t.Fatalf("unexpected error counters: %+v", m)
	}
	if !m.LastActivity.Equal(now.Add(time.Second)) {
		t.Fatalf("last activity not advanced: %v", m.LastActivity)
	}
}
