package conn

import (
	"context"
	"time"
)

// Type distinguishes the logical traffic class a connection carries. Balancer
// pools and alert rules are scoped by type.
type Type string

const (
	TypeMarketData  Type = "market_data"
	TypeAccountData Type = "account_data"
	TypeTrading     Type = "trading"
	TypeSystem      Type = "system"
)

// Types lists every known connection type in a stable order.
func Types() []Type {
	return []Type{TypeMarketData, TypeAccountData, TypeTrading, TypeSystem}
}

// State is the lifecycle state of a connection. Transitions are monotonic:
// a connection never moves backwards through the lifecycle, with the single
// exception of Degraded recovering to Ready. Failed is terminal and reachable
// from any non-terminal state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticating
	StateReady
	StateDegraded
	StateClosing
	StateClosed
	StateFailed
)

var stateNames = map[State]string{
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

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// CanTransition reports whether moving from one state to another is legal.
// Re-asserting the current state is allowed so that at-least-once event
// delivery stays a no-op downstream.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	// The only backward edge is recovery from degradation.
	if from == StateDegraded && to == StateReady {
		return true
	}
	return to > from
}

// ReconnectPolicy bounds how aggressively an implementation re-establishes a
// dropped connection.
type ReconnectPolicy struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// RateLimit caps the outbound message rate of a single connection.
type RateLimit struct {
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	Burst             int     `yaml:"burst"`
}

// Config carries the immutable creation-time parameters of a connection.
type Config struct {
	ID        string
	Address   string
	Type      Type
	Reconnect ReconnectPolicy
	RateLimit RateLimit
}

// MetricsDelta is the unit producers report to the store. Producers never
// read-modify-write shared metrics; they only hand deltas over.
type MetricsDelta struct {
	Sent       int64
	Received   int64
	Failed     int64
	Errors     int64
	Reconnects int64
	// Latency carries one latency sample when greater than zero.
	Latency time.Duration
}

// Metrics is the continuously updated view the store maintains per connection.
type Metrics struct {
	MessagesSent     int64               `json:"messages_sent"`
	MessagesReceived int64               `json:"messages_received"`
	MessagesFailed   int64               `json:"messages_failed"`
	Errors           int64               `json:"errors"`
	Reconnects       int64               `json:"reconnects"`
	LastActivity     time.Time           `json:"last_activity"`
	StateTimestamps  map[State]time.Time `json:"-"`
}

// Apply folds a delta into the metrics. The caller is responsible for
// serializing access.
func (m *Metrics) Apply(d MetricsDelta, now time.Time) {
	m.MessagesSent += d.Sent
	m.MessagesReceived += d.Received
	m.MessagesFailed += d.Failed
	m.Errors += d.Errors
	m.Reconnects += d.Reconnects
	m.LastActivity = now
}

// DeltaSink receives metric deltas produced by a connection implementation.
type DeltaSink func(id string, delta MetricsDelta)

// StateListener receives state transition events emitted by a connection.
// Listeners must treat repeated delivery of the same transition as a no-op.
type StateListener func(id string, state State)

// Connection is the capability contract any concrete streaming connection must
// implement. The rest of the system never depends on a concrete transport.
type Connection interface {
	ID() string
	Type() Type

	Connect(ctx context.Context) error
	Send(ctx context.Context, payload []byte) error
	Close(ctx context.Context) error

	// ReportMetrics returns the implementation's local counters. The store
	// remains the source of truth; this is a diagnostic view.
	ReportMetrics() Metrics

	// OnStateChange registers the listener invoked for every state
	// transition. At most one listener is supported; registering replaces
	// the previous one.
	OnStateChange(listener StateListener)
}

// Prober is implemented by connections that support a lightweight liveness
// probe distinct from Send. The health checker prefers Probe when available.
type Prober interface {
	Probe(ctx context.Context) error
}
