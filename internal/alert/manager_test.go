package alert

import (
	"context"
	"errors"
	"testing"
	"time"

	"feedmesh/config"
	"feedmesh/internal/analytics"
	"feedmesh/internal/conn"
	"feedmesh/internal/store"
)

// stubRule fires whatever is loaded into firings.
type stubRule struct {
	id       string
	severity Severity
	channels []string
	firings  []Firing
}

func (r *stubRule) ID() string                 { return r.id }
func (r *stubRule) Severity() Severity         { return r.severity }
func (r *stubRule) Channels() []string         { return r.channels }
func (r *stubRule) Title() string              { return "stub rule" }
func (r *stubRule) Evaluate(Snapshot) []Firing { return r.firings }

// recordingChannel captures notifications, optionally failing each delivery.
type recordingChannel struct {
	name     string
	err      error
	received []Alert
}

func (c *recordingChannel) Name() string { return c.name }
func (c *recordingChannel) Notify(_ context.Context, a Alert) error {
	c.received = append(c.received, a)
	return c.err
}

func emptySnapshot() Snapshot { return Snapshot{} }

type stubConn struct {
	id       string
	connType conn.Type
}

func (s *stubConn) ID() string                         { return s.id }
func (s *stubConn) Type() conn.Type                    { return s.connType }
func (s *stubConn) Connect(context.Context) error      { return nil }
func (s *stubConn) Send(context.Context, []byte) error { return nil }
func (s *stubConn) Close(context.Context) error        { return nil }
func (s *stubConn) ReportMetrics() conn.Metrics        { return conn.Metrics{} }
func (s *stubConn) OnStateChange(conn.StateListener)   {}

func TestEvaluateDedupesAcrossCycles(t *testing.T) {
	rule := &stubRule{
		id:       "conn-down",
		severity: SeverityCritical,
		channels: []string{"ops"},
		firings:  []Firing{{Subject: "md-1", Message: "connection md-1 has failed"}},
	}
	ch := &recordingChannel{name: "ops"}
	m := NewManager([]Rule{rule}, []Channel{ch}, 2, emptySnapshot)

	for i := 0; i < 3; i++ {
		m.Evaluate(context.Background())
	}

	active := m.Active()
	if len(active) != 1 {
		t.Fatalf("expected exactly one open alert, got %d", len(active))
	}
	if active[0].State != StateOpen || active[0].Subject != "md-1" {
		t.Fatalf("unexpected alert: %+v", active[0])
	}
	if len(ch.received) != 1 {
		t.Fatalf("expected one notification for a deduplicated alert, got %d", len(ch.received))
	}
	if !active[0].LastSeen.After(active[0].FirstSeen) {
		t.Fatal("expected LastSeen refreshed on later cycles")
	}
}

func TestEvaluateResolvesWithHysteresis(t *testing.T) {
	rule := &stubRule{
		id:       "conn-down",
		severity: SeverityWarning,
		channels: []string{"ops"},
		firings:  []Firing{{Subject: "md-1", Message: "down"}},
	}
	ch := &recordingChannel{name: "ops"}
	m := NewManager([]Rule{rule}, []Channel{ch}, 2, emptySnapshot)

	m.Evaluate(context.Background())
	if len(m.Active()) != 1 {
		t.Fatal("expected alert opened")
	}

	// One clear cycle is not enough to resolve.
	rule.firings = nil
	m.Evaluate(context.Background())
	if len(m.Active()) != 1 {
		t.Fatal("expected alert still open after a single clear cycle")
	}

	// The second clear cycle resolves it.
	m.Evaluate(context.Background())
	if len(m.Active()) != 0 {
		t.Fatal("expected alert resolved after two clear cycles")
	}

	history := m.History()
	if len(history) != 1 || history[0].State != StateResolved {
		t.Fatalf("expected one resolved alert in history, got %#v", history)
	}

	// Open + resolved: exactly two notifications, never a duplicate resolve.
	m.Evaluate(context.Background())
	if len(ch.received) != 2 {
		t.Fatalf("expected 2 notifications (open, resolved), got %d", len(ch.received))
	}
}

func TestEvaluateFlappingResetsHysteresis(t *testing.T) {
	rule := &stubRule{
		id:       "conn-down",
		severity: SeverityWarning,
		channels: nil,
		firings:  []Firing{{Subject: "md-1", Message: "down"}},
	}
	m := NewManager([]Rule{rule}, nil, 2, emptySnapshot)

	m.Evaluate(context.Background())
	rule.firings = nil
	m.Evaluate(context.Background()) // one clear cycle
	rule.firings = []Firing{{Subject: "md-1", Message: "down"}}
	m.Evaluate(context.Background()) // firing again resets the counter
	rule.firings = nil
	m.Evaluate(context.Background())

	// The counter restarted, so one clear cycle does not resolve.
	if len(m.Active()) != 1 {
		t.Fatal("expected alert still open after the hysteresis counter reset")
	}
}

func TestDispatchChannelFailureIsolated(t *testing.T) {
	rule := &stubRule{
		id:       "conn-down",
		severity: SeverityCritical,
		channels: []string{"broken", "ops"},
		firings:  []Firing{{Subject: "md-1", Message: "down"}},
	}
	broken := &recordingChannel{name: "broken", err: errors.New("webhook returned status 503")}
	ops := &recordingChannel{name: "ops"}
	m := NewManager([]Rule{rule}, []Channel{broken, ops}, 2, emptySnapshot)

	m.Evaluate(context.Background())

	if len(broken.received) != 1 {
		t.Fatalf("expected broken channel attempted, got %d deliveries", len(broken.received))
	}
	if len(ops.received) != 1 {
		t.Fatalf("expected healthy channel notified despite the broken one, got %d", len(ops.received))
	}
}

func TestAcknowledge(t *testing.T) {
	rule := &stubRule{
		id:       "conn-down",
		severity: SeverityInfo,
		firings:  []Firing{{Subject: "md-1", Message: "down"}},
	}
	m := NewManager([]Rule{rule}, nil, 2, emptySnapshot)
	m.Evaluate(context.Background())

	active := m.Active()
	if err := m.Acknowledge(active[0].ID); err != nil {
		t.Fatalf("acknowledge failed: %v", err)
	}
	if got := m.Active(); got[0].State != StateAcknowledged {
		t.Fatalf("expected acknowledged state, got %s", got[0].State)
	}

	if err := m.Acknowledge("no-such-id"); err == nil {
		t.Fatal("expected error for unknown alert id")
	}

	// Auto-resolution still applies to acknowledged alerts.
	rule.firings = nil
	m.Evaluate(context.Background())
	m.Evaluate(context.Background())
	if len(m.Active()) != 0 {
		t.Fatal("expected acknowledged alert auto-resolved")
	}
}

func TestErrorRateRuleFires(t *testing.T) {
	st := store.New(100, time.Minute)
	eng := analytics.New(st, time.Minute, 3, 1, analytics.EqualWeights())

	cfg := conn.Config{ID: "md-1", Address: "wss://example.test/stream", Type: conn.TypeMarketData}
	if err := st.Register(&stubConn{id: "md-1", connType: conn.TypeMarketData}, cfg, "node-a"); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := st.RecordDelta("md-1", conn.MetricsDelta{Failed: 1}); err != nil {
			t.Fatalf("record delta failed: %v", err)
		}
	}
	if err := st.RecordDelta("md-1", conn.MetricsDelta{Sent: 1}); err != nil {
		t.Fatalf("record delta failed: %v", err)
	}

	rule, err := BuildRule(config.RuleConfig{
		ID:        "err-rate",
		Kind:      "error_rate",
		Severity:  "warning",
		Threshold: 0.5,
	}, st, eng)
	if err != nil {
		t.Fatalf("build rule failed: %v", err)
	}

	firings := rule.Evaluate(Snapshot{Records: st.Snapshot()})
	if len(firings) != 1 || firings[0].Subject != "md-1" {
		t.Fatalf("expected md-1 flagged at 75%% error rate, got %#v", firings)
	}
	if firings[0].Value != 0.75 {
		t.Fatalf("expected value 0.75, got %.3f", firings[0].Value)
	}
}

func TestErrorRateAlertLifecycle(t *testing.T) {
	st := store.New(2000, time.Minute)
	eng := analytics.New(st, time.Minute, 3, 1, analytics.EqualWeights())

	cfg := conn.Config{ID: "md-1", Address: "wss://example.test/stream", Type: conn.TypeMarketData}
	if err := st.Register(&stubConn{id: "md-1", connType: conn.TypeMarketData}, cfg, "node-a"); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	// 100 messages, 10 failures: 10% error rate against a 5% threshold.
	for i := 0; i < 90; i++ {
		if err := st.RecordDelta("md-1", conn.MetricsDelta{Sent: 1}); err != nil {
			t.Fatalf("record delta failed: %v", err)
		}
	}
	for i := 0; i < 10; i++ {
		if err := st.RecordDelta("md-1", conn.MetricsDelta{Failed: 1}); err != nil {
			t.Fatalf("record delta failed: %v", err)
		}
	}

	rule, err := BuildRule(config.RuleConfig{
		ID:        "err-rate",
		Kind:      "error_rate",
		Severity:  "critical",
		Threshold: 0.05,
	}, st, eng)
	if err != nil {
		t.Fatalf("build rule failed: %v", err)
	}

	m := NewManager([]Rule{rule}, nil, 2, func() Snapshot {
		return Snapshot{Records: st.Snapshot()}
	})

	m.Evaluate(context.Background())
	active := m.Active()
	if len(active) != 1 || active[0].Severity != SeverityCritical || active[0].Subject != "md-1" {
		t.Fatalf("expected one critical alert for md-1, got %#v", active)
	}

	// Dilute the window with clean traffic until the rate drops below the
	// threshold, then two clear cycles resolve the alert.
	for i := 0; i < 900; i++ {
		if err := st.RecordDelta("md-1", conn.MetricsDelta{Sent: 1}); err != nil {
			t.Fatalf("record delta failed: %v", err)
		}
	}
	m.Evaluate(context.Background())
	m.Evaluate(context.Background())

	if len(m.Active()) != 0 {
		t.Fatal("expected alert resolved after the rate dropped for two cycles")
	}
	history := m.History()
	if len(history) != 1 || history[0].State != StateResolved {
		t.Fatalf("expected exactly one resolved alert, got %#v", history)
	}
}

func TestCapacityRule(t *testing.T) {
	rule, err := BuildRule(config.RuleConfig{
		ID:       "cap",
		Kind:     "capacity",
		Severity: "critical",
	}, nil, nil)
	if err != nil {
		t.Fatalf("build rule failed: %v", err)
	}

	snap := Snapshot{Stats: store.Stats{Total: 8}, MaxConnections: 10}
	if firings := rule.Evaluate(snap); len(firings) != 0 {
		t.Fatalf("expected no firing at 80%% usage with default 90%% threshold, got %#v", firings)
	}

	snap.Stats.Total = 9
	firings := rule.Evaluate(snap)
	if len(firings) != 1 || firings[0].Subject != "capacity" {
		t.Fatalf("expected capacity firing at 90%% usage, got %#v", firings)
	}
}

func TestBuildRuleRejectsUnknownKind(t *testing.T) {
	if _, err := BuildRule(config.RuleConfig{ID: "x", Kind: "made_up", Severity: "info"}, nil, nil); err == nil {
		t.Fatal("expected unknown rule kind rejected")
	}
}

func TestParseSeverity(t *testing.T) {
	cases := map[string]Severity{
		"":         SeverityWarning,
		"info":     SeverityInfo,
		"warning":  SeverityWarning,
		"critical": SeverityCritical,
	}
	for in, want := range cases {
		got, err := ParseSeverity(in)
		if err != nil {
			t.Fatalf("parse %q failed: %v", in, err)
		}
		if got != want {
			t.Fatalf("parse %q: expected %s, got %s", in, want, got)
		}
	}
	if _, err := ParseSeverity("fatal"); err == nil {
		t.Fatal("expected unknown severity rejected")
	}
}
