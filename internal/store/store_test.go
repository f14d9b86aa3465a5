package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"feedmesh/internal/conn"
)

// fakeConn is a minimal Connection for store tests.
type fakeConn struct {
	id       string
	connType conn.Type
	sendErr  error
	closed   bool
	listener conn.StateListener
}

func newFakeConn(id string, t conn.Type) *fakeConn {
	return &fakeConn{id: id, connType: t}
}

func (f *fakeConn) ID() string                               { return f.id }
func (f *fakeConn) Type() conn.Type                          { return f.connType }
func (f *fakeConn) Connect(context.Context) error            { return nil }
func (f *fakeConn) Send(context.Context, []byte) error       { return f.sendErr }
func (f *fakeConn) Close(context.Context) error              { f.closed = true; return nil }
func (f *fakeConn) ReportMetrics() conn.Metrics              { return conn.Metrics{} }
func (f *fakeConn) OnStateChange(l conn.StateListener)       { f.listener = l }

func testConfig(id string, t conn.Type) conn.Config {
	return conn.Config{ID: id, Address: "wss://example.test/stream", Type: t}
}

func TestRegisterAndGetByType(t *testing.T) {
	s := New(10, time.Minute)

	if err := s.Register(newFakeConn("md-1", conn.TypeMarketData), testConfig("md-1", conn.TypeMarketData), "node-a"); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := s.Register(newFakeConn("acct-1", conn.TypeAccountData), testConfig("acct-1", conn.TypeAccountData), "node-a"); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	records := s.GetByType(conn.TypeMarketData)
	if len(records) != 1 || records[0].ID != "md-1" {
		t.Fatalf("expected exactly md-1, got %#v", records)
	}
}

func TestRegisterDuplicateRejected(t *testing.T) {
	s := New(10, time.Minute)
	cfg := testConfig("md-1", conn.TypeMarketData)

	if err := s.Register(newFakeConn("md-1", conn.TypeMarketData), cfg, "node-a"); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	if err := s.UpdateState("md-1", conn.StateConnecting); err != nil {
		t.Fatalf("update state failed: %v", err)
	}

	err := s.Register(newFakeConn("md-1", conn.TypeMarketData), cfg, "node-b")
	if !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}

	// The original record must be untouched.
	rec, err := s.Get("md-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if rec.State != conn.StateConnecting || rec.ClusterNodeID != "node-a" {
		t.Fatalf("duplicate register altered the record: %+v", rec)
	}

	records := s.GetByType(conn.TypeMarketData)
	if len(records) != 1 {
		t.Fatalf("expected id present exactly once, got %d records", len(records))
	}
}

func TestUpdateStateMonotonic(t *testing.T) {
	s := New(10, time.Minute)
	s.mustRegister(t, "md-1", conn.TypeMarketData)

	for _, state := range []conn.State{conn.StateConnecting, conn.StateConnected, conn.StateReady} {
		if err := s.UpdateState("md-1", state); err != nil {
			t.Fatalf("transition to %s failed: %v", state, err)
		}
	}

	if err := s.UpdateState("md-1", conn.StateConnecting); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected backward transition rejected, got %v", err)
	}

	// Re-asserting the current state is an idempotent no-op.
	if err := s.UpdateState("md-1", conn.StateReady); err != nil {
		t.Fatalf("idempotent re-assert failed: %v", err)
	}
}

func TestUpdateStateDegradedRecovery(t *testing.T) {
	s := New(10, time.Minute)
	s.mustRegister(t, "md-1", conn.TypeMarketData)

	for _, state := range []conn.State{conn.StateConnecting, conn.StateConnected, conn.StateReady, conn.StateDegraded} {
		if err := s.UpdateState("md-1", state); err != nil {
			t.Fatalf("transition to %s failed: %v", state, err)
		}
	}

	if err := s.UpdateState("md-1", conn.StateReady); err != nil {
		t.Fatalf("degraded -> ready recovery failed: %v", err)
	}
}

func TestRecordDeltaTracksFailures(t *testing.T) {
	s := New(10, time.Minute)
	s.mustRegister(t, "md-1", conn.TypeMarketData)

	for i := 0; i < 3; i++ {
		if err := s.RecordDelta("md-1", conn.MetricsDelta{Failed: 1}); err != nil {
			t.Fatalf("record delta failed: %v", err)
		}
	}

	rec, _ := s.Get("md-1")
	if rec.ConsecutiveFailures != 3 {
		t.Fatalf("expected 3 consecutive failures, got %d", rec.ConsecutiveFailures)
	}
	if rec.Metrics.MessagesFailed != 3 {
		t.Fatalf("expected 3 failed messages, got %d", rec.Metrics.MessagesFailed)
	}

	// A successful send resets the streak.
	if err := s.RecordDelta("md-1", conn.MetricsDelta{Sent: 1}); err != nil {
		t.Fatalf("record delta failed: %v", err)
	}
	rec, _ = s.Get("md-1")
	if rec.ConsecutiveFailures != 0 {
		t.Fatalf("expected streak reset, got %d", rec.ConsecutiveFailures)
	}
}

func TestHistoryBounded(t *testing.T) {
	s := New(5, time.Minute)
	s.mustRegister(t, "md-1", conn.TypeMarketData)

	for i := 0; i < 50; i++ {
		if err := s.RecordDelta("md-1", conn.MetricsDelta{Received: 1}); err != nil {
			t.Fatalf("record delta failed: %v", err)
		}
	}

	samples, err := s.History("md-1", time.Time{})
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(samples) != 5 {
		t.Fatalf("history exceeded capacity: %d samples", len(samples))
	}
}

func TestSweepRemovesOnlyTerminalStale(t *testing.T) {
	s := New(10, time.Millisecond)
	s.mustRegister(t, "md-1", conn.TypeMarketData)
	s.mustRegister(t, "md-2", conn.TypeMarketData)

	if err := s.UpdateState("md-1", conn.StateFailed); err != nil {
		t.Fatalf("update state failed: %v", err)
	}

	removed := s.Sweep(time.Now().Add(time.Second))
	if len(removed) != 1 || removed[0] != "md-1" {
		t.Fatalf("expected only md-1 swept, got %v", removed)
	}

	if _, err := s.Get("md-2"); err != nil {
		t.Fatalf("non-terminal record must survive the sweep: %v", err)
	}
}

func TestStatsAndNodes(t *testing.T) {
	s := New(10, time.Minute)
	s.mustRegister(t, "md-1", conn.TypeMarketData)
	s.mustRegister(t, "md-2", conn.TypeMarketData)
	s.RegisterNode("node-a")

	stats := s.Stats()
	if stats.Total != 2 || stats.ByType[conn.TypeMarketData] != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	nodes := s.Nodes()
	if len(nodes) != 1 || nodes[0].ID != "node-a" {
		t.Fatalf("unexpected nodes: %#v", nodes)
	}
	if nodes[0].ConnectionCount != 2 {
		t.Fatalf("expected node connection count 2, got %d", nodes[0].ConnectionCount)
	}
}

func TestReconnectsSince(t *testing.T) {
	s := New(10, time.Minute)
	s.mustRegister(t, "md-1", conn.TypeMarketData)

	for i := 0; i < 4; i++ {
		if err := s.RecordDelta("md-1", conn.MetricsDelta{Reconnects: 1}); err != nil {
			t.Fatalf("record delta failed: %v", err)
		}
	}

	if n := s.ReconnectsSince("md-1", time.Now().Add(-time.Minute)); n != 4 {
		t.Fatalf("expected 4 recent reconnects, got %d", n)
	}
	if n := s.ReconnectsSince("md-1", time.Now().Add(time.Minute)); n != 0 {
		t.Fatalf("expected 0 reconnects after future cutoff, got %d", n)
	}
}

func (s *Store) mustRegister(t *testing.T, id string, ct conn.Type) {
	t.Helper()
	if err := s.Register(newFakeConn(id, ct), testConfig(id, ct), "node-a"); err != nil {
		t.Fatalf("register %s failed: %v", id, err)
	}
}
