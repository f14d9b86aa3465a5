package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"feedmesh/config"
	"feedmesh/internal/balancer"
	"feedmesh/internal/conn"
	"feedmesh/internal/store"
)

// fakeConn is a controllable Connection for manager tests.
type fakeConn struct {
	id       string
	connType conn.Type

	mu       sync.Mutex
	sendErr  error
	closed   bool
	listener conn.StateListener
	sink     conn.DeltaSink
}

func newFakeConn(id string, t conn.Type) *fakeConn {
	return &fakeConn{id: id, connType: t}
}

func (f *fakeConn) ID() string                    { return f.id }
func (f *fakeConn) Type() conn.Type               { return f.connType }
func (f *fakeConn) Connect(context.Context) error { return nil }

func (f *fakeConn) Send(context.Context, []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendErr
}

func (f *fakeConn) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) ReportMetrics() conn.Metrics { return conn.Metrics{} }

func (f *fakeConn) OnStateChange(l conn.StateListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listener = l
}

func (f *fakeConn) SetDeltaSink(s conn.DeltaSink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink = s
}

func (f *fakeConn) setSendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) emitState(state conn.State) {
	f.mu.Lock()
	l := f.listener
	f.mu.Unlock()
	if l != nil {
		l(f.id, state)
	}
}

func testManager(t *testing.T, mutate func(*config.Config)) *Manager {
	t.Helper()
	cfg := config.Default()
	cfg.Manager.MaxConnections = 4
	if mutate != nil {
		mutate(cfg)
	}
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("manager construction failed: %v", err)
	}
	return m
}

func register(t *testing.T, m *Manager, c *fakeConn) {
	t.Helper()
	cfg := conn.Config{ID: c.id, Address: "wss://example.test/stream", Type: c.connType}
	if err := m.RegisterConnection(c, cfg); err != nil {
		t.Fatalf("register %s failed: %v", c.id, err)
	}
}

func makeReady(t *testing.T, m *Manager, c *fakeConn) {
	t.Helper()
	for _, state := range []conn.State{conn.StateConnecting, conn.StateConnected, conn.StateReady} {
		c.emitState(state)
	}
	rec, err := m.Store().Get(c.id)
	if err != nil {
		t.Fatalf("get %s failed: %v", c.id, err)
	}
	if rec.State != conn.StateReady {
		t.Fatalf("expected %s ready, got %s", c.id, rec.State)
	}
}

func TestRegisterConnectionAtCapacity(t *testing.T) {
	m := testManager(t, func(cfg *config.Config) { cfg.Manager.MaxConnections = 1 })

	register(t, m, newFakeConn("md-1", conn.TypeMarketData))

	err := m.RegisterConnection(newFakeConn("md-2", conn.TypeMarketData),
		conn.Config{ID: "md-2", Type: conn.TypeMarketData})
	if !errors.Is(err, ErrAtCapacity) {
		t.Fatalf("expected ErrAtCapacity, got %v", err)
	}
}

func TestRegisterConnectionConcurrentCapacity(t *testing.T) {
	const limit = 2
	m := testManager(t, func(cfg *config.Config) { cfg.Manager.MaxConnections = limit })

	// Release all registrations at once; exactly limit may win, the rest
	// must fail with ErrAtCapacity.
	start := make(chan struct{})
	errs := make(chan error, 16)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			c := newFakeConn(fmt.Sprintf("md-%d", i), conn.TypeMarketData)
			errs <- m.RegisterConnection(c, conn.Config{ID: c.id, Type: conn.TypeMarketData})
		}(i)
	}
	close(start)
	wg.Wait()
	close(errs)

	var ok, atCapacity int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAtCapacity):
			atCapacity++
		default:
			t.Fatalf("unexpected registration error: %v", err)
		}
	}
	if ok != limit || atCapacity != 16-limit {
		t.Fatalf("expected %d registered and %d rejected, got %d/%d", limit, 16-limit, ok, atCapacity)
	}
	if total := m.Store().Stats().Total; total != limit {
		t.Fatalf("expected pool bounded at %d, got %d", limit, total)
	}
}

func TestRegisterConnectionDuplicate(t *testing.T) {
	m := testManager(t, nil)
	register(t, m, newFakeConn("md-1", conn.TypeMarketData))

	err := m.RegisterConnection(newFakeConn("md-1", conn.TypeMarketData),
		conn.Config{ID: "md-1", Type: conn.TypeMarketData})
	if !errors.Is(err, store.ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
}

func TestRegisterConnectionWiresEvents(t *testing.T) {
	m := testManager(t, nil)
	c := newFakeConn("md-1", conn.TypeMarketData)
	register(t, m, c)
	makeReady(t, m, c)

	// Metric deltas pushed by the connection land in the store.
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	if sink == nil {
		t.Fatal("expected delta sink wired on registration")
	}
	sink("md-1", conn.MetricsDelta{Sent: 2, Latency: 5 * time.Millisecond})

	rec, _ := m.Store().Get("md-1")
	if rec.Metrics.MessagesSent != 2 {
		t.Fatalf("expected delta folded into the record, got %+v", rec.Metrics)
	}
}

func TestUnregisterConnectionClosesFirst(t *testing.T) {
	m := testManager(t, nil)
	c := newFakeConn("md-1", conn.TypeMarketData)
	register(t, m, c)

	if err := m.UnregisterConnection("md-1"); err != nil {
		t.Fatalf("unregister failed: %v", err)
	}
	if !c.isClosed() {
		t.Fatal("expected connection closed before removal")
	}
	if _, err := m.Store().Get("md-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected record removed, got %v", err)
	}
}

func TestGetConnectionDefaultStrategy(t *testing.T) {
	m := testManager(t, nil)
	c := newFakeConn("md-1", conn.TypeMarketData)
	register(t, m, c)
	makeReady(t, m, c)

	rec, err := m.GetConnection(conn.TypeMarketData, "")
	if err != nil {
		t.Fatalf("get connection failed: %v", err)
	}
	if rec.ID != "md-1" {
		t.Fatalf("expected md-1, got %s", rec.ID)
	}

	rec, _ = m.Store().Get("md-1")
	if rec.Assignments != 1 {
		t.Fatalf("expected one assignment after selection, got %d", rec.Assignments)
	}

	m.ReleaseConnection("md-1")
	rec, _ = m.Store().Get("md-1")
	if rec.Assignments != 0 {
		t.Fatalf("expected assignment released, got %d", rec.Assignments)
	}
}

func TestGetConnectionNoneAvailable(t *testing.T) {
	m := testManager(t, nil)
	if _, err := m.GetConnection(conn.TypeTrading, ""); !errors.Is(err, balancer.ErrNotAvailable) {
		t.Fatalf("expected ErrNotAvailable, got %v", err)
	}
}

func TestGetConnectionFallbackWithoutLoadBalancing(t *testing.T) {
	m := testManager(t, func(cfg *config.Config) { cfg.Manager.EnableLoadBalancing = false })

	first := newFakeConn("md-1", conn.TypeMarketData)
	second := newFakeConn("md-2", conn.TypeMarketData)
	register(t, m, first)
	register(t, m, second)
	makeReady(t, m, first)
	makeReady(t, m, second)

	// Without load balancing the first ready connection in registration order
	// is always picked.
	for i := 0; i < 3; i++ {
		rec, err := m.GetConnection(conn.TypeMarketData, "")
		if err != nil {
			t.Fatalf("get connection failed: %v", err)
		}
		if rec.ID != "md-1" {
			t.Fatalf("expected md-1 on every pick, got %s", rec.ID)
		}
	}
}

func TestBroadcast(t *testing.T) {
	m := testManager(t, nil)

	good := newFakeConn("md-1", conn.TypeMarketData)
	bad := newFakeConn("md-2", conn.TypeMarketData)
	idle := newFakeConn("md-3", conn.TypeMarketData)
	register(t, m, good)
	register(t, m, bad)
	register(t, m, idle)
	makeReady(t, m, good)
	makeReady(t, m, bad)
	// idle stays disconnected and must be skipped.

	bad.setSendErr(errors.New("write: broken pipe"))

	result := m.Broadcast(context.Background(), conn.TypeMarketData, []byte(`{"op":"subscribe"}`))
	if result.Sent != 1 || result.Failed != 1 {
		t.Fatalf("expected 1 sent / 1 failed, got %+v", result)
	}
	if _, ok := result.Errors["md-2"]; !ok {
		t.Fatalf("expected failure attributed to md-2, got %v", result.Errors)
	}
}

func TestShutdownIdempotent(t *testing.T) {
	m := testManager(t, nil)
	c := newFakeConn("md-1", conn.TypeMarketData)
	register(t, m, c)
	m.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("first shutdown failed: %v", err)
	}
	if !c.isClosed() {
		t.Fatal("expected connections closed on shutdown")
	}
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown must be a no-op, got %v", err)
	}

	if err := m.RegisterConnection(newFakeConn("md-2", conn.TypeMarketData),
		conn.Config{ID: "md-2", Type: conn.TypeMarketData}); err == nil {
		t.Fatal("expected registration rejected after shutdown")
	}
}

func TestGetSystemOverview(t *testing.T) {
	m := testManager(t, nil)

	ready := newFakeConn("md-1", conn.TypeMarketData)
	down := newFakeConn("trade-1", conn.TypeTrading)
	register(t, m, ready)
	register(t, m, down)
	makeReady(t, m, ready)

	overview := m.GetSystemOverview()
	if overview.HealthScore < 0 || overview.HealthScore > 100 {
		t.Fatalf("health score out of range: %.1f", overview.HealthScore)
	}
	md := overview.ConnectionsByType[conn.TypeMarketData]
	if md.Total != 1 || md.Ready != 1 {
		t.Fatalf("unexpected market data overview: %+v", md)
	}
	trade := overview.ConnectionsByType[conn.TypeTrading]
	if trade.Total != 1 || trade.Ready != 0 {
		t.Fatalf("unexpected trading overview: %+v", trade)
	}
	if overview.ActiveStrategy == "" {
		t.Fatal("expected active strategy populated")
	}
}

func TestAlertsDisabled(t *testing.T) {
	m := testManager(t, func(cfg *config.Config) { cfg.Manager.EnableAlerts = false })

	if alerts := m.ActiveAlerts(); alerts != nil {
		t.Fatalf("expected nil alerts when disabled, got %v", alerts)
	}
	if err := m.AcknowledgeAlert("x"); err == nil {
		t.Fatal("expected acknowledge rejected when alerting is disabled")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Manager.MaxConnections = 0
	if _, err := New(cfg); err == nil {
		t.Fatal("expected invalid configuration rejected")
	}

	cfg = config.Default()
	cfg.Balancer.DefaultStrategy = "random"
	if _, err := New(cfg); err == nil {
		t.Fatal("expected unknown strategy rejected")
	}
}
