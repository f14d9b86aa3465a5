package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"feedmesh/config"
	"feedmesh/internal/alert"
	"feedmesh/internal/analytics"
	"feedmesh/internal/balancer"
	"feedmesh/internal/conn"
	"feedmesh/internal/metrics"
	"feedmesh/internal/store"
	"feedmesh/logger"
)

// ErrAtCapacity is returned by RegisterConnection when the configured
// connection limit is reached. The caller decides retry policy.
var ErrAtCapacity = errors.New("connection limit reached")

// deltaSinkSetter is implemented by connections that push metric deltas,
// letting the manager wire them straight into the store.
type deltaSinkSetter interface {
	SetDeltaSink(conn.DeltaSink)
}

// Manager is the integration façade. It owns construction and teardown of the
// store, analytics engine, load balancer, health checker and alert manager,
// wires their events together and exposes the registration/lookup/broadcast
// API.
type Manager struct {
	cfg *config.Config
	log *logger.Log

	store    *store.Store
	engine   *analytics.Engine
	balancer *balancer.Balancer
	health   *balancer.HealthChecker
	alerts   *alert.Manager

	defaultStrategy balancer.Strategy

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	tasks   sync.WaitGroup
}

// New constructs the manager and all enabled subsystems. Configuration errors
// surface here, before any background task starts.
func New(cfg *config.Config) (*Manager, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	defaultStrategy, err := balancer.ParseStrategy(cfg.Balancer.DefaultStrategy)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:             cfg,
		log:             logger.GetLogger(),
		defaultStrategy: defaultStrategy,
	}

	m.store = store.New(cfg.Store.MetricsHistory, cfg.Store.StaleAfter())
	if cfg.Manager.ClusterNodeID != "" {
		m.store.RegisterNode(cfg.Manager.ClusterNodeID)
	}

	m.engine = analytics.New(
		m.store,
		cfg.Analytics.Window(),
		cfg.Analytics.AnomalySigma,
		cfg.Analytics.MinSamples,
		analytics.Weights{
			ErrorRate: cfg.Analytics.ErrorWeight,
			Latency:   cfg.Analytics.LatencyWeight,
			Uptime:    cfg.Analytics.UptimeWeight,
		},
	)

	m.balancer = balancer.New(m.store, m.engine, cfg.Balancer.Weights, cfg.Balancer.AdaptiveWindow())
	m.health = balancer.NewHealthChecker(m.balancer, cfg.Balancer.DegradeThreshold, cfg.Manager.OperationTimeout())

	if cfg.Manager.EnableAlerts {
		channels := make([]alert.Channel, 0, len(cfg.Alerts.Channels))
		for _, chCfg := range cfg.Alerts.Channels {
			ch, err := alert.BuildChannel(chCfg)
			if err != nil {
				return nil, err
			}
			channels = append(channels, ch)
		}

		rules := make([]alert.Rule, 0, len(cfg.Alerts.Rules))
		for _, ruleCfg := range cfg.Alerts.Rules {
			rule, err := alert.BuildRule(ruleCfg, m.store, m.engine)
			if err != nil {
				return nil, err
			}
			rules = append(rules, rule)
		}

		m.alerts = alert.NewManager(rules, channels, cfg.Alerts.ResolveCycles, m.alertSnapshot)
	}

	return m, nil
}

// alertSnapshot builds the read-only state alert rules evaluate against.
func (m *Manager) alertSnapshot() alert.Snapshot {
	snap := alert.Snapshot{
		Records:        m.store.Snapshot(),
		Nodes:          m.store.Nodes(),
		Stats:          m.store.Stats(),
		MaxConnections: m.cfg.Manager.MaxConnections,
	}
	if m.cfg.Manager.EnableAnalytics {
		snap.Anomalies = m.engine.DetectAnomalies()
	}
	return snap
}

// Start launches the periodic tasks: cleanup sweeps, health checks, analytics
// aggregation, alert evaluation, adaptive strategy rotation and cluster
// heartbeats. Safe to call once; subsequent calls are no-ops.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.started = true
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	m.runTask("store_cleanup", func() {
		m.store.RunCleanup(ctx, m.cfg.Manager.CleanupInterval())
	})

	m.runTask("health_checker", func() {
		m.health.Run(ctx, m.cfg.Manager.HealthCheckInterval())
	})

	if m.cfg.Manager.EnableLoadBalancing {
		m.runTask("adaptive_balancer", func() {
			m.balancer.RunAdaptive(ctx)
		})
	}

	if m.cfg.Manager.EnableAnalytics {
		m.runTask("analytics", func() {
			m.runAnalytics(ctx)
		})
	}

	if m.alerts != nil {
		m.runTask("alert_manager", func() {
			m.alerts.Run(ctx, m.cfg.Manager.AlertCheckInterval())
		})
	}

	if m.cfg.Manager.ClusterNodeID != "" {
		m.runTask("cluster_heartbeat", func() {
			m.runHeartbeat(ctx)
		})
	}

	m.log.WithComponent("manager").WithFields(logger.Fields{
		"node":            m.cfg.Manager.ClusterNodeID,
		"max_connections": m.cfg.Manager.MaxConnections,
	}).Info("integration manager started")
}

func (m *Manager) runTask(name string, fn func()) {
	m.tasks.Add(1)
	go func() {
		defer m.tasks.Done()
		defer func() {
			if r := recover(); r != nil {
				m.log.WithComponent("manager").WithFields(logger.Fields{
					"task": name, "panic": fmt.Sprint(r),
				}).Error("periodic task panicked")
			}
		}()
		fn()
	}()
}

// runAnalytics emits aggregated performance metrics per type on the analytics
// cadence and keeps the Prometheus connection gauges current.
func (m *Manager) runAnalytics(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Manager.AnalyticsInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := m.store.Stats()
			for _, t := range conn.Types() {
				metrics.SetActiveConnections(string(t), stats.ByType[t])
				for _, pm := range m.engine.PerformanceMetrics(t) {
					metrics.EmitMetric(m.log, "analytics", "type_performance", pm.Throughput, "gauge", logger.Fields{
						"type":           string(pm.Type),
						"connections":    pm.Connections,
						"avg_latency_ms": pm.AvgLatency.Milliseconds(),
						"p50_latency_ms": pm.P50Latency.Milliseconds(),
						"max_latency_ms": pm.MaxLatency.Milliseconds(),
						"error_rate":     pm.ErrorRate,
					})
				}
			}
		}
	}
}

func (m *Manager) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Manager.HealthCheckInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.store.Heartbeat(m.cfg.Manager.ClusterNodeID)
		}
	}
}

// RegisterConnection adds a connection to the pool. It fails on duplicate id
// or when the configured capacity is reached; both are results the caller
// handles, not faults.
func (m *Manager) RegisterConnection(c conn.Connection, cfg conn.Config) error {
	// The capacity check and the insert happen under one lock so concurrent
	// registrations cannot all pass the check and overshoot the limit.
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return fmt.Errorf("manager is shut down")
	}
	if m.store.Stats().Total >= m.cfg.Manager.MaxConnections {
		m.mu.Unlock()
		metrics.IncRegistration("capacity")
		return fmt.Errorf("%w (%d)", ErrAtCapacity, m.cfg.Manager.MaxConnections)
	}
	err := m.store.Register(c, cfg, m.cfg.Manager.ClusterNodeID)
	m.mu.Unlock()

	if err != nil {
		if errors.Is(err, store.ErrDuplicateID) {
			metrics.IncRegistration("duplicate")
		} else {
			metrics.IncRegistration("error")
		}
		return err
	}

	// State changes flow through the store's idempotent transition handling,
	// so at-least-once delivery from the transport is harmless.
	c.OnStateChange(func(id string, state conn.State) {
		if err := m.store.UpdateState(id, state); err != nil {
			m.log.WithComponent("manager").WithError(err).WithFields(logger.Fields{
				"id": id, "state": state.String(),
			}).Debug("dropped state event")
		}
	})

	if setter, ok := c.(deltaSinkSetter); ok {
		setter.SetDeltaSink(func(id string, d conn.MetricsDelta) {
			if err := m.store.RecordDelta(id, d); err != nil {
				m.log.WithComponent("manager").WithError(err).WithFields(logger.Fields{"id": id}).Debug("dropped metrics delta")
			}
		})
	}

	metrics.IncRegistration("ok")
	return nil
}

// UnregisterConnection closes the connection and removes its record.
func (m *Manager) UnregisterConnection(id string) error {
	c, err := m.store.Connection(id)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Manager.OperationTimeout())
	defer cancel()
	if err := c.Close(ctx); err != nil {
		m.log.WithComponent("manager").WithError(err).WithFields(logger.Fields{"id": id}).Warn("close before unregister failed")
	}

	return m.store.Unregister(id)
}

// GetConnection selects a Ready connection of the given type using the
// requested strategy (empty means the configured default). The selection
// counts as one logical subscription; call ReleaseConnection when done.
func (m *Manager) GetConnection(t conn.Type, strategy balancer.Strategy) (store.Record, error) {
	if !m.cfg.Manager.EnableLoadBalancing {
		// Load balancing disabled: first Ready candidate wins.
		for _, rec := range m.store.GetByType(t) {
			if rec.State == conn.StateReady {
				m.store.AddAssignments(rec.ID, 1)
				return rec, nil
			}
		}
		return store.Record{}, balancer.ErrNotAvailable
	}

	if strategy == "" {
		strategy = m.defaultStrategy
	}

	rec, err := m.balancer.Select(t, strategy)
	if err != nil {
		metrics.IncSelection(string(strategy), "not_available")
		return store.Record{}, err
	}
	metrics.IncSelection(string(strategy), "ok")
	return rec, nil
}

// ReleaseConnection ends a logical subscription created by GetConnection.
func (m *Manager) ReleaseConnection(id string) {
	m.balancer.Release(id)
}

// BroadcastResult reports the per-connection outcome of a broadcast.
type BroadcastResult struct {
	Sent   int              `json:"sent"`
	Failed int              `json:"failed"`
	Errors map[string]error `json:"-"`
}

// Broadcast sends the payload to every Ready connection of the given type.
// Transient send failures are collected per connection, never raised.
func (m *Manager) Broadcast(ctx context.Context, t conn.Type, payload []byte) BroadcastResult {
	result := BroadcastResult{Errors: make(map[string]error)}

	for _, rec := range m.store.GetByType(t) {
		if rec.State != conn.StateReady {
			continue
		}
		c, err := m.store.Connection(rec.ID)
		if err != nil {
			continue
		}

		m.store.AddInFlight(rec.ID, 1)
		sendCtx, cancel := context.WithTimeout(ctx, m.cfg.Manager.OperationTimeout())
		start := time.Now()
		err = c.Send(sendCtx, payload)
		cancel()
		m.store.AddInFlight(rec.ID, -1)

		if err != nil {
			result.Failed++
			result.Errors[rec.ID] = err
			metrics.IncBroadcast(string(t), "failed")
			m.balancer.RecordOutcome(m.defaultStrategy, false, time.Since(start))
			continue
		}
		result.Sent++
		metrics.IncBroadcast(string(t), "ok")
		m.balancer.RecordOutcome(m.defaultStrategy, true, time.Since(start))
	}

	return result
}

// ActiveAlerts returns the currently open alerts, newest first.
func (m *Manager) ActiveAlerts() []alert.Alert {
	if m.alerts == nil {
		return nil
	}
	return m.alerts.Active()
}

// AcknowledgeAlert marks an open alert as acknowledged.
func (m *Manager) AcknowledgeAlert(id string) error {
	if m.alerts == nil {
		return fmt.Errorf("alerting is disabled")
	}
	return m.alerts.Acknowledge(id)
}

// Shutdown drains in-flight periodic work, stops all background tasks and
// closes every connection, in that order. It is idempotent and safe to call
// even if startup partially failed.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	// Await periodic tasks so none observes a torn-down store.
	done := make(chan struct{})
	go func() {
		m.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("shutdown wait: %w", ctx.Err())
	}

	for _, rec := range m.store.Snapshot() {
		c, err := m.store.Connection(rec.ID)
		if err != nil {
			continue
		}
		closeCtx, cancelClose := context.WithTimeout(ctx, m.cfg.Manager.OperationTimeout())
		if err := c.Close(closeCtx); err != nil {
			m.log.WithComponent("manager").WithError(err).WithFields(logger.Fields{"id": rec.ID}).Warn("connection close failed during shutdown")
		}
		cancelClose()
	}

	m.log.WithComponent("manager").Info("integration manager stopped")
	return nil
}
