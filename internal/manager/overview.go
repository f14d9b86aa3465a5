package manager

import (
	"feedmesh/internal/alert"
	"feedmesh/internal/analytics"
	"feedmesh/internal/conn"
	"feedmesh/internal/store"
)

// TypeOverview aggregates one connection type for the system overview.
type TypeOverview struct {
	Total       int                           `json:"total"`
	Ready       int                           `json:"ready"`
	Degraded    int                           `json:"degraded"`
	Performance []analytics.PerformanceMetric `json:"performance,omitempty"`
}

// AlertSummary is the serializable shape of an active alert in the overview.
type AlertSummary struct {
	ID       string `json:"id"`
	Severity string `json:"severity"`
	Title    string `json:"title"`
	Subject  string `json:"subject"`
}

// SystemOverview is the JSON-shaped snapshot exposed to operational tooling.
type SystemOverview struct {
	HealthScore       float64                       `json:"health_score"` // 0-100
	ActiveAlerts      int                           `json:"active_alerts"`
	AlertSummaries    []AlertSummary                `json:"alert_summaries,omitempty"`
	ConnectionsByType map[conn.Type]TypeOverview    `json:"connections_by_type"`
	Cluster           []store.ClusterNodeInfo       `json:"cluster"`
	ActiveStrategy    string                        `json:"active_strategy"`
	Insights          []analytics.PredictiveInsight `json:"insights,omitempty"`
}

// GetSystemOverview assembles the aggregate health score, active alert
// summaries, per-type counts and cluster membership in one snapshot.
func (m *Manager) GetSystemOverview() SystemOverview {
	overview := SystemOverview{
		ConnectionsByType: make(map[conn.Type]TypeOverview),
		Cluster:           m.store.Nodes(),
		ActiveStrategy:    string(m.balancer.ActiveStrategy()),
	}

	records := m.store.Snapshot()
	var scoreSum float64
	scored := 0
	for _, rec := range records {
		t := overview.ConnectionsByType[rec.Type]
		t.Total++
		switch rec.State {
		case conn.StateReady:
			t.Ready++
		case conn.StateDegraded:
			t.Degraded++
		}
		overview.ConnectionsByType[rec.Type] = t

		if !rec.State.Terminal() {
			scoreSum += m.engine.HealthScore(rec.ID)
			scored++
		}
	}
	if scored > 0 {
		overview.HealthScore = scoreSum / float64(scored) * 100
	}

	if m.cfg.Manager.EnableAnalytics {
		for t, entry := range overview.ConnectionsByType {
			entry.Performance = m.engine.PerformanceMetrics(t)
			overview.ConnectionsByType[t] = entry
		}
		overview.Insights = m.engine.CapacityInsights()
	}

	for _, a := range m.ActiveAlerts() {
		overview.ActiveAlerts++
		overview.AlertSummaries = append(overview.AlertSummaries, AlertSummary{
			ID:       a.ID,
			Severity: string(a.Severity),
			Title:    a.Title,
			Subject:  a.Subject,
		})
	}

	return overview
}

// Store exposes the underlying registry for operational tooling (dashboard).
func (m *Manager) Store() *store.Store {
	return m.store
}

// AlertHistory returns resolved alerts, newest first.
func (m *Manager) AlertHistory() []alert.Alert {
	if m.alerts == nil {
		return nil
	}
	return m.alerts.History()
}
