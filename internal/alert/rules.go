package alert

import (
	"fmt"
	"time"

	"feedmesh/config"
	"feedmesh/internal/analytics"
	"feedmesh/internal/conn"
	"feedmesh/internal/store"
)

// baseRule carries the declarative parts every built-in rule shares.
type baseRule struct {
	id       string
	severity Severity
	channels []string
	title    string
}

func (r baseRule) ID() string         { return r.id }
func (r baseRule) Severity() Severity { return r.severity }
func (r baseRule) Channels() []string { return r.channels }
func (r baseRule) Title() string      { return r.title }

// scoped filters records by the rule's connection type, empty meaning all.
func scoped(records []store.Record, t conn.Type) []store.Record {
	if t == "" {
		return records
	}
	var out []store.Record
	for _, r := range records {
		if r.Type == t {
			out = append(out, r)
		}
	}
	return out
}

// connectionFailureRule fires for every connection in the Failed state.
type connectionFailureRule struct {
	baseRule
	connType conn.Type
}

func (r *connectionFailureRule) Evaluate(snap Snapshot) []Firing {
	var out []Firing
	for _, rec := range scoped(snap.Records, r.connType) {
		if rec.State == conn.StateFailed {
			out = append(out, Firing{
				Subject: rec.ID,
				Message: fmt.Sprintf("connection %s has failed", rec.ID),
			})
		}
	}
	return out
}

// highLatencyRule fires when a connection's windowed average latency exceeds
// the threshold (milliseconds).
type highLatencyRule struct {
	baseRule
	connType  conn.Type
	threshold time.Duration
	engine    *analytics.Engine
}

func (r *highLatencyRule) Evaluate(snap Snapshot) []Firing {
	var out []Firing
	for _, rec := range scoped(snap.Records, r.connType) {
		if rec.State != conn.StateReady && rec.State != conn.StateDegraded {
			continue
		}
		latency := r.engine.AvgLatency(rec.ID)
		if latency > r.threshold {
			out = append(out, Firing{
				Subject: rec.ID,
				Message: fmt.Sprintf("connection %s latency %s exceeds %s", rec.ID, latency, r.threshold),
				Value:   float64(latency.Milliseconds()),
			})
		}
	}
	return out
}

// errorRateRule fires when a connection's windowed error rate exceeds the
// threshold fraction.
type errorRateRule struct {
	baseRule
	connType  conn.Type
	threshold float64
	engine    *analytics.Engine
}

func (r *errorRateRule) Evaluate(snap Snapshot) []Firing {
	var out []Firing
	for _, rec := range scoped(snap.Records, r.connType) {
		rate := r.engine.ErrorRate(rec.ID)
		if rate > r.threshold {
			out = append(out, Firing{
				Subject: rec.ID,
				Message: fmt.Sprintf("connection %s error rate %.1f%% exceeds %.1f%%", rec.ID, rate*100, r.threshold*100),
				Value:   rate,
			})
		}
	}
	return out
}

// reconnectStormRule fires when a connection reconnects more than the
// threshold number of times within its window.
type reconnectStormRule struct {
	baseRule
	connType  conn.Type
	threshold int
	window    time.Duration
	store     *store.Store
}

func (r *reconnectStormRule) Evaluate(snap Snapshot) []Firing {
	cutoff := time.Now().Add(-r.window)
	var out []Firing
	for _, rec := range scoped(snap.Records, r.connType) {
		n := r.store.ReconnectsSince(rec.ID, cutoff)
		if n >= r.threshold {
			out = append(out, Firing{
				Subject: rec.ID,
				Message: fmt.Sprintf("connection %s reconnected %d times within %s", rec.ID, n, r.window),
				Value:   float64(n),
			})
		}
	}
	return out
}

// clusterNodeLossRule fires for nodes whose heartbeat is older than the window.
type clusterNodeLossRule struct {
	baseRule
	window time.Duration
	store  *store.Store
}

func (r *clusterNodeLossRule) Evaluate(snap Snapshot) []Firing {
	var out []Firing
	for _, node := range r.store.StaleNodes(r.window) {
		out = append(out, Firing{
			Subject: node.ID,
			Message: fmt.Sprintf("cluster node %s missed heartbeats for over %s", node.ID, r.window),
			Value:   float64(node.ConnectionCount),
		})
	}
	return out
}

// capacityRule fires when registered connections exceed the threshold
// fraction of the configured maximum.
type capacityRule struct {
	baseRule
	threshold float64
}

func (r *capacityRule) Evaluate(snap Snapshot) []Firing {
	if snap.MaxConnections <= 0 {
		return nil
	}
	usage := float64(snap.Stats.Total) / float64(snap.MaxConnections)
	if usage < r.threshold {
		return nil
	}
	return []Firing{{
		Subject: "capacity",
		Message: fmt.Sprintf("%d of %d connection slots in use (%.0f%%)", snap.Stats.Total, snap.MaxConnections, usage*100),
		Value:   usage,
	}}
}

// anomalyRule surfaces analytics-reported anomalies as alerts.
type anomalyRule struct {
	baseRule
	connType conn.Type
}

func (r *anomalyRule) Evaluate(snap Snapshot) []Firing {
	var out []Firing
	for _, a := range snap.Anomalies {
		if r.connType != "" && a.Type != r.connType {
			continue
		}
		out = append(out, Firing{
			Subject: a.ConnectionID,
			Message: fmt.Sprintf("connection %s %s deviates %.1f sigma from population mean", a.ConnectionID, a.Kind, a.Sigma),
			Value:   a.Value,
		})
	}
	return out
}

// BuildRule compiles one declarative rule config into an evaluable rule.
func BuildRule(cfg config.RuleConfig, st *store.Store, eng *analytics.Engine) (Rule, error) {
	severity, err := ParseSeverity(cfg.Severity)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", cfg.ID, err)
	}

	window := time.Duration(cfg.WindowS) * time.Second
	if window <= 0 {
		window = time.Minute
	}
	connType := conn.Type(cfg.ConnectionType)

	base := baseRule{id: cfg.ID, severity: severity, channels: cfg.Channels}

	switch cfg.Kind {
	case "connection_failure":
		base.title = "Connection failure"
		return &connectionFailureRule{baseRule: base, connType: connType}, nil
	case "high_latency":
		base.title = "Sustained high latency"
		return &highLatencyRule{
			baseRule:  base,
			connType:  connType,
			threshold: time.Duration(cfg.Threshold) * time.Millisecond,
			engine:    eng,
		}, nil
	case "error_rate":
		base.title = "Elevated error rate"
		return &errorRateRule{baseRule: base, connType: connType, threshold: cfg.Threshold, engine: eng}, nil
	case "reconnect_storm":
		base.title = "Reconnect storm"
		return &reconnectStormRule{
			baseRule:  base,
			connType:  connType,
			threshold: int(cfg.Threshold),
			window:    window,
			store:     st,
		}, nil
	case "cluster_node_loss":
		base.title = "Cluster node loss"
		return &clusterNodeLossRule{baseRule: base, window: window, store: st}, nil
	case "capacity":
		base.title = "Capacity warning"
		threshold := cfg.Threshold
		if threshold <= 0 {
			threshold = 0.9
		}
		return &capacityRule{baseRule: base, threshold: threshold}, nil
	case "anomaly":
		base.title = "Analytics anomaly"
		return &anomalyRule{baseRule: base, connType: connType}, nil
	}
	return nil, fmt.Errorf("rule %s has unknown kind '%s'", cfg.ID, cfg.Kind)
}
