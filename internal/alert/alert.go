package alert

import (
	"fmt"
	"time"

	"feedmesh/internal/analytics"
	"feedmesh/internal/store"
)

// Severity orders alerts by urgency.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ParseSeverity validates a severity name from configuration; empty defaults
// to warning.
func ParseSeverity(name string) (Severity, error) {
	switch Severity(name) {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return Severity(name), nil
	case "":
		return SeverityWarning, nil
	}
	return "", fmt.Errorf("unknown alert severity '%s'", name)
}

// State is the lifecycle of a firing instance.
type State string

const (
	StateOpen         State = "open"
	StateAcknowledged State = "acknowledged"
	StateResolved     State = "resolved"
)

// Alert is one firing instance of a rule against a subject. A persistent
// condition keeps exactly one open alert alive; re-evaluations refresh
// LastSeen instead of duplicating.
type Alert struct {
	ID         string    `json:"id"`
	RuleID     string    `json:"rule_id"`
	Subject    string    `json:"subject"`
	Severity   Severity  `json:"severity"`
	State      State     `json:"state"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	Value      float64   `json:"value"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
}

// dedupeKey identifies a firing condition: one rule, one subject.
func dedupeKey(ruleID, subject string) string {
	return ruleID + "|" + subject
}

// Firing is one subject a rule's predicate currently holds for.
type Firing struct {
	Subject string
	Message string
	Value   float64
}

// Snapshot is the read-only state a rule evaluates against.
type Snapshot struct {
	Records        []store.Record
	Nodes          []store.ClusterNodeInfo
	Anomalies      []analytics.AnomalyDetection
	Stats          store.Stats
	MaxConnections int
}

// Rule is a declarative predicate plus severity and notification channel
// list. Evaluate returns every subject the predicate currently holds for.
type Rule interface {
	ID() string
	Severity() Severity
	Channels() []string
	Title() string
	Evaluate(snap Snapshot) []Firing
}
