package alert

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"feedmesh/internal/metrics"
	"feedmesh/logger"
)

const historyLimit = 500

// Manager evaluates rules on a fixed cadence, deduplicates firing instances
// by (rule, subject), resolves with hysteresis and fans alerts out to the
// rules' notification channels.
type Manager struct {
	rules         []Rule
	channels      map[string]Channel
	resolveCycles int
	snapshotFn    func() Snapshot
	log           *logger.Log

	mu      sync.Mutex
	open    map[string]*Alert // dedupe key -> alert in Open/Acknowledged state
	missed  map[string]int    // dedupe key -> consecutive cycles the predicate did not hold
	history []Alert           // resolved alerts, bounded
}

// NewManager builds an alert manager. snapshotFn supplies the read-only state
// rules evaluate against; resolveCycles is the hysteresis (default 2).
func NewManager(rules []Rule, channels []Channel, resolveCycles int, snapshotFn func() Snapshot) *Manager {
	if resolveCycles <= 0 {
		resolveCycles = 2
	}
	byName := make(map[string]Channel, len(channels))
	for _, ch := range channels {
		byName[ch.Name()] = ch
	}
	return &Manager{
		rules:         rules,
		channels:      byName,
		resolveCycles: resolveCycles,
		snapshotFn:    snapshotFn,
		log:           logger.GetLogger(),
		open:          make(map[string]*Alert),
		missed:        make(map[string]int),
	}
}

// Run evaluates rules on the given cadence until the context is cancelled.
// Failures inside an evaluation are contained and logged.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Evaluate(ctx)
		}
	}
}

// Evaluate runs one evaluation cycle: fire/refresh alerts whose predicates
// hold, advance the hysteresis counter for those that no longer do, and
// resolve the ones that stayed clear long enough.
func (m *Manager) Evaluate(ctx context.Context) {
	snap := m.snapshotFn()

	type firingEvent struct {
		rule   Rule
		firing Firing
	}
	holding := make(map[string]firingEvent)
	for _, rule := range m.rules {
		for _, f := range rule.Evaluate(snap) {
			holding[dedupeKey(rule.ID(), f.Subject)] = firingEvent{rule: rule, firing: f}
		}
	}

	now := time.Now()
	var opened, resolved []Alert

	m.mu.Lock()
	// Refresh or open alerts for predicates that hold.
	for key, ev := range holding {
		m.missed[key] = 0
		if existing, ok := m.open[key]; ok {
			existing.LastSeen = now
			existing.Message = ev.firing.Message
			existing.Value = ev.firing.Value
			continue
		}
		a := &Alert{
			ID:        uuid.NewString(),
			RuleID:    ev.rule.ID(),
			Subject:   ev.firing.Subject,
			Severity:  ev.rule.Severity(),
			State:     StateOpen,
			Title:     ev.rule.Title(),
			Message:   ev.firing.Message,
			Value:     ev.firing.Value,
			FirstSeen: now,
			LastSeen:  now,
		}
		m.open[key] = a
		opened = append(opened, *a)
	}

	// Advance hysteresis for alerts whose predicate no longer holds.
	for key, a := range m.open {
		if _, stillFiring := holding[key]; stillFiring {
			continue
		}
		m.missed[key]++
		if m.missed[key] < m.resolveCycles {
			continue
		}
		a.State = StateResolved
		a.ResolvedAt = now
		resolved = append(resolved, *a)
		m.appendHistory(*a)
		delete(m.open, key)
		delete(m.missed, key)
	}
	m.mu.Unlock()

	for _, a := range opened {
		m.log.WithComponent("alerts").WithFields(logger.Fields{
			"rule": a.RuleID, "subject": a.Subject, "severity": string(a.Severity),
		}).Warn("alert opened")
		metrics.IncAlert(string(a.Severity), string(a.State))
		m.dispatch(ctx, a)
	}
	for _, a := range resolved {
		m.log.WithComponent("alerts").WithFields(logger.Fields{
			"rule": a.RuleID, "subject": a.Subject,
		}).Info("alert resolved")
		metrics.IncAlert(string(a.Severity), string(a.State))
		m.dispatch(ctx, a)
	}
}

// dispatch fans an alert out to every channel on its rule. Delivery is
// best-effort and independent per channel: one broken channel never
// suppresses the others.
func (m *Manager) dispatch(ctx context.Context, a Alert) {
	rule := m.ruleByID(a.RuleID)
	if rule == nil {
		return
	}
	for _, name := range rule.Channels() {
		ch, ok := m.channels[name]
		if !ok {
			m.log.WithComponent("alerts").WithFields(logger.Fields{
				"channel": name, "rule": a.RuleID,
			}).Warn("alert references unknown channel")
			continue
		}
		if err := ch.Notify(ctx, a); err != nil {
			m.log.WithComponent("alerts").WithError(err).WithFields(logger.Fields{
				"channel": name, "alert_id": a.ID,
			}).Warn("alert delivery failed")
		}
	}
}

func (m *Manager) ruleByID(id string) Rule {
	for _, r := range m.rules {
		if r.ID() == id {
			return r
		}
	}
	return nil
}

// Acknowledge marks an open alert as acknowledged. Auto-resolution still
// applies to acknowledged alerts.
func (m *Manager) Acknowledge(alertID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.open {
		if a.ID == alertID {
			a.State = StateAcknowledged
			return nil
		}
	}
	return fmt.Errorf("no open alert with id %s", alertID)
}

// Active returns currently open or acknowledged alerts, newest first.
func (m *Manager) Active() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Alert, 0, len(m.open))
	for _, a := range m.open {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstSeen.After(out[j].FirstSeen) })
	return out
}

// History returns resolved alerts, newest first.
func (m *Manager) History() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Alert, len(m.history))
	copy(out, m.history)
	sort.Slice(out, func(i, j int) bool { return out[i].ResolvedAt.After(out[j].ResolvedAt) })
	return out
}

func (m *Manager) appendHistory(a Alert) {
	m.history = append(m.history, a)
	if len(m.history) > historyLimit {
		// keep the most recent entries only
		m.history = append([]Alert(nil), m.history[len(m.history)-historyLimit:]...)
	}
}
