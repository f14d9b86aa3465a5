package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"feedmesh/internal/conn"
	"feedmesh/logger"
)

var (
	// ErrDuplicateID is returned when a connection id is already registered.
	ErrDuplicateID = errors.New("connection id already registered")
	// ErrNotFound is returned when no record exists for the given id.
	ErrNotFound = errors.New("connection not found")
	// ErrInvalidTransition is returned for a state change the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Record is the store's authoritative view of one connection. Values returned
// by store methods are copies; mutating them does not touch store state.
type Record struct {
	ID                  string       `json:"id"`
	Config              conn.Config  `json:"-"`
	Type                conn.Type    `json:"type"`
	State               conn.State   `json:"state"`
	Metrics             conn.Metrics `json:"metrics"`
	ClusterNodeID       string       `json:"cluster_node_id"`
	RegisteredAt        time.Time    `json:"registered_at"`
	Assignments         int64        `json:"assignments"`
	InFlight            int64        `json:"in_flight"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
}

// entry pairs a record with its own lock so updates to unrelated connections
// never contend.
type entry struct {
	mu      sync.Mutex
	rec     Record
	history *sampleRing
	conn    conn.Connection
	// reconnect timestamps retained for storm detection, bounded below.
	reconnects []time.Time
}

const maxReconnectHistory = 64

// Stats is the aggregate view returned by Stats().
type Stats struct {
	Total   int               `json:"total"`
	ByType  map[conn.Type]int `json:"by_type"`
	ByState map[string]int    `json:"by_state"`
}

// Store is the in-memory registry of all known connections and cluster nodes.
// The map lock only guards membership; per-record state is guarded by the
// record's own lock.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry

	nodesMu sync.RWMutex
	nodes   map[string]*ClusterNodeInfo

	historySize int
	staleAfter  time.Duration
	log         *logger.Log
}

// New builds a store with the given per-connection history capacity and
// staleness threshold for the cleanup sweep.
func New(historySize int, staleAfter time.Duration) *Store {
	if historySize <= 0 {
		historySize = 1000
	}
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	return &Store{
		entries:     make(map[string]*entry),
		nodes:       make(map[string]*ClusterNodeInfo),
		historySize: historySize,
		staleAfter:  staleAfter,
		log:         logger.GetLogger(),
	}
}

// Register creates the record for a connection. Registration is
// at-most-once per id: a duplicate id is rejected and the existing record is
// left untouched.
func (s *Store) Register(c conn.Connection, cfg conn.Config, nodeID string) error {
	if c == nil {
		return fmt.Errorf("nil connection")
	}
	id := cfg.ID
	if id == "" {
		id = c.ID()
	}
	if id == "" {
		return fmt.Errorf("connection id is required")
	}

	now := time.Now()
	e := &entry{
		rec: Record{
			ID:            id,
			Config:        cfg,
			Type:          cfg.Type,
			State:         conn.StateDisconnected,
			Metrics:       conn.Metrics{LastActivity: now, StateTimestamps: map[conn.State]time.Time{conn.StateDisconnected: now}},
			ClusterNodeID: nodeID,
			RegisteredAt:  now,
		},
		history: newSampleRing(s.historySize),
		conn:    c,
	}

	s.mu.Lock()
	if _, exists := s.entries[id]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	s.entries[id] = e
	s.mu.Unlock()

	s.nodeConnDelta(nodeID, 1)

	s.log.WithComponent("store").WithFields(logger.Fields{
		"id": id, "type": string(cfg.Type), "node": nodeID,
	}).Info("connection registered")
	return nil
}

// Unregister removes the record for the given id.
func (s *Store) Unregister(id string) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	e.mu.Lock()
	node := e.rec.ClusterNodeID
	e.mu.Unlock()
	s.nodeConnDelta(node, -1)

	s.log.WithComponent("store").WithFields(logger.Fields{"id": id}).Info("connection unregistered")
	return nil
}

func (s *Store) entryFor(id string) (*entry, bool) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	return e, ok
}

// UpdateState applies a lifecycle transition. Re-asserting the current state
// is an idempotent no-op; a backward transition other than Degraded to Ready
// is rejected.
func (s *Store) UpdateState(id string, state conn.State) error {
	e, ok := s.entryFor(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rec.State == state {
		return nil
	}
	if !conn.CanTransition(e.rec.State, state) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.rec.State, state)
	}

	now := time.Now()
	e.rec.State = state
	e.rec.Metrics.StateTimestamps[state] = now
	e.rec.Metrics.LastActivity = now

	if state == conn.StateReady {
		e.rec.ConsecutiveFailures = 0
	}
	return nil
}

// RecordDelta folds a producer-reported delta into the record and appends a
// history sample.
func (s *Store) RecordDelta(id string, d conn.MetricsDelta) error {
	e, ok := s.entryFor(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	e.rec.Metrics.Apply(d, now)
	e.history.append(sampleFromDelta(d, now))

	if d.Failed > 0 {
		e.rec.ConsecutiveFailures += int(d.Failed)
	} else if d.Sent > 0 {
		e.rec.ConsecutiveFailures = 0
	}

	if d.Reconnects > 0 {
		for i := int64(0); i < d.Reconnects; i++ {
			e.reconnects = append(e.reconnects, now)
		}
		if len(e.reconnects) > maxReconnectHistory {
			e.reconnects = append([]time.Time(nil), e.reconnects[len(e.reconnects)-maxReconnectHistory:]...)
		}
	}
	return nil
}

// Get returns a copy of the record for the given id.
func (s *Store) Get(id string) (Record, error) {
	e, ok := s.entryFor(id)
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyRecord(&e.rec), nil
}

// Connection returns the live connection registered under the id.
func (s *Store) Connection(id string) (conn.Connection, error) {
	e, ok := s.entryFor(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.conn, nil
}

// GetByType returns copies of all records of the given type in registration
// order.
func (s *Store) GetByType(t conn.Type) []Record {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var out []Record
	for _, e := range entries {
		e.mu.Lock()
		if e.rec.Type == t {
			out = append(out, copyRecord(&e.rec))
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out
}

// Snapshot returns copies of every record.
func (s *Store) Snapshot() []Record {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, copyRecord(&e.rec))
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out
}

// History returns the samples recorded for a connection at or after the
// cutoff, oldest-first. A zero cutoff returns the full retained history.
func (s *Store) History(id string, cutoff time.Time) ([]Sample, error) {
	e, ok := s.entryFor(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if cutoff.IsZero() {
		return e.history.snapshot(), nil
	}
	return e.history.since(cutoff), nil
}

// ReconnectsSince counts reconnects recorded at or after the cutoff.
func (s *Store) ReconnectsSince(id string, cutoff time.Time) int {
	e, ok := s.entryFor(id)
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ts := range e.reconnects {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// AddAssignments adjusts the logical subscription count the balancer tracks.
func (s *Store) AddAssignments(id string, delta int64) {
	if e, ok := s.entryFor(id); ok {
		e.mu.Lock()
		e.rec.Assignments += delta
		if e.rec.Assignments < 0 {
			e.rec.Assignments = 0
		}
		e.mu.Unlock()
	}
}

// AddInFlight adjusts the in-flight message count.
func (s *Store) AddInFlight(id string, delta int64) {
	if e, ok := s.entryFor(id); ok {
		e.mu.Lock()
		e.rec.InFlight += delta
		if e.rec.InFlight < 0 {
			e.rec.InFlight = 0
		}
		e.mu.Unlock()
	}
}

// Stats returns aggregate counts by type and state.
func (s *Store) Stats() Stats {
	records := s.Snapshot()
	st := Stats{
		Total:   len(records),
		ByType:  make(map[conn.Type]int),
		ByState: make(map[string]int),
	}
	for _, r := range records {
		st.ByType[r.Type]++
		st.ByState[r.State.String()]++
	}
	return st
}

// Sweep removes records that are both terminal and stale. It is the only
// deletion path besides explicit Unregister. Returns the removed ids.
func (s *Store) Sweep(now time.Time) []string {
	s.mu.RLock()
	candidates := make(map[string]*entry, len(s.entries))
	for id, e := range s.entries {
		candidates[id] = e
	}
	s.mu.RUnlock()

	var removed []string
	for id, e := range candidates {
		e.mu.Lock()
		stale := e.rec.State.Terminal() && now.Sub(e.rec.Metrics.LastActivity) > s.staleAfter
		node := e.rec.ClusterNodeID
		e.mu.Unlock()

		if !stale {
			continue
		}

		s.mu.Lock()
		if _, still := s.entries[id]; still {
			delete(s.entries, id)
			removed = append(removed, id)
		}
		s.mu.Unlock()
		s.nodeConnDelta(node, -1)
	}

	if len(removed) > 0 {
		s.log.WithComponent("store").WithFields(logger.Fields{
			"removed": len(removed),
		}).Info("cleanup sweep removed stale connections")
	}
	return removed
}

// RunCleanup sweeps on the given cadence until the context is cancelled.
func (s *Store) RunCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(time.Now())
		}
	}
}

func copyRecord(r *Record) Record {
	out := *r
	out.Metrics.StateTimestamps = make(map[conn.State]time.Time, len(r.Metrics.StateTimestamps))
	for k, v := range r.Metrics.StateTimestamps {
		out.Metrics.StateTimestamps[k] = v
	}
	return out
}
