package balancer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"feedmesh/internal/analytics"
	"feedmesh/internal/conn"
	"feedmesh/internal/store"
	"feedmesh/logger"
)

// ErrNotAvailable is the normal, expected outcome when no Ready connection of
// the requested type exists. It is not a fault.
var ErrNotAvailable = errors.New("no connection available")

// Strategy selects the algorithm used to pick a connection.
type Strategy string

const (
	RoundRobin         Strategy = "round_robin"
	LeastConnections   Strategy = "least_connections"
	LeastLoad          Strategy = "least_load"
	WeightedRoundRobin Strategy = "weighted_round_robin"
	LeastLatency       Strategy = "least_latency"
	HealthBased        Strategy = "health_based"
	Adaptive           Strategy = "adaptive"
)

// ParseStrategy validates a strategy name from configuration.
func ParseStrategy(name string) (Strategy, error) {
	switch Strategy(name) {
	case RoundRobin, LeastConnections, LeastLoad, WeightedRoundRobin,
		LeastLatency, HealthBased, Adaptive:
		return Strategy(name), nil
	}
	return "", fmt.Errorf("unknown load balancing strategy '%s'", name)
}

// concreteStrategies are the candidates the adaptive strategy rotates over.
var concreteStrategies = []Strategy{
	RoundRobin, LeastConnections, LeastLoad, WeightedRoundRobin, LeastLatency, HealthBased,
}

// typeState holds the per-type selection memory (round-robin cursors). It is
// guarded separately from per-connection locks so strategy state never couples
// to record updates.
type typeState struct {
	mu             sync.Mutex
	cursor         int
	weightedCursor int
}

// Balancer picks Ready connections of a requested type using interchangeable
// strategies. All connection state lives in the store; the balancer itself
// only keeps cursors and the adaptive strategy's outcome history.
type Balancer struct {
	store     *store.Store
	analytics *analytics.Engine
	weights   map[string]int
	log       *logger.Log

	mu    sync.Mutex
	types map[conn.Type]*typeState

	adaptive *adaptiveState
}

// New builds a balancer. The weights map configures weighted round robin per
// connection id; missing ids default to weight 1.
func New(s *store.Store, a *analytics.Engine, weights map[string]int, adaptiveWindow time.Duration) *Balancer {
	return &Balancer{
		store:     s,
		analytics: a,
		weights:   weights,
		log:       logger.GetLogger(),
		types:     make(map[conn.Type]*typeState),
		adaptive:  newAdaptiveState(adaptiveWindow),
	}
}

func (b *Balancer) stateFor(t conn.Type) *typeState {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.types[t]
	if !ok {
		st = &typeState{}
		b.types[t] = st
	}
	return st
}

// ready returns the Ready candidates of a type in registration order.
func (b *Balancer) ready(t conn.Type) []store.Record {
	records := b.store.GetByType(t)
	out := records[:0]
	for _, r := range records {
		if r.State == conn.StateReady {
			out = append(out, r)
		}
	}
	return out
}

// Select picks one Ready connection of the requested type. ErrNotAvailable is
// returned when no candidate exists; callers handle it as a normal outcome.
// The selected connection's assignment count is incremented; callers release
// it with Release when the logical subscription ends.
func (b *Balancer) Select(t conn.Type, strategy Strategy) (store.Record, error) {
	effective := strategy
	if strategy == Adaptive {
		effective = b.adaptive.current()
	}

	candidates := b.ready(t)
	if len(candidates) == 0 {
		return store.Record{}, ErrNotAvailable
	}

	var picked store.Record
	switch effective {
	case RoundRobin:
		picked = b.pickRoundRobin(t, candidates)
	case LeastConnections:
		picked = pickBy(candidates, func(a, c store.Record) bool {
			return a.Assignments < c.Assignments
		})
	case LeastLoad:
		picked = pickBy(candidates, func(a, c store.Record) bool {
			return a.InFlight < c.InFlight
		})
	case WeightedRoundRobin:
		picked = b.pickWeighted(t, candidates)
	case LeastLatency:
		picked = b.pickLeastLatency(candidates)
	case HealthBased:
		picked = b.pickHealthBased(candidates)
	default:
		return store.Record{}, fmt.Errorf("unknown load balancing strategy '%s'", effective)
	}

	b.store.AddAssignments(picked.ID, 1)
	return picked, nil
}

// Release ends a logical subscription previously created by Select.
func (b *Balancer) Release(id string) {
	b.store.AddAssignments(id, -1)
}

// RecordOutcome feeds the adaptive strategy's scoring with the result of an
// operation served by a connection selected under the given strategy.
func (b *Balancer) RecordOutcome(strategy Strategy, success bool, latency time.Duration) {
	if strategy == Adaptive {
		strategy = b.adaptive.current()
	}
	b.adaptive.record(strategy, success, latency)
}

// ActiveStrategy exposes the strategy the adaptive mode currently delegates to.
func (b *Balancer) ActiveStrategy() Strategy {
	return b.adaptive.current()
}

func (b *Balancer) pickRoundRobin(t conn.Type, candidates []store.Record) store.Record {
	st := b.stateFor(t)
	st.mu.Lock()
	defer st.mu.Unlock()
	picked := candidates[st.cursor%len(candidates)]
	st.cursor = (st.cursor + 1) % len(candidates)
	return picked
}

func (b *Balancer) pickWeighted(t conn.Type, candidates []store.Record) store.Record {
	total := 0
	for _, c := range candidates {
		total += b.weightOf(c.ID)
	}
	if total <= 0 {
		return b.pickRoundRobin(t, candidates)
	}

	st := b.stateFor(t)
	st.mu.Lock()
	defer st.mu.Unlock()

	slot := st.weightedCursor % total
	st.weightedCursor = (st.weightedCursor + 1) % total

	for _, c := range candidates {
		slot -= b.weightOf(c.ID)
		if slot < 0 {
			return c
		}
	}
	return candidates[len(candidates)-1]
}

func (b *Balancer) weightOf(id string) int {
	if w, ok := b.weights[id]; ok && w > 0 {
		return w
	}
	return 1
}

func (b *Balancer) pickLeastLatency(candidates []store.Record) store.Record {
	best := candidates[0]
	bestLatency := b.analytics.AvgLatency(best.ID)
	for _, c := range candidates[1:] {
		l := b.analytics.AvgLatency(c.ID)
		if l < bestLatency {
			best, bestLatency = c, l
		}
	}
	return best
}

// pickHealthBased selects the highest health score; ties break toward the
// candidate with fewer assignments.
func (b *Balancer) pickHealthBased(candidates []store.Record) store.Record {
	best := candidates[0]
	bestScore := b.analytics.HealthScore(best.ID)
	for _, c := range candidates[1:] {
		score := b.analytics.HealthScore(c.ID)
		if score > bestScore || (score == bestScore && c.Assignments < best.Assignments) {
			best, bestScore = c, score
		}
	}
	return best
}

// pickBy returns the first candidate (registration order) minimizing the
// comparison, so equal candidates resolve deterministically.
func pickBy(candidates []store.Record, less func(a, b store.Record) bool) store.Record {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if less(c, best) {
			best = c
		}
	}
	return best
}
