package balancer

import (
	"context"
	"sync"
	"time"

	"feedmesh/logger"
)

// strategyOutcomes accumulates the recent success/latency results observed
// under one strategy.
type strategyOutcomes struct {
	successes int64
	failures  int64
	latency   time.Duration
	samples   int64
}

func (o strategyOutcomes) score() float64 {
	total := o.successes + o.failures
	if total == 0 {
		return -1
	}
	successRate := float64(o.successes) / float64(total)

	avgLatency := time.Duration(0)
	if o.samples > 0 {
		avgLatency = o.latency / time.Duration(o.samples)
	}
	// Latency discounts the success rate; a full second costs the whole
	// success budget.
	penalty := float64(avgLatency) / float64(time.Second)
	if penalty > 1 {
		penalty = 1
	}
	return successRate - penalty
}

// adaptiveState is the only strategy memory that survives across calls: the
// currently delegated strategy and the outcome window backing the next
// evaluation.
type adaptiveState struct {
	mu       sync.Mutex
	active   Strategy
	outcomes map[Strategy]*strategyOutcomes
	window   time.Duration
}

func newAdaptiveState(window time.Duration) *adaptiveState {
	if window <= 0 {
		window = time.Minute
	}
	return &adaptiveState{
		active:   RoundRobin,
		outcomes: make(map[Strategy]*strategyOutcomes),
		window:   window,
	}
}

func (a *adaptiveState) current() Strategy {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

func (a *adaptiveState) record(s Strategy, success bool, latency time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	o, ok := a.outcomes[s]
	if !ok {
		o = &strategyOutcomes{}
		a.outcomes[s] = o
	}
	if success {
		o.successes++
	} else {
		o.failures++
	}
	if latency > 0 {
		o.latency += latency
		o.samples++
	}
}

// evaluate promotes the best scoring strategy and resets the outcome window.
// Ties keep the currently active strategy, so equal performers never cause a
// switch.
func (a *adaptiveState) evaluate() Strategy {
	a.mu.Lock()
	defer a.mu.Unlock()

	best := a.active
	bestScore := -2.0
	if o, ok := a.outcomes[a.active]; ok {
		bestScore = o.score()
	}

	for _, s := range concreteStrategies {
		if s == a.active {
			continue
		}
		o, ok := a.outcomes[s]
		if !ok {
			continue
		}
		// Strictly greater: the incumbent wins ties.
		if score := o.score(); score > bestScore {
			best, bestScore = s, score
		}
	}

	a.active = best
	a.outcomes = make(map[Strategy]*strategyOutcomes)
	return best
}

// RunAdaptive periodically re-evaluates which concrete strategy the adaptive
// mode delegates to, until the context is cancelled.
func (b *Balancer) RunAdaptive(ctx context.Context) {
	ticker := time.NewTicker(b.adaptive.window)
	defer ticker.Stop()

	log := b.log.WithComponent("balancer")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			previous := b.adaptive.current()
			active := b.adaptive.evaluate()
			if active != previous {
				log.WithFields(logger.Fields{
					"previous": string(previous),
					"active":   string(active),
				}).Info("adaptive strategy switched")
			}
		}
	}
}
