package balancer

import (
	"context"
	"time"

	"feedmesh/internal/conn"
	"feedmesh/logger"
)

// HealthChecker degrades connections whose consecutive send failures crossed
// the threshold and restores degraded connections after one successful probe.
// Degraded connections are excluded from selection because Select only
// considers Ready candidates.
type HealthChecker struct {
	balancer  *Balancer
	threshold int
	timeout   time.Duration
	log       *logger.Log
}

// NewHealthChecker builds a checker. Threshold defaults to 3 consecutive
// failures, probe timeout to 10s.
func NewHealthChecker(b *Balancer, threshold int, timeout time.Duration) *HealthChecker {
	if threshold <= 0 {
		threshold = 3
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HealthChecker{
		balancer:  b,
		threshold: threshold,
		timeout:   timeout,
		log:       logger.GetLogger(),
	}
}

// Run executes health passes on the given cadence until the context is
// cancelled.
func (h *HealthChecker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Pass(ctx)
		}
	}
}

// Pass runs one health evaluation over every record.
func (h *HealthChecker) Pass(ctx context.Context) {
	log := h.log.WithComponent("health_checker")
	st := h.balancer.store

	for _, rec := range st.Snapshot() {
		switch rec.State {
		case conn.StateReady:
			if rec.ConsecutiveFailures >= h.threshold {
				if err := st.UpdateState(rec.ID, conn.StateDegraded); err != nil {
					log.WithError(err).WithFields(logger.Fields{"id": rec.ID}).Warn("failed to degrade connection")
					continue
				}
				log.WithFields(logger.Fields{
					"id":       rec.ID,
					"failures": rec.ConsecutiveFailures,
				}).Warn("connection degraded after consecutive send failures")
			}

		case conn.StateDegraded:
			if h.probe(ctx, rec.ID) {
				if err := st.UpdateState(rec.ID, conn.StateReady); err != nil {
					log.WithError(err).WithFields(logger.Fields{"id": rec.ID}).Warn("failed to restore connection")
					continue
				}
				log.WithFields(logger.Fields{"id": rec.ID}).Info("connection recovered")
			}
		}
	}
}

// probe checks liveness of a degraded connection. A timed-out probe counts as
// a failure, never as a hang.
func (h *HealthChecker) probe(ctx context.Context, id string) bool {
	c, err := h.balancer.store.Connection(id)
	if err != nil {
		return false
	}

	prober, ok := c.(conn.Prober)
	if !ok {
		// Without a probe capability the connection recovers only through
		// a successful send resetting its failure counter.
		rec, err := h.balancer.store.Get(id)
		return err == nil && rec.ConsecutiveFailures == 0
	}

	probeCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	if err := prober.Probe(probeCtx); err != nil {
		h.log.WithComponent("health_checker").WithError(err).WithFields(logger.Fields{"id": id}).Debug("health probe failed")
		_ = h.balancer.store.RecordDelta(id, conn.MetricsDelta{Errors: 1})
		return false
	}
	return true
}
