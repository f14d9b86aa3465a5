package analytics

import (
	"math"
	"sort"
	"time"

	"feedmesh/internal/conn"
	"feedmesh/internal/store"
)

// PerformanceMetric aggregates one connection type's behavior over the
// sliding window.
type PerformanceMetric struct {
	Type          conn.Type     `json:"type"`
	Connections   int           `json:"connections"`
	AvgLatency    time.Duration `json:"avg_latency"`
	P50Latency    time.Duration `json:"p50_latency"`
	MaxLatency    time.Duration `json:"max_latency"`
	Throughput    float64       `json:"throughput"` // messages per second
	ErrorRate     float64       `json:"error_rate"` // failed / sent, in [0,1]
	WindowStart   time.Time     `json:"window_start"`
	WindowEnd     time.Time     `json:"window_end"`
}

// AnomalyKind names what dimension deviated.
type AnomalyKind string

const (
	AnomalyLatency   AnomalyKind = "latency"
	AnomalyErrorRate AnomalyKind = "error_rate"
)

// AnomalyDetection flags a connection whose behavior deviates from its type's
// population beyond the configured number of standard deviations.
type AnomalyDetection struct {
	ConnectionID string      `json:"connection_id"`
	Type         conn.Type   `json:"type"`
	Kind         AnomalyKind `json:"kind"`
	Value        float64     `json:"value"`
	Mean         float64     `json:"mean"`
	StdDev       float64     `json:"std_dev"`
	Sigma        float64     `json:"sigma"`
	DetectedAt   time.Time   `json:"detected_at"`
}

// PredictiveInsight is a forward-looking capacity observation derived from
// throughput trend over the window.
type PredictiveInsight struct {
	Type                conn.Type `json:"type"`
	Connections         int       `json:"connections"`
	CurrentThroughput   float64   `json:"current_throughput"`
	ProjectedThroughput float64   `json:"projected_throughput"`
	Recommendation      string    `json:"recommendation"`
}

// Weights configure the health score composition. They are normalized before
// use, so any positive values work.
type Weights struct {
	ErrorRate float64
	Latency   float64
	Uptime    float64
}

// EqualWeights is the default equal-thirds composition.
func EqualWeights() Weights {
	return Weights{ErrorRate: 1, Latency: 1, Uptime: 1}
}

// latencyCeiling is the latency treated as fully unhealthy when normalizing.
const latencyCeiling = time.Second

// Engine derives read-only views from store history. It never mutates the
// store and is safe for concurrent readers.
type Engine struct {
	store      *store.Store
	window     time.Duration
	sigma      float64
	minSamples int
	weights    Weights
}

// New builds an engine over the given store. Zero values fall back to the
// documented defaults (60s window, 3 sigma, 10 samples, equal weights).
func New(s *store.Store, window time.Duration, sigma float64, minSamples int, weights Weights) *Engine {
	if window <= 0 {
		window = time.Minute
	}
	if sigma <= 0 {
		sigma = 3
	}
	if minSamples <= 0 {
		minSamples = 10
	}
	if weights.ErrorRate+weights.Latency+weights.Uptime <= 0 {
		weights = EqualWeights()
	}
	return &Engine{store: s, window: window, sigma: sigma, minSamples: minSamples, weights: weights}
}

// connWindow is the per-connection aggregate over the current window.
type connWindow struct {
	id        string
	samples   int
	sent      int64
	received  int64
	failed    int64
	latencies []time.Duration
}

func (w connWindow) avgLatency() time.Duration {
	if len(w.latencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, l := range w.latencies {
		total += l
	}
	return total / time.Duration(len(w.latencies))
}

func (w connWindow) errorRate() float64 {
	attempts := w.sent + w.failed
	if attempts == 0 {
		return 0
	}
	return float64(w.failed) / float64(attempts)
}

func (e *Engine) windowFor(records []store.Record) []connWindow {
	cutoff := time.Now().Add(-e.window)
	out := make([]connWindow, 0, len(records))
	for _, r := range records {
		samples, err := e.store.History(r.ID, cutoff)
		if err != nil {
			continue
		}
		w := connWindow{id: r.ID, samples: len(samples)}
		for _, s := range samples {
			w.sent += s.Sent
			w.received += s.Received
			w.failed += s.Failed
			if s.Latency > 0 {
				w.latencies = append(w.latencies, s.Latency)
			}
		}
		out = append(out, w)
	}
	return out
}

// PerformanceMetrics aggregates latency, throughput and error rate for all
// connections of the given type over the sliding window.
func (e *Engine) PerformanceMetrics(t conn.Type) []PerformanceMetric {
	records := e.store.GetByType(t)
	if len(records) == 0 {
		return nil
	}

	windows := e.windowFor(records)
	now := time.Now()

	var latencies []time.Duration
	var sent, received, failed int64
	for _, w := range windows {
		latencies = append(latencies, w.latencies...)
		sent += w.sent
		received += w.received
		failed += w.failed
	}

	metric := PerformanceMetric{
		Type:        t,
		Connections: len(records),
		WindowStart: now.Add(-e.window),
		WindowEnd:   now,
		Throughput:  float64(sent+received) / e.window.Seconds(),
	}
	if attempts := sent + failed; attempts > 0 {
		metric.ErrorRate = float64(failed) / float64(attempts)
	}
	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		var total time.Duration
		for _, l := range latencies {
			total += l
		}
		metric.AvgLatency = total / time.Duration(len(latencies))
		metric.P50Latency = latencies[len(latencies)/2]
		metric.MaxLatency = latencies[len(latencies)-1]
	}

	return []PerformanceMetric{metric}
}

// DetectAnomalies flags connections whose rolling latency or error rate lies
// beyond the configured sigma from the type population's mean. Connections
// with fewer than the minimum sample count are skipped so new connections do
// not trip false positives.
func (e *Engine) DetectAnomalies() []AnomalyDetection {
	var out []AnomalyDetection
	now := time.Now()

	for _, t := range conn.Types() {
		records := e.store.GetByType(t)
		if len(records) < 2 {
			continue
		}
		windows := e.windowFor(records)

		var latencyVals, errorVals []float64
		eligible := make([]connWindow, 0, len(windows))
		for _, w := range windows {
			if w.samples < e.minSamples {
				continue
			}
			eligible = append(eligible, w)
			latencyVals = append(latencyVals, float64(w.avgLatency()))
			errorVals = append(errorVals, w.errorRate())
		}
		if len(eligible) < 2 {
			continue
		}

		latMean, latStd := meanStd(latencyVals)
		errMean, errStd := meanStd(errorVals)

		for i, w := range eligible {
			if latStd > 0 && math.Abs(latencyVals[i]-latMean) > e.sigma*latStd {
				out = append(out, AnomalyDetection{
					ConnectionID: w.id,
					Type:         t,
					Kind:         AnomalyLatency,
					Value:        latencyVals[i],
					Mean:         latMean,
					StdDev:       latStd,
					Sigma:        e.sigma,
					DetectedAt:   now,
				})
			}
			if errStd > 0 && math.Abs(errorVals[i]-errMean) > e.sigma*errStd {
				out = append(out, AnomalyDetection{
					ConnectionID: w.id,
					Type:         t,
					Kind:         AnomalyErrorRate,
					Value:        errorVals[i],
					Mean:         errMean,
					StdDev:       errStd,
					Sigma:        e.sigma,
					DetectedAt:   now,
				})
			}
		}
	}
	return out
}

// HealthScore computes the weighted composite in [0,1] for one connection:
// (1 - normalized error rate), (1 - normalized latency) and uptime ratio.
func (e *Engine) HealthScore(id string) float64 {
	rec, err := e.store.Get(id)
	if err != nil {
		return 0
	}

	cutoff := time.Now().Add(-e.window)
	samples, err := e.store.History(id, cutoff)
	if err != nil {
		return 0
	}

	w := connWindow{id: id, samples: len(samples)}
	for _, s := range samples {
		w.sent += s.Sent
		w.received += s.Received
		w.failed += s.Failed
		if s.Latency > 0 {
			w.latencies = append(w.latencies, s.Latency)
		}
	}

	errScore := 1 - clamp01(w.errorRate())
	latScore := 1 - clamp01(float64(w.avgLatency())/float64(latencyCeiling))
	uptimeScore := uptimeRatio(rec, time.Now())

	total := e.weights.ErrorRate + e.weights.Latency + e.weights.Uptime
	score := (e.weights.ErrorRate*errScore + e.weights.Latency*latScore + e.weights.Uptime*uptimeScore) / total
	return clamp01(score)
}

// AvgLatency returns a connection's mean latency over the window, or zero
// when no samples carry latency.
func (e *Engine) AvgLatency(id string) time.Duration {
	cutoff := time.Now().Add(-e.window)
	samples, err := e.store.History(id, cutoff)
	if err != nil {
		return 0
	}
	var total time.Duration
	n := 0
	for _, s := range samples {
		if s.Latency > 0 {
			total += s.Latency
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / time.Duration(n)
}

// ErrorRate returns a connection's failed/attempted ratio over the window.
func (e *Engine) ErrorRate(id string) float64 {
	cutoff := time.Now().Add(-e.window)
	samples, err := e.store.History(id, cutoff)
	if err != nil {
		return 0
	}
	var sent, failed int64
	for _, s := range samples {
		sent += s.Sent
		failed += s.Failed
	}
	attempts := sent + failed
	if attempts == 0 {
		return 0
	}
	return float64(failed) / float64(attempts)
}

// CapacityInsights projects near-term throughput per type by comparing the
// two halves of the current window.
func (e *Engine) CapacityInsights() []PredictiveInsight {
	var out []PredictiveInsight
	now := time.Now()
	half := e.window / 2

	for _, t := range conn.Types() {
		records := e.store.GetByType(t)
		if len(records) == 0 {
			continue
		}

		var older, recent int64
		for _, r := range records {
			samples, err := e.store.History(r.ID, now.Add(-e.window))
			if err != nil {
				continue
			}
			for _, s := range samples {
				n := s.Sent + s.Received
				if s.Timestamp.After(now.Add(-half)) {
					recent += n
				} else {
					older += n
				}
			}
		}

		current := float64(recent) / half.Seconds()
		projected := current
		if older > 0 {
			growth := float64(recent) / float64(older)
			projected = current * growth
		}

		insight := PredictiveInsight{
			Type:                t,
			Connections:         len(records),
			CurrentThroughput:   current,
			ProjectedThroughput: projected,
			Recommendation:      "steady",
		}
		switch {
		case projected > current*1.5:
			insight.Recommendation = "scale_up"
		case projected < current*0.5:
			insight.Recommendation = "scale_down"
		}
		out = append(out, insight)
	}
	return out
}

func uptimeRatio(rec store.Record, now time.Time) float64 {
	total := now.Sub(rec.RegisteredAt)
	if total <= 0 {
		return 0
	}
	readySince, ok := rec.Metrics.StateTimestamps[conn.StateReady]
	if !ok {
		return 0
	}
	// Approximation: time since the connection first reached Ready, capped
	// at total lifetime. Degraded periods count against it via the latest
	// Ready timestamp.
	up := now.Sub(readySince)
	if rec.State != conn.StateReady && rec.State != conn.StateDegraded {
		return 0
	}
	return clamp01(up.Seconds() / total.Seconds())
}

func meanStd(vals []float64) (float64, float64) {
	if len(vals) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	mean := sum / float64(len(vals))

	var variance float64
	for _, v := range vals {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(vals))
	return mean, math.Sqrt(variance)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
