package store

import (
	"time"

	"feedmesh/internal/conn"
)

// Sample is one point of metrics history retained per connection.
type Sample struct {
	Timestamp time.Time
	Latency   time.Duration
	Sent      int64
	Received  int64
	Failed    int64
	Errors    int64
}

// sampleRing is a fixed-capacity FIFO over metric samples. Once full, the
// oldest sample is evicted on every append, keeping memory bounded regardless
// of uptime.
type sampleRing struct {
	buf   []Sample
	head  int
	count int
}

func newSampleRing(capacity int) *sampleRing {
	if capacity <= 0 {
		capacity = 1000
	}
	return &sampleRing{buf: make([]Sample, capacity)}
}

func (r *sampleRing) append(s Sample) {
	idx := (r.head + r.count) % len(r.buf)
	r.buf[idx] = s
	if r.count < len(r.buf) {
		r.count++
	} else {
		r.head = (r.head + 1) % len(r.buf)
	}
}

func (r *sampleRing) len() int { return r.count }

// snapshot returns samples oldest-first.
func (r *sampleRing) snapshot() []Sample {
	out := make([]Sample, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

// since returns the samples recorded at or after the cutoff, oldest-first.
func (r *sampleRing) since(cutoff time.Time) []Sample {
	var out []Sample
	for i := 0; i < r.count; i++ {
		s := r.buf[(r.head+i)%len(r.buf)]
		if !s.Timestamp.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

func sampleFromDelta(d conn.MetricsDelta, now time.Time) Sample {
	return Sample{
		Timestamp: now,
		Latency:   d.Latency,
		Sent:      d.Sent,
		Received:  d.Received,
		Failed:    d.Failed,
		Errors:    d.Errors,
	}
}
