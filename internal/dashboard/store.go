package dashboard

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"feedmesh/internal/metrics"
)

// metricStore keeps the most recent metric events served by the
// /api/metric-events endpoint. Older entries fall off once the limit is hit.
type metricStore struct {
	mu     sync.RWMutex
	events []metrics.Metric
	limit  int
}

func newMetricStore(limit int) *metricStore {
	if limit <= 0 {
		limit = 200
	}
	return &metricStore{limit: limit}
}

func (s *metricStore) handle(m metrics.Metric) {
	s.mu.Lock()
	s.events = appendBounded(s.events, m, s.limit)
	s.mu.Unlock()
}

func (s *metricStore) snapshot() []metrics.Metric {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]metrics.Metric, len(s.events))
	copy(out, s.events)
	return out
}

// logRecord is the JSON shape served by /api/logs. Errors attached with
// WithError get their own field instead of being buried in Fields.
type logRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Error     string                 `json:"error,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// logStore is a logrus hook retaining recent operational log entries for the
// dashboard. Debug and trace output is not captured; the log view shows what
// an operator acts on.
type logStore struct {
	mu      sync.RWMutex
	records []logRecord
	limit   int
	enabled atomic.Bool
}

func newLogStore(limit int) *logStore {
	if limit <= 0 {
		limit = 200
	}
	ls := &logStore{limit: limit}
	ls.enabled.Store(true)
	return ls
}

func (s *logStore) Levels() []logrus.Level {
	return []logrus.Level{
		logrus.PanicLevel,
		logrus.FatalLevel,
		logrus.ErrorLevel,
		logrus.WarnLevel,
		logrus.InfoLevel,
	}
}

func (s *logStore) Fire(entry *logrus.Entry) error {
	if !s.enabled.Load() {
		return nil
	}

	s.mu.Lock()
	s.records = appendBounded(s.records, recordFromEntry(entry), s.limit)
	s.mu.Unlock()
	return nil
}

func recordFromEntry(entry *logrus.Entry) logRecord {
	rec := logRecord{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
	}

	for k, v := range entry.Data {
		if k == "component" {
			if name, ok := v.(string); ok {
				rec.Component = name
			}
			continue
		}
		if k == logrus.ErrorKey {
			if err, ok := v.(error); ok {
				rec.Error = err.Error()
				continue
			}
		}

		if rec.Fields == nil {
			rec.Fields = make(map[string]interface{})
		}
		switch val := v.(type) {
		case error:
			rec.Fields[k] = val.Error()
		case fmt.Stringer:
			rec.Fields[k] = val.String()
		default:
			rec.Fields[k] = val
		}
	}
	return rec
}

func (s *logStore) snapshot() []logRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]logRecord, len(s.records))
	copy(out, s.records)
	return out
}

func (s *logStore) close() {
	s.enabled.Store(false)
}

// appendBounded appends one item and discards the oldest entries beyond the
// limit.
func appendBounded[T any](items []T, item T, limit int) []T {
	items = append(items, item)
	if len(items) > limit {
		items = append([]T(nil), items[len(items)-limit:]...)
	}
	return items
}
