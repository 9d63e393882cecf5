package observability

import (
	"sync"
	"time"
)

// Alert thresholds for the health roll-up.
const (
	SlowOperationWarning = 2 * time.Second
	ErrorRateWarning     = 0.10
	ErrorRateCritical    = 0.50
)

// Operation is one tracked component call within a correlated request.
type Operation struct {
	CorrelationID string
	Name          string
	Start         time.Time
	End           time.Time
	Success       bool
	ErrorTag      string
}

// Duration returns the operation's elapsed time.
func (o Operation) Duration() time.Duration { return o.End.Sub(o.Start) }

// opStats aggregates per-operation-name counters.
type opStats struct {
	count        int64
	failures     int64
	slow         int64
	totalLatency time.Duration
	maxLatency   time.Duration
	buckets      [len(latencyBuckets) + 1]int64
}

// latencyBuckets are the histogram upper bounds, in seconds. An array, not a
// slice, so len(latencyBuckets) is a constant usable in the opStats type.
var latencyBuckets = [...]float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}

// Tracker records per-operation outcomes keyed by correlation id and serves
// the aggregate health snapshot. Dependency health checks registered with
// RegisterCheck feed the roll-up alongside operation error rates.
type Tracker struct {
	mu     sync.RWMutex
	ops    map[string]*opStats
	checks map[string]func() bool
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		ops:    map[string]*opStats{},
		checks: map[string]func() bool{},
	}
}

// Record ingests one finished operation.
func (t *Tracker) Record(op Operation) {
	d := op.Duration()
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.ops[op.Name]
	if !ok {
		s = &opStats{}
		t.ops[op.Name] = s
	}
	s.count++
	if !op.Success {
		s.failures++
	}
	if d >= SlowOperationWarning {
		s.slow++
	}
	s.totalLatency += d
	if d > s.maxLatency {
		s.maxLatency = d
	}
	sec := d.Seconds()
	idx := len(latencyBuckets)
	for i, ub := range latencyBuckets {
		if sec <= ub {
			idx = i
			break
		}
	}
	s.buckets[idx]++
}

// Track wraps a component call: it records start/end, success, and the error
// tag derived by classify.
func (t *Tracker) Track(correlationID, name string, classify func(error) string, fn func() error) error {
	start := time.Now()
	err := fn()
	op := Operation{
		CorrelationID: correlationID,
		Name:          name,
		Start:         start,
		End:           time.Now(),
		Success:       err == nil,
	}
	if err != nil && classify != nil {
		op.ErrorTag = classify(err)
	}
	t.Record(op)
	RecordPipelineStage(name, op.Success, op.Duration())
	return err
}

// RegisterCheck adds a named dependency liveness probe to the health roll-up.
func (t *Tracker) RegisterCheck(name string, probe func() bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checks[name] = probe
}

// OperationSnapshot is the per-operation aggregate view.
type OperationSnapshot struct {
	Count      int64          `json:"count"`
	Failures   int64          `json:"failures"`
	ErrorRate  float64        `json:"error_rate"`
	Slow       int64          `json:"slow"`
	AvgLatency time.Duration  `json:"avg_latency"`
	MaxLatency time.Duration  `json:"max_latency"`
	Histogram  map[string]int64 `json:"histogram"`
}

// HealthSnapshot is the roll-up served by /health.
type HealthSnapshot struct {
	Healthy    bool                         `json:"healthy"`
	Status     string                       `json:"status"`
	Operations map[string]OperationSnapshot `json:"operations"`
	Checks     map[string]bool              `json:"checks"`
}

// Snapshot computes the aggregate health view. Status degrades to "warn" past
// the error-rate warning threshold and to "critical" past the critical one or
// when any registered dependency check fails.
func (t *Tracker) Snapshot() HealthSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snap := HealthSnapshot{
		Healthy:    true,
		Status:     "ok",
		Operations: make(map[string]OperationSnapshot, len(t.ops)),
		Checks:     make(map[string]bool, len(t.checks)),
	}
	for name, s := range t.ops {
		os := OperationSnapshot{
			Count:      s.count,
			Failures:   s.failures,
			Slow:       s.slow,
			MaxLatency: s.maxLatency,
			Histogram:  make(map[string]int64, len(latencyBuckets)+1),
		}
		if s.count > 0 {
			os.ErrorRate = float64(s.failures) / float64(s.count)
			os.AvgLatency = s.totalLatency / time.Duration(s.count)
		}
		for i, ub := range latencyBuckets {
			os.Histogram[formatBucket(ub)] = s.buckets[i]
		}
		os.Histogram["+Inf"] = s.buckets[len(latencyBuckets)]
		snap.Operations[name] = os

		switch {
		case os.ErrorRate >= ErrorRateCritical && s.count >= 10:
			snap.Status = "critical"
			snap.Healthy = false
		case os.ErrorRate >= ErrorRateWarning && s.count >= 10 && snap.Status == "ok":
			snap.Status = "warn"
		}
	}
	for name, probe := range t.checks {
		ok := probe()
		snap.Checks[name] = ok
		if !ok {
			snap.Status = "critical"
			snap.Healthy = false
		}
	}
	return snap
}

func formatBucket(ub float64) string {
	d := time.Duration(ub * float64(time.Second))
	return "le_" + d.String()
}
