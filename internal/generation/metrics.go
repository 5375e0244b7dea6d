package generation

import (
	"sync"
	"time"
)

// MetricsSnapshot is a point-in-time copy of the engine counters.
type MetricsSnapshot struct {
	Requests     uint64    `json:"requests"`
	Successes    uint64    `json:"successes"`
	Repairs      uint64    `json:"repairs"`
	Reprompts    uint64    `json:"reprompts"`
	Fallbacks    uint64    `json:"fallbacks"`
	ModelErrors  uint64    `json:"model_errors"`
	CacheHits    uint64    `json:"cache_hits"`
	Completed    uint64    `json:"completed"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`
	Since        time.Time `json:"since"`
}

// Metrics holds engine counters. Safe for concurrent use.
type Metrics struct {
	mu           sync.Mutex
	requests     uint64
	successes    uint64
	repairs      uint64
	reprompts    uint64
	fallbacks    uint64
	modelErrors  uint64
	cacheHits    uint64
	completed    uint64
	totalLatency time.Duration
	since        time.Time
}

// NewMetrics creates zeroed counters.
func NewMetrics() *Metrics {
	return &Metrics{since: time.Now()}
}

func (m *Metrics) incr(counter *uint64) {
	m.mu.Lock()
	*counter++
	m.mu.Unlock()
}

func (m *Metrics) recordRequest()    { m.incr(&m.requests) }
func (m *Metrics) recordReprompt()   { m.incr(&m.reprompts) }
func (m *Metrics) recordModelError() { m.incr(&m.modelErrors) }
func (m *Metrics) recordCacheHit()   { m.incr(&m.cacheHits) }

// recordOutcome closes out one request.
func (m *Metrics) recordOutcome(o Outcome, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch o {
	case OutcomeValid:
		m.successes++
	case OutcomeRepaired, OutcomeReprompted:
		m.successes++
		m.repairs++
	case OutcomeFallback:
		m.fallbacks++
	}
	m.completed++
	m.totalLatency += latency
}

// Snapshot copies the counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := MetricsSnapshot{
		Requests:    m.requests,
		Successes:   m.successes,
		Repairs:     m.repairs,
		Reprompts:   m.reprompts,
		Fallbacks:   m.fallbacks,
		ModelErrors: m.modelErrors,
		CacheHits:   m.cacheHits,
		Completed:   m.completed,
		Since:       m.since,
	}
	if m.completed > 0 {
		s.AvgLatencyMs = float64(m.totalLatency.Milliseconds()) / float64(m.completed)
	}
	return s
}

// Reset zeroes every counter.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests, m.successes, m.repairs, m.reprompts = 0, 0, 0, 0
	m.fallbacks, m.modelErrors, m.cacheHits, m.completed = 0, 0, 0, 0
	m.totalLatency = 0
	m.since = time.Now()
}
