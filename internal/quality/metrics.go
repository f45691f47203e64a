package quality

import "sync"

// Metrics tracks rolling send outcomes for the current process. It is not a
// system of record: a restart resets the counters, which is an accepted
// trade-off (the provider enforces account quality independently).
type Metrics struct {
	mu              sync.Mutex
	totalSends      int
	successfulSends int
	failedSends     int
	rateLimitHits   int
	lastError       string
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) RecordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalSends++
	m.successfulSends++
}

func (m *Metrics) RecordFailure(errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalSends++
	m.failedSends++
	m.lastError = errMsg
}

func (m *Metrics) RecordRateLimitHit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateLimitHits++
}

type Snapshot struct {
	TotalSends      int     `json:"totalSends"`
	SuccessfulSends int     `json:"successfulSends"`
	FailedSends     int     `json:"failedSends"`
	RateLimitHits   int     `json:"rateLimitHits"`
	LastError       string  `json:"lastError,omitempty"`
	SuccessRate     float64 `json:"successRate"`
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		TotalSends:      m.totalSends,
		SuccessfulSends: m.successfulSends,
		FailedSends:     m.failedSends,
		RateLimitHits:   m.rateLimitHits,
		LastError:       m.lastError,
	}
	if m.totalSends > 0 {
		s.SuccessRate = float64(m.successfulSends) / float64(m.totalSends)
	}
	return s
}
