package memwatch

import (
	"runtime"
	"sync"
)

const bytesPerMB = 1024 * 1024

// Usage is a snapshot of process memory against the configured ceiling.
// Sampling is process-wide, not per-query: under concurrent load the numbers
// are advisory, not query-exact.
type Usage struct {
	CurrentMB float64 `json:"current_mb"`
	PeakMB    float64 `json:"peak_mb"`
	LimitMB   float64 `json:"limit_mb"`
	Exceeded  bool    `json:"exceeded"`
}

// Monitor samples process heap usage and compares it against a configured
// ceiling. Safe for concurrent use.
type Monitor struct {
	mu       sync.Mutex
	limitMB  float64
	baseline float64
	peak     float64
}

// New creates a Monitor with a ceiling in megabytes. Panics if limitMB <= 0.
func New(limitMB int) *Monitor {
	if limitMB <= 0 {
		panic("memwatch: limit must be > 0 MB")
	}
	return &Monitor{limitMB: float64(limitMB)}
}

func sampleMB() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.HeapAlloc) / bytesPerMB
}

// Start records the current usage as the baseline for DeltaMB.
func (m *Monitor) Start() {
	current := sampleMB()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baseline = current
	if current > m.peak {
		m.peak = current
	}
}

// Check samples current usage, updates the peak, and reports whether the
// ceiling is exceeded.
func (m *Monitor) Check() Usage {
	current := sampleMB()
	m.mu.Lock()
	defer m.mu.Unlock()
	if current > m.peak {
		m.peak = current
	}
	return Usage{
		CurrentMB: current,
		PeakMB:    m.peak,
		LimitMB:   m.limitMB,
		Exceeded:  current > m.limitMB,
	}
}

// DeltaMB returns megabytes allocated since the last Start. May be negative
// after a garbage collection.
func (m *Monitor) DeltaMB() float64 {
	current := sampleMB()
	m.mu.Lock()
	defer m.mu.Unlock()
	return current - m.baseline
}
