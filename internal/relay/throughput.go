package relay

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultThroughputWindow is the number of samples kept for the rolling rate.
	DefaultThroughputWindow = 30
	// DefaultSamplePeriod is how often meters are sampled.
	DefaultSamplePeriod = time.Second
)

// Meter counts bytes on one edge of the relay and keeps a rolling window of
// per-period deltas for rate reporting.
type Meter struct {
	total atomic.Uint64

	mu        sync.RWMutex
	deltas    []uint64
	window    int
	period    time.Duration
	lastTotal uint64
}

// NewMeter creates a meter. Non-positive arguments use the defaults.
func NewMeter(window int, period time.Duration) *Meter {
	if window <= 0 {
		window = DefaultThroughputWindow
	}
	if period <= 0 {
		period = DefaultSamplePeriod
	}
	return &Meter{
		deltas: make([]uint64, 0, window),
		window: window,
		period: period,
	}
}

// Add records n bytes.
func (m *Meter) Add(n int) {
	if n > 0 {
		m.total.Add(uint64(n))
	}
}

// Total returns the cumulative byte count.
func (m *Meter) Total() uint64 {
	return m.total.Load()
}

// Sample closes the current period. Call it once per period.
func (m *Meter) Sample() {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.total.Load()
	m.deltas = append(m.deltas, current-m.lastTotal)
	if len(m.deltas) > m.window {
		m.deltas = m.deltas[len(m.deltas)-m.window:]
	}
	m.lastTotal = current
}

// Rate returns the rolling average in bytes per second.
func (m *Meter) Rate() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.deltas) == 0 {
		return 0
	}
	var sum uint64
	for _, d := range m.deltas {
		sum += d
	}
	span := time.Duration(len(m.deltas)) * m.period
	return uint64(float64(sum) / span.Seconds())
}

// History returns the per-period rates, oldest first.
func (m *Meter) History() []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.deltas) == 0 {
		return nil
	}
	out := make([]uint64, len(m.deltas))
	for i, d := range m.deltas {
		out[i] = uint64(float64(d) / m.period.Seconds())
	}
	return out
}

// MeterStatus is a meter snapshot.
type MeterStatus struct {
	TotalBytes     uint64 `json:"total_bytes"`
	BytesPerSecond uint64 `json:"bytes_per_second"`
}

// Status returns a snapshot of the meter.
func (m *Meter) Status() MeterStatus {
	return MeterStatus{TotalBytes: m.Total(), BytesPerSecond: m.Rate()}
}
