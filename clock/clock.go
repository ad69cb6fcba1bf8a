package clock

import (
	"sync"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CLOCK - Authoritative UTC wall time + monotonic latency deltas
// ═══════════════════════════════════════════════════════════════════════════════

// Clock provides wall time. Components take a Clock handle at construction
// so tests can drive time deterministically.
type Clock interface {
	Now() time.Time // always UTC
}

// System is the production clock
type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

// Mock is a settable clock for tests
type Mock struct {
	mu  sync.Mutex
	now time.Time
}

// NewMock returns a mock clock frozen at t
func NewMock(t time.Time) *Mock {
	return &Mock{now: t.UTC()}
}

func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set moves the mock clock to t
func (m *Mock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t.UTC()
}

// Advance moves the mock clock forward by d
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// MonotonicTimer measures elapsed intervals immune to wall-clock jumps.
// time.Now carries a monotonic reading, so Sub is safe here.
type MonotonicTimer struct {
	start time.Time
}

// StartTimer begins a latency measurement
func StartTimer() MonotonicTimer {
	return MonotonicTimer{start: time.Now()}
}

// ElapsedMs returns milliseconds since the timer started
func (t MonotonicTimer) ElapsedMs() float64 {
	return float64(time.Since(t.start)) / float64(time.Millisecond)
}

// Elapsed returns the duration since the timer started
func (t MonotonicTimer) Elapsed() time.Duration {
	return time.Since(t.start)
}
