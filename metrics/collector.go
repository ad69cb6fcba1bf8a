package metrics

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/snipecore/clock"
)

// ═══════════════════════════════════════════════════════════════════════════════
// METRICS COLLECTOR - Rolling latency/outcome samples + percentiles
// ═══════════════════════════════════════════════════════════════════════════════
//
// Execution-rate (filled / attempted) and win-rate (wins / settled fills)
// are distinct numbers and are reported separately.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Sample is one execution attempt's measurements
type Sample struct {
	At               time.Time
	TokenID          string
	TickToDecisionMs float64
	DecisionToAckMs  float64
	Filled           bool
	EdgeCents        decimal.Decimal
	OutcomeReason    string
}

// LatencyStats summarizes one latency leg over the current window
type LatencyStats struct {
	P50     float64
	P95     float64
	P99     float64
	Max     float64
	Samples int
}

// Snapshot is a consistent view of the whole collector; all fields are
// computed under a single lock so no torn reads occur across percentiles.
type Snapshot struct {
	TickToDecision LatencyStats
	DecisionToAck  LatencyStats
	Attempted      int
	FilledCount    int
	Missed         int
	Wins           int
	Losses         int
	ExecutionRate  float64
	WinRate        float64
	TotalPnL       decimal.Decimal
	KillSwitchTrips int
	BreakerTrips    int
}

// Alert is one threshold breach
type Alert struct {
	Name      string
	Message   string
	Value     float64
	Threshold float64
}

// Thresholds configures alert evaluation
type Thresholds struct {
	MinFillRate     float64 // alert when execution rate drops below
	MaxP95LatencyMs float64 // alert when p95 decision_to_ack exceeds
}

// Collector accumulates rolling per-trade samples
type Collector struct {
	mu  sync.RWMutex
	clk clock.Clock

	samples []Sample

	attempted int
	filled    int
	missed    int
	wins      int
	losses    int
	totalPnL  decimal.Decimal

	killSwitchTrips int
	breakerTrips    int
}

// NewCollector creates an empty collector
func NewCollector(clk clock.Clock) *Collector {
	return &Collector{clk: clk, totalPnL: decimal.Zero}
}

// Record adds one attempt sample
func (c *Collector) Record(s Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s.At.IsZero() {
		s.At = c.clk.Now()
	}
	c.samples = append(c.samples, s)
	c.attempted++
	if s.Filled {
		c.filled++
	} else {
		c.missed++
	}
}

// RecordSettlement folds a realized P&L into the win/loss tallies
func (c *Collector) RecordSettlement(pnl decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalPnL = c.totalPnL.Add(pnl)
	if pnl.IsPositive() {
		c.wins++
	} else {
		c.losses++
	}
}

// RecordKillSwitchTrip counts a kill-switch activation
func (c *Collector) RecordKillSwitchTrip() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.killSwitchTrips++
}

// RecordBreakerTrip counts a circuit-breaker open
func (c *Collector) RecordBreakerTrip() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.breakerTrips++
}

// P95DecisionToAck returns the rolling p95 order-ack latency; the risk
// monitor compares this against the RPC lag threshold.
func (c *Collector) P95DecisionToAck() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	vals := make([]float64, 0, len(c.samples))
	for _, s := range c.samples {
		if s.DecisionToAckMs > 0 {
			vals = append(vals, s.DecisionToAckMs)
		}
	}
	sort.Float64s(vals)
	return percentile(vals, 95)
}

// GetSnapshot returns a consistent view of all metrics
func (c *Collector) GetSnapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tick := make([]float64, 0, len(c.samples))
	ack := make([]float64, 0, len(c.samples))
	for _, s := range c.samples {
		if s.TickToDecisionMs > 0 {
			tick = append(tick, s.TickToDecisionMs)
		}
		if s.DecisionToAckMs > 0 {
			ack = append(ack, s.DecisionToAckMs)
		}
	}
	sort.Float64s(tick)
	sort.Float64s(ack)

	snap := Snapshot{
		TickToDecision:  latencyStats(tick),
		DecisionToAck:   latencyStats(ack),
		Attempted:       c.attempted,
		FilledCount:     c.filled,
		Missed:          c.missed,
		Wins:            c.wins,
		Losses:          c.losses,
		TotalPnL:        c.totalPnL,
		KillSwitchTrips: c.killSwitchTrips,
		BreakerTrips:    c.breakerTrips,
	}
	if c.attempted > 0 {
		snap.ExecutionRate = float64(c.filled) / float64(c.attempted)
	}
	if settled := c.wins + c.losses; settled > 0 {
		snap.WinRate = float64(c.wins) / float64(settled)
	}
	return snap
}

// Alerts evaluates thresholds against the current window
func (c *Collector) Alerts(t Thresholds) []Alert {
	snap := c.GetSnapshot()

	var alerts []Alert
	if snap.Attempted >= 5 && snap.ExecutionRate < t.MinFillRate {
		alerts = append(alerts, Alert{
			Name:      "fill_rate_low",
			Message:   fmt.Sprintf("execution rate %.1f%% below %.1f%%", snap.ExecutionRate*100, t.MinFillRate*100),
			Value:     snap.ExecutionRate,
			Threshold: t.MinFillRate,
		})
	}
	if snap.DecisionToAck.Samples > 0 && snap.DecisionToAck.P95 > t.MaxP95LatencyMs {
		alerts = append(alerts, Alert{
			Name:      "ack_latency_high",
			Message:   fmt.Sprintf("p95 decision_to_ack %.0fms above %.0fms", snap.DecisionToAck.P95, t.MaxP95LatencyMs),
			Value:     snap.DecisionToAck.P95,
			Threshold: t.MaxP95LatencyMs,
		})
	}
	for _, a := range alerts {
		log.Warn().Str("alert", a.Name).Msg("📢 " + a.Message)
	}
	return alerts
}

// Prune drops samples older than historyHours, returning the count removed
func (c *Collector) Prune(historyHours int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.clk.Now().Add(-time.Duration(historyHours) * time.Hour)
	kept := c.samples[:0]
	for _, s := range c.samples {
		if !s.At.Before(cutoff) {
			kept = append(kept, s)
		}
	}
	removed := len(c.samples) - len(kept)
	c.samples = kept
	return removed
}

func latencyStats(sorted []float64) LatencyStats {
	if len(sorted) == 0 {
		return LatencyStats{}
	}
	return LatencyStats{
		P50:     percentile(sorted, 50),
		P95:     percentile(sorted, 95),
		P99:     percentile(sorted, 99),
		Max:     sorted[len(sorted)-1],
		Samples: len(sorted),
	}
}

// percentile uses linear interpolation between closest ranks; input must
// already be sorted ascending.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	idx := p / 100 * float64(n-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
