package metrics

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/snipecore/clock"
)

func collectorFixture() (*Collector, *clock.Mock) {
	clk := clock.NewMock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewCollector(clk), clk
}

func TestPercentileInterpolation(t *testing.T) {
	// sorted [10 20 30 40 50]: p50 lands on 30, p95 interpolates
	sorted := []float64{10, 20, 30, 40, 50}

	assert.InDelta(t, 30.0, percentile(sorted, 50), 1e-9)
	// idx = 0.95*4 = 3.8 → 40 + 0.8*(50-40) = 48
	assert.InDelta(t, 48.0, percentile(sorted, 95), 1e-9)
	// idx = 0.99*4 = 3.96 → 49.6
	assert.InDelta(t, 49.6, percentile(sorted, 99), 1e-9)
}

func TestPercentileDegenerateInputs(t *testing.T) {
	assert.Zero(t, percentile(nil, 95))
	assert.Equal(t, 42.0, percentile([]float64{42}, 95))
	// two samples: p50 is the midpoint
	assert.InDelta(t, 15.0, percentile([]float64{10, 20}, 50), 1e-9)
}

func TestSnapshotRates(t *testing.T) {
	c, _ := collectorFixture()

	for i := 0; i < 4; i++ {
		c.Record(Sample{TickToDecisionMs: 5, DecisionToAckMs: 100, Filled: true})
	}
	c.Record(Sample{TickToDecisionMs: 5, DecisionToAckMs: 100, Filled: false})

	// 4 fills, 2 wins + 2 losses settled so far
	c.RecordSettlement(decimal.NewFromFloat(0.30))
	c.RecordSettlement(decimal.NewFromFloat(0.25))
	c.RecordSettlement(decimal.NewFromInt(-10))
	c.RecordSettlement(decimal.NewFromInt(-10))

	snap := c.GetSnapshot()
	assert.Equal(t, 5, snap.Attempted)
	assert.Equal(t, 4, snap.FilledCount)
	assert.Equal(t, 1, snap.Missed)
	assert.InDelta(t, 0.8, snap.ExecutionRate, 1e-9)
	assert.InDelta(t, 0.5, snap.WinRate, 1e-9, "win rate is over settled fills, not attempts")
	assert.True(t, snap.TotalPnL.Equal(decimal.NewFromFloat(-19.45)))
}

func TestSnapshotLatencyStats(t *testing.T) {
	c, _ := collectorFixture()

	for _, ms := range []float64{100, 200, 300, 400, 500} {
		c.Record(Sample{DecisionToAckMs: ms, Filled: true})
	}

	snap := c.GetSnapshot()
	assert.Equal(t, 5, snap.DecisionToAck.Samples)
	assert.InDelta(t, 300, snap.DecisionToAck.P50, 1e-9)
	assert.InDelta(t, 480, snap.DecisionToAck.P95, 1e-9)
	assert.InDelta(t, 500, snap.DecisionToAck.Max, 1e-9)
	assert.Equal(t, 0, snap.TickToDecision.Samples, "zero latencies are not samples")
}

func TestP95DecisionToAck(t *testing.T) {
	c, _ := collectorFixture()
	assert.Zero(t, c.P95DecisionToAck())

	for _, ms := range []float64{100, 200, 300, 400, 500} {
		c.Record(Sample{DecisionToAckMs: ms})
	}
	assert.InDelta(t, 480, c.P95DecisionToAck(), 1e-9)
}

func TestAlertsNeedMinimumAttempts(t *testing.T) {
	c, _ := collectorFixture()
	th := Thresholds{MinFillRate: 0.5, MaxP95LatencyMs: 2000}

	// 4 misses: below the 5-attempt floor, no alert yet
	for i := 0; i < 4; i++ {
		c.Record(Sample{Filled: false})
	}
	assert.Empty(t, c.Alerts(th))

	c.Record(Sample{Filled: false})
	alerts := c.Alerts(th)
	require.Len(t, alerts, 1)
	assert.Equal(t, "fill_rate_low", alerts[0].Name)
}

func TestAlertsLatency(t *testing.T) {
	c, _ := collectorFixture()
	th := Thresholds{MinFillRate: 0, MaxP95LatencyMs: 1000}

	c.Record(Sample{DecisionToAckMs: 5000, Filled: true})
	alerts := c.Alerts(th)
	require.Len(t, alerts, 1)
	assert.Equal(t, "ack_latency_high", alerts[0].Name)
	assert.InDelta(t, 5000, alerts[0].Value, 1e-9)
}

func TestPruneDropsOldSamples(t *testing.T) {
	c, clk := collectorFixture()

	c.Record(Sample{DecisionToAckMs: 100, Filled: true})
	clk.Advance(25 * time.Hour)
	c.Record(Sample{DecisionToAckMs: 200, Filled: true})

	removed := c.Prune(24)
	assert.Equal(t, 1, removed)

	// counters survive pruning, only the sample window shrinks
	snap := c.GetSnapshot()
	assert.Equal(t, 2, snap.Attempted)
	assert.Equal(t, 1, snap.DecisionToAck.Samples)
}

func TestTripCounters(t *testing.T) {
	c, _ := collectorFixture()
	c.RecordKillSwitchTrip()
	c.RecordBreakerTrip()
	c.RecordBreakerTrip()

	snap := c.GetSnapshot()
	assert.Equal(t, 1, snap.KillSwitchTrips)
	assert.Equal(t, 2, snap.BreakerTrips)
}
