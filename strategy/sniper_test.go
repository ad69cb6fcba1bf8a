package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/web3guy0/snipecore/types"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func evaluator() *Evaluator {
	return NewEvaluator(Config{
		TimeToEligibility: 60 * time.Second,
		MaxBuyPrice:       d("0.99"),
		MinEdge:           d("0.01"),
	})
}

func snapshot(remaining time.Duration, ask string) types.MarketSnapshot {
	return types.MarketSnapshot{
		TokenID:  "tok",
		State:    types.StateWatching,
		HasQuote: true,
		EndTime:  now.Add(remaining),
		BestBid:  d(ask).Sub(d("0.01")),
		BestAsk:  d(ask),
	}
}

func TestEligibleInsideWindow(t *testing.T) {
	e := evaluator()
	assert.True(t, e.Eligible(snapshot(45*time.Second, "0.97"), now))
}

func TestTimeBoundaryIsStrict(t *testing.T) {
	e := evaluator()

	// exactly at the window edge is NOT eligible
	assert.False(t, e.Eligible(snapshot(60*time.Second, "0.97"), now))
	assert.True(t, e.Eligible(snapshot(60*time.Second-time.Nanosecond, "0.97"), now))

	// already expired is never eligible
	assert.False(t, e.Eligible(snapshot(0, "0.97"), now))
	assert.False(t, e.Eligible(snapshot(-time.Second, "0.97"), now))
}

func TestPriceBoundaryIsStrict(t *testing.T) {
	e := evaluator()

	assert.False(t, e.Eligible(snapshot(45*time.Second, "0.99"), now), "ask at max is out")
	assert.True(t, e.Eligible(snapshot(45*time.Second, "0.98"), now))
}

func TestMinEdgeIsInclusive(t *testing.T) {
	e := NewEvaluator(Config{
		TimeToEligibility: 60 * time.Second,
		MaxBuyPrice:       d("0.995"),
		MinEdge:           d("0.01"),
	})

	// edge exactly 0.01 passes, below fails
	assert.True(t, e.Eligible(snapshot(45*time.Second, "0.99"), now))
	assert.False(t, e.Eligible(snapshot(45*time.Second, "0.991"), now))
}

func TestIneligibleStates(t *testing.T) {
	e := evaluator()

	for _, state := range []types.MarketState{
		types.StateDiscovered,
		types.StateExecuting,
		types.StateReconciling,
		types.StateDone,
		types.StateOnHold,
	} {
		s := snapshot(45*time.Second, "0.97")
		s.State = state
		assert.False(t, e.Eligible(s, now), "state %s", state)
	}
}

func TestNoQuoteNeverEligible(t *testing.T) {
	e := evaluator()
	s := snapshot(45*time.Second, "0.97")
	s.HasQuote = false
	assert.False(t, e.Eligible(s, now))
}

func TestEdge(t *testing.T) {
	assert.True(t, Edge(d("0.97")).Equal(d("0.03")))
	assert.True(t, Edge(d("1")).IsZero())
}

func TestSettlePnLWin(t *testing.T) {
	// 10/0.97 shares × 0.03 payout gap = 0.3092..., truncated to 0.30
	pnl := SettlePnL(d("10"), d("0.97"), true)
	assert.True(t, pnl.Equal(d("0.30")), "got %s", pnl)
}

func TestSettlePnLLoss(t *testing.T) {
	pnl := SettlePnL(d("10"), d("0.97"), false)
	assert.True(t, pnl.Equal(d("-10")), "got %s", pnl)
}

func TestSettlePnLWinCheapEntry(t *testing.T) {
	// 20/0.50 = 40 shares × 0.50 = 20.00 even
	pnl := SettlePnL(d("20"), d("0.50"), true)
	assert.True(t, pnl.Equal(d("20")), "got %s", pnl)
}
