package capital

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/snipecore/clock"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func newTestAllocator(bankroll string, cfg Config) *Allocator {
	clk := clock.NewMock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewAllocator(d(bankroll), cfg, clk)
}

func defaultConfig() Config {
	return Config{
		PerMarketPct: d("0.05"),
		PerMarketAbs: d("50"),
		TotalPct:     d("0.30"),
	}
}

func TestRequestAllocationGrantsRequested(t *testing.T) {
	a := newTestAllocator("1000", defaultConfig())

	grant := a.RequestAllocation("tok-1", d("10"), "sniper")
	require.Equal(t, ResultSuccess, grant.Result)
	assert.True(t, grant.Granted.Equal(d("10")))
	assert.Nil(t, grant.Splits)

	assert.True(t, a.TotalAllocated().Equal(d("10")))
	assert.True(t, a.Available().Equal(d("990")))
	assert.True(t, a.MarketExposure("tok-1").Equal(d("10")))
	assert.True(t, a.HasAllocation("tok-1"))
}

func TestRequestAllocationClampsToPerMarketCap(t *testing.T) {
	// bankroll 100, 5% per market = 5, abs cap 50 → effective cap 5
	a := newTestAllocator("100", defaultConfig())

	grant := a.RequestAllocation("tok-1", d("10"), "sniper")
	require.Equal(t, ResultSuccess, grant.Result)
	assert.True(t, grant.Granted.Equal(d("5")), "granted %s", grant.Granted)
}

func TestRequestAllocationClampsToAbsCap(t *testing.T) {
	// bankroll 10000, 5% = 500 but abs cap 50 wins
	a := newTestAllocator("10000", defaultConfig())

	grant := a.RequestAllocation("tok-1", d("100"), "sniper")
	require.Equal(t, ResultSuccess, grant.Result)
	assert.True(t, grant.Granted.Equal(d("50")))
}

func TestRequestAllocationTotalHeadroom(t *testing.T) {
	// total cap 30% of 100 = 30; fill it with three 10s, fourth is refused
	cfg := defaultConfig()
	cfg.PerMarketPct = d("0.10")
	a := newTestAllocator("100", cfg)

	for _, tok := range []string{"a", "b", "c"} {
		grant := a.RequestAllocation(tok, d("10"), "sniper")
		require.Equal(t, ResultSuccess, grant.Result)
	}
	grant := a.RequestAllocation("dd", d("10"), "sniper")
	assert.Equal(t, ResultTotalLimitExceeded, grant.Result)
	assert.True(t, grant.Granted.IsZero())
}

func TestRequestAllocationInvalidAmount(t *testing.T) {
	a := newTestAllocator("1000", defaultConfig())

	grant := a.RequestAllocation("tok-1", decimal.Zero, "sniper")
	assert.Equal(t, ResultInvalidAmount, grant.Result)

	grant = a.RequestAllocation("tok-1", d("-5"), "sniper")
	assert.Equal(t, ResultInvalidAmount, grant.Result)
}

func TestRequestAllocationAlreadyAllocated(t *testing.T) {
	a := newTestAllocator("1000", defaultConfig())

	grant := a.RequestAllocation("tok-1", d("10"), "sniper")
	require.Equal(t, ResultSuccess, grant.Result)

	grant = a.RequestAllocation("tok-1", d("10"), "sniper")
	assert.Equal(t, ResultAlreadyAllocated, grant.Result)
	assert.True(t, a.TotalAllocated().Equal(d("10")), "double reservation must not stack")
}

func TestRequestAllocationInsufficientCapital(t *testing.T) {
	cfg := defaultConfig()
	cfg.PerMarketPct = d("1")
	cfg.PerMarketAbs = d("10000")
	cfg.TotalPct = d("1")
	a := newTestAllocator("10", cfg)

	grant := a.RequestAllocation("a", d("10"), "sniper")
	require.Equal(t, ResultSuccess, grant.Result)

	grant = a.RequestAllocation("b", d("10"), "sniper")
	assert.Equal(t, ResultInsufficientCapital, grant.Result)
}

func TestReleaseRoundTrip(t *testing.T) {
	a := newTestAllocator("1000", defaultConfig())

	grant := a.RequestAllocation("tok-1", d("10"), "sniper")
	require.Equal(t, ResultSuccess, grant.Result)

	released, err := a.ReleaseAllocation("tok-1", d("0.30"))
	require.NoError(t, err)
	assert.True(t, released.Equal(d("10")))

	// bankroll absorbed the pnl, reservation is gone
	assert.True(t, a.Bankroll().Equal(d("1000.30")))
	assert.True(t, a.TotalAllocated().IsZero())
	assert.False(t, a.HasAllocation("tok-1"))
	assert.True(t, a.Available().Equal(d("1000.30")))
}

func TestReleaseUnknownToken(t *testing.T) {
	a := newTestAllocator("1000", defaultConfig())

	_, err := a.ReleaseAllocation("nope", decimal.Zero)
	assert.ErrorIs(t, err, ErrNoAllocation)
}

func TestReleaseLossShrinksBankroll(t *testing.T) {
	a := newTestAllocator("1000", defaultConfig())
	a.RequestAllocation("tok-1", d("10"), "sniper")

	_, err := a.ReleaseAllocation("tok-1", d("-10"))
	require.NoError(t, err)
	assert.True(t, a.Bankroll().Equal(d("990")))
}

func TestUpdateBankrollBlockedWhileReserved(t *testing.T) {
	a := newTestAllocator("1000", defaultConfig())
	a.RequestAllocation("tok-1", d("10"), "sniper")

	err := a.UpdateBankroll(d("500"))
	assert.ErrorIs(t, err, ErrReservationsPending)

	a.ReleaseAllocation("tok-1", decimal.Zero)
	require.NoError(t, a.UpdateBankroll(d("500")))
	assert.True(t, a.Bankroll().Equal(d("1500")))
}

func TestUpdateBankrollRejectsNegative(t *testing.T) {
	a := newTestAllocator("100", defaultConfig())
	assert.ErrorIs(t, a.UpdateBankroll(d("-200")), ErrBankrollNegative)
	assert.True(t, a.Bankroll().Equal(d("100")))
}

func TestSplitOrdersEvenWithRemainderLast(t *testing.T) {
	cfg := defaultConfig()
	cfg.PerMarketAbs = d("500")
	cfg.PerMarketPct = d("1")
	cfg.TotalPct = d("1")
	cfg.SplitThreshold = d("20")
	cfg.SplitCount = 3
	a := newTestAllocator("1000", cfg)

	grant := a.RequestAllocation("tok-1", d("100"), "sniper")
	require.Equal(t, ResultSuccess, grant.Result)
	require.Len(t, grant.Splits, 3)

	// 100/3 = 33.33 down, remainder folds into the last child
	assert.True(t, grant.Splits[0].Equal(d("33.33")))
	assert.True(t, grant.Splits[1].Equal(d("33.33")))
	assert.True(t, grant.Splits[2].Equal(d("33.34")))

	sum := decimal.Zero
	for _, s := range grant.Splits {
		sum = sum.Add(s)
	}
	assert.True(t, sum.Equal(grant.Granted), "children must sum exactly to the grant")
}

func TestSplitOrdersSingleBelowThreshold(t *testing.T) {
	cfg := defaultConfig()
	cfg.SplitThreshold = d("20")
	cfg.SplitCount = 3
	a := newTestAllocator("1000", cfg)

	grant := a.RequestAllocation("tok-1", d("15"), "sniper")
	require.Equal(t, ResultSuccess, grant.Result)
	assert.Nil(t, grant.Splits)
}

func TestReport(t *testing.T) {
	a := newTestAllocator("1000", defaultConfig())
	a.RequestAllocation("tok-1", d("10"), "sniper")
	a.RequestAllocation("tok-2", d("20"), "sniper")

	bankroll, allocated, available, open := a.Report()
	assert.True(t, bankroll.Equal(d("1000")))
	assert.True(t, allocated.Equal(d("30")))
	assert.True(t, available.Equal(d("970")))
	assert.Equal(t, 2, open)
}
