package capital

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/snipecore/clock"
)

func recyclerFixture(t *testing.T, delay time.Duration, capacity int) (*Allocator, *Recycler, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	alloc := NewAllocator(d("1000"), Config{
		PerMarketPct: d("0.10"),
		PerMarketAbs: d("100"),
		TotalPct:     d("0.50"),
	}, clk)
	return alloc, NewRecycler(alloc, delay, capacity, clk), clk
}

func TestRecyclerHoldsUntilDelay(t *testing.T) {
	alloc, rec, clk := recyclerFixture(t, 5*time.Second, 8)

	grant := alloc.RequestAllocation("tok-1", d("10"), "sniper")
	require.Equal(t, ResultSuccess, grant.Result)
	require.NoError(t, rec.QueueRecycle("tok-1", d("0.30")))

	// before ready_at nothing moves
	clk.Advance(4 * time.Second)
	assert.Equal(t, 0, rec.ProcessDue())
	assert.Equal(t, 1, rec.Pending())
	assert.True(t, alloc.HasAllocation("tok-1"))

	// past ready_at the reservation frees and pnl lands
	clk.Advance(2 * time.Second)
	assert.Equal(t, 1, rec.ProcessDue())
	assert.Equal(t, 0, rec.Pending())
	assert.Equal(t, 1, rec.Recycled())
	assert.False(t, alloc.HasAllocation("tok-1"))
	assert.True(t, alloc.Bankroll().Equal(d("1000.30")))
}

func TestRecyclerBoundedQueue(t *testing.T) {
	alloc, rec, _ := recyclerFixture(t, time.Second, 2)

	alloc.RequestAllocation("a", d("10"), "sniper")
	alloc.RequestAllocation("b", d("10"), "sniper")
	alloc.RequestAllocation("c", d("10"), "sniper")

	require.NoError(t, rec.QueueRecycle("a", decimal.Zero))
	require.NoError(t, rec.QueueRecycle("b", decimal.Zero))
	assert.ErrorIs(t, rec.QueueRecycle("c", decimal.Zero), ErrQueueFull)
}

func TestForceRecycleBypassesDelay(t *testing.T) {
	alloc, rec, _ := recyclerFixture(t, time.Hour, 8)

	alloc.RequestAllocation("tok-1", d("10"), "sniper")
	require.NoError(t, rec.QueueRecycle("tok-1", d("-10")))

	require.NoError(t, rec.ForceRecycle("tok-1"))
	assert.Equal(t, 0, rec.Pending())
	assert.False(t, alloc.HasAllocation("tok-1"))
	assert.True(t, alloc.Bankroll().Equal(d("990")))
}

func TestForceRecycleReleasesRequestedToken(t *testing.T) {
	// forcing a non-tail entry must release that entry, not its neighbor
	alloc, rec, _ := recyclerFixture(t, time.Hour, 8)

	alloc.RequestAllocation("tok-a", d("10"), "sniper")
	alloc.RequestAllocation("tok-b", d("10"), "sniper")
	require.NoError(t, rec.QueueRecycle("tok-a", d("1")))
	require.NoError(t, rec.QueueRecycle("tok-b", d("-5")))

	require.NoError(t, rec.ForceRecycle("tok-a"))

	assert.False(t, alloc.HasAllocation("tok-a"))
	assert.True(t, alloc.HasAllocation("tok-b"))
	assert.Equal(t, 1, rec.Pending())
	assert.True(t, alloc.Bankroll().Equal(d("1001")))

	require.NoError(t, rec.ForceRecycle("tok-b"))
	assert.False(t, alloc.HasAllocation("tok-b"))
	assert.True(t, alloc.Bankroll().Equal(d("996")))
}

func TestForceRecycleUnknownToken(t *testing.T) {
	_, rec, _ := recyclerFixture(t, time.Second, 8)
	assert.ErrorIs(t, rec.ForceRecycle("nope"), ErrNotQueued)
}

func TestRecyclerOnFreedCallback(t *testing.T) {
	alloc, rec, clk := recyclerFixture(t, time.Second, 8)

	var gotToken string
	var gotReleased, gotPnL decimal.Decimal
	rec.SetOnFreed(func(tokenID string, released, pnl decimal.Decimal) {
		gotToken, gotReleased, gotPnL = tokenID, released, pnl
	})

	alloc.RequestAllocation("tok-1", d("10"), "sniper")
	require.NoError(t, rec.QueueRecycle("tok-1", d("0.30")))

	clk.Advance(2 * time.Second)
	require.Equal(t, 1, rec.ProcessDue())

	assert.Equal(t, "tok-1", gotToken)
	assert.True(t, gotReleased.Equal(d("10")))
	assert.True(t, gotPnL.Equal(d("0.30")))
}

func TestRecyclerReleaseWithoutReservation(t *testing.T) {
	// queueing a token with no live reservation must not credit anything
	alloc, rec, clk := recyclerFixture(t, time.Second, 8)

	require.NoError(t, rec.QueueRecycle("ghost", d("5")))
	clk.Advance(2 * time.Second)
	rec.ProcessDue()

	assert.Equal(t, 0, rec.Recycled())
	assert.True(t, alloc.Bankroll().Equal(d("1000")))
}
