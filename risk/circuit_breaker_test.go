package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/snipecore/clock"
)

func breakerFixture(t *testing.T) (*Breaker, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	b := NewBreaker("tok", BreakerConfig{
		FailureThreshold:    3,
		RecoveryTimeout:     60 * time.Second,
		HalfOpenMaxRequests: 1,
	}, clk)
	return b, clk
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := breakerFixture(t)

	assert.False(t, b.RecordFailure())
	assert.False(t, b.RecordFailure())
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())

	// third consecutive failure trips it
	assert.True(t, b.RecordFailure())
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b, _ := breakerFixture(t)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	assert.False(t, b.RecordFailure(), "count restarts after a success")
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerHalfOpenAfterRecoveryTimeout(t *testing.T) {
	b, clk := breakerFixture(t)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}

	clk.Advance(59 * time.Second)
	assert.False(t, b.Allow())

	clk.Advance(2 * time.Second)
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.True(t, b.Allow(), "first probe admitted")
	assert.False(t, b.Allow(), "second probe refused, slot already booked")
}

func TestBreakerProbeSuccessCloses(t *testing.T) {
	b, clk := breakerFixture(t)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clk.Advance(61 * time.Second)
	require.True(t, b.Allow())

	b.RecordSuccess()
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	b, clk := breakerFixture(t)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clk.Advance(61 * time.Second)
	require.True(t, b.Allow())

	assert.True(t, b.RecordFailure(), "failed probe reopens immediately")
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())

	// the full recovery timeout applies again
	clk.Advance(61 * time.Second)
	assert.True(t, b.Allow())
}

func TestBreakerForceReset(t *testing.T) {
	b, _ := breakerFixture(t)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	b.ForceReset()
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())
}

func TestRegistryGetOrCreate(t *testing.T) {
	clk := clock.NewMock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	r := NewRegistry(BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute, HalfOpenMaxRequests: 1}, clk)

	a := r.Get("a")
	assert.Same(t, a, r.Get("a"))
	assert.NotSame(t, a, r.Get("b"))

	assert.Equal(t, 0, r.OpenCount())
	a.RecordFailure()
	assert.Equal(t, 1, r.OpenCount())
}

func TestBreakersIndependentPerMarket(t *testing.T) {
	clk := clock.NewMock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	r := NewRegistry(BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute, HalfOpenMaxRequests: 1}, clk)

	r.Get("a").RecordFailure()
	assert.False(t, r.Get("a").Allow())
	assert.True(t, r.Get("b").Allow(), "one market's trips never bleed into another")
}
