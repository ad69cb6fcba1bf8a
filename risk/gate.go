package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/snipecore/clock"
	"github.com/web3guy0/snipecore/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RISK GATE - Gatekeeper for every fill attempt
// ═══════════════════════════════════════════════════════════════════════════════
//
// Three sub-policies evaluated in order; the first denial wins:
// 1. Kill switches (global)
// 2. Circuit breaker (per market)
// 3. Exposure limits (against the allocator's view)
//
// The gate never holds its own lock while querying the allocator, keeping
// the Allocator < Gate lock order one-directional.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ExposureView is the narrow read surface the gate needs from the
// capital allocator.
type ExposureView interface {
	Bankroll() decimal.Decimal
	TotalAllocated() decimal.Decimal
	Available() decimal.Decimal
	MarketExposure(tokenID string) decimal.Decimal
	HasAllocation(tokenID string) bool
}

// ExposureConfig caps per-market and portfolio exposure
type ExposureConfig struct {
	PerMarketPct decimal.Decimal
	PerMarketAbs decimal.Decimal
	TotalPct     decimal.Decimal
}

// Gate combines kill switches, breakers and exposure limits
type Gate struct {
	mu  sync.Mutex
	clk clock.Clock

	Switches *KillSwitches
	Breakers *Registry
	exposure ExposureView
	expCfg   ExposureConfig

	dailyPnL        decimal.Decimal
	openingBankroll decimal.Decimal
	lastResetDay    string
	outstanding     int

	onBreakerTrip func(tokenID string)
}

// NewGate wires the three sub-policies together
func NewGate(switches *KillSwitches, breakers *Registry, exposure ExposureView, expCfg ExposureConfig, clk clock.Clock) *Gate {
	g := &Gate{
		clk:             clk,
		Switches:        switches,
		Breakers:        breakers,
		exposure:        exposure,
		expCfg:          expCfg,
		dailyPnL:        decimal.Zero,
		openingBankroll: exposure.Bankroll(),
		lastResetDay:    clk.Now().Format("2006-01-02"),
	}
	log.Info().
		Str("opening_bankroll", g.openingBankroll.StringFixed(2)).
		Msg("🛡️ Risk gate initialized")
	return g
}

// SetOnBreakerTrip registers the breaker-trip callback
func (g *Gate) SetOnBreakerTrip(fn func(tokenID string)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onBreakerTrip = fn
}

// PreExecutionCheck combines all three policies for one admission.
// feedLastUpdate is the candidate market's last tick time.
func (g *Gate) PreExecutionCheck(tokenID string, amount decimal.Decimal, feedLastUpdate time.Time) (bool, types.Reason) {
	now := g.clk.Now()

	// 1. Kill switches. Feed staleness and order count are re-evaluated
	// here so a halt raised between monitor sweeps still blocks.
	g.Switches.CheckStaleFeed(now.Sub(feedLastUpdate))
	g.Switches.CheckOrderLimit(g.Outstanding())
	g.mu.Lock()
	g.Switches.CheckDailyLoss(g.dailyPnL, g.openingBankroll)
	g.mu.Unlock()

	if halted, reason := g.Switches.Halted(); halted {
		log.Warn().Str("token", shortToken(tokenID)).Str("reason", reason.String()).Msg("Gate denied: kill switch")
		return false, reason
	}

	// 2. Per-market breaker (consumes a HalfOpen slot when probing)
	if !g.Breakers.Get(tokenID).Allow() {
		reason := types.Reason{Code: types.ReasonBreakerOpen, Detail: shortToken(tokenID)}
		log.Warn().Str("token", shortToken(tokenID)).Msg("Gate denied: breaker open")
		return false, reason
	}

	// 3. Exposure limits
	if ok, reason := g.CanAllocate(tokenID, amount); !ok {
		log.Warn().Str("token", shortToken(tokenID)).Str("reason", reason.String()).Msg("Gate denied: exposure")
		return false, reason
	}

	return true, types.Reason{}
}

// CanAllocate checks the exposure caps for an additional amount on tokenID
func (g *Gate) CanAllocate(tokenID string, amount decimal.Decimal) (bool, types.Reason) {
	if !amount.IsPositive() {
		return false, types.Reason{Code: types.ReasonInsufficientCapital, Detail: "non-positive amount"}
	}
	if g.exposure.HasAllocation(tokenID) {
		return false, types.Reason{Code: types.ReasonAlreadyAllocated, Detail: shortToken(tokenID)}
	}

	bankroll := g.exposure.Bankroll()
	perMarketCap := decimal.Min(bankroll.Mul(g.expCfg.PerMarketPct), g.expCfg.PerMarketAbs)
	if g.exposure.MarketExposure(tokenID).Add(amount).GreaterThan(perMarketCap) {
		return false, types.Reason{
			Code:   types.ReasonExposureCapMarket,
			Detail: fmt.Sprintf("cap %s", perMarketCap.StringFixed(2)),
		}
	}
	if g.exposure.TotalAllocated().Add(amount).GreaterThan(bankroll.Mul(g.expCfg.TotalPct)) {
		return false, types.Reason{
			Code:   types.ReasonExposureCapTotal,
			Detail: fmt.Sprintf("cap %s", bankroll.Mul(g.expCfg.TotalPct).StringFixed(2)),
		}
	}
	if amount.GreaterThan(g.exposure.Available()) {
		return false, types.Reason{
			Code:   types.ReasonInsufficientCapital,
			Detail: fmt.Sprintf("available %s", g.exposure.Available().StringFixed(2)),
		}
	}
	return true, types.Reason{}
}

// PostExecutionRecord feeds an execution outcome back into breaker state
// and the daily P&L tally.
func (g *Gate) PostExecutionRecord(tokenID string, success bool, pnl decimal.Decimal, latencyMs float64) {
	b := g.Breakers.Get(tokenID)
	if success {
		b.RecordSuccess()
	} else if b.RecordFailure() {
		g.mu.Lock()
		fn := g.onBreakerTrip
		g.mu.Unlock()
		if fn != nil {
			fn(tokenID)
		}
	}

	g.mu.Lock()
	g.dailyPnL = g.dailyPnL.Add(pnl)
	dailyPnL, opening := g.dailyPnL, g.openingBankroll
	g.mu.Unlock()

	g.Switches.CheckDailyLoss(dailyPnL, opening)

	log.Debug().
		Str("token", shortToken(tokenID)).
		Bool("success", success).
		Str("pnl", pnl.StringFixed(2)).
		Float64("latency_ms", latencyMs).
		Msg("Post-execution recorded")
}

// RecordSettlement folds a realized settlement P&L into the daily tally
func (g *Gate) RecordSettlement(pnl decimal.Decimal) {
	g.mu.Lock()
	g.dailyPnL = g.dailyPnL.Add(pnl)
	dailyPnL, opening := g.dailyPnL, g.openingBankroll
	g.mu.Unlock()

	g.Switches.CheckDailyLoss(dailyPnL, opening)
}

// OrderStarted bumps the outstanding-order count at dispatch
func (g *Gate) OrderStarted() {
	g.mu.Lock()
	g.outstanding++
	g.mu.Unlock()
}

// OrderFinished releases one outstanding-order slot
func (g *Gate) OrderFinished() {
	g.mu.Lock()
	if g.outstanding > 0 {
		g.outstanding--
	}
	g.mu.Unlock()
}

// Outstanding returns the current in-flight order count
func (g *Gate) Outstanding() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.outstanding
}

// DailyPnL returns today's realized P&L
func (g *Gate) DailyPnL() decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dailyPnL
}

// CheckDayRollover resets the daily tallies when the UTC date changes.
// Called by the risk monitor sweep.
func (g *Gate) CheckDayRollover() {
	today := g.clk.Now().Format("2006-01-02")
	bankroll := g.exposure.Bankroll() // read before taking g.mu, allocator locks first
	g.mu.Lock()
	if g.lastResetDay == today {
		g.mu.Unlock()
		return
	}
	g.lastResetDay = today
	g.dailyPnL = decimal.Zero
	g.openingBankroll = bankroll
	g.mu.Unlock()

	g.Switches.ResetDaily()
	log.Info().Str("date", today).Msg("📅 Daily risk stats reset")
}
