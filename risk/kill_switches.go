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
// KILL SWITCHES - Global admissibility vetoes
// ═══════════════════════════════════════════════════════════════════════════════
//
// Any active switch halts ALL admissions. DailyLoss clears only at the
// UTC midnight reset; the condition-driven switches clear once their
// condition has stayed clear for the debounce period. Manual clears only
// by operator action.
//
// ═══════════════════════════════════════════════════════════════════════════════

// SwitchType identifies a kill switch
type SwitchType string

const (
	SwitchStaleFeed SwitchType = "STALE_FEED"
	SwitchRPCLag    SwitchType = "RPC_LAG"
	SwitchMaxOrders SwitchType = "MAX_ORDERS"
	SwitchDailyLoss SwitchType = "DAILY_LOSS"
	SwitchManual    SwitchType = "MANUAL"
)

// reasonCode maps a switch to its gate denial code
func (s SwitchType) reasonCode() types.ReasonCode {
	switch s {
	case SwitchStaleFeed:
		return types.ReasonStaleFeedHalt
	case SwitchRPCLag:
		return types.ReasonRPCLagHalt
	case SwitchMaxOrders:
		return types.ReasonMaxOrdersHalt
	case SwitchDailyLoss:
		return types.ReasonDailyLossHalt
	default:
		return types.ReasonManualHalt
	}
}

type activation struct {
	Reason string
	At     time.Time
}

// SwitchConfig holds the trigger thresholds
type SwitchConfig struct {
	StaleFeedThreshold   time.Duration
	RPCLagThresholdMs    float64
	MaxOutstandingOrders int
	DailyLossLimitPct    decimal.Decimal
	Debounce             time.Duration
}

// KillSwitches tracks the active switch set
type KillSwitches struct {
	mu  sync.Mutex
	clk clock.Clock
	cfg SwitchConfig

	active     map[SwitchType]activation
	clearSince map[SwitchType]time.Time

	onActivate func(SwitchType, string)
	trips      int
}

// NewKillSwitches creates an all-clear switch set
func NewKillSwitches(cfg SwitchConfig, clk clock.Clock) *KillSwitches {
	return &KillSwitches{
		clk:        clk,
		cfg:        cfg,
		active:     make(map[SwitchType]activation),
		clearSince: make(map[SwitchType]time.Time),
	}
}

// SetOnActivate registers the high-visibility activation callback
func (k *KillSwitches) SetOnActivate(fn func(SwitchType, string)) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.onActivate = fn
}

// CheckStaleFeed evaluates the oldest watched tick age
func (k *KillSwitches) CheckStaleFeed(oldestTickAge time.Duration) {
	triggered := oldestTickAge > k.cfg.StaleFeedThreshold
	k.evaluate(SwitchStaleFeed, triggered,
		fmt.Sprintf("oldest tick age %s exceeds %s", oldestTickAge, k.cfg.StaleFeedThreshold))
}

// CheckRPCLag evaluates the rolling p95 order-ack latency
func (k *KillSwitches) CheckRPCLag(p95Ms float64) {
	triggered := p95Ms > k.cfg.RPCLagThresholdMs
	k.evaluate(SwitchRPCLag, triggered,
		fmt.Sprintf("p95 ack latency %.0fms exceeds %.0fms", p95Ms, k.cfg.RPCLagThresholdMs))
}

// CheckOrderLimit evaluates the outstanding-order count
func (k *KillSwitches) CheckOrderLimit(outstanding int) {
	triggered := outstanding >= k.cfg.MaxOutstandingOrders
	k.evaluate(SwitchMaxOrders, triggered,
		fmt.Sprintf("%d outstanding orders at limit %d", outstanding, k.cfg.MaxOutstandingOrders))
}

// CheckDailyLoss evaluates realized daily P&L against the opening bankroll.
// The switch never auto-clears; only ResetDaily releases it.
func (k *KillSwitches) CheckDailyLoss(dailyPnL, openingBankroll decimal.Decimal) {
	limit := openingBankroll.Mul(k.cfg.DailyLossLimitPct).Neg()
	if dailyPnL.LessThanOrEqual(limit) {
		k.evaluate(SwitchDailyLoss, true,
			fmt.Sprintf("daily pnl %s breached limit %s", dailyPnL.StringFixed(2), limit.StringFixed(2)))
	}
}

// SetManual activates the operator switch
func (k *KillSwitches) SetManual(reason string) {
	k.evaluate(SwitchManual, true, reason)
}

// ClearManual deactivates the operator switch immediately
func (k *KillSwitches) ClearManual() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.active[SwitchManual]; ok {
		delete(k.active, SwitchManual)
		log.Info().Msg("✅ Manual kill switch cleared")
	}
}

// ResetDaily clears DailyLoss at the UTC midnight rollover
func (k *KillSwitches) ResetDaily() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.active[SwitchDailyLoss]; ok {
		delete(k.active, SwitchDailyLoss)
		log.Info().Msg("📅 Daily loss kill switch reset")
	}
}

// Halted returns the blocking switch, if any
func (k *KillSwitches) Halted() (bool, types.Reason) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for typ, act := range k.active {
		return true, types.Reason{Code: typ.reasonCode(), Detail: act.Reason}
	}
	return false, types.Reason{}
}

// Active returns a copy of the active switch set
func (k *KillSwitches) Active() map[SwitchType]string {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make(map[SwitchType]string, len(k.active))
	for typ, act := range k.active {
		out[typ] = act.Reason
	}
	return out
}

// Trips returns the lifetime activation count
func (k *KillSwitches) Trips() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.trips
}

// evaluate applies the activate/debounce-clear rules for one switch.
// DailyLoss and Manual never pass triggered=false here.
func (k *KillSwitches) evaluate(typ SwitchType, triggered bool, reason string) {
	k.mu.Lock()
	_, isActive := k.active[typ]
	now := k.clk.Now()

	if triggered {
		delete(k.clearSince, typ)
		if !isActive {
			k.active[typ] = activation{Reason: reason, At: now}
			k.trips++
			fn := k.onActivate
			k.mu.Unlock()

			log.Warn().Str("switch", string(typ)).Str("reason", reason).Msg("🚨 KILL SWITCH ACTIVATED")
			if fn != nil {
				fn(typ, reason)
			}
			return
		}
		k.mu.Unlock()
		return
	}

	if isActive {
		since, seen := k.clearSince[typ]
		if !seen {
			k.clearSince[typ] = now
			k.mu.Unlock()
			return
		}
		if now.Sub(since) >= k.cfg.Debounce {
			delete(k.active, typ)
			delete(k.clearSince, typ)
			k.mu.Unlock()
			log.Info().Str("switch", string(typ)).Msg("✅ Kill switch cleared after debounce")
			return
		}
	}
	k.mu.Unlock()
}
