package capital

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/snipecore/clock"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CAPITAL ALLOCATOR - Single source of truth for bankroll & reservations
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every mutation of bankroll or the reservation map goes through this
// component's mutex. Callers must use the granted amount, which may be
// less than requested.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Result classifies an allocation request's outcome
type Result string

const (
	ResultSuccess             Result = "SUCCESS"
	ResultInsufficientCapital Result = "INSUFFICIENT_CAPITAL"
	ResultMarketLimitExceeded Result = "MARKET_LIMIT_EXCEEDED"
	ResultTotalLimitExceeded  Result = "TOTAL_LIMIT_EXCEEDED"
	ResultAlreadyAllocated    Result = "ALREADY_ALLOCATED"
	ResultInvalidAmount       Result = "INVALID_AMOUNT"
)

var (
	// ErrNoAllocation is returned when releasing a token with nothing reserved
	ErrNoAllocation = errors.New("no allocation for token")
	// ErrReservationsPending blocks bankroll edits while capital is reserved
	ErrReservationsPending = errors.New("reservations pending")
	// ErrBankrollNegative blocks withdrawals below zero
	ErrBankrollNegative = errors.New("bankroll would go negative")
)

// Config bounds allocations
type Config struct {
	PerMarketPct  decimal.Decimal // fraction of bankroll per market
	PerMarketAbs  decimal.Decimal // absolute USD cap per market
	TotalPct      decimal.Decimal // fraction of bankroll across all markets
	MinAllocation decimal.Decimal // grants below this are rejected
	SplitThreshold decimal.Decimal
	SplitCount     int
}

// Grant is the answer to one allocation request
type Grant struct {
	Result  Result
	Granted decimal.Decimal
	// Splits is the ordered child-order sizes when Granted exceeds the
	// split threshold; nil means submit a single order.
	Splits []decimal.Decimal
}

// Allocation is one live reservation
type Allocation struct {
	TokenID  string
	Amount   decimal.Decimal
	Strategy string
	At       time.Time
}

// Allocator owns the bankroll and the reservation map
type Allocator struct {
	mu  sync.Mutex
	clk clock.Clock
	cfg Config

	bankroll    decimal.Decimal
	allocations map[string]Allocation
}

// NewAllocator creates an allocator with the given opening bankroll
func NewAllocator(bankroll decimal.Decimal, cfg Config, clk clock.Clock) *Allocator {
	if cfg.MinAllocation.IsZero() {
		cfg.MinAllocation = decimal.NewFromInt(1)
	}
	a := &Allocator{
		clk:         clk,
		cfg:         cfg,
		bankroll:    bankroll,
		allocations: make(map[string]Allocation),
	}
	log.Info().
		Str("bankroll", "$"+bankroll.StringFixed(2)).
		Str("per_market_pct", cfg.PerMarketPct.Mul(decimal.NewFromInt(100)).String()+"%").
		Str("per_market_abs", "$"+cfg.PerMarketAbs.StringFixed(2)).
		Str("total_pct", cfg.TotalPct.Mul(decimal.NewFromInt(100)).String()+"%").
		Msg("💰 Capital allocator initialized")
	return a
}

// RequestAllocation atomically reserves capital for tokenID. The grant is
// min(requested, per-market cap, total headroom, available).
func (a *Allocator) RequestAllocation(tokenID string, amount decimal.Decimal, strategy string) Grant {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !amount.IsPositive() {
		return Grant{Result: ResultInvalidAmount, Granted: decimal.Zero}
	}
	if _, exists := a.allocations[tokenID]; exists {
		return Grant{Result: ResultAlreadyAllocated, Granted: decimal.Zero}
	}

	total := a.totalAllocatedLocked()
	perMarketCap := decimal.Min(a.bankroll.Mul(a.cfg.PerMarketPct), a.cfg.PerMarketAbs)
	totalHeadroom := a.bankroll.Mul(a.cfg.TotalPct).Sub(total)
	available := a.bankroll.Sub(total)

	granted := decimal.Min(amount, perMarketCap, totalHeadroom, available)

	if granted.LessThan(a.cfg.MinAllocation) {
		switch {
		case available.LessThan(a.cfg.MinAllocation):
			return Grant{Result: ResultInsufficientCapital, Granted: decimal.Zero}
		case perMarketCap.LessThan(a.cfg.MinAllocation):
			return Grant{Result: ResultMarketLimitExceeded, Granted: decimal.Zero}
		case totalHeadroom.LessThan(a.cfg.MinAllocation):
			return Grant{Result: ResultTotalLimitExceeded, Granted: decimal.Zero}
		default:
			return Grant{Result: ResultInsufficientCapital, Granted: decimal.Zero}
		}
	}

	a.allocations[tokenID] = Allocation{
		TokenID:  tokenID,
		Amount:   granted,
		Strategy: strategy,
		At:       a.clk.Now(),
	}

	log.Debug().
		Str("token", shortToken(tokenID)).
		Str("requested", amount.StringFixed(2)).
		Str("granted", granted.StringFixed(2)).
		Msg("Capital reserved")

	return Grant{Result: ResultSuccess, Granted: granted, Splits: a.splitOrders(granted)}
}

// ReleaseAllocation frees the reservation for tokenID and applies pnl to
// the bankroll atomically, returning the previously reserved amount.
func (a *Allocator) ReleaseAllocation(tokenID string, pnl decimal.Decimal) (decimal.Decimal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	alloc, ok := a.allocations[tokenID]
	if !ok {
		return decimal.Zero, ErrNoAllocation
	}
	delete(a.allocations, tokenID)
	a.bankroll = a.bankroll.Add(pnl)

	log.Info().
		Str("token", shortToken(tokenID)).
		Str("released", alloc.Amount.StringFixed(2)).
		Str("pnl", pnl.StringFixed(2)).
		Str("bankroll", a.bankroll.StringFixed(2)).
		Msg("♻️ Capital released")

	return alloc.Amount, nil
}

// UpdateBankroll applies a deposit or withdrawal outside trading P&L.
// Forbidden while any reservation is pending.
func (a *Allocator) UpdateBankroll(delta decimal.Decimal) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.allocations) > 0 {
		return ErrReservationsPending
	}
	next := a.bankroll.Add(delta)
	if next.IsNegative() {
		return ErrBankrollNegative
	}
	a.bankroll = next
	log.Info().Str("delta", delta.StringFixed(2)).Str("bankroll", next.StringFixed(2)).Msg("Bankroll adjusted")
	return nil
}

// Bankroll returns total capital under management
func (a *Allocator) Bankroll() decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bankroll
}

// TotalAllocated returns the sum of all live reservations
func (a *Allocator) TotalAllocated() decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalAllocatedLocked()
}

// Available returns bankroll minus reservations
func (a *Allocator) Available() decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bankroll.Sub(a.totalAllocatedLocked())
}

// MarketExposure returns the live reservation for tokenID (zero if none)
func (a *Allocator) MarketExposure(tokenID string) decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	if alloc, ok := a.allocations[tokenID]; ok {
		return alloc.Amount
	}
	return decimal.Zero
}

// HasAllocation reports whether tokenID holds a live reservation
func (a *Allocator) HasAllocation(tokenID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.allocations[tokenID]
	return ok
}

// Report returns a snapshot of bankroll, exposure and open reservations
func (a *Allocator) Report() (bankroll, allocated, available decimal.Decimal, open int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	allocated = a.totalAllocatedLocked()
	return a.bankroll, allocated, a.bankroll.Sub(allocated), len(a.allocations)
}

func (a *Allocator) totalAllocatedLocked() decimal.Decimal {
	total := decimal.Zero
	for _, alloc := range a.allocations {
		total = total.Add(alloc.Amount)
	}
	return total
}

// splitOrders returns child sizes when amount exceeds the split threshold:
// an even split across SplitCount children with the rounding remainder
// folded into the last child. nil means a single order.
func (a *Allocator) splitOrders(amount decimal.Decimal) []decimal.Decimal {
	if a.cfg.SplitCount <= 1 || amount.LessThanOrEqual(a.cfg.SplitThreshold) {
		return nil
	}
	n := int64(a.cfg.SplitCount)
	even := amount.Div(decimal.NewFromInt(n)).RoundDown(2)
	splits := make([]decimal.Decimal, a.cfg.SplitCount)
	running := decimal.Zero
	for i := 0; i < a.cfg.SplitCount-1; i++ {
		splits[i] = even
		running = running.Add(even)
	}
	splits[a.cfg.SplitCount-1] = amount.Sub(running)
	return splits
}

func shortToken(tokenID string) string {
	if len(tokenID) > 16 {
		return tokenID[:16] + "..."
	}
	return tokenID
}
