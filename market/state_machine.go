package market

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/snipecore/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MARKET STATE MACHINE - Per-market lifecycle
// ═══════════════════════════════════════════════════════════════════════════════
//
// DISCOVERED → WATCHING → ELIGIBLE → EXECUTING → RECONCILING → DONE
//                  ↕ ON_HOLD (stale feed / repeated failures)
//
// This component exclusively owns all market records; callers only ever
// see value snapshots. Illegal transitions fail hard with a typed error.
// Eligibility is re-checked every sweep and is never sticky.
//
// ═══════════════════════════════════════════════════════════════════════════════

var (
	// ErrMarketNotFound is the typed not-found result for unknown token ids
	ErrMarketNotFound = errors.New("market not found")
	// ErrInvalidTransition is returned when a mark_* call is illegal in the
	// market's current state
	ErrInvalidTransition = errors.New("invalid state transition")
)

// EligibilityFunc is the strategy predicate evaluated during sweeps.
// It must be pure over the snapshot and now.
type EligibilityFunc func(types.MarketSnapshot, time.Time) bool

// Config tunes lifecycle behavior
type Config struct {
	StaleFeedThreshold      time.Duration
	MaxFailuresBeforeHold   int
	FailureRecoveryInterval time.Duration
	Eligible                EligibilityFunc
}

// Transition is one observed state change
type Transition struct {
	TokenID string
	From    types.MarketState
	To      types.MarketState
	At      time.Time
}

type market struct {
	info         types.MarketInfo
	state        types.MarketState
	bestBid      decimal.Decimal
	bestAsk      decimal.Decimal
	hasQuote     bool
	lastTickAt   time.Time
	failureCount int
	lastFailAt   time.Time
	reserved     decimal.Decimal
	realizedPnL  decimal.Decimal
	seq          uint64
	transitionAt time.Time
}

// StateMachine owns every tracked market
type StateMachine struct {
	mu      sync.Mutex
	cfg     Config
	markets map[string]*market
	nextSeq uint64
}

// NewStateMachine creates an empty machine
func NewStateMachine(cfg Config) *StateMachine {
	log.Info().
		Dur("stale_threshold", cfg.StaleFeedThreshold).
		Int("max_failures", cfg.MaxFailuresBeforeHold).
		Msg("🗺️ Market state machine initialized")
	return &StateMachine{
		cfg:     cfg,
		markets: make(map[string]*market),
	}
}

// AddMarket registers a discovered market; re-adding an existing token id
// is a no-op returning false.
func (sm *StateMachine) AddMarket(info types.MarketInfo, now time.Time) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, exists := sm.markets[info.TokenID]; exists {
		return false
	}
	sm.nextSeq++
	sm.markets[info.TokenID] = &market{
		info:         info,
		state:        types.StateDiscovered,
		reserved:     decimal.Zero,
		realizedPnL:  decimal.Zero,
		bestBid:      decimal.Zero,
		bestAsk:      decimal.Zero,
		seq:          sm.nextSeq,
		transitionAt: now,
	}
	log.Info().
		Str("token", shortToken(info.TokenID)).
		Time("end_time", info.EndTime).
		Msg("🆕 Market discovered")
	return true
}

// UpdatePrice applies one tick. Quotes violating 0 ≤ bid ≤ ask ≤ 1 are
// rejected without touching the market. A clean tick after the failure
// recovery interval decays the failure counter to zero.
func (sm *StateMachine) UpdatePrice(tokenID string, bid, ask decimal.Decimal, now time.Time) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	m, ok := sm.markets[tokenID]
	if !ok {
		return ErrMarketNotFound
	}
	if bid.IsNegative() || ask.GreaterThan(decimal.NewFromInt(1)) || bid.GreaterThan(ask) {
		return fmt.Errorf("quote %s/%s out of bounds for %s", bid, ask, shortToken(tokenID))
	}

	m.bestBid = bid
	m.bestAsk = ask
	m.hasQuote = true
	m.lastTickAt = now

	if m.failureCount > 0 && !m.lastFailAt.IsZero() && now.Sub(m.lastFailAt) >= sm.cfg.FailureRecoveryInterval {
		m.failureCount = 0
	}
	return nil
}

// CheckTransitions sweeps every market and applies the lifecycle rules.
// It is idempotent within a tick: a second call with the same now emits
// nothing new.
func (sm *StateMachine) CheckTransitions(now time.Time) []Transition {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	var out []Transition
	for tokenID, m := range sm.markets {
		if to, ok := sm.nextState(m, now); ok {
			out = append(out, sm.setStateLocked(tokenID, m, to, now))
		}
	}
	return out
}

// nextState applies the sweep rules for one market; at most one hop per sweep
func (sm *StateMachine) nextState(m *market, now time.Time) (types.MarketState, bool) {
	stale := m.hasQuote && now.Sub(m.lastTickAt) > sm.cfg.StaleFeedThreshold

	switch m.state {
	case types.StateWatching, types.StateEligible:
		if stale || m.failureCount > sm.cfg.MaxFailuresBeforeHold {
			return types.StateOnHold, true
		}
	}

	switch m.state {
	case types.StateDiscovered:
		if m.hasQuote {
			return types.StateWatching, true
		}
	case types.StateWatching:
		if sm.cfg.Eligible != nil && sm.cfg.Eligible(snapshotOf(m), now) {
			return types.StateEligible, true
		}
	case types.StateEligible:
		if sm.cfg.Eligible == nil || !sm.cfg.Eligible(snapshotOf(m), now) {
			return types.StateWatching, true
		}
	case types.StateOnHold:
		if m.hasQuote && !stale && m.failureCount == 0 {
			return types.StateWatching, true
		}
	case types.StateExecuting:
		if !now.Before(m.info.EndTime) {
			return types.StateReconciling, true
		}
	}
	return "", false
}

// MarkExecutionStarted moves Eligible → Executing, booking the reservation
func (sm *StateMachine) MarkExecutionStarted(tokenID string, reserved decimal.Decimal, now time.Time) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	m, ok := sm.markets[tokenID]
	if !ok {
		return ErrMarketNotFound
	}
	if m.state != types.StateEligible {
		return fmt.Errorf("%w: execution start from %s", ErrInvalidTransition, m.state)
	}
	m.reserved = reserved
	sm.setStateLocked(tokenID, m, types.StateExecuting, now)
	return nil
}

// MarkResolution moves Reconciling → Done, recording realized pnl. Capital
// must already be released; the reservation is zeroed here to uphold the
// terminal-state invariant.
func (sm *StateMachine) MarkResolution(tokenID string, pnl decimal.Decimal, now time.Time) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	m, ok := sm.markets[tokenID]
	if !ok {
		return ErrMarketNotFound
	}
	if m.state != types.StateReconciling {
		return fmt.Errorf("%w: resolution from %s", ErrInvalidTransition, m.state)
	}
	m.realizedPnL = pnl
	m.reserved = decimal.Zero
	sm.setStateLocked(tokenID, m, types.StateDone, now)
	return nil
}

// MarkFailure atomically increments the failure counter. Crossing the
// hold threshold parks the market OnHold; a failure mid-execution drops
// it back to Watching for re-evaluation.
func (sm *StateMachine) MarkFailure(tokenID, reason string, now time.Time) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	m, ok := sm.markets[tokenID]
	if !ok {
		return ErrMarketNotFound
	}
	m.failureCount++
	m.lastFailAt = now

	log.Warn().
		Str("token", shortToken(tokenID)).
		Int("failures", m.failureCount).
		Str("reason", reason).
		Msg("Market failure recorded")

	switch {
	case m.failureCount > sm.cfg.MaxFailuresBeforeHold && m.state != types.StateDone:
		if m.state != types.StateOnHold {
			sm.setStateLocked(tokenID, m, types.StateOnHold, now)
		}
	case m.state == types.StateExecuting:
		m.reserved = decimal.Zero
		sm.setStateLocked(tokenID, m, types.StateWatching, now)
	}
	return nil
}

// ResetFailures clears the failure counter by operator action
func (sm *StateMachine) ResetFailures(tokenID string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	m, ok := sm.markets[tokenID]
	if !ok {
		return ErrMarketNotFound
	}
	m.failureCount = 0
	m.lastFailAt = time.Time{}
	return nil
}

// DropMarket moves any non-terminal market straight to Done (source-side
// cleanup). Dropping a market with live reserved capital is refused.
func (sm *StateMachine) DropMarket(tokenID string, now time.Time) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	m, ok := sm.markets[tokenID]
	if !ok {
		return ErrMarketNotFound
	}
	if m.state == types.StateDone {
		return nil
	}
	if m.reserved.IsPositive() {
		return fmt.Errorf("%w: drop with %s reserved", ErrInvalidTransition, m.reserved.StringFixed(2))
	}
	sm.setStateLocked(tokenID, m, types.StateDone, now)
	return nil
}

// Snapshot returns a value copy of one market
func (sm *StateMachine) Snapshot(tokenID string) (types.MarketSnapshot, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	m, ok := sm.markets[tokenID]
	if !ok {
		return types.MarketSnapshot{}, ErrMarketNotFound
	}
	return snapshotOf(m), nil
}

// MarketsByState returns snapshots of every market in the given state
func (sm *StateMachine) MarketsByState(state types.MarketState) []types.MarketSnapshot {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	var out []types.MarketSnapshot
	for _, m := range sm.markets {
		if m.state == state {
			out = append(out, snapshotOf(m))
		}
	}
	return out
}

// OldestTickAge returns the largest tick age among actively watched
// markets; the stale-feed kill switch compares this to its threshold.
func (sm *StateMachine) OldestTickAge(now time.Time) (time.Duration, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	var oldest time.Duration
	found := false
	for _, m := range sm.markets {
		if !m.hasQuote {
			continue
		}
		switch m.state {
		case types.StateWatching, types.StateEligible, types.StateExecuting:
			if age := now.Sub(m.lastTickAt); !found || age > oldest {
				oldest = age
				found = true
			}
		}
	}
	return oldest, found
}

// PurgeDoneOlderThan removes Done markets whose last transition is older
// than horizon, returning the count removed.
func (sm *StateMachine) PurgeDoneOlderThan(horizon time.Duration, now time.Time) int {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	removed := 0
	for tokenID, m := range sm.markets {
		if m.state == types.StateDone && now.Sub(m.transitionAt) > horizon {
			delete(sm.markets, tokenID)
			removed++
		}
	}
	if removed > 0 {
		log.Debug().Int("removed", removed).Msg("Purged terminal markets")
	}
	return removed
}

// Count returns the number of tracked markets
func (sm *StateMachine) Count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.markets)
}

// TotalReserved sums reserved capital across all markets
func (sm *StateMachine) TotalReserved() decimal.Decimal {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	total := decimal.Zero
	for _, m := range sm.markets {
		total = total.Add(m.reserved)
	}
	return total
}

func (sm *StateMachine) setStateLocked(tokenID string, m *market, to types.MarketState, now time.Time) Transition {
	from := m.state
	m.state = to
	m.transitionAt = now
	log.Info().
		Str("token", shortToken(tokenID)).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Market transition")
	return Transition{TokenID: tokenID, From: from, To: to, At: now}
}

func snapshotOf(m *market) types.MarketSnapshot {
	return types.MarketSnapshot{
		TokenID:      m.info.TokenID,
		ConditionID:  m.info.ConditionID,
		Question:     m.info.Question,
		EndTime:      m.info.EndTime,
		Side:         m.info.Side,
		State:        m.state,
		BestBid:      m.bestBid,
		BestAsk:      m.bestAsk,
		HasQuote:     m.hasQuote,
		LastTickAt:   m.lastTickAt,
		FailureCount: m.failureCount,
		Reserved:     m.reserved,
		RealizedPnL:  m.realizedPnL,
		NegRisk:      m.info.NegRisk,
		Seq:          m.seq,
	}
}

func shortToken(tokenID string) string {
	if len(tokenID) > 16 {
		return tokenID[:16] + "..."
	}
	return tokenID
}
