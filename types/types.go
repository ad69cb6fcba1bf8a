package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// MarketState is the lifecycle state of a tracked market
type MarketState string

const (
	StateDiscovered  MarketState = "DISCOVERED"
	StateWatching    MarketState = "WATCHING"
	StateEligible    MarketState = "ELIGIBLE"
	StateExecuting   MarketState = "EXECUTING"
	StateReconciling MarketState = "RECONCILING"
	StateDone        MarketState = "DONE"
	StateOnHold      MarketState = "ON_HOLD"
)

// Terminal returns true when no further transitions are legal
func (s MarketState) Terminal() bool {
	return s == StateDone
}

// Side is the outcome token being traded
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// Action is the order direction
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// MarketSnapshot is a point-in-time copy of a market's state. Callers
// receive copies, never references into the state machine's tables.
type MarketSnapshot struct {
	TokenID      string
	ConditionID  string
	Question     string
	EndTime      time.Time
	Side         Side
	State        MarketState
	BestBid      decimal.Decimal
	BestAsk      decimal.Decimal
	HasQuote     bool
	LastTickAt   time.Time
	FailureCount int
	Reserved     decimal.Decimal
	RealizedPnL  decimal.Decimal
	NegRisk      bool
	Seq          uint64 // discovery order, for stable scheduling ties
}

// TimeToExpiry returns end_time minus now
func (m MarketSnapshot) TimeToExpiry(now time.Time) time.Duration {
	return m.EndTime.Sub(now)
}

// MarketInfo is what the market source yields on discovery
type MarketInfo struct {
	TokenID     string
	ConditionID string
	Question    string
	EndTime     time.Time
	// Side is the outcome the watched token represents; the market source
	// decides this at discovery, nothing downstream assumes YES.
	Side    Side
	NegRisk bool
}
