package types

import "fmt"

// ═══════════════════════════════════════════════════════════════════════════════
// TRADE OUTCOMES & GATE REASONS - Typed, never bare strings
// ═══════════════════════════════════════════════════════════════════════════════

// OutcomeKind classifies the terminal result of an execution attempt
type OutcomeKind string

const (
	OutcomeFilled          OutcomeKind = "FILLED"
	OutcomeRejectedByGate  OutcomeKind = "REJECTED_BY_GATE"
	OutcomeRejectedByVenue OutcomeKind = "REJECTED_BY_VENUE"
	OutcomeTimeout         OutcomeKind = "TIMEOUT"
	OutcomeDuplicate       OutcomeKind = "DUPLICATE"
	OutcomeRateLimited     OutcomeKind = "RATE_LIMITED"
)

// TradeOutcome is the executor's answer for one request
type TradeOutcome struct {
	Kind         OutcomeKind
	Reason       string // reason tag for rejections, empty on fill
	VenueOrderID string
}

func (o TradeOutcome) Filled() bool { return o.Kind == OutcomeFilled }

func (o TradeOutcome) String() string {
	if o.Reason == "" {
		return string(o.Kind)
	}
	return fmt.Sprintf("%s(%s)", o.Kind, o.Reason)
}

// ReasonCode tags a gate denial
type ReasonCode string

const (
	ReasonStaleFeedHalt       ReasonCode = "STALE_FEED_HALT"
	ReasonRPCLagHalt          ReasonCode = "RPC_LAG_HALT"
	ReasonMaxOrdersHalt       ReasonCode = "MAX_ORDERS_HALT"
	ReasonDailyLossHalt       ReasonCode = "DAILY_LOSS_HALT"
	ReasonManualHalt          ReasonCode = "MANUAL_HALT"
	ReasonBreakerOpen         ReasonCode = "BREAKER_OPEN"
	ReasonExposureCapMarket   ReasonCode = "EXPOSURE_CAP_MARKET"
	ReasonExposureCapTotal    ReasonCode = "EXPOSURE_CAP_TOTAL"
	ReasonInsufficientCapital ReasonCode = "INSUFFICIENT_CAPITAL"
	ReasonAlreadyAllocated    ReasonCode = "ALREADY_ALLOCATED"
)

// Reason is a structured gate denial
type Reason struct {
	Code   ReasonCode
	Detail string
}

func (r Reason) String() string {
	if r.Detail == "" {
		return string(r.Code)
	}
	return fmt.Sprintf("%s: %s", r.Code, r.Detail)
}

// Venue error reason tags (reject_reason / classified transport errors)
const (
	VenueNoLiquidity         = "NO_LIQUIDITY"
	VenueInvalidSignature    = "INVALID_SIGNATURE"
	VenueInsufficientBalance = "INSUFFICIENT_BALANCE"
	VenueRateLimited         = "RATE_LIMITED"
	VenueTimeout             = "TIMEOUT"
	VenueUnknown             = "UNKNOWN_VENUE_ERROR"
)
