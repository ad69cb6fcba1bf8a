package exec

import (
	"github.com/shopspring/decimal"

	"github.com/web3guy0/snipecore/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// VENUE CLIENT CONTRACT
// ═══════════════════════════════════════════════════════════════════════════════
//
// All calls are blocking; the executor wraps them in its worker pool and
// per-dispatch timeout.
//
// ═══════════════════════════════════════════════════════════════════════════════

// OrderArgs parameterizes a market order
type OrderArgs struct {
	TokenID   string
	AmountUSD decimal.Decimal
	Price     decimal.Decimal
	Side      types.Side
	NegRisk   bool
}

// SignedOrder is a venue-ready signed payload
type SignedOrder struct {
	TokenID   string
	Payload   map[string]interface{}
	Signature string
}

// PostResult is the venue's answer to a posted order
type PostResult struct {
	Accepted     bool
	VenueOrderID string
	RejectReason string // one of the types.Venue* tags when not accepted
}

// VenueClient is the external trading surface the executor consumes
type VenueClient interface {
	CreateMarketOrder(args OrderArgs) (SignedOrder, error)
	// PostOrder submits with fill-or-kill semantics when fok is true:
	// the order fills entirely or not at all.
	PostOrder(order SignedOrder, fok bool) (PostResult, error)
	GetUSDCBalance(wallet string) (decimal.Decimal, error)
}
