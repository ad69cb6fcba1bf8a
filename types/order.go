package types

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ORDER REQUEST - Validated at construction
// ═══════════════════════════════════════════════════════════════════════════════
//
// A rejected construction is a programmer error, not a runtime outcome:
// the executor never sees an invalid request.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Input errors, reported at request construction only
var (
	ErrInvalidSize    = errors.New("invalid order size")
	ErrInvalidPrice   = errors.New("invalid order price")
	ErrInvalidTokenID = errors.New("invalid token id")
	ErrInvalidSide    = errors.New("invalid side")
)

// OrderRequest is an ephemeral value built at dispatch time
type OrderRequest struct {
	TokenID       string
	Side          Side
	Action        Action
	Size          decimal.Decimal // USD
	Price         decimal.Decimal // (0,1)
	Strategy      string
	CorrelationID string
	NegRisk       bool
}

var one = decimal.NewFromInt(1)

// NewOrderRequest validates its inputs and returns a request the executor
// will accept. sizeCap bounds Size; pass decimal.Zero for no cap.
func NewOrderRequest(tokenID string, side Side, action Action, size, price, sizeCap decimal.Decimal, strategy, correlationID string) (OrderRequest, error) {
	if tokenID == "" {
		return OrderRequest{}, ErrInvalidTokenID
	}
	if side != SideYes && side != SideNo {
		return OrderRequest{}, fmt.Errorf("%w: %q", ErrInvalidSide, side)
	}
	if action != ActionBuy && action != ActionSell {
		return OrderRequest{}, fmt.Errorf("%w: bad action %q", ErrInvalidSide, action)
	}
	if !size.IsPositive() {
		return OrderRequest{}, fmt.Errorf("%w: %s", ErrInvalidSize, size)
	}
	if sizeCap.IsPositive() && size.GreaterThan(sizeCap) {
		return OrderRequest{}, fmt.Errorf("%w: %s exceeds cap %s", ErrInvalidSize, size, sizeCap)
	}
	if !price.IsPositive() || price.GreaterThanOrEqual(one) {
		return OrderRequest{}, fmt.Errorf("%w: %s not in (0,1)", ErrInvalidPrice, price)
	}
	return OrderRequest{
		TokenID:       tokenID,
		Side:          side,
		Action:        action,
		Size:          size,
		Price:         price,
		Strategy:      strategy,
		CorrelationID: correlationID,
	}, nil
}

// EdgeCents is the gap between unit parity and the paid price, in cents
func (r OrderRequest) EdgeCents() decimal.Decimal {
	return one.Sub(r.Price).Mul(decimal.NewFromInt(100))
}
