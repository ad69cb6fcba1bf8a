package strategy

import "github.com/shopspring/decimal"

// ═══════════════════════════════════════════════════════════════════════════════
// PAYOUT MODEL - Fee-free binary parity, encoded once
// ═══════════════════════════════════════════════════════════════════════════════

// feeRateBps is the venue fee applied to winnings. The CLOB currently
// charges zero on these markets; changing the fee model means changing
// only this constant and SettlePnL.
var feeRateBps = decimal.Zero

// SettlePnL computes realized P&L for a fill of size USD at price when
// the market settles. A win pays size/price shares at unit parity; a loss
// forfeits the full size. Winnings truncate to 2 decimal places so the
// books never credit a cent the venue didn't pay.
func SettlePnL(size, price decimal.Decimal, won bool) decimal.Decimal {
	if !won {
		return size.Neg().Round(2)
	}
	shares := size.Div(price)
	gross := shares.Mul(decimal.NewFromInt(1).Sub(price))
	fee := gross.Mul(feeRateBps).Div(decimal.NewFromInt(10000))
	return gross.Sub(fee).RoundDown(2)
}
