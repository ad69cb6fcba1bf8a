package strategy

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/snipecore/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXPIRATION SNIPER - Eligibility predicate
// ═══════════════════════════════════════════════════════════════════════════════
//
// A market is worth firing at when it is about to expire, the near-certain
// outcome still trades at a discount, and the discount clears the minimum
// edge. Both time and price bounds are strict: a market exactly at the
// eligibility window or exactly at max_buy_price is NOT eligible.
//
// The evaluator is pure over (snapshot, now); it holds no market state.
// The outcome token is whatever the source subscribed, so either side of
// a binary market can be sniped without changes here.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Name tags orders and journal lines produced by this strategy
const Name = "expiration_sniper"

// Config bounds the sniping window
type Config struct {
	TimeToEligibility time.Duration   // strict upper bound on end_time - now
	MaxBuyPrice       decimal.Decimal // strict upper bound on best ask
	MinEdge           decimal.Decimal // inclusive lower bound on 1 - ask
}

// Evaluator decides market eligibility for the sniping strategy
type Evaluator struct {
	cfg Config
}

// NewEvaluator validates and builds the evaluator
func NewEvaluator(cfg Config) *Evaluator {
	log.Info().
		Dur("window", cfg.TimeToEligibility).
		Str("max_buy_price", cfg.MaxBuyPrice.String()).
		Str("min_edge", cfg.MinEdge.String()).
		Msg("🎯 Expiration sniper configured")
	return &Evaluator{cfg: cfg}
}

// Eligible implements the sniping predicate over a market snapshot
func (e *Evaluator) Eligible(m types.MarketSnapshot, now time.Time) bool {
	if m.State != types.StateWatching && m.State != types.StateEligible {
		return false
	}
	if !m.HasQuote {
		return false
	}

	remaining := m.EndTime.Sub(now)
	if remaining <= 0 || remaining >= e.cfg.TimeToEligibility {
		return false
	}
	if m.BestAsk.GreaterThanOrEqual(e.cfg.MaxBuyPrice) {
		return false
	}
	return Edge(m.BestAsk).GreaterThanOrEqual(e.cfg.MinEdge)
}

// Edge returns 1 - ask as a fraction
func Edge(ask decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(1).Sub(ask)
}
