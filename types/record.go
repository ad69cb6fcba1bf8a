package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TRADE RECORD - One journal line per execution attempt
// ═══════════════════════════════════════════════════════════════════════════════

// RecordEvent distinguishes journal line types
type RecordEvent string

const (
	EventExecution    RecordEvent = "EXECUTION"
	EventSettlement   RecordEvent = "SETTLEMENT"
	EventSessionStart RecordEvent = "SESSION_START"
	EventSessionEnd   RecordEvent = "SESSION_END"
)

// TradeRecord is appended to the journal on every attempt, filled or not.
// Readers must tolerate unknown fields (forward-compatible JSONL).
type TradeRecord struct {
	ID               uint64            `json:"id" gorm:"primaryKey;autoIncrement"`
	Event            RecordEvent       `json:"event_type" gorm:"index"`
	WallTime         time.Time         `json:"wall_time"`
	CorrelationID    string            `json:"correlation_id"`
	TokenID          string            `json:"token_id" gorm:"index"`
	Side             Side              `json:"side"`
	Action           Action            `json:"action"`
	Size             decimal.Decimal   `json:"size" gorm:"type:decimal(20,6)"`
	Price            decimal.Decimal   `json:"price" gorm:"type:decimal(10,6)"`
	Outcome          OutcomeKind       `json:"outcome"`
	OutcomeReason    string            `json:"outcome_reason,omitempty"`
	TickToDecisionMs float64           `json:"tick_to_decision_ms"`
	DecisionToAckMs  float64           `json:"decision_to_ack_ms"`
	EdgeCents        decimal.Decimal   `json:"expected_edge_cents" gorm:"type:decimal(10,4)"`
	RealizedPnL      decimal.Decimal   `json:"realized_pnl" gorm:"type:decimal(20,6)"`
	RequestedSize    decimal.Decimal   `json:"requested_size" gorm:"type:decimal(20,6)"`
	Strategy         string            `json:"strategy"`
	Meta             map[string]string `json:"meta,omitempty" gorm:"serializer:json"`
}
