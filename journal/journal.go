package journal

import (
	"fmt"
	"time"

	"github.com/web3guy0/snipecore/clock"
	"github.com/web3guy0/snipecore/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TRADE JOURNAL - Append-only durable ledger
// ═══════════════════════════════════════════════════════════════════════════════
//
// The journal is a ledger, not a message bus: nothing in the engine reads
// it for in-flight coordination. A write failure is fatal to the process,
// because a fill that was never recorded cannot be reconciled.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Journal is the durable trade ledger capability
type Journal interface {
	// Append durably commits rec before returning. Assigns rec.ID.
	Append(rec *types.TradeRecord) error
	// IterSince returns all records with wall_time >= since, oldest first.
	IterSince(since time.Time) ([]types.TradeRecord, error)
	// CloseDay rotates to the segment for the given UTC date.
	CloseDay(date time.Time) error
	Close() error
}

// Options selects and parameterizes the backend
type Options struct {
	Backend string // "jsonl", "sqlite", "postgres"
	Dir     string // jsonl segment directory
	DSN     string // sqlite path or postgres URL
}

// Open constructs the configured journal backend
func Open(opts Options, clk clock.Clock) (Journal, error) {
	switch opts.Backend {
	case "jsonl":
		return NewJSONL(opts.Dir, clk)
	case "sqlite", "postgres":
		return NewDB(opts.Backend, opts.DSN, clk)
	default:
		return nil, fmt.Errorf("unknown journal backend %q", opts.Backend)
	}
}
