package capital

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/snipecore/clock"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CAPITAL RECYCLER - Delayed release of settled reservations
// ═══════════════════════════════════════════════════════════════════════════════
//
// The venue settles a beat after expiry; releasing immediately would let
// the same dollars back capital twice. Entries sit in a bounded FIFO until
// ready_at, then release through the allocator.
//
// ═══════════════════════════════════════════════════════════════════════════════

var (
	// ErrQueueFull is returned when the bounded FIFO is at capacity
	ErrQueueFull = errors.New("recycle queue full")
	// ErrNotQueued is returned by ForceRecycle for an unknown token
	ErrNotQueued = errors.New("token not queued for recycle")
)

const recyclerTick = 100 * time.Millisecond

// RecycleEvent is one pending capital release
type RecycleEvent struct {
	TokenID  string
	PnL      decimal.Decimal
	QueuedAt time.Time
	ReadyAt  time.Time
}

// FreedFunc is invoked after each release with the freed amount and pnl
type FreedFunc func(tokenID string, released, pnl decimal.Decimal)

// Recycler drains settled reservations back into the bankroll
type Recycler struct {
	mu    sync.Mutex
	clk   clock.Clock
	alloc *Allocator

	delay    time.Duration
	capacity int
	queue    []RecycleEvent

	onFreed  FreedFunc
	recycled int
}

// NewRecycler creates a recycler releasing through alloc after delay
func NewRecycler(alloc *Allocator, delay time.Duration, capacity int, clk clock.Clock) *Recycler {
	if capacity <= 0 {
		capacity = 256
	}
	return &Recycler{
		clk:      clk,
		alloc:    alloc,
		delay:    delay,
		capacity: capacity,
	}
}

// SetOnFreed registers the capital-freed callback. Must be called before Run.
func (r *Recycler) SetOnFreed(fn FreedFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFreed = fn
}

// QueueRecycle schedules a release of tokenID's reservation with pnl once
// the settlement delay elapses.
func (r *Recycler) QueueRecycle(tokenID string, pnl decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.queue) >= r.capacity {
		return ErrQueueFull
	}
	now := r.clk.Now()
	r.queue = append(r.queue, RecycleEvent{
		TokenID:  tokenID,
		PnL:      pnl,
		QueuedAt: now,
		ReadyAt:  now.Add(r.delay),
	})
	log.Debug().Str("token", shortToken(tokenID)).Str("pnl", pnl.StringFixed(2)).Msg("Recycle queued")
	return nil
}

// ForceRecycle releases a queued entry immediately, bypassing the delay
func (r *Recycler) ForceRecycle(tokenID string) error {
	r.mu.Lock()
	var ev RecycleEvent
	found := false
	for i := range r.queue {
		if r.queue[i].TokenID == tokenID {
			// copy before splicing; the removal shifts later entries into i
			ev = r.queue[i]
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			found = true
			break
		}
	}
	r.mu.Unlock()

	if !found {
		return ErrNotQueued
	}
	r.release(ev)
	return nil
}

// Pending returns the number of queued releases
func (r *Recycler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Recycled returns the total releases performed
func (r *Recycler) Recycled() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recycled
}

// Run processes due entries every 100ms until ctx is cancelled
func (r *Recycler) Run(ctx context.Context) {
	ticker := time.NewTicker(recyclerTick)
	defer ticker.Stop()

	log.Info().Dur("delay", r.delay).Msg("♻️ Capital recycler started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Int("pending", r.Pending()).Msg("Capital recycler stopped")
			return
		case <-ticker.C:
			r.ProcessDue()
		}
	}
}

// ProcessDue releases every queued entry whose ready_at has passed
func (r *Recycler) ProcessDue() int {
	now := r.clk.Now()

	r.mu.Lock()
	var due []RecycleEvent
	kept := r.queue[:0]
	for _, ev := range r.queue {
		if !ev.ReadyAt.After(now) {
			due = append(due, ev)
		} else {
			kept = append(kept, ev)
		}
	}
	r.queue = kept
	r.mu.Unlock()

	for _, ev := range due {
		r.release(ev)
	}
	return len(due)
}

func (r *Recycler) release(ev RecycleEvent) {
	released, err := r.alloc.ReleaseAllocation(ev.TokenID, ev.PnL)
	if err != nil {
		log.Warn().Str("token", shortToken(ev.TokenID)).Err(err).Msg("Recycle release failed")
		return
	}

	r.mu.Lock()
	r.recycled++
	fn := r.onFreed
	r.mu.Unlock()

	if fn != nil {
		fn(ev.TokenID, released, ev.PnL)
	}
}
