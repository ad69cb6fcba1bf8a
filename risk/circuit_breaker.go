package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/snipecore/clock"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CIRCUIT BREAKERS - Per-market failure isolation
// ═══════════════════════════════════════════════════════════════════════════════
//
// Closed → Open after failure_threshold consecutive failures.
// Open → HalfOpen once recovery_timeout elapses.
// HalfOpen → Closed on one success, → Open on one failure.
// Allow() itself books a HalfOpen probe slot, so concurrent admissions
// beyond half_open_max_requests are refused.
//
// ═══════════════════════════════════════════════════════════════════════════════

// BreakerState is the breaker's position
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// BreakerConfig tunes one breaker
type BreakerConfig struct {
	FailureThreshold    int
	RecoveryTimeout     time.Duration
	HalfOpenMaxRequests int
}

// Breaker is the per-market three-state machine
type Breaker struct {
	mu  sync.Mutex
	clk clock.Clock
	cfg BreakerConfig

	tokenID      string
	state        BreakerState
	failures     int
	openedAt     time.Time
	halfOpenUsed int
}

// NewBreaker creates a closed breaker for tokenID
func NewBreaker(tokenID string, cfg BreakerConfig, clk clock.Clock) *Breaker {
	return &Breaker{
		clk:     clk,
		cfg:     cfg,
		tokenID: tokenID,
		state:   BreakerClosed,
	}
}

// Allow reports whether an admission may proceed. In HalfOpen it consumes
// one of the bounded probe slots.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.clk.Now().Sub(b.openedAt) < b.cfg.RecoveryTimeout {
			return false
		}
		b.state = BreakerHalfOpen
		b.halfOpenUsed = 0
		log.Info().Str("token", shortToken(b.tokenID)).Msg("Circuit breaker half-open, probing")
		fallthrough
	case BreakerHalfOpen:
		if b.halfOpenUsed >= b.cfg.HalfOpenMaxRequests {
			return false
		}
		b.halfOpenUsed++
		return true
	}
	return false
}

// RecordSuccess closes the breaker from HalfOpen and clears failures
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		log.Info().Str("token", shortToken(b.tokenID)).Msg("✅ Circuit breaker closed after recovery")
	}
	b.state = BreakerClosed
	b.failures = 0
	b.halfOpenUsed = 0
}

// RecordFailure counts a consecutive failure; returns true when the
// breaker trips Closed → Open (or reopens from HalfOpen).
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clk.Now()
	switch b.state {
	case BreakerHalfOpen:
		// one failed probe reopens immediately
		b.state = BreakerOpen
		b.failures = b.cfg.FailureThreshold
		b.openedAt = now
		log.Warn().Str("token", shortToken(b.tokenID)).Msg("🚨 Circuit breaker reopened on failed probe")
		return true
	case BreakerClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.state = BreakerOpen
			b.openedAt = now
			log.Warn().
				Str("token", shortToken(b.tokenID)).
				Int("failures", b.failures).
				Msg("🚨 Circuit breaker OPEN")
			return true
		}
	}
	return false
}

// State returns the current position (resolving any due Open → HalfOpen)
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.clk.Now().Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
		return BreakerHalfOpen
	}
	return b.state
}

// ForceReset closes the breaker by operator action
func (b *Breaker) ForceReset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.halfOpenUsed = 0
	log.Info().Str("token", shortToken(b.tokenID)).Msg("Circuit breaker force-reset")
}

// Registry hands out one breaker per token_id
type Registry struct {
	mu       sync.Mutex
	clk      clock.Clock
	cfg      BreakerConfig
	breakers map[string]*Breaker
}

// NewRegistry creates an empty breaker registry
func NewRegistry(cfg BreakerConfig, clk clock.Clock) *Registry {
	return &Registry{
		clk:      clk,
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for tokenID, creating it closed on first use
func (r *Registry) Get(tokenID string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[tokenID]
	if !ok {
		b = NewBreaker(tokenID, r.cfg, r.clk)
		r.breakers[tokenID] = b
	}
	return b
}

// OpenCount returns how many breakers are currently not closed
func (r *Registry) OpenCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.breakers {
		if b.State() != BreakerClosed {
			n++
		}
	}
	return n
}

func shortToken(tokenID string) string {
	if len(tokenID) > 16 {
		return tokenID[:16] + "..."
	}
	return tokenID
}
