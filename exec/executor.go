package exec

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/snipecore/clock"
	"github.com/web3guy0/snipecore/journal"
	"github.com/web3guy0/snipecore/metrics"
	"github.com/web3guy0/snipecore/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ORDER EXECUTOR - Dedupe, rate limit, FOK dispatch
// ═══════════════════════════════════════════════════════════════════════════════
//
// One serial caller (the engine's execution worker) drives Execute; the
// bounded worker pool exists so blocking venue calls never stall the
// cooperative tasks sharing the process. The token bucket and both
// dedupe tables live under a single mutex, making admission accounting
// one critical section.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	backoffBase = time.Second
	backoffCap  = 5 * time.Minute
)

// Config tunes the executor
type Config struct {
	MaxOrdersPerMinute int
	OrderTimeout       time.Duration
	MaxRetries         int
	QuantizeGridCents  int // dedupe size grid, default 1 cent
	DedupeWindow       time.Duration
	Workers            int
	DryRun             bool
}

// Executor dispatches validated order requests into the venue client
type Executor struct {
	mu  sync.Mutex // token bucket + dedupe tables, one critical section
	clk clock.Clock
	cfg Config

	venue VenueClient
	jrnl  journal.Journal
	coll  *metrics.Collector

	tokens     float64
	lastRefill time.Time

	inflight    map[string]struct{}
	recentFills map[string]time.Time

	pool chan struct{}
}

// NewExecutor wires the executor to its venue, journal and metrics
func NewExecutor(cfg Config, venue VenueClient, jrnl journal.Journal, coll *metrics.Collector, clk clock.Clock) *Executor {
	if cfg.QuantizeGridCents <= 0 {
		cfg.QuantizeGridCents = 1
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	e := &Executor{
		clk:         clk,
		cfg:         cfg,
		venue:       venue,
		jrnl:        jrnl,
		coll:        coll,
		tokens:      float64(cfg.MaxOrdersPerMinute),
		lastRefill:  clk.Now(),
		inflight:    make(map[string]struct{}),
		recentFills: make(map[string]time.Time),
		pool:        make(chan struct{}, cfg.Workers),
	}
	mode := "LIVE"
	if cfg.DryRun {
		mode = "DRY RUN"
	}
	log.Info().
		Str("mode", mode).
		Int("orders_per_min", cfg.MaxOrdersPerMinute).
		Int("workers", cfg.Workers).
		Dur("order_timeout", cfg.OrderTimeout).
		Msg("⚡ Executor initialized")
	return e
}

// Execute runs one request to a terminal outcome. The returned error is
// non-nil only for fatal internal failures (journal write).
func (e *Executor) Execute(ctx context.Context, req types.OrderRequest, tickToDecisionMs float64) (types.TradeOutcome, error) {
	key := e.dedupeKey(req)
	now := e.clk.Now()

	e.mu.Lock()
	e.pruneFillsLocked(now)
	if _, dup := e.inflight[key]; dup {
		e.mu.Unlock()
		return types.TradeOutcome{Kind: types.OutcomeDuplicate, Reason: key}, nil
	}
	if _, dup := e.recentFills[key]; dup {
		e.mu.Unlock()
		return types.TradeOutcome{Kind: types.OutcomeDuplicate, Reason: key}, nil
	}
	e.inflight[key] = struct{}{}
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.inflight, key)
		e.mu.Unlock()
	}()

	// Rate limit with exponential backoff before touching the venue
	if !e.acquireToken(ctx) {
		outcome := types.TradeOutcome{Kind: types.OutcomeRateLimited, Reason: types.VenueRateLimited}
		return outcome, e.record(req, outcome, tickToDecisionMs, 0)
	}

	timer := clock.StartTimer()
	outcome := e.dispatchWithRetries(ctx, req)
	ackMs := timer.ElapsedMs()

	if outcome.Filled() {
		e.mu.Lock()
		e.recentFills[key] = e.clk.Now()
		e.mu.Unlock()
	}

	return outcome, e.record(req, outcome, tickToDecisionMs, ackMs)
}

// dispatchWithRetries retries NoLiquidity / RateLimited venue answers
// with capped exponential backoff; everything else is terminal.
func (e *Executor) dispatchWithRetries(ctx context.Context, req types.OrderRequest) types.TradeOutcome {
	var outcome types.TradeOutcome
	for attempt := 0; ; attempt++ {
		outcome = e.dispatchOnce(ctx, req)
		if outcome.Filled() || !retryable(outcome) || attempt >= e.cfg.MaxRetries {
			return outcome
		}
		delay := backoffDelay(attempt)
		log.Debug().
			Str("token", shortToken(req.TokenID)).
			Str("outcome", outcome.String()).
			Dur("backoff", delay).
			Msg("Retrying dispatch")
		if !sleepCtx(ctx, delay) {
			return outcome
		}
	}
}

// dispatchOnce submits one venue round trip through the worker pool,
// bounded by the order timeout.
func (e *Executor) dispatchOnce(ctx context.Context, req types.OrderRequest) types.TradeOutcome {
	if e.cfg.DryRun {
		// Synthetic fill: skip the venue entirely, identical accounting
		id := fmt.Sprintf("DRY_%d", time.Now().UnixNano())
		log.Info().
			Str("order_id", id).
			Str("token", shortToken(req.TokenID)).
			Str("size", req.Size.StringFixed(2)).
			Str("price", req.Price.StringFixed(2)).
			Msg("📝 DRY RUN: FOK would be dispatched")
		return types.TradeOutcome{Kind: types.OutcomeFilled, VenueOrderID: id}
	}

	select {
	case e.pool <- struct{}{}:
	case <-ctx.Done():
		return types.TradeOutcome{Kind: types.OutcomeTimeout, Reason: "shutdown"}
	}

	type venueAnswer struct {
		res PostResult
		err error
	}
	ch := make(chan venueAnswer, 1)
	go func() {
		defer func() { <-e.pool }()
		signed, err := e.venue.CreateMarketOrder(OrderArgs{
			TokenID:   req.TokenID,
			AmountUSD: req.Size,
			Price:     req.Price,
			Side:      req.Side,
			NegRisk:   req.NegRisk,
		})
		if err != nil {
			ch <- venueAnswer{err: err}
			return
		}
		res, err := e.venue.PostOrder(signed, true)
		ch <- venueAnswer{res: res, err: err}
	}()

	select {
	case a := <-ch:
		return classify(a.res, a.err)
	case <-time.After(e.cfg.OrderTimeout):
		return types.TradeOutcome{Kind: types.OutcomeTimeout, Reason: types.VenueTimeout}
	case <-ctx.Done():
		return types.TradeOutcome{Kind: types.OutcomeTimeout, Reason: "shutdown"}
	}
}

func classify(res PostResult, err error) types.TradeOutcome {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return types.TradeOutcome{Kind: types.OutcomeTimeout, Reason: types.VenueTimeout}
		}
		if strings.Contains(err.Error(), types.VenueRateLimited) {
			return types.TradeOutcome{Kind: types.OutcomeRejectedByVenue, Reason: types.VenueRateLimited}
		}
		return types.TradeOutcome{Kind: types.OutcomeRejectedByVenue, Reason: types.VenueUnknown + ": " + err.Error()}
	}
	if res.Accepted {
		return types.TradeOutcome{Kind: types.OutcomeFilled, VenueOrderID: res.VenueOrderID}
	}
	return types.TradeOutcome{Kind: types.OutcomeRejectedByVenue, Reason: res.RejectReason}
}

func retryable(o types.TradeOutcome) bool {
	if o.Kind != types.OutcomeRejectedByVenue {
		return false
	}
	return strings.HasPrefix(o.Reason, types.VenueNoLiquidity) || strings.HasPrefix(o.Reason, types.VenueRateLimited)
}

// record journals and measures one terminal outcome. A journal failure
// is fatal and propagates to the orchestrator.
func (e *Executor) record(req types.OrderRequest, outcome types.TradeOutcome, tickMs, ackMs float64) error {
	rec := &types.TradeRecord{
		Event:            types.EventExecution,
		WallTime:         e.clk.Now(),
		CorrelationID:    req.CorrelationID,
		TokenID:          req.TokenID,
		Side:             req.Side,
		Action:           req.Action,
		Size:             req.Size,
		Price:            req.Price,
		Outcome:          outcome.Kind,
		OutcomeReason:    outcome.Reason,
		TickToDecisionMs: tickMs,
		DecisionToAckMs:  ackMs,
		EdgeCents:        req.EdgeCents(),
		RealizedPnL:      decimal.Zero,
		Strategy:         req.Strategy,
	}
	if err := e.jrnl.Append(rec); err != nil {
		return fmt.Errorf("%w: %v", types.ErrJournalWriteFailed, err)
	}

	e.coll.Record(metrics.Sample{
		At:               rec.WallTime,
		TokenID:          req.TokenID,
		TickToDecisionMs: tickMs,
		DecisionToAckMs:  ackMs,
		Filled:           outcome.Filled(),
		EdgeCents:        rec.EdgeCents,
		OutcomeReason:    outcome.Reason,
	})
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// RATE LIMITING & DEDUPE
// ═══════════════════════════════════════════════════════════════════════════════

// acquireToken takes a bucket token, backing off exponentially while the
// bucket is dry. Returns false when retries are exhausted or ctx ends.
func (e *Executor) acquireToken(ctx context.Context) bool {
	for attempt := 0; ; attempt++ {
		e.mu.Lock()
		ok := e.takeTokenLocked()
		e.mu.Unlock()
		if ok {
			return true
		}
		if attempt >= e.cfg.MaxRetries {
			return false
		}
		if !sleepCtx(ctx, backoffDelay(attempt)) {
			return false
		}
	}
}

func (e *Executor) takeTokenLocked() bool {
	now := e.clk.Now()
	elapsed := now.Sub(e.lastRefill).Seconds()
	if elapsed > 0 {
		e.tokens += elapsed * float64(e.cfg.MaxOrdersPerMinute) / 60.0
		if limit := float64(e.cfg.MaxOrdersPerMinute); e.tokens > limit {
			e.tokens = limit
		}
		e.lastRefill = now
	}
	if e.tokens >= 1 {
		e.tokens--
		return true
	}
	return false
}

// dedupeKey folds near-identical requests onto a price grid so retries
// and split remainders don't double-fire.
func (e *Executor) dedupeKey(req types.OrderRequest) string {
	grid := decimal.New(int64(e.cfg.QuantizeGridCents), -2)
	quantized := req.Size.Div(grid).Floor().Mul(grid)
	return fmt.Sprintf("%s:%s:%s:%s", req.TokenID, req.Side, req.Action, quantized.StringFixed(2))
}

func (e *Executor) pruneFillsLocked(now time.Time) {
	for key, at := range e.recentFills {
		if now.Sub(at) > e.cfg.DedupeWindow {
			delete(e.recentFills, key)
		}
	}
}

// InFlight returns the number of keys currently dispatching
func (e *Executor) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight)
}

func backoffDelay(attempt int) time.Duration {
	d := backoffBase << attempt
	if d > backoffCap || d <= 0 {
		return backoffCap
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func shortToken(tokenID string) string {
	if len(tokenID) > 16 {
		return tokenID[:16] + "..."
	}
	return tokenID
}
