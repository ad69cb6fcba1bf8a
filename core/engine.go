package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/snipecore/capital"
	"github.com/web3guy0/snipecore/clock"
	"github.com/web3guy0/snipecore/config"
	"github.com/web3guy0/snipecore/exec"
	"github.com/web3guy0/snipecore/feeds"
	"github.com/web3guy0/snipecore/journal"
	"github.com/web3guy0/snipecore/market"
	"github.com/web3guy0/snipecore/metrics"
	"github.com/web3guy0/snipecore/notify"
	"github.com/web3guy0/snipecore/risk"
	"github.com/web3guy0/snipecore/sched"
	"github.com/web3guy0/snipecore/strategy"
	"github.com/web3guy0/snipecore/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENGINE - Orchestrates the execution core
// ═══════════════════════════════════════════════════════════════════════════════
//
// Cooperative background tasks: tick dispatcher, discovery loop,
// transition sweeper, risk monitor, recycler. Exactly ONE execution
// worker consumes the priority scheduler, which keeps rate limiting and
// dedupe local reasoning problems. Blocking venue I/O lives behind the
// executor's worker pool.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	riskMonitorInterval = time.Second
	haltReminderEvery   = 30 * time.Second
	pruneEvery          = time.Minute
)

// position tracks a live fill awaiting settlement
type position struct {
	Side  types.Side
	Size  decimal.Decimal
	Price decimal.Decimal
}

// Engine wires the components and drives the execution pipeline
type Engine struct {
	cfg *config.Config
	clk clock.Clock

	machine   *market.StateMachine
	schedq    *sched.Scheduler
	gate      *risk.Gate
	alloc     *capital.Allocator
	recycler  *capital.Recycler
	executor  *exec.Executor
	evaluator *strategy.Evaluator
	jrnl      journal.Journal
	coll      *metrics.Collector
	notifier  *notify.Telegram

	ticks       <-chan feeds.Tick
	discoveries <-chan types.MarketInfo
	feed        feeds.TickStream

	mu        sync.Mutex
	running   bool
	positions map[string]position
	tickSeen  map[string]time.Time // receipt time per token, for tick_to_decision
	corrSeq   uint64

	wakeCh  chan struct{}
	fatalCh chan error
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Deps collects the engine's constructor dependencies
type Deps struct {
	Config    *config.Config
	Clock     clock.Clock
	Machine   *market.StateMachine
	Scheduler *sched.Scheduler
	Gate      *risk.Gate
	Allocator *capital.Allocator
	Recycler  *capital.Recycler
	Executor  *exec.Executor
	Evaluator *strategy.Evaluator
	Journal   journal.Journal
	Metrics   *metrics.Collector
	Notifier  *notify.Telegram
	Feed      feeds.TickStream
	Source    feeds.MarketSource
}

// NewEngine assembles the engine from its components
func NewEngine(d Deps) *Engine {
	e := &Engine{
		cfg:         d.Config,
		clk:         d.Clock,
		machine:     d.Machine,
		schedq:      d.Scheduler,
		gate:        d.Gate,
		alloc:       d.Allocator,
		recycler:    d.Recycler,
		executor:    d.Executor,
		evaluator:   d.Evaluator,
		jrnl:        d.Journal,
		coll:        d.Metrics,
		notifier:    d.Notifier,
		feed:        d.Feed,
		positions:   make(map[string]position),
		tickSeen:    make(map[string]time.Time),
		wakeCh:      make(chan struct{}, 1),
		fatalCh:     make(chan error, 1),
	}
	if d.Feed != nil {
		e.ticks = d.Feed.Subscribe()
	}
	if d.Source != nil {
		e.discoveries = d.Source.Discoveries()
	}

	e.recycler.SetOnFreed(e.onCapitalFreed)
	e.gate.Switches.SetOnActivate(func(st risk.SwitchType, reason string) {
		e.coll.RecordKillSwitchTrip()
		e.notifier.KillSwitch(string(st), reason)
	})
	e.gate.SetOnBreakerTrip(func(tokenID string) {
		e.coll.RecordBreakerTrip()
		e.notifier.BreakerTrip(tokenID)
	})
	return e
}

// Start launches the cooperative tasks and the execution worker
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	e.running = true
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.mu.Unlock()

	if err := e.jrnl.Append(&types.TradeRecord{
		Event:    types.EventSessionStart,
		WallTime: e.clk.Now(),
		Meta:     e.cfg.Sanitized(),
	}); err != nil {
		return fmt.Errorf("%w: %v", types.ErrJournalWriteFailed, err)
	}

	loops := []func(context.Context){
		e.dispatcherLoop,
		e.discoveryLoop,
		e.sweeperLoop,
		e.riskMonitorLoop,
		e.executionWorker,
		e.recycler.Run,
	}
	for _, loop := range loops {
		e.wg.Add(1)
		go func(run func(context.Context)) {
			defer e.wg.Done()
			run(ctx)
		}(loop)
	}

	log.Info().Bool("dry_run", e.cfg.DryRun).Msg("🚀 Engine started")
	return nil
}

// Fatal exposes unrecoverable internal errors to the orchestrator
func (e *Engine) Fatal() <-chan error {
	return e.fatalCh
}

// Stop cancels every task and waits up to the shutdown grace period.
// Reservations for still-Executing markets remain booked. The returned
// exit code is 0 on a clean stop and 3 when a kill switch is still
// active at the end of the grace window.
func (e *Engine) Stop() int {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return 0
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	log.Info().Dur("grace", e.cfg.ShutdownGrace).Msg("Engine stopping...")
	cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.cfg.ShutdownGrace):
		log.Warn().Msg("Shutdown grace elapsed with tasks still running")
	}

	snap := e.coll.GetSnapshot()
	if err := e.jrnl.Append(&types.TradeRecord{
		Event:       types.EventSessionEnd,
		WallTime:    e.clk.Now(),
		RealizedPnL: snap.TotalPnL,
		Meta: map[string]string{
			"attempted": fmt.Sprintf("%d", snap.Attempted),
			"filled":    fmt.Sprintf("%d", snap.FilledCount),
		},
	}); err != nil {
		log.Error().Err(err).Msg("Session end journal write failed")
		return 2
	}
	e.notifier.SessionSummary(snap.Attempted, snap.FilledCount, snap.TotalPnL)

	if active := e.gate.Switches.Active(); len(active) > 0 {
		log.Warn().Int("active_switches", len(active)).Msg("Stopped with kill switch active")
		return 3
	}
	log.Info().Msg("✅ Engine stopped cleanly")
	return 0
}

// ═══════════════════════════════════════════════════════════════════════════════
// COOPERATIVE TASKS
// ═══════════════════════════════════════════════════════════════════════════════

// dispatcherLoop applies price ticks in arrival order
func (e *Engine) dispatcherLoop(ctx context.Context) {
	if e.ticks == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-e.ticks:
			now := e.clk.Now()
			e.mu.Lock()
			e.tickSeen[tick.TokenID] = time.Now() // monotonic receipt stamp
			e.mu.Unlock()

			if err := e.machine.UpdatePrice(tick.TokenID, tick.BestBid, tick.BestAsk, now); err != nil && err != market.ErrMarketNotFound {
				log.Warn().Err(err).Msg("Tick rejected")
			}
		}
	}
}

// discoveryLoop registers new markets and subscribes their feeds
func (e *Engine) discoveryLoop(ctx context.Context) {
	if e.discoveries == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case info := <-e.discoveries:
			if e.machine.AddMarket(info, e.clk.Now()) && e.feed != nil {
				if err := e.feed.Watch(info.TokenID); err != nil {
					log.Warn().Err(err).Msg("Feed subscribe failed")
				}
			}
		}
	}
}

// sweeperLoop runs the transition sweep at the configured cadence
func (e *Engine) sweeperLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.TransitionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweep()
		}
	}
}

func (e *Engine) sweep() {
	now := e.clk.Now()
	for _, tr := range e.machine.CheckTransitions(now) {
		switch tr.To {
		case types.StateEligible:
			if snap, err := e.machine.Snapshot(tr.TokenID); err == nil {
				e.schedq.Push(snap)
				e.wake()
			}
		case types.StateReconciling:
			e.settle(tr.TokenID)
		case types.StateOnHold, types.StateDone, types.StateWatching:
			if tr.From == types.StateEligible {
				e.schedq.Remove(tr.TokenID)
			}
		}
	}
}

// settle computes the simplified parity payout for an expired position
// and queues the delayed capital release.
func (e *Engine) settle(tokenID string) {
	e.mu.Lock()
	pos, ok := e.positions[tokenID]
	e.mu.Unlock()
	if !ok {
		// expired while Executing with no fill; free the reservation as-is
		if err := e.recycler.QueueRecycle(tokenID, decimal.Zero); err != nil {
			log.Warn().Err(err).Msg("Recycle queue failed")
		}
		return
	}

	snap, err := e.machine.Snapshot(tokenID)
	if err != nil {
		return
	}
	// simplified settlement: the outcome we hold won if it expired bid >= 0.5
	won := snap.BestBid.GreaterThanOrEqual(decimal.NewFromFloat(0.5))
	pnl := strategy.SettlePnL(pos.Size, pos.Price, won)

	if err := e.recycler.QueueRecycle(tokenID, pnl); err != nil {
		log.Warn().Err(err).Msg("Recycle queue failed")
	}
}

// onCapitalFreed finalizes settlement once the recycler releases capital
func (e *Engine) onCapitalFreed(tokenID string, released, pnl decimal.Decimal) {
	now := e.clk.Now()
	if err := e.machine.MarkResolution(tokenID, pnl, now); err != nil {
		log.Warn().Err(err).Str("token", tokenID).Msg("Resolution mark failed")
	}

	e.mu.Lock()
	pos, had := e.positions[tokenID]
	delete(e.positions, tokenID)
	e.mu.Unlock()

	if had {
		e.coll.RecordSettlement(pnl)
		e.gate.RecordSettlement(pnl)
	}

	rec := &types.TradeRecord{
		Event:       types.EventSettlement,
		WallTime:    now,
		TokenID:     tokenID,
		Side:        pos.Side,
		Size:        pos.Size,
		Price:       pos.Price,
		Outcome:     types.OutcomeFilled,
		RealizedPnL: pnl,
		Strategy:    strategy.Name,
	}
	if !had {
		rec.Outcome = types.OutcomeRejectedByVenue
		rec.OutcomeReason = "expired unfilled"
	}
	if err := e.jrnl.Append(rec); err != nil {
		e.fatal(fmt.Errorf("%w: %v", types.ErrJournalWriteFailed, err))
	}
}

// riskMonitorLoop keeps the kill switches evaluated and housekeeping done
func (e *Engine) riskMonitorLoop(ctx context.Context) {
	ticker := time.NewTicker(riskMonitorInterval)
	defer ticker.Stop()

	lastReminder := time.Time{}
	lastPrune := e.clk.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := e.clk.Now()

			if age, ok := e.machine.OldestTickAge(now); ok {
				e.gate.Switches.CheckStaleFeed(age)
			}
			e.gate.Switches.CheckRPCLag(e.coll.P95DecisionToAck())
			e.gate.Switches.CheckOrderLimit(e.gate.Outstanding())
			e.gate.CheckDayRollover()

			if active := e.gate.Switches.Active(); len(active) > 0 {
				if time.Since(lastReminder) >= haltReminderEvery {
					lastReminder = time.Now()
					for st, reason := range active {
						log.Warn().Str("switch", string(st)).Str("reason", reason).Msg("🚨 Halt still active")
					}
				}
			}

			if now.Sub(lastPrune) >= pruneEvery {
				lastPrune = now
				e.coll.Prune(e.cfg.HistoryHours)
				e.machine.PurgeDoneOlderThan(e.cfg.DoneRetention, now)
				e.coll.Alerts(metrics.Thresholds{
					MinFillRate:     e.cfg.MinFillRateAlert,
					MaxP95LatencyMs: e.cfg.MaxP95LatencyMs,
				})
			}
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTION WORKER - The single scheduler consumer
// ═══════════════════════════════════════════════════════════════════════════════

func (e *Engine) executionWorker(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.TransitionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.wakeCh:
		case <-ticker.C:
		}
		e.drainScheduler(ctx)
	}
}

func (e *Engine) drainScheduler(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		tokenID, ok := e.schedq.Pop()
		if !ok {
			return
		}
		e.executeMarket(ctx, tokenID)
	}
}

// executeMarket runs the admit → reserve → dispatch pipeline for one market
func (e *Engine) executeMarket(ctx context.Context, tokenID string) {
	now := e.clk.Now()

	// re-read authoritative state; stale heap entries are dropped here
	snap, err := e.machine.Snapshot(tokenID)
	if err != nil || snap.State != types.StateEligible {
		return
	}
	if !e.evaluator.Eligible(snap, now) {
		return
	}

	tickMs := e.tickToDecisionMs(tokenID)
	amount := e.cfg.PositionSize

	// 1. Risk gate
	if admit, reason := e.gate.PreExecutionCheck(tokenID, amount, snap.LastTickAt); !admit {
		e.journalGateRejection(snap, amount, reason, tickMs)
		return
	}

	// 2. Capital reservation; the grant may be smaller than requested
	grant := e.alloc.RequestAllocation(tokenID, amount, strategy.Name)
	if grant.Result != capital.ResultSuccess {
		e.journalGateRejection(snap, amount, allocReason(grant.Result), tickMs)
		return
	}

	if err := e.machine.MarkExecutionStarted(tokenID, grant.Granted, now); err != nil {
		// lost eligibility between snapshot and reservation
		if _, relErr := e.alloc.ReleaseAllocation(tokenID, decimal.Zero); relErr != nil {
			log.Warn().Err(relErr).Msg("Reservation rollback failed")
		}
		return
	}

	// 3. Dispatch, sequentially over split children; abort tail on rejection
	children := grant.Splits
	if children == nil {
		children = []decimal.Decimal{grant.Granted}
	}

	filledSize := decimal.Zero
	var lastOutcome types.TradeOutcome
	for i, childSize := range children {
		req, err := types.NewOrderRequest(
			tokenID, snap.Side, types.ActionBuy,
			childSize, snap.BestAsk, grant.Granted,
			strategy.Name, e.correlationID(tokenID, i),
		)
		if err != nil {
			// construction bugs are programmer errors, not runtime outcomes
			e.fatal(fmt.Errorf("%w: %v", types.ErrInvariantViolation, err))
			return
		}
		req.NegRisk = snap.NegRisk

		e.gate.OrderStarted()
		outcome, execErr := e.executor.Execute(ctx, req, tickMs)
		e.gate.OrderFinished()
		if execErr != nil {
			e.fatal(execErr)
			return
		}

		lastOutcome = outcome
		if !outcome.Filled() {
			break
		}
		filledSize = filledSize.Add(childSize)
	}

	e.finishExecution(tokenID, snap, filledSize, lastOutcome)
}

// finishExecution applies the dispatch result to capital, risk and FSM state
func (e *Engine) finishExecution(tokenID string, snap types.MarketSnapshot, filledSize decimal.Decimal, outcome types.TradeOutcome) {
	now := e.clk.Now()

	if filledSize.IsPositive() {
		e.mu.Lock()
		e.positions[tokenID] = position{Side: snap.Side, Size: filledSize, Price: snap.BestAsk}
		e.mu.Unlock()

		e.gate.PostExecutionRecord(tokenID, true, decimal.Zero, 0)
		e.notifier.Fill(tokenID, filledSize, snap.BestAsk)
		return
	}

	// nothing filled: release the reservation and count the failure
	if _, err := e.alloc.ReleaseAllocation(tokenID, decimal.Zero); err != nil {
		log.Warn().Err(err).Msg("Release after failed dispatch")
	}
	if err := e.machine.MarkFailure(tokenID, outcome.String(), now); err != nil {
		log.Warn().Err(err).Msg("Failure mark failed")
	}
	e.gate.PostExecutionRecord(tokenID, false, decimal.Zero, 0)
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (e *Engine) journalGateRejection(snap types.MarketSnapshot, amount decimal.Decimal, reason types.Reason, tickMs float64) {
	rec := &types.TradeRecord{
		Event:            types.EventExecution,
		WallTime:         e.clk.Now(),
		TokenID:          snap.TokenID,
		Side:             snap.Side,
		Action:           types.ActionBuy,
		Size:             decimal.Zero,
		RequestedSize:    amount,
		Price:            snap.BestAsk,
		Outcome:          types.OutcomeRejectedByGate,
		OutcomeReason:    reason.String(),
		TickToDecisionMs: tickMs,
		EdgeCents:        strategy.Edge(snap.BestAsk).Mul(decimal.NewFromInt(100)),
		RealizedPnL:      decimal.Zero,
		Strategy:         strategy.Name,
	}
	if err := e.jrnl.Append(rec); err != nil {
		e.fatal(fmt.Errorf("%w: %v", types.ErrJournalWriteFailed, err))
	}
}

func allocReason(r capital.Result) types.Reason {
	switch r {
	case capital.ResultMarketLimitExceeded:
		return types.Reason{Code: types.ReasonExposureCapMarket}
	case capital.ResultTotalLimitExceeded:
		return types.Reason{Code: types.ReasonExposureCapTotal}
	case capital.ResultAlreadyAllocated:
		return types.Reason{Code: types.ReasonAlreadyAllocated}
	default:
		return types.Reason{Code: types.ReasonInsufficientCapital, Detail: string(r)}
	}
}

func (e *Engine) tickToDecisionMs(tokenID string) float64 {
	e.mu.Lock()
	seen, ok := e.tickSeen[tokenID]
	e.mu.Unlock()
	if !ok {
		return 0
	}
	return float64(time.Since(seen)) / float64(time.Millisecond)
}

func (e *Engine) correlationID(tokenID string, child int) string {
	e.mu.Lock()
	e.corrSeq++
	seq := e.corrSeq
	e.mu.Unlock()
	return fmt.Sprintf("%s-%d-%d", shortToken(tokenID), seq, child)
}

func (e *Engine) wake() {
	select {
	case e.wakeCh <- struct{}{}:
	default:
	}
}

func (e *Engine) fatal(err error) {
	log.Error().Err(err).Msg("💥 Fatal engine error")
	select {
	case e.fatalCh <- err:
	default:
	}
}

// GetStats returns a coarse status snapshot for operator surfaces
func (e *Engine) GetStats() map[string]interface{} {
	bankroll, allocated, available, open := e.alloc.Report()
	snap := e.coll.GetSnapshot()
	return map[string]interface{}{
		"markets":        e.machine.Count(),
		"queued":         e.schedq.Len(),
		"bankroll":       bankroll,
		"allocated":      allocated,
		"available":      available,
		"open_positions": open,
		"attempted":      snap.Attempted,
		"filled":         snap.FilledCount,
		"execution_rate": snap.ExecutionRate,
		"win_rate":       snap.WinRate,
		"daily_pnl":      e.gate.DailyPnL(),
		"recycled":       e.recycler.Recycled(),
	}
}

func shortToken(tokenID string) string {
	if len(tokenID) > 8 {
		return tokenID[:8]
	}
	return tokenID
}
