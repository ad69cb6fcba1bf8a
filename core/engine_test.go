package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/snipecore/capital"
	"github.com/web3guy0/snipecore/clock"
	"github.com/web3guy0/snipecore/config"
	"github.com/web3guy0/snipecore/exec"
	"github.com/web3guy0/snipecore/market"
	"github.com/web3guy0/snipecore/metrics"
	"github.com/web3guy0/snipecore/risk"
	"github.com/web3guy0/snipecore/sched"
	"github.com/web3guy0/snipecore/strategy"
	"github.com/web3guy0/snipecore/types"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// memJournal collects records in memory for pipeline assertions
type memJournal struct {
	mu      sync.Mutex
	records []types.TradeRecord
}

func (j *memJournal) Append(rec *types.TradeRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec.ID = uint64(len(j.records) + 1)
	j.records = append(j.records, *rec)
	return nil
}

func (j *memJournal) IterSince(time.Time) ([]types.TradeRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]types.TradeRecord, len(j.records))
	copy(out, j.records)
	return out, nil
}

func (j *memJournal) CloseDay(time.Time) error { return nil }
func (j *memJournal) Close() error             { return nil }

func (j *memJournal) byEvent(ev types.RecordEvent) []types.TradeRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []types.TradeRecord
	for _, r := range j.records {
		if r.Event == ev {
			out = append(out, r)
		}
	}
	return out
}

type fixture struct {
	engine   *Engine
	clk      *clock.Mock
	machine  *market.StateMachine
	alloc    *capital.Allocator
	recycler *capital.Recycler
	gate     *risk.Gate
	jrnl     *memJournal
	coll     *metrics.Collector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewMock(t0)
	jrnl := &memJournal{}
	coll := metrics.NewCollector(clk)

	cfg := &config.Config{
		DryRun:                  true,
		TimeToEligibility:       60 * time.Second,
		MaxBuyPrice:             d("0.99"),
		MinEdge:                 d("0.01"),
		PositionSize:            d("10"),
		StaleFeedThreshold:      5 * time.Second,
		RPCLagThresholdMs:       2000,
		MaxOutstandingOrders:    10,
		DailyLossLimitPct:       d("0.10"),
		KillSwitchDebounce:      10 * time.Second,
		FailureThreshold:        3,
		RecoveryTimeout:         time.Minute,
		HalfOpenMaxRequests:     1,
		MaxExposurePerMarketPct: d("0.05"),
		MaxExposurePerMarketAbs: d("50"),
		MaxTotalExposurePct:     d("0.30"),
		Bankroll:                d("1000"),
		OrderSplitThreshold:     d("20"),
		OrderSplitCount:         3,
		RecycleDelay:            5 * time.Second,
		RecyclerQueueSize:       8,
		MaxOrdersPerMinute:      60,
		OrderTimeout:            time.Second,
		DedupeWindow:            time.Minute,
		WorkerPoolSize:          2,
		TransitionSweepInterval: 250 * time.Millisecond,
		MaxFailuresBeforeHold:   3,
		FailureRecoveryInterval: 2 * time.Minute,
		DoneRetention:           time.Hour,
		HistoryHours:            24,
		ShutdownGrace:           time.Second,
	}

	alloc := capital.NewAllocator(cfg.Bankroll, capital.Config{
		PerMarketPct:   cfg.MaxExposurePerMarketPct,
		PerMarketAbs:   cfg.MaxExposurePerMarketAbs,
		TotalPct:       cfg.MaxTotalExposurePct,
		SplitThreshold: cfg.OrderSplitThreshold,
		SplitCount:     cfg.OrderSplitCount,
	}, clk)
	recycler := capital.NewRecycler(alloc, cfg.RecycleDelay, cfg.RecyclerQueueSize, clk)

	switches := risk.NewKillSwitches(risk.SwitchConfig{
		StaleFeedThreshold:   cfg.StaleFeedThreshold,
		RPCLagThresholdMs:    cfg.RPCLagThresholdMs,
		MaxOutstandingOrders: cfg.MaxOutstandingOrders,
		DailyLossLimitPct:    cfg.DailyLossLimitPct,
		Debounce:             cfg.KillSwitchDebounce,
	}, clk)
	breakers := risk.NewRegistry(risk.BreakerConfig{
		FailureThreshold:    cfg.FailureThreshold,
		RecoveryTimeout:     cfg.RecoveryTimeout,
		HalfOpenMaxRequests: cfg.HalfOpenMaxRequests,
	}, clk)
	gate := risk.NewGate(switches, breakers, alloc, risk.ExposureConfig{
		PerMarketPct: cfg.MaxExposurePerMarketPct,
		PerMarketAbs: cfg.MaxExposurePerMarketAbs,
		TotalPct:     cfg.MaxTotalExposurePct,
	}, clk)

	evaluator := strategy.NewEvaluator(strategy.Config{
		TimeToEligibility: cfg.TimeToEligibility,
		MaxBuyPrice:       cfg.MaxBuyPrice,
		MinEdge:           cfg.MinEdge,
	})
	machine := market.NewStateMachine(market.Config{
		StaleFeedThreshold:      cfg.StaleFeedThreshold,
		MaxFailuresBeforeHold:   cfg.MaxFailuresBeforeHold,
		FailureRecoveryInterval: cfg.FailureRecoveryInterval,
		Eligible:                evaluator.Eligible,
	})

	executor := exec.NewExecutor(exec.Config{
		MaxOrdersPerMinute: cfg.MaxOrdersPerMinute,
		OrderTimeout:       cfg.OrderTimeout,
		MaxRetries:         cfg.MaxRetries,
		DedupeWindow:       cfg.DedupeWindow,
		Workers:            cfg.WorkerPoolSize,
		DryRun:             true,
	}, nil, jrnl, coll, clk)

	engine := NewEngine(Deps{
		Config:    cfg,
		Clock:     clk,
		Machine:   machine,
		Scheduler: sched.NewScheduler(),
		Gate:      gate,
		Allocator: alloc,
		Recycler:  recycler,
		Executor:  executor,
		Evaluator: evaluator,
		Journal:   jrnl,
		Metrics:   coll,
	})

	return &fixture{
		engine:   engine,
		clk:      clk,
		machine:  machine,
		alloc:    alloc,
		recycler: recycler,
		gate:     gate,
		jrnl:     jrnl,
		coll:     coll,
	}
}

// stage walks a market to Eligible at 45s from expiry
func (f *fixture) stage(t *testing.T, tokenID string, ask string) time.Time {
	return f.stageSide(t, tokenID, ask, types.SideYes)
}

func (f *fixture) stageSide(t *testing.T, tokenID string, ask string, side types.Side) time.Time {
	t.Helper()
	end := f.clk.Now().Add(45 * time.Second)
	f.machine.AddMarket(types.MarketInfo{TokenID: tokenID, EndTime: end, Side: side}, f.clk.Now())
	require.NoError(t, f.machine.UpdatePrice(tokenID, d(ask).Sub(d("0.01")), d(ask), f.clk.Now()))
	f.engine.sweep() // Discovered → Watching
	f.engine.sweep() // Watching → Eligible
	snap, err := f.machine.Snapshot(tokenID)
	require.NoError(t, err)
	require.Equal(t, types.StateEligible, snap.State)
	return end
}

func TestExecuteMarketHappyPath(t *testing.T) {
	f := newFixture(t)
	end := f.stage(t, "tok", "0.97")

	f.engine.executeMarket(context.Background(), "tok")

	// fill in dry run: capital booked, market Executing
	snap, _ := f.machine.Snapshot("tok")
	assert.Equal(t, types.StateExecuting, snap.State)
	assert.True(t, snap.Reserved.Equal(d("10")))
	assert.True(t, f.alloc.HasAllocation("tok"))

	execs := f.jrnl.byEvent(types.EventExecution)
	require.Len(t, execs, 1)
	assert.Equal(t, types.OutcomeFilled, execs[0].Outcome)

	// expiry → Reconciling → recycler queue
	f.clk.Set(end)
	f.engine.sweep()
	snap, _ = f.machine.Snapshot("tok")
	assert.Equal(t, types.StateReconciling, snap.State)
	assert.Equal(t, 1, f.recycler.Pending())

	// settlement after the recycle delay: bid 0.96 ≥ 0.5 means the
	// held outcome won; 10/0.97 × 0.03 truncates to 0.30
	f.clk.Advance(6 * time.Second)
	require.Equal(t, 1, f.recycler.ProcessDue())

	snap, _ = f.machine.Snapshot("tok")
	assert.Equal(t, types.StateDone, snap.State)
	assert.True(t, snap.Reserved.IsZero())
	assert.True(t, snap.RealizedPnL.Equal(d("0.30")))
	assert.True(t, f.alloc.Bankroll().Equal(d("1000.30")))
	assert.False(t, f.alloc.HasAllocation("tok"))

	settles := f.jrnl.byEvent(types.EventSettlement)
	require.Len(t, settles, 1)
	assert.True(t, settles[0].RealizedPnL.Equal(d("0.30")))

	msnap := f.coll.GetSnapshot()
	assert.Equal(t, 1, msnap.Wins)
	assert.True(t, f.gate.DailyPnL().Equal(d("0.30")))
}

func TestExecuteMarketGateDenialJournaled(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "tok", "0.97")

	f.gate.Switches.SetManual("operator pause")
	f.engine.executeMarket(context.Background(), "tok")

	// no reservation, market still Eligible, denial on the ledger
	assert.False(t, f.alloc.HasAllocation("tok"))
	snap, _ := f.machine.Snapshot("tok")
	assert.Equal(t, types.StateEligible, snap.State)

	execs := f.jrnl.byEvent(types.EventExecution)
	require.Len(t, execs, 1)
	assert.Equal(t, types.OutcomeRejectedByGate, execs[0].Outcome)
	assert.Contains(t, execs[0].OutcomeReason, "MANUAL_HALT")
	assert.True(t, execs[0].Size.IsZero())
	assert.True(t, execs[0].RequestedSize.Equal(d("10")))
}

func TestExecuteMarketSkipsStaleHeapEntry(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "tok", "0.97")

	// market leaves Eligible between queueing and popping
	require.NoError(t, f.machine.DropMarket("tok", f.clk.Now()))
	f.engine.executeMarket(context.Background(), "tok")

	assert.False(t, f.alloc.HasAllocation("tok"))
	assert.Empty(t, f.jrnl.byEvent(types.EventExecution))
}

func TestExecuteMarketLosingSettlement(t *testing.T) {
	f := newFixture(t)
	end := f.stage(t, "tok", "0.45")

	f.engine.executeMarket(context.Background(), "tok")
	snap, _ := f.machine.Snapshot("tok")
	require.Equal(t, types.StateExecuting, snap.State)

	f.clk.Set(end)
	f.engine.sweep()
	f.clk.Advance(6 * time.Second)
	require.Equal(t, 1, f.recycler.ProcessDue())

	// bid 0.44 < 0.5: the held outcome lost, full stake forfeited
	snap, _ = f.machine.Snapshot("tok")
	assert.Equal(t, types.StateDone, snap.State)
	assert.True(t, snap.RealizedPnL.Equal(d("-10")))
	assert.True(t, f.alloc.Bankroll().Equal(d("990")))
	assert.Equal(t, 1, f.coll.GetSnapshot().Losses)
}

func TestSchedulerEntryRemovedWhenMarketLeavesEligible(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "tok", "0.97")
	require.Equal(t, 1, f.engine.schedq.Len())

	// ask climbs past max_buy_price: next sweep demotes and dequeues
	require.NoError(t, f.machine.UpdatePrice("tok", d("0.99"), d("0.995"), f.clk.Now()))
	f.engine.sweep()

	snap, _ := f.machine.Snapshot("tok")
	assert.Equal(t, types.StateWatching, snap.State)
	assert.Equal(t, 0, f.engine.schedq.Len())
}

func TestOrderSideFollowsDiscovery(t *testing.T) {
	// the market source decides which outcome token is watched; orders
	// carry that side instead of assuming YES
	f := newFixture(t)
	end := f.stageSide(t, "tok-no", "0.97", types.SideNo)

	f.engine.executeMarket(context.Background(), "tok-no")

	execs := f.jrnl.byEvent(types.EventExecution)
	require.Len(t, execs, 1)
	assert.Equal(t, types.SideNo, execs[0].Side)

	f.clk.Set(end)
	f.engine.sweep()
	f.clk.Advance(6 * time.Second)
	require.Equal(t, 1, f.recycler.ProcessDue())

	settles := f.jrnl.byEvent(types.EventSettlement)
	require.Len(t, settles, 1)
	assert.Equal(t, types.SideNo, settles[0].Side)
}

func TestJournalReplayReconstructsState(t *testing.T) {
	// replaying the journal from scratch must land on the same books as
	// the live run: bankroll, fill count, realized P&L
	f := newFixture(t)

	endA := f.stage(t, "tok-a", "0.97")
	f.engine.executeMarket(context.Background(), "tok-a")
	f.clk.Set(endA)
	f.engine.sweep()

	endB := f.stage(t, "tok-b", "0.45")
	f.engine.executeMarket(context.Background(), "tok-b")
	f.clk.Set(endB)
	f.engine.sweep()

	f.clk.Advance(6 * time.Second)
	require.Equal(t, 2, f.recycler.ProcessDue())
	require.True(t, f.alloc.Bankroll().Equal(d("990.30"))) // +0.30 win, -10 loss

	recs, err := f.jrnl.IterSince(time.Time{})
	require.NoError(t, err)

	bankroll := d("1000")
	filled := 0
	pnl := decimal.Zero
	for _, rec := range recs {
		switch rec.Event {
		case types.EventExecution:
			if rec.Outcome == types.OutcomeFilled {
				filled++
			}
		case types.EventSettlement:
			bankroll = bankroll.Add(rec.RealizedPnL)
			pnl = pnl.Add(rec.RealizedPnL)
		}
	}

	assert.True(t, bankroll.Equal(f.alloc.Bankroll()),
		"replayed bankroll %s vs live %s", bankroll, f.alloc.Bankroll())
	assert.Equal(t, f.coll.GetSnapshot().FilledCount, filled)
	assert.True(t, pnl.Equal(f.coll.GetSnapshot().TotalPnL))
	assert.True(t, pnl.Equal(f.gate.DailyPnL()))
}

func TestGetStats(t *testing.T) {
	f := newFixture(t)
	f.stage(t, "tok", "0.97")
	f.engine.executeMarket(context.Background(), "tok")

	stats := f.engine.GetStats()
	assert.Equal(t, 1, stats["markets"])
	assert.Equal(t, 1, stats["filled"])
	assert.Equal(t, 1, stats["open_positions"])
}
