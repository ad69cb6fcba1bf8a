// Snipecore - Expiration-sniping execution engine for Polymarket
//
// Buys near-certain binary outcomes seconds before market expiry and
// collects the spread to $1 at resolution.
//
// Pipeline:
// 1. Scan Gamma for short-duration markets on the configured assets
// 2. Track top-of-book over the CLOB market WebSocket
// 3. Fire a FOK buy when a market enters the eligibility window below max price
// 4. Recycle capital back into the bankroll after settlement
package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/snipecore/capital"
	"github.com/web3guy0/snipecore/clock"
	"github.com/web3guy0/snipecore/config"
	"github.com/web3guy0/snipecore/core"
	"github.com/web3guy0/snipecore/exec"
	"github.com/web3guy0/snipecore/feeds"
	"github.com/web3guy0/snipecore/journal"
	"github.com/web3guy0/snipecore/market"
	"github.com/web3guy0/snipecore/metrics"
	"github.com/web3guy0/snipecore/notify"
	"github.com/web3guy0/snipecore/risk"
	"github.com/web3guy0/snipecore/sched"
	"github.com/web3guy0/snipecore/strategy"
)

const version = "1.0.0"

func main() {
	os.Exit(run())
}

func run() int {
	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		return 1
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("version", version).
		Str("strategy", strategy.Name).
		Bool("dry_run", cfg.DryRun).
		Msg("🎯 Snipecore starting...")

	clk := clock.System{}

	// ====== JOURNAL ======
	jrnl, err := journal.Open(journal.Options{
		Backend: cfg.JournalBackend,
		Dir:     cfg.JournalDir,
		DSN:     cfg.JournalDSN,
	}, clk)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open trade journal")
		return 1
	}
	defer jrnl.Close()

	// ====== CORE COMPONENTS ======
	coll := metrics.NewCollector(clk)

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

	// ====== VENUE ======
	venue, err := exec.NewClient(exec.ClientConfig{
		BaseURL:    cfg.CLOBURL,
		APIKey:     cfg.CLOBApiKey,
		APISecret:  cfg.CLOBApiSecret,
		Passphrase: cfg.CLOBPassphrase,
		PrivateKey: cfg.PrivateKey,
		Timeout:    cfg.OrderTimeout,
	})
	if err != nil {
		if !cfg.DryRun {
			log.Error().Err(err).Msg("Failed to initialize CLOB client")
			return 1
		}
		log.Warn().Err(err).Msg("CLOB client unavailable, dry run continues without venue")
	}

	executor := exec.NewExecutor(exec.Config{
		MaxOrdersPerMinute: cfg.MaxOrdersPerMinute,
		OrderTimeout:       cfg.OrderTimeout,
		MaxRetries:         cfg.MaxRetries,
		QuantizeGridCents:  cfg.QuantizeGridCents,
		DedupeWindow:       cfg.DedupeWindow,
		Workers:            cfg.WorkerPoolSize,
		DryRun:             cfg.DryRun,
	}, venue, jrnl, coll, clk)

	// ====== FEEDS ======
	feed := feeds.NewPolymarketFeed(cfg.WSURL)
	scanner := feeds.NewScanner(feeds.ScannerConfig{
		APIURL:          cfg.GammaAPIURL,
		Assets:          splitAssets(cfg.AssetFilter),
		MaxWindowLength: cfg.MaxWindowLength,
		ScanInterval:    cfg.ScanInterval,
	})

	// ====== NOTIFICATIONS ======
	notifier, err := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID)
	if err != nil {
		log.Warn().Err(err).Msg("Telegram notifier unavailable, continuing without")
	}

	// ====== ENGINE ======
	engine := core.NewEngine(core.Deps{
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
		Notifier:  notifier,
		Feed:      feed,
		Source:    scanner,
	})

	feed.Start()
	scanner.Start()
	if err := engine.Start(); err != nil {
		log.Error().Err(err).Msg("Failed to start engine")
		return 1
	}

	log.Info().Msg("✅ All systems online")

	// Wait for shutdown signal or a fatal internal error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	code := 0
	select {
	case <-quit:
		log.Info().Msg("🛑 Received shutdown signal")
	case err := <-engine.Fatal():
		log.Error().Err(err).Msg("🛑 Fatal internal error")
		code = 2
	}

	// Graceful shutdown
	scanner.Stop()
	feed.Stop()
	if stopCode := engine.Stop(); code == 0 {
		code = stopCode
	}

	log.Info().Int("exit_code", code).Msg("👋 Goodbye!")
	return code
}

// splitAssets parses the comma-separated asset filter
func splitAssets(filter string) []string {
	if filter == "" {
		return nil
	}
	var out []string
	for _, a := range strings.Split(filter, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}
