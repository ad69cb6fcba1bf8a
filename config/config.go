package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION - Environment-driven, validated at startup
// ═══════════════════════════════════════════════════════════════════════════════

// Config holds every recognized option for the engine
type Config struct {
	// Mode
	DryRun bool
	Debug  bool

	// Eligibility (expiration sniping)
	TimeToEligibility time.Duration   // strict upper bound on end_time - now
	MaxBuyPrice       decimal.Decimal // strict upper bound on ask
	MinEdge           decimal.Decimal // lower bound on 1 - ask
	PositionSize      decimal.Decimal // USD requested per market

	// Kill switches
	StaleFeedThreshold  time.Duration
	RPCLagThresholdMs   float64 // evaluated against rolling p95 decision_to_ack
	MaxOutstandingOrders int
	DailyLossLimitPct   decimal.Decimal // fraction of opening bankroll
	KillSwitchDebounce  time.Duration   // condition must stay clear this long

	// Circuit breakers
	FailureThreshold    int
	RecoveryTimeout     time.Duration
	HalfOpenMaxRequests int

	// Exposure caps
	MaxExposurePerMarketPct decimal.Decimal
	MaxExposurePerMarketAbs decimal.Decimal
	MaxTotalExposurePct     decimal.Decimal

	// Capital
	Bankroll            decimal.Decimal
	OrderSplitThreshold decimal.Decimal
	OrderSplitCount     int
	RecycleDelay        time.Duration
	RecyclerQueueSize   int

	// Executor
	MaxOrdersPerMinute int
	OrderTimeout       time.Duration
	MaxRetries         int
	QuantizeGridCents  int
	DedupeWindow       time.Duration
	WorkerPoolSize     int

	// State machine
	TransitionSweepInterval time.Duration
	MaxFailuresBeforeHold   int
	FailureRecoveryInterval time.Duration
	DoneRetention           time.Duration

	// Metrics
	HistoryHours     int
	MinFillRateAlert float64
	MaxP95LatencyMs  float64

	// Shutdown
	ShutdownGrace time.Duration

	// Journal
	JournalBackend string // "jsonl", "sqlite", "postgres"
	JournalDir     string
	JournalDSN     string // sqlite path or postgres URL

	// Market source
	GammaAPIURL     string
	AssetFilter     string // e.g. "BTC,ETH,SOL"
	MaxWindowLength time.Duration
	ScanInterval    time.Duration

	// Venue
	CLOBURL        string
	WSURL          string
	CLOBApiKey     string
	CLOBApiSecret  string
	CLOBPassphrase string
	PrivateKey     string
	WalletAddress  string

	// Telegram (optional)
	TelegramToken  string
	TelegramChatID int64
}

// Load reads configuration from the environment and validates it
func Load() (*Config, error) {
	cfg := &Config{
		DryRun: getEnvBool("DRY_RUN", true),
		Debug:  getEnvBool("DEBUG", false),

		TimeToEligibility: getEnvDuration("TIME_TO_ELIGIBILITY", 60*time.Second),
		MaxBuyPrice:       getEnvDecimal("MAX_BUY_PRICE", decimal.NewFromFloat(0.99)),
		MinEdge:           getEnvDecimal("MIN_EDGE", decimal.NewFromFloat(0.01)),
		PositionSize:      getEnvDecimal("POSITION_SIZE", decimal.NewFromFloat(10)),

		StaleFeedThreshold:   getEnvDuration("STALE_FEED_THRESHOLD", 5*time.Second),
		RPCLagThresholdMs:    getEnvFloat("RPC_LAG_THRESHOLD_MS", 2000),
		MaxOutstandingOrders: getEnvInt("MAX_OUTSTANDING_ORDERS", 10),
		DailyLossLimitPct:    getEnvDecimal("DAILY_LOSS_LIMIT_PCT", decimal.NewFromFloat(0.10)),
		KillSwitchDebounce:   getEnvDuration("KILL_SWITCH_DEBOUNCE", 10*time.Second),

		FailureThreshold:    getEnvInt("FAILURE_THRESHOLD", 3),
		RecoveryTimeout:     getEnvDuration("RECOVERY_TIMEOUT", 60*time.Second),
		HalfOpenMaxRequests: getEnvInt("HALF_OPEN_MAX_REQUESTS", 1),

		MaxExposurePerMarketPct: getEnvDecimal("MAX_EXPOSURE_PER_MARKET_PCT", decimal.NewFromFloat(0.05)),
		MaxExposurePerMarketAbs: getEnvDecimal("MAX_EXPOSURE_PER_MARKET_ABS", decimal.NewFromFloat(50)),
		MaxTotalExposurePct:     getEnvDecimal("MAX_TOTAL_EXPOSURE_PCT", decimal.NewFromFloat(0.30)),

		Bankroll:            getEnvDecimal("BANKROLL", decimal.NewFromFloat(1000)),
		OrderSplitThreshold: getEnvDecimal("ORDER_SPLIT_THRESHOLD", decimal.NewFromFloat(20)),
		OrderSplitCount:     getEnvInt("ORDER_SPLIT_COUNT", 3),
		RecycleDelay:        getEnvDuration("RECYCLE_DELAY", 5*time.Second),
		RecyclerQueueSize:   getEnvInt("RECYCLER_QUEUE_SIZE", 256),

		MaxOrdersPerMinute: getEnvInt("MAX_ORDERS_PER_MINUTE", 50),
		OrderTimeout:       getEnvDuration("ORDER_TIMEOUT", 5*time.Second),
		MaxRetries:         getEnvInt("MAX_RETRIES", 3),
		QuantizeGridCents:  getEnvInt("QUANTIZE_GRID_CENTS", 1),
		DedupeWindow:       getEnvDuration("DEDUPE_WINDOW", 60*time.Second),
		WorkerPoolSize:     getEnvInt("WORKER_POOL_SIZE", 4),

		TransitionSweepInterval: getEnvDuration("TRANSITION_SWEEP_INTERVAL", 250*time.Millisecond),
		MaxFailuresBeforeHold:   getEnvInt("MAX_FAILURES_BEFORE_HOLD", 3),
		FailureRecoveryInterval: getEnvDuration("FAILURE_RECOVERY_INTERVAL", 120*time.Second),
		DoneRetention:           getEnvDuration("DONE_RETENTION", time.Hour),

		HistoryHours:     getEnvInt("HISTORY_HOURS", 24),
		MinFillRateAlert: getEnvFloat("MIN_FILL_RATE_ALERT", 0.5),
		MaxP95LatencyMs:  getEnvFloat("MAX_P95_LATENCY_MS", 2000),

		ShutdownGrace: getEnvDuration("SHUTDOWN_GRACE", 5*time.Second),

		JournalBackend: getEnv("JOURNAL_BACKEND", "jsonl"),
		JournalDir:     getEnv("JOURNAL_DIR", "logs/trades"),
		JournalDSN:     getEnv("JOURNAL_DSN", "data/snipecore.db"),

		GammaAPIURL:     getEnv("POLYMARKET_API_URL", "https://gamma-api.polymarket.com"),
		AssetFilter:     getEnv("ASSET_FILTER", "BTC,ETH,SOL"),
		MaxWindowLength: getEnvDuration("MAX_WINDOW_LENGTH", 30*time.Minute),
		ScanInterval:    getEnvDuration("SCAN_INTERVAL", 10*time.Second),

		CLOBURL:        getEnv("POLYMARKET_CLOB_URL", "https://clob.polymarket.com"),
		WSURL:          getEnv("POLYMARKET_WS_URL", "wss://ws-subscriptions-clob.polymarket.com/ws/market"),
		CLOBApiKey:     os.Getenv("CLOB_API_KEY"),
		CLOBApiSecret:  os.Getenv("CLOB_API_SECRET"),
		CLOBPassphrase: os.Getenv("CLOB_PASSPHRASE"),
		PrivateKey:     os.Getenv("WALLET_PRIVATE_KEY"),
		WalletAddress:  os.Getenv("WALLET_ADDRESS"),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if !c.Bankroll.IsPositive() {
		return fmt.Errorf("BANKROLL must be positive, got %s", c.Bankroll)
	}
	if !c.MaxBuyPrice.IsPositive() || c.MaxBuyPrice.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("MAX_BUY_PRICE must be in (0,1], got %s", c.MaxBuyPrice)
	}
	if c.MinEdge.IsNegative() {
		return fmt.Errorf("MIN_EDGE must not be negative, got %s", c.MinEdge)
	}
	if c.OrderSplitCount < 1 {
		return fmt.Errorf("ORDER_SPLIT_COUNT must be at least 1, got %d", c.OrderSplitCount)
	}
	if c.MaxOrdersPerMinute < 1 {
		return fmt.Errorf("MAX_ORDERS_PER_MINUTE must be at least 1, got %d", c.MaxOrdersPerMinute)
	}
	if c.WorkerPoolSize < 1 {
		return fmt.Errorf("WORKER_POOL_SIZE must be at least 1, got %d", c.WorkerPoolSize)
	}
	if c.HalfOpenMaxRequests < 1 {
		return fmt.Errorf("HALF_OPEN_MAX_REQUESTS must be at least 1, got %d", c.HalfOpenMaxRequests)
	}
	switch c.JournalBackend {
	case "jsonl", "sqlite", "postgres":
	default:
		return fmt.Errorf("JOURNAL_BACKEND must be jsonl, sqlite or postgres, got %q", c.JournalBackend)
	}
	if !c.DryRun && c.PrivateKey == "" {
		return fmt.Errorf("WALLET_PRIVATE_KEY is required when DRY_RUN=false")
	}
	return nil
}

// Sanitized returns a copy of the config safe for journaling: credential
// fields are blanked, never logged.
func (c *Config) Sanitized() map[string]string {
	return map[string]string{
		"dry_run":             strconv.FormatBool(c.DryRun),
		"time_to_eligibility": c.TimeToEligibility.String(),
		"max_buy_price":       c.MaxBuyPrice.String(),
		"min_edge":            c.MinEdge.String(),
		"position_size":       c.PositionSize.String(),
		"bankroll":            c.Bankroll.String(),
		"max_orders_per_min":  strconv.Itoa(c.MaxOrdersPerMinute),
		"journal_backend":     c.JournalBackend,
		"asset_filter":        c.AssetFilter,
	}
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
