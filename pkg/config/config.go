package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the trader. It is read once at startup
// and not modified afterwards.
type Config struct {
	Port      string `validate:"required,numeric"`
	EnableAPI bool

	// Binance
	BinanceAPIKey    string `validate:"required_unless=DryRun true"`
	BinanceAPISecret string `validate:"required_unless=DryRun true"`
	BinanceTestnet   bool

	// Market
	TradingPairs  []string `validate:"min=1,dive,required,alphanum"`
	KlineInterval string   `validate:"oneof=1m 3m 5m 15m 30m 1h 2h 4h 6h 8h 12h 1d 3d 1w 1M"`
	QuoteAsset    string   `validate:"required,alphanum"`

	// Sizing and risk
	MaxPositionSize         float64 `validate:"gt=0"`
	PositionBalanceFraction float64 `validate:"gt=0,lte=1"`
	StopLossPct             float64 `validate:"gte=0,lt=100"`
	TakeProfitPct           float64 `validate:"gte=0"`
	TrailingStopPct         float64 `validate:"gte=0,lt=100"`
	MaxTradesPerDay         int     `validate:"gte=0"`

	// Streams and REST budget
	WSReconnectAttempts  int           `validate:"gte=1"`
	WSReconnectDelay     time.Duration `validate:"gt=0"`
	RateLimitMaxRequests int           `validate:"gt=0"`
	RateLimitWindow      time.Duration `validate:"gt=0"`

	// Strategies
	StrategyConfig  string
	DefaultStrategy string `validate:"oneof=rsi scalping ma_cross"`
	WarmupBars      int    `validate:"gte=0,lte=1000"`

	// Database
	DBPath string `validate:"required"`

	// Execution
	DryRun               bool
	DryRunInitialBalance float64 `validate:"gt=0"`
	DryRunFeeRate        float64 `validate:"gte=0,lt=1"` // decimal (e.g. 0.001 = 10 bps)
	CloseOnShutdown      bool
}

// Load reads environment variables (optionally via .env) into Config and validates it.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	e := &env{}
	pairs := splitAndTrim(e.getEnv("TRADING_PAIRS", "BTCUSDT,ETHUSDT"))
	for i, p := range pairs {
		pairs[i] = strings.ToUpper(p)
	}

	cfg := &Config{
		Port:                    e.getEnv("PORT", "8080"),
		EnableAPI:               e.getEnvBool("ENABLE_API", true),
		BinanceAPIKey:           os.Getenv("BINANCE_API_KEY"),
		BinanceAPISecret:        os.Getenv("BINANCE_API_SECRET"),
		BinanceTestnet:          e.getEnvBool("BINANCE_TESTNET", true),
		TradingPairs:            pairs,
		KlineInterval:           e.getEnv("KLINE_INTERVAL", "1m"),
		QuoteAsset:              strings.ToUpper(e.getEnv("QUOTE_ASSET", "USDT")),
		MaxPositionSize:         e.getEnvFloat("MAX_POSITION_SIZE", 100),
		PositionBalanceFraction: e.getEnvFloat("POSITION_BALANCE_FRACTION", 0.10),
		StopLossPct:             e.getEnvFloat("STOP_LOSS_PERCENTAGE", 1.0),
		TakeProfitPct:           e.getEnvFloat("TAKE_PROFIT_PERCENTAGE", 2.0),
		TrailingStopPct:         e.getEnvFloat("TRAILING_STOP_PERCENTAGE", 0),
		MaxTradesPerDay:         e.getEnvInt("MAX_TRADES_PER_DAY", 10),
		WSReconnectAttempts:     e.getEnvInt("WS_RECONNECT_ATTEMPTS", 5),
		WSReconnectDelay:        e.getEnvDuration("WS_RECONNECT_DELAY", time.Second),
		RateLimitMaxRequests:    e.getEnvInt("RATE_LIMIT_MAX_REQUESTS", 1200),
		RateLimitWindow:         e.getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		StrategyConfig:          e.getEnv("STRATEGY_CONFIG", "./strategies.yaml"),
		DefaultStrategy:         strings.ToLower(e.getEnv("DEFAULT_STRATEGY", "rsi")),
		WarmupBars:              e.getEnvInt("WARMUP_BARS", 100),
		DBPath:                  e.getEnv("DB_PATH", "./data/trader.db"),
		DryRun:                  e.getEnvBool("DRY_RUN", false),
		DryRunInitialBalance:    e.getEnvFloat("DRY_RUN_INITIAL_BALANCE", 10000),
		DryRunFeeRate:           e.getEnvFloat("DRY_RUN_FEE_RATE", 0.001),
		CloseOnShutdown:         e.getEnvBool("CLOSE_ON_SHUTDOWN", false),
	}
	if err := errors.Join(e.errs...); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// String summarizes the settings for the startup log; credentials are masked.
func (c *Config) String() string {
	mode := "live"
	if c.DryRun {
		mode = "dry-run"
	}
	network := "mainnet"
	if c.BinanceTestnet {
		network = "testnet"
	}
	return fmt.Sprintf("mode=%s network=%s pairs=%s interval=%s key=%s max_position=%g %s stop_loss=%g%% take_profit=%g%% trades/day=%d",
		mode, network, strings.Join(c.TradingPairs, ","), c.KlineInterval, mask(c.BinanceAPIKey),
		c.MaxPositionSize, c.QuoteAsset, c.StopLossPct, c.TakeProfitPct, c.MaxTradesPerDay)
}

func mask(s string) string {
	if len(s) <= 8 {
		if s == "" {
			return "<unset>"
		}
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// env reads typed variables, collecting parse errors instead of silently defaulting.
type env struct {
	errs []error
}

func (e *env) getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func (e *env) getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func (e *env) getEnvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func (e *env) getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return i
}

// getEnvDuration accepts Go durations ("1500ms") or plain seconds ("60").
func (e *env) getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
