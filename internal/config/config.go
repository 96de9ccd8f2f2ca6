package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

const (
	ExchangeBinance = "binance"
	ExchangeAlpaca  = "alpaca"

	LedgerFile     = "file"
	LedgerRedis    = "redis"
	LedgerPostgres = "postgres"
)

type Config struct {
	Mode     Mode
	Exchange string
	Pair     string
	Interval string
	Bars     int

	Fast         int
	Slow         int
	SignalPeriod int

	AutotradeEvery time.Duration
	AutotradeFirst time.Duration
	Headless       bool

	MinQuote    decimal.Decimal
	MinBase     decimal.Decimal
	PaperQuote  decimal.Decimal
	MaxAttempts int
	BackoffBase time.Duration

	Ledger         string
	LedgerPath     string
	DecisionsPath  string
	CheckpointPath string

	ReconcileInterval time.Duration
	MetricsAddr       string
	LogLevel          string
	LogFormat         string
	PriceStream       bool

	AlpacaStepSize    decimal.Decimal
	AlpacaMinNotional decimal.Decimal

	BinanceAPIKey    string
	BinanceAPISecret string
	BinanceBaseURL   string
	AlpacaAPIKey     string
	AlpacaAPISecret  string
	AlpacaBaseURL    string

	TelegramToken string
	AllowedChats  []int64

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DatabaseURL   string
}

func Load() (Config, error) {
	var cfg Config
	var mode string
	var minQuote, minBase, paperQuote, alpacaStep, alpacaMinNotional string

	if err := loadDotEnv(".env"); err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}

	flag.StringVar(&mode, "mode", string(ModePaper), "run mode: paper or live")
	flag.StringVar(&cfg.Exchange, "exchange", ExchangeBinance, "exchange: binance or alpaca")
	flag.StringVar(&cfg.Pair, "pair", "BTCUSDC", "trading pair")
	flag.StringVar(&cfg.Interval, "interval", "1m", "kline interval")
	flag.IntVar(&cfg.Bars, "bars", 100, "number of bars fetched per evaluation")
	flag.IntVar(&cfg.Fast, "fast", 12, "fast EMA period")
	flag.IntVar(&cfg.Slow, "slow", 26, "slow EMA period")
	flag.IntVar(&cfg.SignalPeriod, "signal", 9, "signal EMA period")
	flag.DurationVar(&cfg.AutotradeEvery, "autotrade-every", 60*time.Second, "autotrade interval")
	flag.DurationVar(&cfg.AutotradeFirst, "autotrade-first", 10*time.Second, "delay before the first autotrade cycle")
	flag.BoolVar(&cfg.Headless, "headless", false, "run without telegram, autotrade enabled, reports to the log")
	flag.StringVar(&minQuote, "min-quote", "10", "minimum quote balance to buy")
	flag.StringVar(&minBase, "min-base", "0.0001", "minimum base balance to sell")
	flag.StringVar(&paperQuote, "paper-quote", "1000", "starting quote balance in paper mode")
	flag.IntVar(&cfg.MaxAttempts, "max-attempts", 3, "order submission attempts")
	flag.DurationVar(&cfg.BackoffBase, "backoff-base", time.Second, "first retry delay, doubled per attempt")
	flag.StringVar(&cfg.Ledger, "ledger", LedgerFile, "trade ledger: file, redis or postgres")
	flag.StringVar(&cfg.LedgerPath, "ledger-path", "trade_history.json", "path to the file ledger")
	flag.StringVar(&cfg.DecisionsPath, "decisions-path", "decisions.ndjson", "path to decisions log")
	flag.StringVar(&cfg.CheckpointPath, "checkpoint-path", "checkpoint.json", "path to checkpoint file")
	flag.DurationVar(&cfg.ReconcileInterval, "reconcile-interval", 5*time.Minute, "reconciliation interval")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", ":9090", "metrics listen address, empty to disable")
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "log level: debug, info, warn or error")
	flag.StringVar(&cfg.LogFormat, "log-format", "text", "log format: text or json")
	flag.BoolVar(&cfg.PriceStream, "price-stream", false, "subscribe to the binance trade stream for live prices")
	flag.StringVar(&alpacaStep, "alpaca-step", "0.000000001", "alpaca quantity increment")
	flag.StringVar(&alpacaMinNotional, "alpaca-min-notional", "1", "alpaca minimum order notional")
	flag.Parse()

	cfg.Mode = Mode(mode)
	cfg.Pair = strings.ToUpper(cfg.Pair)

	for _, d := range []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"min-quote", minQuote, &cfg.MinQuote},
		{"min-base", minBase, &cfg.MinBase},
		{"paper-quote", paperQuote, &cfg.PaperQuote},
		{"alpaca-step", alpacaStep, &cfg.AlpacaStepSize},
		{"alpaca-min-notional", alpacaMinNotional, &cfg.AlpacaMinNotional},
	} {
		v, err := decimal.NewFromString(d.raw)
		if err != nil {
			return cfg, fmt.Errorf("invalid %s: %q", d.name, d.raw)
		}
		*d.dst = v
	}

	cfg.BinanceAPIKey = os.Getenv("BINANCE_API_KEY")
	cfg.BinanceAPISecret = os.Getenv("BINANCE_API_SECRET")
	cfg.BinanceBaseURL = os.Getenv("BINANCE_BASE_URL")
	cfg.AlpacaAPIKey = os.Getenv("APCA_API_KEY_ID")
	cfg.AlpacaAPISecret = os.Getenv("APCA_API_SECRET_KEY")
	cfg.AlpacaBaseURL = os.Getenv("APCA_BASE_URL")
	cfg.TelegramToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.RedisAddr = envOr("REDIS_ADDR", "localhost:6379")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	chats, err := parseChatIDs(os.Getenv("TELEGRAM_ALLOWED_CHATS"))
	if err != nil {
		return cfg, err
	}
	cfg.AllowedChats = chats
	if raw := os.Getenv("REDIS_DB"); raw != "" {
		db, err := strconv.Atoi(raw)
		if err != nil {
			return cfg, fmt.Errorf("invalid REDIS_DB: %q", raw)
		}
		cfg.RedisDB = db
	}

	if err := validate(cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.Mode != ModePaper && cfg.Mode != ModeLive {
		return fmt.Errorf("invalid mode: %s", cfg.Mode)
	}
	if cfg.Exchange != ExchangeBinance && cfg.Exchange != ExchangeAlpaca {
		return fmt.Errorf("invalid exchange: %s", cfg.Exchange)
	}
	if cfg.Pair == "" {
		return fmt.Errorf("pair is required")
	}
	if cfg.Fast <= 0 || cfg.Slow <= 0 || cfg.SignalPeriod <= 0 {
		return fmt.Errorf("fast, slow and signal periods must be > 0")
	}
	if cfg.Fast >= cfg.Slow {
		return fmt.Errorf("fast period must be < slow period")
	}
	if cfg.Bars < cfg.Slow+cfg.SignalPeriod {
		return fmt.Errorf("bars must be >= slow + signal (%d)", cfg.Slow+cfg.SignalPeriod)
	}
	if cfg.AutotradeEvery <= 0 {
		return fmt.Errorf("autotrade-every must be > 0")
	}
	if cfg.AutotradeFirst < 0 {
		return fmt.Errorf("autotrade-first must be >= 0")
	}
	if cfg.ReconcileInterval <= 0 {
		return fmt.Errorf("reconcile-interval must be > 0")
	}
	if cfg.MaxAttempts < 1 {
		return fmt.Errorf("max-attempts must be >= 1")
	}
	if cfg.BackoffBase < 0 {
		return fmt.Errorf("backoff-base must be >= 0")
	}
	if cfg.MinQuote.IsNegative() || cfg.MinBase.IsNegative() {
		return fmt.Errorf("min-quote and min-base must be >= 0")
	}
	if cfg.Mode == ModePaper && !cfg.PaperQuote.IsPositive() {
		return fmt.Errorf("paper-quote must be > 0")
	}
	if cfg.Exchange == ExchangeAlpaca && !cfg.AlpacaStepSize.IsPositive() {
		return fmt.Errorf("alpaca-step must be > 0")
	}

	switch cfg.Exchange {
	case ExchangeBinance:
		if cfg.Mode == ModeLive && (cfg.BinanceAPIKey == "" || cfg.BinanceAPISecret == "") {
			return fmt.Errorf("BINANCE_API_KEY and BINANCE_API_SECRET are required in live mode")
		}
	case ExchangeAlpaca:
		// market data needs credentials even when orders are simulated
		if cfg.AlpacaAPIKey == "" || cfg.AlpacaAPISecret == "" {
			return fmt.Errorf("APCA_API_KEY_ID and APCA_API_SECRET_KEY are required for alpaca")
		}
	}

	switch cfg.Ledger {
	case LedgerFile:
		if cfg.LedgerPath == "" {
			return fmt.Errorf("ledger-path is required for the file ledger")
		}
	case LedgerRedis:
		if cfg.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis ledger")
		}
	case LedgerPostgres:
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres ledger")
		}
	default:
		return fmt.Errorf("invalid ledger: %s", cfg.Ledger)
	}

	if cfg.PriceStream && cfg.Exchange != ExchangeBinance {
		return fmt.Errorf("price-stream is only available for binance")
	}
	if !cfg.Headless {
		if cfg.TelegramToken == "" {
			return fmt.Errorf("TELEGRAM_BOT_TOKEN is required unless -headless is set")
		}
		if len(cfg.AllowedChats) == 0 {
			return fmt.Errorf("TELEGRAM_ALLOWED_CHATS is required unless -headless is set")
		}
	}
	return nil
}

// parseChatIDs reads a comma-separated list of chat ids.
func parseChatIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, field := range strings.Split(raw, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		id, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid chat id in TELEGRAM_ALLOWED_CHATS: %q", field)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
