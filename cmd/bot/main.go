package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"scalper/internal/config"
	"scalper/internal/engine"
	"scalper/internal/exchange"
	"scalper/internal/exchange/alpaca"
	"scalper/internal/exchange/binance"
	"scalper/internal/exchange/paper"
	"scalper/internal/ledger"
	"scalper/internal/metrics"
	"scalper/internal/retry"
	"scalper/internal/risk"
	"scalper/internal/scheduler"
	"scalper/internal/state"
	"scalper/internal/telegram"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	setupLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runID := generateRunID()
	decisions, err := engine.NewDecisionLogger(cfg.DecisionsPath, runID)
	if err != nil {
		log.Fatalf("decision logger error: %v", err)
	}
	defer func() {
		if err := decisions.Close(); err != nil {
			log.Printf("failed to close decision logger: %v", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler(reg), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server stopped", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	ex, stream, err := buildExchange(ctx, cfg)
	if err != nil {
		log.Fatalf("exchange error: %v", err)
	}
	if stream != nil {
		stream.OnPrice(m.SetStreamPrice)
		go stream.Run(ctx)
	}

	store, closeStore, err := buildLedgerStore(ctx, cfg)
	if err != nil {
		log.Fatalf("ledger error: %v", err)
	}
	defer closeStore()
	book := ledger.Open(ctx, store)

	status := state.NewStore(cfg.Pair)
	if err := status.Load(cfg.CheckpointPath); err == nil {
		log.Printf("loaded checkpoint from %s", cfg.CheckpointPath)
	}
	status.SetAutotrade(false)

	eng := engine.New(engine.Config{
		Pair:         cfg.Pair,
		Interval:     cfg.Interval,
		Bars:         cfg.Bars,
		Fast:         cfg.Fast,
		Slow:         cfg.Slow,
		SignalPeriod: cfg.SignalPeriod,
	}, engine.Deps{
		Exchange: ex,
		Ledger:   book,
		Sizer:    risk.Sizer{MinQuote: cfg.MinQuote, MinBase: cfg.MinBase},
		Policy: retry.Policy{
			MaxAttempts: cfg.MaxAttempts,
			Backoff:     retry.Exponential(cfg.BackoffBase),
		},
		State:     status,
		Decisions: decisions,
		Metrics:   m,
	})

	go eng.ReconcileLoop(ctx, cfg.ReconcileInterval)

	sched := scheduler.New(ctx, 0)
	cycle := func(ctx context.Context) string { return eng.CheckAndTrade(ctx).Text() }

	log.Printf("starting bot run=%s mode=%s exchange=%s pair=%s trades=%d", runID, cfg.Mode, ex.Name(), cfg.Pair, book.Len())
	if cfg.Headless {
		auto := scheduler.NewAutotrade(sched, cfg.AutotradeFirst, cfg.AutotradeEvery, cycle, func(ctx context.Context, _ int64, text string) {
			slog.Info("autotrade report", "pair", cfg.Pair, "report", text)
		})
		auto.OnChange(onAutotradeChange(m, status))
		if err := auto.Enable(0); err != nil {
			log.Fatalf("autotrade error: %v", err)
		}
		<-ctx.Done()
	} else {
		api := telegram.NewClient(cfg.TelegramToken, "")
		auto := scheduler.NewAutotrade(sched, cfg.AutotradeFirst, cfg.AutotradeEvery, cycle, api.Notify)
		auto.OnChange(onAutotradeChange(m, status))
		bot := telegram.NewBot(api, eng, auto, cfg.AllowedChats)
		if err := bot.Run(ctx); err != nil {
			slog.Error("telegram loop stopped", "error", err)
		}
	}

	log.Printf("shutdown signal received, waiting for in-flight cycles")
	sched.Stop()

	if err := status.Save(cfg.CheckpointPath); err != nil {
		log.Printf("failed to save checkpoint: %v", err)
	}

	log.Printf("bot shutdown complete")
}

func onAutotradeChange(m *metrics.Metrics, status *state.Store) func(bool) {
	return func(enabled bool) {
		m.SetAutotrade(enabled)
		status.SetAutotrade(enabled)
	}
}

// buildExchange returns the venue for cfg. In paper mode the venue's market
// data backs a simulated account holding cfg.PaperQuote of the quote asset.
func buildExchange(ctx context.Context, cfg config.Config) (exchange.Exchange, *binance.PriceStream, error) {
	var (
		venue  exchange.Exchange
		stream *binance.PriceStream
	)
	switch cfg.Exchange {
	case config.ExchangeBinance:
		if cfg.PriceStream {
			stream = binance.NewPriceStream("", cfg.Pair, 256)
		}
		venue = binance.New(binance.Options{
			APIKey:    cfg.BinanceAPIKey,
			APISecret: cfg.BinanceAPISecret,
			BaseURL:   cfg.BinanceBaseURL,
			Stream:    stream,
		})
	case config.ExchangeAlpaca:
		base, quote, err := splitPair(cfg.Pair)
		if err != nil {
			return nil, nil, err
		}
		venue = alpaca.New(alpaca.Options{
			APIKey:      cfg.AlpacaAPIKey,
			APISecret:   cfg.AlpacaAPISecret,
			BaseURL:     cfg.AlpacaBaseURL,
			BaseAsset:   base,
			QuoteAsset:  quote,
			MinNotional: cfg.AlpacaMinNotional,
			MinQuantity: cfg.AlpacaStepSize,
			StepSize:    cfg.AlpacaStepSize,
		})
	default:
		return nil, nil, fmt.Errorf("unknown exchange %q", cfg.Exchange)
	}

	if cfg.Mode != config.ModePaper {
		return venue, stream, nil
	}
	cons, err := venue.TradingConstraints(ctx, cfg.Pair)
	if err != nil {
		return nil, nil, fmt.Errorf("paper account constraints: %w", err)
	}
	account := paper.New(venue, map[string]decimal.Decimal{cons.QuoteAsset: cfg.PaperQuote})
	return account, stream, nil
}

func buildLedgerStore(ctx context.Context, cfg config.Config) (ledger.Store, func(), error) {
	switch cfg.Ledger {
	case config.LedgerRedis:
		store := ledger.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.Pair)
		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		return store, func() { _ = store.Close() }, nil
	case config.LedgerPostgres:
		pool, err := ledger.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := ledger.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return ledger.NewPostgresStore(pool, cfg.Pair), pool.Close, nil
	default:
		return ledger.NewFileStore(cfg.LedgerPath), func() {}, nil
	}
}

var knownQuotes = []string{"USDT", "USDC", "USD", "BTC"}

// splitPair reads BTC/USD or BTCUSD into its assets.
func splitPair(pair string) (string, string, error) {
	if base, quote, ok := strings.Cut(pair, "/"); ok {
		return base, quote, nil
	}
	for _, quote := range knownQuotes {
		if base, ok := strings.CutSuffix(pair, quote); ok && base != "" {
			return base, quote, nil
		}
	}
	return "", "", fmt.Errorf("cannot split pair %q, use the BASE/QUOTE form", pair)
}

func setupLogger(level, format string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var out io.Writer = os.Stderr
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func generateRunID() string {
	timestamp := time.Now().UTC().Format("20060102T150405")
	return timestamp + "-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
}
