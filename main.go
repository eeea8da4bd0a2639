package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"binance-trader/internal/api"
	"binance-trader/internal/events"
	"binance-trader/internal/exchange"
	"binance-trader/internal/market"
	"binance-trader/internal/monitor"
	"binance-trader/internal/reconciliation"
	"binance-trader/internal/risk"
	"binance-trader/internal/strategy"
	"binance-trader/internal/trade"
	"binance-trader/pkg/config"
	"binance-trader/pkg/db"
	"binance-trader/pkg/exchanges/binance/spot"
	"binance-trader/pkg/exchanges/common"
	marketbinance "binance-trader/pkg/market/binance"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	started := time.Now()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	log.Printf("starting binance-trader: %s", cfg)

	buildVersion := os.Getenv("APP_VERSION")
	if buildVersion == "" {
		buildVersion = "v1.0-dev"
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("database migrations: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()
	metrics := monitor.NewSystemMetrics()

	limiter := common.NewRateLimiter(cfg.RateLimitMaxRequests, cfg.RateLimitWindow)
	limiter.Start(ctx)

	streams := marketbinance.DefaultStreamConfig(cfg.BinanceTestnet)
	streams.MaxRetries = cfg.WSReconnectAttempts
	streams.BackoffMin = cfg.WSReconnectDelay
	if streams.BackoffMax < streams.BackoffMin {
		streams.BackoffMax = streams.BackoffMin
	}
	streams.OnExhausted = func(name string, err error) {
		metrics.IncrementErrors()
		bus.Publish(events.EventStreamLost, events.StreamLost{Stream: name, Error: err.Error()})
	}

	var paper *exchange.Paper
	if cfg.DryRun {
		paper = exchange.NewPaper(cfg.QuoteAsset, cfg.DryRunInitialBalance, cfg.DryRunFeeRate)
		log.Printf("dry run: orders are simulated with %g %s", cfg.DryRunInitialBalance, cfg.QuoteAsset)
	}
	client := exchange.New(exchange.Options{
		Spot: spot.Config{
			APIKey:    cfg.BinanceAPIKey,
			APISecret: cfg.BinanceAPISecret,
			Testnet:   cfg.BinanceTestnet,
		},
		Streams: streams,
		Limiter: limiter,
		Paper:   paper,
	})

	startupCtx, startupCancel := context.WithTimeout(ctx, 15*time.Second)
	if err := client.Ping(startupCtx); err != nil {
		log.Fatalf("exchange unreachable: %v", err)
	}
	if err := client.CheckCredentials(startupCtx); err != nil {
		log.Fatalf("%v", err)
	}
	startupCancel()
	client.StartTimeSync(ctx)

	strategyConfigs, err := strategy.LoadConfig(cfg.StrategyConfig)
	if err != nil {
		log.Fatalf("strategies: %v", err)
	}
	strategies := make(map[string]strategy.Strategy, len(cfg.TradingPairs))
	for _, sc := range strategy.Resolve(strategyConfigs, cfg.TradingPairs, cfg.DefaultStrategy) {
		engine, err := strategy.New(sc)
		if err != nil {
			log.Fatalf("strategies: %v", err)
		}
		strategies[sc.Symbol] = engine
		log.Printf("strategy: %s -> %s", sc.Symbol, engine.Name())
	}

	manager := trade.NewManager(trade.Config{
		QuoteAsset:      cfg.QuoteAsset,
		MaxPositionSize: cfg.MaxPositionSize,
		BalanceFraction: cfg.PositionBalanceFraction,
		MaxTradesPerDay: cfg.MaxTradesPerDay,
		Risk: risk.Config{
			StopLossPct:     cfg.StopLossPct,
			TakeProfitPct:   cfg.TakeProfitPct,
			TrailingStopPct: cfg.TrailingStopPct,
		},
	}, client, strategies)
	manager.Journal = database
	manager.Bus = bus
	manager.Metrics = metrics

	restorePositions(ctx, database, client, manager)

	traded, err := database.CountFilledEntriesSince(ctx, risk.StartOfDay(time.Now()))
	if err != nil {
		log.Printf("journal: daily trade count unavailable, starting from 0: %v", err)
	}
	manager.SeedTradeCount(traded)

	(&monitor.Monitor{Bus: bus}).Start(ctx)

	feed := &market.Feed{
		Source:     client,
		Sink:       manager,
		Symbols:    manager.Symbols(),
		Interval:   cfg.KlineInterval,
		WarmupBars: cfg.WarmupBars,
	}
	if err := feed.Start(ctx); err != nil {
		log.Fatalf("market feed: %v", err)
	}

	var server *api.Server
	if cfg.EnableAPI {
		server = api.NewServer(api.Deps{
			Bus:     bus,
			Journal: database,
			Trader:  manager,
			Streams: client,
			Limiter: client.RateLimiter(),
			Metrics: metrics,
			Meta: api.SystemMeta{
				DryRun:   cfg.DryRun,
				Testnet:  cfg.BinanceTestnet,
				Symbols:  manager.Symbols(),
				Interval: cfg.KlineInterval,
				Version:  buildVersion,
			},
		})
		go func() {
			if err := server.Start(ctx, ":"+cfg.Port); err != nil {
				log.Printf("api: %v", err)
			}
		}()
		log.Printf("api listening on :%s", cfg.Port)
	}

	log.Printf("trading %d symbols on %s candles", len(strategies), cfg.KlineInterval)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("shutting down")
	// ctx stays live until the consumers have drained, so orders in flight complete.
	if err := feed.Stop(client.CloseAllStreams); err != nil {
		log.Printf("market feed: %v", err)
	}

	if cfg.CloseOnShutdown {
		closeCtx, closeCancel := context.WithTimeout(ctx, 30*time.Second)
		if err := manager.CloseAll(closeCtx); err != nil {
			log.Printf("close on shutdown: %v", err)
		}
		closeCancel()
	}
	cancel()
	limiter.Stop()

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("api shutdown: %v", err)
		}
		shutdownCancel()
	}

	summaryCtx, summaryCancel := context.WithTimeout(context.Background(), 5*time.Second)
	rows, err := database.Summarize(summaryCtx, started)
	summaryCancel()
	if err != nil {
		log.Printf("session summary: %v", err)
	} else {
		monitor.RenderSummary(os.Stdout, rows)
	}

	if err := database.Close(); err != nil {
		log.Printf("database close: %v", err)
	}
	bus.Close()
	log.Println("stopped")
}

// restorePositions reloads journaled positions, reconciled against the account when trading
// live. Paper balances start empty, so a dry run credits each restored quantity instead.
func restorePositions(ctx context.Context, database *db.Database, client *exchange.Client, manager *trade.Manager) {
	saved, err := database.ListPositions(ctx)
	if err != nil {
		log.Printf("journal: open positions unavailable: %v", err)
		return
	}
	positions := make([]trade.Position, 0, len(saved))
	for _, p := range saved {
		positions = append(positions, trade.Position{
			Symbol:        p.Symbol,
			EntryPrice:    p.EntryPrice,
			Quantity:      p.Qty,
			OrderID:       p.OrderID,
			ClientOrderID: p.OrderID,
			OpenedAt:      p.OpenedAt,
		})
	}

	switch {
	case len(positions) == 0:
	case client.DryRun():
		funded := positions[:0]
		for _, p := range positions {
			if err := client.CreditPaper(p.Symbol, p.Quantity); err != nil {
				log.Printf("dry run: skipping restored %s position: %v", p.Symbol, err)
				continue
			}
			funded = append(funded, p)
		}
		positions = funded
	default:
		report, err := reconciliation.NewService(client, database).Reconcile(ctx, positions)
		if err != nil {
			log.Printf("reconcile: %v, restoring journal unchanged", err)
		} else {
			reconciliation.LogReport(report)
			positions = report.Positions
		}
	}

	if n := manager.Restore(positions); n > 0 {
		log.Printf("restored %d open positions", n)
	}
}
