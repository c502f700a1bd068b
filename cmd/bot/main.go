// cmd/bot/main.go
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"autotrader/internal/config"
	"autotrader/internal/engine"
	"autotrader/internal/events"
	"autotrader/internal/gate"
	"autotrader/internal/journal"
	"autotrader/internal/logger"
	"autotrader/internal/market"
	"autotrader/internal/monitor"
	"autotrader/internal/position"
	"autotrader/internal/storage"
	"autotrader/internal/trader"
	"autotrader/internal/wallet"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logCfg := logger.DefaultConfig()
	logCfg.LogFile = cfg.LogFile
	logCfg.Development = cfg.DebugLogging
	log, err := logger.New(logCfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync(log) }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w, err := wallet.New(cfg.WalletPrivateKey)
	if err != nil {
		return fmt.Errorf("init wallet: %w", err)
	}
	log.Info("wallet loaded", zap.String("address", w.String()))

	marketClient := market.NewHTTPClient(cfg.MarketDataURL, log)
	defer marketClient.Close()

	pool, err := engine.NewRPCPool(cfg.RPCList, log)
	if err != nil {
		return fmt.Errorf("init rpc pool: %w", err)
	}

	endpoints := make([]engine.AggregatorEndpoint, 0, len(cfg.AggregatorEndpoints))
	for _, endpoint := range cfg.AggregatorEndpoints {
		endpoints = append(endpoints, engine.NewAggregatorClient(endpoint, log))
	}

	exec, err := engine.New(endpoints, pool, w, log, engine.Config{
		MaxRetriesPerEndpoint:    cfg.MaxRetriesPerEndpoint,
		ConfirmationTimeout:      time.Duration(cfg.ConfirmationTimeoutSecs) * time.Second,
		PriorityFeeMicroLamports: cfg.PriorityFeeMicroLamport,
	})
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}

	var archiver position.Archiver
	if cfg.PostgresURL != "" {
		store, err := storage.New(cfg.PostgresURL, log)
		if err != nil {
			return fmt.Errorf("init storage: %w", err)
		}
		archiver = store
	} else {
		log.Warn("no postgres_url configured, closed positions are kept in memory only")
	}

	registry := position.NewRegistry(log, archiver)

	bus := events.NewBus(log, 100)
	subscribeNotificationLog(bus, log)

	if cfg.TradeLogCSV != "" {
		trades, err := journal.New(cfg.TradeLogCSV, 5*time.Second, log)
		if err != nil {
			return fmt.Errorf("init trade journal: %w", err)
		}
		defer func() {
			if err := trades.Close(); err != nil {
				log.Warn("failed to close trade journal", zap.Error(err))
			}
		}()
		trades.Attach(bus)
	}

	ladder := &position.Ladder{
		Tiers:              make([]position.Tier, 0, len(cfg.TierLadder)),
		StopLossMultiplier: cfg.StopLossMultiplier,
	}
	for _, tier := range cfg.TierLadder {
		ladder.Tiers = append(ladder.Tiers, position.Tier{
			PriceMultiplier:        tier.PriceMultiplier,
			CumulativeSellFraction: tier.CumulativeSellFraction,
		})
	}

	mon, err := monitor.NewService(registry, marketClient, exec, bus, log, monitor.Config{
		Ladder:       ladder,
		PollInterval: time.Duration(cfg.PollIntervalSeconds) * time.Second,
		SlippageBps:  cfg.SlippageBps,
	})
	if err != nil {
		return fmt.Errorf("init monitor: %w", err)
	}

	t := trader.New(gate.New(marketClient, registry, log, gate.Config{
		MinLiquidityUSD:        cfg.MinLiquidityUSD,
		MaxConcurrentPositions: cfg.MaxConcurrentPositions,
	}), exec, registry, mon, bus, log, trader.Config{
		BuyAmountSOL:  cfg.BuyAmountSOL,
		SlippageBps:   cfg.SlippageBps,
		MaxConcurrent: cfg.MaxConcurrentPositions,
		DryRun:        cfg.DryRun,
	})

	log.Info("bot started",
		zap.Int("rpc_endpoints", len(cfg.RPCList)),
		zap.Int("aggregator_endpoints", len(endpoints)),
		zap.Int("ladder_tiers", len(ladder.Tiers)),
		zap.Bool("dry_run", cfg.DryRun))

	go readSignals(ctx, t.Signals(), log)

	err = t.Run(ctx)
	if err != nil && err != context.Canceled {
		log.Error("trader stopped with error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := mon.Shutdown(shutdownCtx); err != nil {
		log.Warn("monitor shutdown incomplete", zap.Error(err))
	}
	if err := bus.Shutdown(shutdownCtx); err != nil {
		log.Warn("event bus shutdown incomplete", zap.Error(err))
	}

	log.Info("bot stopped")
	return nil
}

// readSignals feeds candidate mints from stdin, one per line. Lines
// starting with # are ignored so signal files can be piped in directly.
func readSignals(ctx context.Context, signals chan<- string, log *zap.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		mint := strings.TrimSpace(scanner.Text())
		if mint == "" || strings.HasPrefix(mint, "#") {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case signals <- mint:
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warn("signal input closed with error", zap.Error(err))
	}
}

// subscribeNotificationLog mirrors lifecycle events into the log. Chat
// integrations subscribe to the same bus with their own handlers.
func subscribeNotificationLog(bus *events.Bus, log *zap.Logger) {
	notify := log.Named("notify")

	bus.SubscribeFunc(events.PositionOpened, func(_ context.Context, e events.Event) error {
		ev := e.(events.PositionOpenedEvent)
		notify.Info("position opened",
			zap.String("position_id", ev.PositionID),
			zap.String("mint", ev.TokenMint),
			zap.Float64("entry_price_usd", ev.EntryPriceUSD),
			zap.Float64("quantity", ev.Quantity),
			zap.Float64("invested_sol", ev.InvestedSOL),
			zap.String("tx", ev.TxSignature))
		return nil
	})

	bus.SubscribeFunc(events.TierExecuted, func(_ context.Context, e events.Event) error {
		ev := e.(events.TierExecutedEvent)
		notify.Info("tier executed",
			zap.String("position_id", ev.PositionID),
			zap.String("mint", ev.TokenMint),
			zap.Int("tier", ev.TierIndex),
			zap.Float64("quantity_sold", ev.QuantitySold),
			zap.Float64("proceeds_sol", ev.ProceedsSOL),
			zap.Float64("multiplier", ev.Multiplier),
			zap.String("tx", ev.TxSignature))
		return nil
	})

	bus.SubscribeFunc(events.StopLossTriggered, func(_ context.Context, e events.Event) error {
		ev := e.(events.StopLossTriggeredEvent)
		notify.Warn("stop-loss triggered",
			zap.String("position_id", ev.PositionID),
			zap.String("mint", ev.TokenMint),
			zap.Float64("quantity_sold", ev.QuantitySold),
			zap.Float64("proceeds_sol", ev.ProceedsSOL),
			zap.Float64("multiplier", ev.Multiplier),
			zap.String("tx", ev.TxSignature))
		return nil
	})

	bus.SubscribeFunc(events.PositionClosed, func(_ context.Context, e events.Event) error {
		ev := e.(events.PositionClosedEvent)
		notify.Info("position closed",
			zap.String("position_id", ev.PositionID),
			zap.String("mint", ev.TokenMint),
			zap.String("final_status", ev.FinalStatus),
			zap.Int("total_sells", ev.TotalSells))
		return nil
	})

	bus.SubscribeFunc(events.SwapFailed, func(_ context.Context, e events.Event) error {
		ev := e.(events.SwapFailedEvent)
		notify.Error("swap failed",
			zap.String("position_id", ev.PositionID),
			zap.String("mint", ev.TokenMint),
			zap.String("direction", ev.Direction),
			zap.String("reason", ev.Reason))
		return nil
	})

	bus.SubscribeFunc(events.CandidateRejected, func(_ context.Context, e events.Event) error {
		ev := e.(events.CandidateRejectedEvent)
		notify.Info("candidate rejected",
			zap.String("mint", ev.TokenMint),
			zap.String("reason", ev.Reason))
		return nil
	})
}
