// internal/trader/trader.go
package trader

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"autotrader/internal/engine"
	"autotrader/internal/events"
	"autotrader/internal/gate"
	"autotrader/internal/monitor"
	"autotrader/internal/position"
)

// Executor is the trader's view of the swap execution engine.
type Executor interface {
	Buy(ctx context.Context, mint string, solAmount float64, maxSlippageBps uint64) *engine.SwapResult
	Sell(ctx context.Context, mint string, quantity float64, maxSlippageBps uint64) *engine.SwapResult
}

// Config tunes signal handling.
type Config struct {
	BuyAmountSOL   float64
	SlippageBps    uint64
	MaxConcurrent  int
	DryRun         bool
	SignalBufferSz int
}

// Trader takes candidate signals through the entry gate, executes the
// buy, opens the position, and hands it to the monitor. Signal
// producers only push mints into Signals and subscribe to the event
// bus; they never share mutable state with the monitor watchers.
type Trader struct {
	gate     *gate.Gate
	exec     Executor
	registry *position.Registry
	monitor  *monitor.Service
	bus      *events.Bus
	logger   *zap.Logger
	cfg      Config
	signals  chan string
}

func New(g *gate.Gate, exec Executor, registry *position.Registry, mon *monitor.Service, bus *events.Bus, logger *zap.Logger, cfg Config) *Trader {
	if cfg.SignalBufferSz <= 0 {
		cfg.SignalBufferSz = 64
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	return &Trader{
		gate:     g,
		exec:     exec,
		registry: registry,
		monitor:  mon,
		bus:      bus,
		logger:   logger.Named("trader"),
		cfg:      cfg,
		signals:  make(chan string, cfg.SignalBufferSz),
	}
}

// Signals is where external signal sources push candidate mints.
func (t *Trader) Signals() chan<- string {
	return t.signals
}

// Run consumes candidate signals until the context is cancelled.
// Signal handling is bounded so a burst of candidates cannot spawn an
// unbounded number of in-flight buys.
func (t *Trader) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(t.cfg.MaxConcurrent)

	for {
		select {
		case <-ctx.Done():
			// Let in-flight signal handlers finish.
			if err := g.Wait(); err != nil {
				t.logger.Warn("signal handler finished with error", zap.Error(err))
			}
			return ctx.Err()
		case mint := <-t.signals:
			g.Go(func() error {
				if err := t.HandleSignal(gCtx, mint); err != nil {
					t.logger.Error("signal handling failed",
						zap.String("mint", mint),
						zap.Error(err))
				}
				// Errors are reported via the event bus; one failed
				// signal never stops the run loop.
				return nil
			})
		}
	}
}

// HandleSignal takes one candidate mint through admission, buy, and
// monitor startup. An admitted candidate holds a capacity reservation
// until Open consumes it; every abandoned path releases it.
func (t *Trader) HandleSignal(ctx context.Context, mint string) error {
	snapshot, admit, reason := t.gate.Evaluate(ctx, mint)
	if !admit {
		t.publish(events.CandidateRejectedEvent{
			BaseEvent: events.NewBase(events.CandidateRejected),
			TokenMint: mint,
			Reason:    reason,
		})
		return nil
	}

	if t.cfg.DryRun {
		// Dry run stops short of the execution engine entirely: no
		// swap, no position, no monitor.
		t.registry.Release()
		t.logger.Info("dry run: candidate admitted, skipping execution",
			zap.String("mint", mint),
			zap.Float64("price_usd", snapshot.PriceUSD),
			zap.Float64("liquidity_usd", snapshot.LiquidityUSD))
		return nil
	}

	result := t.exec.Buy(ctx, mint, t.cfg.BuyAmountSOL, t.cfg.SlippageBps)
	if !result.Success {
		t.registry.Release()
		t.publish(events.SwapFailedEvent{
			BaseEvent: events.NewBase(events.SwapFailed),
			TokenMint: mint,
			Direction: string(engine.DirectionBuy),
			Reason:    errString(result.Err),
		})
		return fmt.Errorf("buy failed for %s: %w", mint, result.Err)
	}

	pos, err := t.registry.Open(mint, snapshot.PriceUSD, result.AmountOut, t.cfg.BuyAmountSOL)
	if err != nil {
		t.registry.Release()
		return fmt.Errorf("failed to open position for %s: %w", mint, err)
	}

	t.publish(events.PositionOpenedEvent{
		BaseEvent:     events.NewBase(events.PositionOpened),
		PositionID:    pos.ID,
		TokenMint:     mint,
		EntryPriceUSD: pos.EntryPriceUSD,
		Quantity:      pos.OriginalQuantity,
		InvestedSOL:   pos.InvestedAmountSOL,
		TxSignature:   result.TxSignature,
	})

	if err := t.monitor.Watch(ctx, pos.ID); err != nil {
		return fmt.Errorf("failed to start watcher for %s: %w", pos.ID, err)
	}
	return nil
}

// SellManual liquidates a fraction of a position on operator request.
// The sell funnels through the same registry mutation API as automated
// sells, so the quantity invariant holds in one place.
func (t *Trader) SellManual(ctx context.Context, positionID string, fraction float64) error {
	if fraction <= 0 || fraction > 1 {
		return fmt.Errorf("fraction %f out of range (0, 1]", fraction)
	}

	pos, ok := t.registry.Get(positionID)
	if !ok {
		return fmt.Errorf("position %s not found", positionID)
	}
	if pos.Status.Terminal() {
		return fmt.Errorf("position %s is already %s", positionID, pos.Status)
	}

	quantity := pos.RemainingQuantity * fraction

	result := t.exec.Sell(ctx, pos.TokenMint, quantity, t.cfg.SlippageBps)
	if !result.Success {
		t.publish(events.SwapFailedEvent{
			BaseEvent:  events.NewBase(events.SwapFailed),
			PositionID: pos.ID,
			TokenMint:  pos.TokenMint,
			Direction:  string(engine.DirectionSell),
			Reason:     errString(result.Err),
		})
		return fmt.Errorf("manual sell failed for %s: %w", positionID, result.Err)
	}

	updated, err := t.registry.ApplySell(positionID, quantity, result.AmountOut, nil, position.ReasonManual, result.TxSignature)
	if err != nil {
		return fmt.Errorf("failed to record manual sell for %s: %w", positionID, err)
	}

	if updated.Status.Terminal() {
		t.monitor.Stop(positionID)
		t.publish(events.PositionClosedEvent{
			BaseEvent:   events.NewBase(events.PositionClosed),
			PositionID:  updated.ID,
			TokenMint:   updated.TokenMint,
			FinalStatus: string(updated.Status),
			TotalSells:  len(updated.Sells),
		})
	}
	return nil
}

func (t *Trader) publish(event events.Event) {
	if t.bus == nil {
		return
	}
	if err := t.bus.Publish(event); err != nil {
		t.logger.Warn("failed to publish event",
			zap.String("event_type", string(event.Type())),
			zap.Error(err))
	}
}

func errString(err error) string {
	if err == nil {
		return "unknown"
	}
	return err.Error()
}
