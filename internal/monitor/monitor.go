// internal/monitor/monitor.go
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"autotrader/internal/engine"
	"autotrader/internal/events"
	"autotrader/internal/market"
	"autotrader/internal/position"
)

// Swapper is the monitor's view of the execution engine.
type Swapper interface {
	Sell(ctx context.Context, mint string, quantity float64, maxSlippageBps uint64) *engine.SwapResult
}

// Config tunes the monitoring loop.
type Config struct {
	Ladder       *position.Ladder
	PollInterval time.Duration
	SlippageBps  uint64
}

// Service runs one concurrent watcher per open position. Each watcher
// polls the market on a fixed interval, services the take-profit
// ladder and the stop-loss, and funnels every mutation through the
// registry. Watchers never block each other; a slow confirmation on
// one position does not delay another's tick.
type Service struct {
	registry *position.Registry
	market   market.Client
	swapper  Swapper
	bus      *events.Bus
	logger   *zap.Logger
	cfg      Config

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewService(registry *position.Registry, marketClient market.Client, swapper Swapper, bus *events.Bus, logger *zap.Logger, cfg Config) (*Service, error) {
	if cfg.Ladder == nil || len(cfg.Ladder.Tiers) == 0 {
		return nil, fmt.Errorf("ladder cannot be empty")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	return &Service{
		registry: registry,
		market:   marketClient,
		swapper:  swapper,
		bus:      bus,
		logger:   logger.Named("monitor"),
		cfg:      cfg,
		cancels:  make(map[string]context.CancelFunc),
	}, nil
}

// Watch starts a watcher for the position. The watcher exits when the
// position reaches a terminal state or its context is cancelled.
func (s *Service) Watch(ctx context.Context, positionID string) error {
	pos, ok := s.registry.Get(positionID)
	if !ok {
		return fmt.Errorf("position %s not found", positionID)
	}
	if pos.Status.Terminal() {
		return fmt.Errorf("position %s is already %s", positionID, pos.Status)
	}

	watchCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if _, exists := s.cancels[positionID]; exists {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("position %s is already being watched", positionID)
	}
	s.cancels[positionID] = cancel
	s.mu.Unlock()

	s.logger.Info("watcher started",
		zap.String("position_id", positionID),
		zap.String("mint", pos.TokenMint),
		zap.Duration("interval", s.cfg.PollInterval))

	s.wg.Add(1)
	go s.run(watchCtx, positionID)
	return nil
}

// Stop cancels a single watcher.
func (s *Service) Stop(positionID string) {
	s.mu.Lock()
	cancel, ok := s.cancels[positionID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// Shutdown cancels all watchers and waits for them to exit.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all watchers stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("timeout waiting for watchers to stop")
		return ctx.Err()
	}
}

func (s *Service) run(ctx context.Context, positionID string) {
	defer s.wg.Done()
	defer s.removeWatcher(positionID)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("watcher cancelled", zap.String("position_id", positionID))
			return
		case <-ticker.C:
			if done := s.tick(ctx, positionID); done {
				return
			}
		}
	}
}

func (s *Service) removeWatcher(positionID string) {
	s.mu.Lock()
	if cancel, ok := s.cancels[positionID]; ok {
		cancel()
		delete(s.cancels, positionID)
	}
	s.mu.Unlock()
}

// tick evaluates one polling cycle. Returns true when the watcher
// should exit because the position reached a terminal state.
func (s *Service) tick(ctx context.Context, positionID string) bool {
	pos, ok := s.registry.Get(positionID)
	if !ok {
		s.logger.Warn("position vanished from registry", zap.String("position_id", positionID))
		return true
	}
	if pos.Status.Terminal() {
		return true
	}

	snapshot, err := s.market.GetSnapshot(ctx, pos.TokenMint)
	if err != nil {
		// Missing data is never a sell signal. Skip the tick and try
		// again on the next interval; no registry mutation occurs.
		s.logger.Warn("snapshot unavailable, skipping tick",
			zap.String("position_id", positionID),
			zap.String("mint", pos.TokenMint),
			zap.Error(err))
		return false
	}

	multiplier := snapshot.PriceUSD / pos.EntryPriceUSD

	s.logger.Debug("tick",
		zap.String("position_id", positionID),
		zap.Float64("price_usd", snapshot.PriceUSD),
		zap.Float64("multiplier", multiplier),
		zap.Float64("remaining", pos.RemainingQuantity))

	// Stop-loss has priority over every ladder tier: when both trigger
	// in the same tick, only the stop-loss executes and the position
	// goes terminal.
	if multiplier <= s.cfg.Ladder.StopLossMultiplier {
		return s.executeStopLoss(ctx, pos, multiplier)
	}

	tierIdx := pos.NextPendingTier(s.cfg.Ladder)
	if tierIdx < 0 {
		return false
	}
	tier := s.cfg.Ladder.Tiers[tierIdx]
	if multiplier < tier.PriceMultiplier {
		return false
	}

	// Only the lowest pending tier executes per tick. When a single
	// jump crosses several thresholds, higher tiers are serviced on
	// subsequent ticks so ladder ordering is preserved.
	return s.executeTier(ctx, pos, tierIdx, multiplier)
}

func (s *Service) executeStopLoss(ctx context.Context, pos *position.Position, multiplier float64) bool {
	quantity := pos.RemainingQuantity

	s.logger.Info("stop-loss triggered",
		zap.String("position_id", pos.ID),
		zap.String("mint", pos.TokenMint),
		zap.Float64("multiplier", multiplier),
		zap.Float64("quantity", quantity))

	result := s.swapper.Sell(ctx, pos.TokenMint, quantity, s.cfg.SlippageBps)
	if !result.Success {
		// Do not advance state on failure; the stop-loss fires again
		// next tick.
		s.logger.Error("stop-loss sell failed",
			zap.String("position_id", pos.ID),
			zap.Int("attempts", len(result.Attempts)),
			zap.Error(result.Err))
		s.publishSwapFailed(pos, string(engine.DirectionSell), result.Err)
		return false
	}

	updated, err := s.registry.ApplySell(pos.ID, quantity, result.AmountOut, nil, position.ReasonStopLoss, result.TxSignature)
	if err != nil {
		s.logger.Error("failed to record stop-loss sell",
			zap.String("position_id", pos.ID),
			zap.Error(err))
		return false
	}

	s.publish(events.StopLossTriggeredEvent{
		BaseEvent:    events.NewBase(events.StopLossTriggered),
		PositionID:   pos.ID,
		TokenMint:    pos.TokenMint,
		QuantitySold: quantity,
		ProceedsSOL:  result.AmountOut,
		Multiplier:   multiplier,
		TxSignature:  result.TxSignature,
	})
	s.publishClosed(updated)
	return true
}

func (s *Service) executeTier(ctx context.Context, pos *position.Position, tierIdx int, multiplier float64) bool {
	tier := s.cfg.Ladder.Tiers[tierIdx]
	incremental := tier.CumulativeSellFraction - pos.MaxExecutedCumulativeFraction(s.cfg.Ladder)
	quantity := pos.OriginalQuantity * incremental
	if quantity > pos.RemainingQuantity {
		quantity = pos.RemainingQuantity
	}
	if quantity <= 0 {
		return false
	}

	s.logger.Info("tier threshold crossed",
		zap.String("position_id", pos.ID),
		zap.String("mint", pos.TokenMint),
		zap.Int("tier", tierIdx),
		zap.Float64("multiplier", multiplier),
		zap.Float64("quantity", quantity))

	result := s.swapper.Sell(ctx, pos.TokenMint, quantity, s.cfg.SlippageBps)
	if !result.Success {
		// Tier stays unmarked so it is retried next tick.
		s.logger.Error("tier sell failed",
			zap.String("position_id", pos.ID),
			zap.Int("tier", tierIdx),
			zap.Int("attempts", len(result.Attempts)),
			zap.Error(result.Err))
		s.publishSwapFailed(pos, string(engine.DirectionSell), result.Err)
		return false
	}

	idx := tierIdx
	updated, err := s.registry.ApplySell(pos.ID, quantity, result.AmountOut, &idx, position.ReasonTier, result.TxSignature)
	if err != nil {
		s.logger.Error("failed to record tier sell",
			zap.String("position_id", pos.ID),
			zap.Int("tier", tierIdx),
			zap.Error(err))
		return false
	}

	s.publish(events.TierExecutedEvent{
		BaseEvent:    events.NewBase(events.TierExecuted),
		PositionID:   pos.ID,
		TokenMint:    pos.TokenMint,
		TierIndex:    tierIdx,
		QuantitySold: quantity,
		ProceedsSOL:  result.AmountOut,
		Multiplier:   multiplier,
		TxSignature:  result.TxSignature,
	})

	if updated.Status.Terminal() {
		s.publishClosed(updated)
		return true
	}
	return false
}

func (s *Service) publishClosed(pos *position.Position) {
	s.publish(events.PositionClosedEvent{
		BaseEvent:   events.NewBase(events.PositionClosed),
		PositionID:  pos.ID,
		TokenMint:   pos.TokenMint,
		FinalStatus: string(pos.Status),
		TotalSells:  len(pos.Sells),
	})
}

func (s *Service) publishSwapFailed(pos *position.Position, direction string, err error) {
	reason := "unknown"
	if err != nil {
		reason = err.Error()
	}
	s.publish(events.SwapFailedEvent{
		BaseEvent:  events.NewBase(events.SwapFailed),
		PositionID: pos.ID,
		TokenMint:  pos.TokenMint,
		Direction:  direction,
		Reason:     reason,
	})
}

func (s *Service) publish(event events.Event) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(event); err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("event_type", string(event.Type())),
			zap.Error(err))
	}
}
