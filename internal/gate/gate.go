// internal/gate/gate.go
package gate

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"autotrader/internal/market"
	"autotrader/internal/position"
)

// Rejection reasons surfaced to callers and the notification sink.
const (
	ReasonInvalidMint     = "invalid mint address"
	ReasonNoPool          = "no liquidity pool found"
	ReasonLowLiquidity    = "liquidity below minimum"
	ReasonCapacityReached = "max concurrent positions reached"
	ReasonDataUnavailable = "market data unavailable"
)

// Config is the admission policy.
type Config struct {
	MinLiquidityUSD        float64
	MaxConcurrentPositions int
}

// Gate applies admission policy before any capital is committed. It is
// a pure decision over fresh data: every Evaluate call fetches a new
// snapshot and performs no mutation.
type Gate struct {
	market   market.Client
	registry *position.Registry
	logger   *zap.Logger
	cfg      Config
}

func New(marketClient market.Client, registry *position.Registry, logger *zap.Logger, cfg Config) *Gate {
	return &Gate{
		market:   marketClient,
		registry: registry,
		logger:   logger.Named("gate"),
		cfg:      cfg,
	}
}

// Evaluate decides whether a candidate mint is admitted for a buy.
// When admit is false, reason explains the rejection; the snapshot is
// nil unless it was fetched before the decision fell through.
//
// An admitted candidate holds a capacity reservation in the registry,
// so concurrent admissions cannot push the position count past the
// cap. Open consumes the reservation; the caller must call
// registry.Release when the buy is abandoned or fails.
func (g *Gate) Evaluate(ctx context.Context, candidateMint string) (*market.TokenSnapshot, bool, string) {
	if _, err := solana.PublicKeyFromBase58(candidateMint); err != nil {
		g.logger.Debug("rejected candidate: bad mint",
			zap.String("mint", candidateMint),
			zap.Error(err))
		return nil, false, ReasonInvalidMint
	}

	// Capacity is reserved before spending a market data request.
	// Candidates beyond the cap are rejected, never queued.
	if !g.registry.Reserve(g.cfg.MaxConcurrentPositions) {
		g.logger.Warn("rejected candidate: capacity reached",
			zap.String("mint", candidateMint),
			zap.Int("active", g.registry.ActiveCount()),
			zap.Int("max", g.cfg.MaxConcurrentPositions))
		return nil, false, ReasonCapacityReached
	}

	snapshot, err := g.market.GetSnapshot(ctx, candidateMint)
	if err != nil {
		g.registry.Release()
		if errors.Is(err, market.ErrNoPair) {
			g.logger.Info("rejected candidate: no pool",
				zap.String("mint", candidateMint))
			return nil, false, ReasonNoPool
		}
		g.logger.Warn("rejected candidate: snapshot fetch failed",
			zap.String("mint", candidateMint),
			zap.Error(err))
		return nil, false, ReasonDataUnavailable
	}

	if snapshot.LiquidityUSD < g.cfg.MinLiquidityUSD {
		g.registry.Release()
		g.logger.Info("rejected candidate: thin liquidity",
			zap.String("mint", candidateMint),
			zap.Float64("liquidity_usd", snapshot.LiquidityUSD),
			zap.Float64("min_liquidity_usd", g.cfg.MinLiquidityUSD))
		return snapshot, false, fmt.Sprintf("%s: $%.0f < $%.0f", ReasonLowLiquidity, snapshot.LiquidityUSD, g.cfg.MinLiquidityUSD)
	}

	g.logger.Info("candidate admitted",
		zap.String("mint", candidateMint),
		zap.Float64("price_usd", snapshot.PriceUSD),
		zap.Float64("liquidity_usd", snapshot.LiquidityUSD),
		zap.Float64("volume_24h_usd", snapshot.Volume24hUSD))

	return snapshot, true, ""
}
