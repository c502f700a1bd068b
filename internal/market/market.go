// internal/market/market.go
package market

import (
	"context"
	"errors"
	"time"
)

// TokenSnapshot is a point-in-time view of a token's market state.
// Snapshots are fetched fresh per decision point and never cached
// beyond one evaluation cycle.
type TokenSnapshot struct {
	Mint         string
	PriceUSD     float64
	LiquidityUSD float64
	Volume24hUSD float64
	FetchedAt    time.Time
}

// ErrNoPair is returned when the aggregator knows of no liquidity pool
// for the requested mint.
var ErrNoPair = errors.New("no liquidity pair found for token")

// Client fetches token snapshots from a price/liquidity aggregator.
// Any HTTP or RPC source satisfying this contract is pluggable.
type Client interface {
	GetSnapshot(ctx context.Context, mint string) (*TokenSnapshot, error)
}
