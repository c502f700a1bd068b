// internal/gate/gate_test.go
package gate

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"autotrader/internal/market"
	"autotrader/internal/position"
)

const validMint = "So11111111111111111111111111111111111111112"

type fakeMarket struct {
	snapshot *market.TokenSnapshot
	err      error
	calls    int
}

func (f *fakeMarket) GetSnapshot(_ context.Context, _ string) (*market.TokenSnapshot, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.snapshot, nil
}

func newGate(t *testing.T, m market.Client, registry *position.Registry) *Gate {
	t.Helper()
	return New(m, registry, zaptest.NewLogger(t), Config{
		MinLiquidityUSD:        10000,
		MaxConcurrentPositions: 2,
	})
}

func TestEvaluateAdmits(t *testing.T) {
	m := &fakeMarket{snapshot: &market.TokenSnapshot{
		Mint:         validMint,
		PriceUSD:     0.001,
		LiquidityUSD: 50000,
	}}
	g := newGate(t, m, position.NewRegistry(zaptest.NewLogger(t), nil))

	snapshot, admit, reason := g.Evaluate(context.Background(), validMint)

	require.True(t, admit)
	assert.Empty(t, reason)
	require.NotNil(t, snapshot)
	assert.Equal(t, 50000.0, snapshot.LiquidityUSD)
}

func TestEvaluateRejectsInvalidMint(t *testing.T) {
	m := &fakeMarket{}
	g := newGate(t, m, position.NewRegistry(zaptest.NewLogger(t), nil))

	_, admit, reason := g.Evaluate(context.Background(), "not-a-mint!!!")

	assert.False(t, admit)
	assert.Equal(t, ReasonInvalidMint, reason)
	assert.Equal(t, 0, m.calls)
}

func TestEvaluateRejectsNoPool(t *testing.T) {
	m := &fakeMarket{err: fmt.Errorf("token %s: %w", validMint, market.ErrNoPair)}
	g := newGate(t, m, position.NewRegistry(zaptest.NewLogger(t), nil))

	_, admit, reason := g.Evaluate(context.Background(), validMint)

	assert.False(t, admit)
	assert.Equal(t, ReasonNoPool, reason)
}

func TestEvaluateRejectsDataUnavailable(t *testing.T) {
	m := &fakeMarket{err: errors.New("connection reset")}
	g := newGate(t, m, position.NewRegistry(zaptest.NewLogger(t), nil))

	_, admit, reason := g.Evaluate(context.Background(), validMint)

	assert.False(t, admit)
	assert.Equal(t, ReasonDataUnavailable, reason)
}

func TestEvaluateRejectsThinLiquidity(t *testing.T) {
	m := &fakeMarket{snapshot: &market.TokenSnapshot{
		Mint:         validMint,
		PriceUSD:     0.001,
		LiquidityUSD: 500,
	}}
	g := newGate(t, m, position.NewRegistry(zaptest.NewLogger(t), nil))

	snapshot, admit, reason := g.Evaluate(context.Background(), validMint)

	assert.False(t, admit)
	assert.Contains(t, reason, ReasonLowLiquidity)
	// The snapshot is still returned for logging by the caller.
	assert.NotNil(t, snapshot)
}

func TestEvaluateRejectsAtCapacity(t *testing.T) {
	registry := position.NewRegistry(zaptest.NewLogger(t), nil)
	for i := 0; i < 2; i++ {
		_, err := registry.Open(fmt.Sprintf("Mint%d", i), 0.001, 100, 0.1)
		require.NoError(t, err)
	}

	m := &fakeMarket{snapshot: &market.TokenSnapshot{LiquidityUSD: 50000}}
	g := newGate(t, m, registry)

	_, admit, reason := g.Evaluate(context.Background(), validMint)

	assert.False(t, admit)
	assert.Equal(t, ReasonCapacityReached, reason)
	// Capacity rejection never spends a market data request.
	assert.Equal(t, 0, m.calls)
}

func TestEvaluateReservesCapacityForInFlightBuys(t *testing.T) {
	registry := position.NewRegistry(zaptest.NewLogger(t), nil)
	m := &fakeMarket{snapshot: &market.TokenSnapshot{LiquidityUSD: 50000, PriceUSD: 0.001}}
	g := newGate(t, m, registry)

	// Two admissions fill the cap of two even though no position has
	// been opened yet; the third is rejected, not queued.
	_, admit, _ := g.Evaluate(context.Background(), validMint)
	require.True(t, admit)
	_, admit, _ = g.Evaluate(context.Background(), validMint)
	require.True(t, admit)

	_, admit, reason := g.Evaluate(context.Background(), validMint)
	assert.False(t, admit)
	assert.Equal(t, ReasonCapacityReached, reason)
	assert.Equal(t, 0, registry.ActiveCount())
}

func TestEvaluateReleasesReservationOnRejection(t *testing.T) {
	registry := position.NewRegistry(zaptest.NewLogger(t), nil)
	m := &fakeMarket{err: fmt.Errorf("token %s: %w", validMint, market.ErrNoPair)}
	g := New(m, registry, zaptest.NewLogger(t), Config{
		MinLiquidityUSD:        10000,
		MaxConcurrentPositions: 1,
	})

	// No-pool and thin-liquidity rejections must hand their slot back.
	_, admit, _ := g.Evaluate(context.Background(), validMint)
	require.False(t, admit)

	m.err = nil
	m.snapshot = &market.TokenSnapshot{LiquidityUSD: 500}
	_, admit, _ = g.Evaluate(context.Background(), validMint)
	require.False(t, admit)

	m.snapshot = &market.TokenSnapshot{LiquidityUSD: 50000, PriceUSD: 0.001}
	_, admit, reason := g.Evaluate(context.Background(), validMint)
	assert.True(t, admit)
	assert.Empty(t, reason)
}
