// internal/engine/engine_test.go
package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

type fakeEndpoint struct {
	name       string
	quoteErrs  []error
	buildErr   error
	quoteCalls int
	outAmount  uint64
	lastIntent SwapIntent
}

func (f *fakeEndpoint) BaseURL() string { return f.name }

func (f *fakeEndpoint) Quote(_ context.Context, intent SwapIntent) (*Quote, error) {
	f.quoteCalls++
	f.lastIntent = intent
	if len(f.quoteErrs) > 0 {
		err := f.quoteErrs[0]
		f.quoteErrs = f.quoteErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &Quote{
		InputMint:      intent.InputMint,
		OutputMint:     intent.OutputMint,
		InAmount:       intent.AmountIn,
		OutAmount:      f.outAmount,
		PriceImpactPct: 0.5,
	}, nil
}

func (f *fakeEndpoint) BuildSwapTx(_ context.Context, _ *Quote, _ solana.PublicKey, _ uint64) (*solana.Transaction, error) {
	if f.buildErr != nil {
		return nil, f.buildErr
	}
	return &solana.Transaction{}, nil
}

type fakeSigner struct{}

func (fakeSigner) PublicKey() solana.PublicKey      { return solana.PublicKey{} }
func (fakeSigner) Sign(_ *solana.Transaction) error { return nil }

type fakeChain struct {
	mu            sync.Mutex
	sendErrs      []error
	sendCalls     int
	statusCalls   int
	firstSend     time.Time
	confirmDelay  time.Duration
	decimals      uint8 // zero means 6
	decimalsErr   error
	decimalsCalls int
}

func (f *fakeChain) LatestBlockhash(_ context.Context) (solana.Hash, error) {
	return solana.Hash{}, nil
}

func (f *fakeChain) SendTransaction(_ context.Context, _ *solana.Transaction) (solana.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return solana.Signature{}, err
		}
	}
	f.sendCalls++
	if f.firstSend.IsZero() {
		f.firstSend = time.Now()
	}
	var sig solana.Signature
	sig[0] = byte(f.sendCalls)
	return sig, nil
}

func (f *fakeChain) TokenDecimals(_ context.Context, _ string) (uint8, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decimalsCalls++
	if f.decimalsErr != nil {
		return 0, f.decimalsErr
	}
	if f.decimals == 0 {
		return 6, nil
	}
	return f.decimals, nil
}

func (f *fakeChain) SignatureStatus(_ context.Context, _ solana.Signature) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if f.firstSend.IsZero() {
		return false, nil
	}
	return time.Since(f.firstSend) >= f.confirmDelay, nil
}

func newTestEngine(t *testing.T, chain *fakeChain, endpoints ...*fakeEndpoint) *Engine {
	t.Helper()
	eps := make([]AggregatorEndpoint, 0, len(endpoints))
	for _, ep := range endpoints {
		eps = append(eps, ep)
	}
	e, err := New(eps, chain, fakeSigner{}, zaptest.NewLogger(t), Config{
		MaxRetriesPerEndpoint: 2,
		ConfirmationTimeout:   time.Second,
	})
	require.NoError(t, err)
	e.confirmPollInterval = 10 * time.Millisecond
	return e
}

func TestBuySucceedsFirstAttempt(t *testing.T) {
	ep := &fakeEndpoint{name: "https://agg-a", outAmount: 250_000_000}
	chain := &fakeChain{}
	e := newTestEngine(t, chain, ep)

	result := e.Buy(context.Background(), testMint, 0.1, 500)

	require.True(t, result.Success)
	assert.NoError(t, result.Err)
	assert.Equal(t, "https://agg-a", result.EndpointUsed)
	assert.NotEmpty(t, result.TxSignature)
	assert.Equal(t, 250.0, result.AmountOut)
	assert.Equal(t, uint64(250_000_000), result.AmountOutRaw)
	assert.Equal(t, 1, chain.sendCalls)
}

func TestExecuteRetriesRetryableErrorOnSameEndpoint(t *testing.T) {
	ep := &fakeEndpoint{
		name:      "https://agg-a",
		quoteErrs: []error{errors.New("429 too many requests")},
		outAmount: 1_000_000,
	}
	chain := &fakeChain{}
	e := newTestEngine(t, chain, ep)

	result := e.Buy(context.Background(), testMint, 0.1, 500)

	require.True(t, result.Success)
	assert.Equal(t, 2, ep.quoteCalls)
	require.Len(t, result.Attempts, 1)
	assert.Error(t, result.Attempts[0].Err)
	assert.Equal(t, "https://agg-a", result.Attempts[0].Endpoint)
}

func TestExecuteFallsBackToNextEndpoint(t *testing.T) {
	slow := &fakeEndpoint{
		name:      "https://agg-a",
		quoteErrs: []error{ErrSlippageExceeded},
	}
	good := &fakeEndpoint{name: "https://agg-b", outAmount: 1_000_000}
	chain := &fakeChain{}
	e := newTestEngine(t, chain, slow, good)

	result := e.Buy(context.Background(), testMint, 0.1, 500)

	require.True(t, result.Success)
	assert.Equal(t, "https://agg-b", result.EndpointUsed)
	// Slippage skips straight to the next endpoint without retrying.
	assert.Equal(t, 1, slow.quoteCalls)
	assert.Equal(t, 1, good.quoteCalls)
}

func TestExecuteFatalErrorShortCircuits(t *testing.T) {
	broke := &fakeEndpoint{
		name:      "https://agg-a",
		quoteErrs: []error{errors.New("insufficient funds for swap")},
	}
	never := &fakeEndpoint{name: "https://agg-b", outAmount: 1_000_000}
	chain := &fakeChain{}
	e := newTestEngine(t, chain, broke, never)

	result := e.Buy(context.Background(), testMint, 0.1, 500)

	require.False(t, result.Success)
	assert.Error(t, result.Err)
	assert.Equal(t, 0, never.quoteCalls)
	assert.Equal(t, 0, chain.sendCalls)
}

func TestExecuteAllEndpointsExhausted(t *testing.T) {
	a := &fakeEndpoint{name: "https://agg-a", quoteErrs: []error{ErrSlippageExceeded}}
	b := &fakeEndpoint{name: "https://agg-b", quoteErrs: []error{ErrSlippageExceeded}}
	chain := &fakeChain{}
	e := newTestEngine(t, chain, a, b)

	result := e.Buy(context.Background(), testMint, 0.1, 500)

	require.False(t, result.Success)
	assert.ErrorIs(t, result.Err, ErrAllEndpointsExhausted)
	assert.Contains(t, result.Err.Error(), "https://agg-a")
	assert.Contains(t, result.Err.Error(), "https://agg-b")
	assert.Len(t, result.Attempts, 2)
}

func TestExecuteResolvesPendingSignatureBeforeResubmitting(t *testing.T) {
	ep := &fakeEndpoint{name: "https://agg-a", outAmount: 1_000_000}
	// Confirmation lands only after the first confirmation window has
	// expired, so the retry must find the pending signature confirmed
	// instead of submitting a second transaction.
	chain := &fakeChain{confirmDelay: 100 * time.Millisecond}
	e := newTestEngine(t, chain, ep)
	e.cfg.ConfirmationTimeout = 30 * time.Millisecond

	result := e.Sell(context.Background(), testMint, 100, 500)

	require.True(t, result.Success)
	assert.Equal(t, 1, chain.sendCalls)
	require.Len(t, result.Attempts, 1)
	assert.ErrorIs(t, result.Attempts[0].Err, ErrConfirmationTimeout)
}

func TestSellConvertsUIToRawAmount(t *testing.T) {
	ep := &fakeEndpoint{name: "https://agg-a", outAmount: 90_000_000}
	chain := &fakeChain{}
	e := newTestEngine(t, chain, ep)

	result := e.Sell(context.Background(), testMint, 100, 500)

	require.True(t, result.Success)
	// 90_000_000 lamports out at 9 decimals.
	assert.Equal(t, 0.09, result.AmountOut)
}

func TestSellScalesByMintDecimals(t *testing.T) {
	ep := &fakeEndpoint{name: "https://agg-a", outAmount: 90_000_000}
	chain := &fakeChain{decimals: 9}
	e := newTestEngine(t, chain, ep)

	result := e.Sell(context.Background(), testMint, 100, 500)

	require.True(t, result.Success)
	// Selling 100 tokens of a 9-decimal mint must use the mint's own
	// scale, not a fixed one.
	assert.Equal(t, uint64(100_000_000_000), ep.lastIntent.AmountIn)
	assert.Equal(t, 9, ep.lastIntent.TokenDecimals)
}

func TestBuyScalesOutputByMintDecimals(t *testing.T) {
	ep := &fakeEndpoint{name: "https://agg-a", outAmount: 250_000_000_000}
	chain := &fakeChain{decimals: 9}
	e := newTestEngine(t, chain, ep)

	result := e.Buy(context.Background(), testMint, 0.1, 500)

	require.True(t, result.Success)
	assert.Equal(t, 250.0, result.AmountOut)
}

func TestDecimalsLookupFailureFailsSwap(t *testing.T) {
	ep := &fakeEndpoint{name: "https://agg-a", outAmount: 1_000_000}
	chain := &fakeChain{decimalsErr: errors.New("rpc unavailable")}
	e := newTestEngine(t, chain, ep)

	result := e.Sell(context.Background(), testMint, 100, 500)

	require.False(t, result.Success)
	assert.ErrorContains(t, result.Err, "token decimals")
	// No swap is attempted on a guessed scale.
	assert.Equal(t, 0, ep.quoteCalls)
	assert.Equal(t, 0, chain.sendCalls)
}

func TestDecimalsLookupIsCachedPerMint(t *testing.T) {
	ep := &fakeEndpoint{name: "https://agg-a", outAmount: 1_000_000}
	chain := &fakeChain{}
	e := newTestEngine(t, chain, ep)

	require.True(t, e.Buy(context.Background(), testMint, 0.1, 500).Success)
	require.True(t, e.Sell(context.Background(), testMint, 100, 500).Success)

	assert.Equal(t, 1, chain.decimalsCalls)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want errorKind
	}{
		{"nil", nil, kindRetryable},
		{"insufficient balance sentinel", ErrInsufficientBalance, kindFatal},
		{"insufficient lamports string", errors.New("Transfer: insufficient lamports 100, need 200"), kindFatal},
		{"slippage sentinel", ErrSlippageExceeded, kindNextEndpoint},
		{"slippage program error", errors.New("custom program error: 0x1771"), kindNextEndpoint},
		{"simulation failed", errors.New("Transaction simulation failed"), kindNextEndpoint},
		{"stale blockhash", ErrStaleBlockhash, kindRetryable},
		{"blockhash not found", errors.New("Blockhash not found"), kindRetryable},
		{"rate limit", errors.New("429 Too Many Requests"), kindRetryable},
		{"confirmation timeout", ErrConfirmationTimeout, kindRetryable},
		{"unknown", errors.New("something odd"), kindRetryable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, classify(tc.err))
		})
	}
}
