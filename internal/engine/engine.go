// internal/engine/engine.go
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gagliardetto/solana-go"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// AggregatorEndpoint is one swap aggregator in the fallback chain.
type AggregatorEndpoint interface {
	BaseURL() string
	Quote(ctx context.Context, intent SwapIntent) (*Quote, error)
	BuildSwapTx(ctx context.Context, quote *Quote, signer solana.PublicKey, priorityFeeMicroLamports uint64) (*solana.Transaction, error)
}

// Config tunes the execution pipeline.
type Config struct {
	MaxRetriesPerEndpoint    int
	ConfirmationTimeout      time.Duration
	PriorityFeeMicroLamports uint64
}

// Engine turns swap intents into confirmed transactions, walking an
// ordered endpoint list with per-endpoint retry and backoff. Safe for
// concurrent use; each call carries its own attempt state.
type Engine struct {
	endpoints           []AggregatorEndpoint
	chain               ChainClient
	signer              Signer
	logger              *zap.Logger
	cfg                 Config
	confirmPollInterval time.Duration
	decimalsCache       sync.Map // mint -> int
}

func New(endpoints []AggregatorEndpoint, chain ChainClient, signer Signer, logger *zap.Logger, cfg Config) (*Engine, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("endpoint list cannot be empty")
	}
	if chain == nil {
		return nil, fmt.Errorf("chain client cannot be nil")
	}
	if signer == nil {
		return nil, fmt.Errorf("signer cannot be nil")
	}
	if cfg.MaxRetriesPerEndpoint <= 0 {
		cfg.MaxRetriesPerEndpoint = 2
	}
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = 60 * time.Second
	}
	return &Engine{
		endpoints:           endpoints,
		chain:               chain,
		signer:              signer,
		logger:              logger.Named("engine"),
		cfg:                 cfg,
		confirmPollInterval: 2 * time.Second,
	}, nil
}

// Buy spends solAmount SOL to acquire the token.
func (e *Engine) Buy(ctx context.Context, mint string, solAmount float64, maxSlippageBps uint64) *SwapResult {
	decimals, err := e.tokenDecimals(ctx, mint)
	if err != nil {
		return &SwapResult{Err: err}
	}
	intent := SwapIntent{
		Direction:      DirectionBuy,
		InputMint:      WSOLMint,
		OutputMint:     mint,
		AmountIn:       uint64(solAmount * math.Pow10(SolDecimals)),
		TokenDecimals:  decimals,
		MaxSlippageBps: maxSlippageBps,
	}
	return e.Execute(ctx, intent)
}

// Sell swaps quantity tokens back into SOL.
func (e *Engine) Sell(ctx context.Context, mint string, quantity float64, maxSlippageBps uint64) *SwapResult {
	decimals, err := e.tokenDecimals(ctx, mint)
	if err != nil {
		return &SwapResult{Err: err}
	}
	intent := SwapIntent{
		Direction:      DirectionSell,
		InputMint:      mint,
		OutputMint:     WSOLMint,
		AmountIn:       uint64(quantity * math.Pow10(decimals)),
		TokenDecimals:  decimals,
		MaxSlippageBps: maxSlippageBps,
	}
	return e.Execute(ctx, intent)
}

// tokenDecimals resolves mint decimals from chain metadata. Decimals
// are immutable after mint creation, so the lookup is cached per mint.
// A failed lookup fails the swap rather than guessing a scale.
func (e *Engine) tokenDecimals(ctx context.Context, mint string) (int, error) {
	if v, ok := e.decimalsCache.Load(mint); ok {
		return v.(int), nil
	}
	d, err := e.chain.TokenDecimals(ctx, mint)
	if err != nil {
		return 0, fmt.Errorf("token decimals for %s: %w", mint, err)
	}
	e.decimalsCache.Store(mint, int(d))
	return int(d), nil
}

// Execute runs the full pipeline (quote, build, sign, submit, confirm)
// for one logical intent. It never returns a silent success: either the
// result carries a confirmed signature or an aggregated error.
func (e *Engine) Execute(ctx context.Context, intent SwapIntent) *SwapResult {
	result := &SwapResult{}

	// One pending signature per logical intent. Once a transaction has
	// been handed to the network, its fate must be resolved before a
	// new transaction for the same intent is constructed; a blind retry
	// after a confirmation timeout risks a double spend.
	var pending solana.Signature
	var pendingQuote *Quote

	var endpointErrs []error

	for _, ep := range e.endpoints {
		var lastErr error

		op := func() error {
			if !pending.IsZero() {
				confirmed, err := e.chain.SignatureStatus(ctx, pending)
				if err == nil && confirmed {
					e.fillSuccess(result, intent, pendingQuote, pending, ep.BaseURL())
					return nil
				}
			}
			return e.attempt(ctx, ep, intent, result, &pending, &pendingQuote)
		}

		bo := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(e.cfg.MaxRetriesPerEndpoint-1)),
			ctx,
		)
		err := backoff.Retry(op, bo)
		if err == nil {
			return result
		}
		lastErr = err

		e.logger.Warn("endpoint exhausted",
			zap.String("endpoint", ep.BaseURL()),
			zap.String("direction", string(intent.Direction)),
			zap.String("input_mint", intent.InputMint),
			zap.String("output_mint", intent.OutputMint),
			zap.Int("attempts", len(result.Attempts)),
			zap.Error(lastErr))

		endpointErrs = append(endpointErrs, fmt.Errorf("%s: %w", ep.BaseURL(), lastErr))

		if classify(lastErr) == kindFatal || errors.Is(ctx.Err(), context.Canceled) {
			result.Err = lastErr
			return result
		}
	}

	result.Err = multierr.Combine(append([]error{ErrAllEndpointsExhausted}, endpointErrs...)...)
	return result
}

// attempt runs one full pipeline pass against one endpoint.
func (e *Engine) attempt(ctx context.Context, ep AggregatorEndpoint, intent SwapIntent, result *SwapResult, pending *solana.Signature, pendingQuote **Quote) error {
	record := func(sig solana.Signature, err error) {
		a := Attempt{Endpoint: ep.BaseURL(), Err: err, At: time.Now()}
		if !sig.IsZero() {
			a.TxSignature = sig.String()
		}
		result.Attempts = append(result.Attempts, a)
	}

	quote, err := ep.Quote(ctx, intent)
	if err != nil {
		record(solana.Signature{}, err)
		return e.wrapForRetry(fmt.Errorf("quote: %w", err))
	}

	tx, err := ep.BuildSwapTx(ctx, quote, e.signer.PublicKey(), e.cfg.PriorityFeeMicroLamports)
	if err != nil {
		record(solana.Signature{}, err)
		return e.wrapForRetry(fmt.Errorf("build: %w", err))
	}

	// Fresh block reference immediately before signing; the one baked
	// into the aggregator's transaction may already be stale.
	blockhash, err := e.chain.LatestBlockhash(ctx)
	if err != nil {
		record(solana.Signature{}, err)
		return e.wrapForRetry(fmt.Errorf("blockhash: %w", err))
	}
	tx.Message.RecentBlockhash = blockhash

	if err := e.signer.Sign(tx); err != nil {
		record(solana.Signature{}, err)
		return e.wrapForRetry(fmt.Errorf("sign: %w", err))
	}

	sig, err := e.chain.SendTransaction(ctx, tx)
	if err != nil {
		record(solana.Signature{}, err)
		return e.wrapForRetry(fmt.Errorf("submit: %w", err))
	}
	*pending = sig
	*pendingQuote = quote

	if err := e.awaitConfirmation(ctx, sig); err != nil {
		record(sig, err)
		return e.wrapForRetry(err)
	}

	e.fillSuccess(result, intent, quote, sig, ep.BaseURL())
	return nil
}

// awaitConfirmation polls signature status up to the confirmation
// timeout. A timeout is not classified as failure; the pending
// signature is re-checked by the idempotency guard before any retry.
func (e *Engine) awaitConfirmation(ctx context.Context, sig solana.Signature) error {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.ConfirmationTimeout)
	defer cancel()

	check := func() (bool, error) {
		confirmed, err := e.chain.SignatureStatus(cctx, sig)
		if err != nil {
			if isOnChainFailure(err) {
				return false, err
			}
			e.logger.Debug("signature status check failed", zap.String("signature", sig.String()), zap.Error(err))
			return false, nil
		}
		return confirmed, nil
	}

	if confirmed, err := check(); err != nil {
		return err
	} else if confirmed {
		return nil
	}

	ticker := time.NewTicker(e.confirmPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cctx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: signature %s after %s", ErrConfirmationTimeout, sig, e.cfg.ConfirmationTimeout)
		case <-ticker.C:
			confirmed, err := check()
			if err != nil {
				return err
			}
			if confirmed {
				return nil
			}
		}
	}
}

func (e *Engine) fillSuccess(result *SwapResult, intent SwapIntent, quote *Quote, sig solana.Signature, endpoint string) {
	outDecimals := SolDecimals
	if intent.Direction == DirectionBuy {
		outDecimals = intent.TokenDecimals
	}

	result.Success = true
	result.TxSignature = sig.String()
	result.EndpointUsed = endpoint
	result.Err = nil
	if quote != nil {
		result.AmountOutRaw = quote.OutAmount
		result.AmountOut = float64(quote.OutAmount) / math.Pow10(outDecimals)
		result.PriceImpactPct = quote.PriceImpactPct
	}

	e.logger.Info("swap confirmed",
		zap.String("direction", string(intent.Direction)),
		zap.String("signature", result.TxSignature),
		zap.String("endpoint", endpoint),
		zap.Float64("amount_out", result.AmountOut),
		zap.Int("attempts", len(result.Attempts)+1))
}

// wrapForRetry converts errors that must not be retried on the current
// endpoint into permanent backoff errors so the fallback advances.
func (e *Engine) wrapForRetry(err error) error {
	switch classify(err) {
	case kindRetryable:
		return err
	default:
		return backoff.Permanent(err)
	}
}

// isOnChainFailure distinguishes a transaction the chain rejected from
// a status endpoint that merely failed to answer.
func isOnChainFailure(err error) bool {
	return err != nil && !errors.Is(err, context.DeadlineExceeded) &&
		!errors.Is(err, context.Canceled) &&
		classify(err) != kindRetryable
}
