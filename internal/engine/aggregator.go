// internal/engine/aggregator.go
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"
)

// Quote is an aggregator's priced route for an exact input amount.
// RouteJSON carries the raw quote back to the build call unchanged, as
// the aggregator expects its own quote echoed in the swap request.
type Quote struct {
	InputMint      string
	OutputMint     string
	InAmount       uint64
	OutAmount      uint64
	PriceImpactPct float64
	RouteJSON      json.RawMessage
}

// quoteResponse mirrors the Jupiter v6 quote payload.
type quoteResponse struct {
	InputMint      string `json:"inputMint"`
	OutputMint     string `json:"outputMint"`
	InAmount       string `json:"inAmount"`
	OutAmount      string `json:"outAmount"`
	PriceImpactPct string `json:"priceImpactPct"`
	ErrorMsg       string `json:"error,omitempty"`
}

// swapRequest asks the aggregator to build an unsigned transaction for
// a previously returned quote. The compute-budget adjustment rides in
// the request so the built transaction is competitively prioritized.
type swapRequest struct {
	QuoteResponse                 json.RawMessage `json:"quoteResponse"`
	UserPublicKey                 string          `json:"userPublicKey"`
	WrapAndUnwrapSol              bool            `json:"wrapAndUnwrapSol"`
	ComputeUnitPriceMicroLamports uint64          `json:"computeUnitPriceMicroLamports,omitempty"`
}

type swapResponse struct {
	SwapTransaction string `json:"swapTransaction"`
	ErrorMsg        string `json:"error,omitempty"`
}

// AggregatorClient talks to a single swap-aggregator endpoint exposing
// Jupiter-compatible quote and swap routes.
type AggregatorClient struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

func NewAggregatorClient(baseURL string, logger *zap.Logger) *AggregatorClient {
	return &AggregatorClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger: logger.Named("aggregator"),
	}
}

// BaseURL identifies the endpoint in attempt logs and results.
func (a *AggregatorClient) BaseURL() string {
	return a.baseURL
}

// Quote requests a priced route for the exact input amount under the
// slippage bound.
func (a *AggregatorClient) Quote(ctx context.Context, intent SwapIntent) (*Quote, error) {
	url := fmt.Sprintf("%s/quote?inputMint=%s&outputMint=%s&amount=%d&slippageBps=%d",
		a.baseURL, intent.InputMint, intent.OutputMint, intent.AmountIn, intent.MaxSlippageBps)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create quote request: %w", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute quote request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read quote response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("quote status %d: %s", resp.StatusCode, string(body))
	}

	var qr quoteResponse
	if err := json.Unmarshal(body, &qr); err != nil {
		return nil, fmt.Errorf("decode quote response: %w", err)
	}
	if qr.ErrorMsg != "" {
		return nil, fmt.Errorf("quote error: %s", qr.ErrorMsg)
	}

	inAmount, err := strconv.ParseUint(qr.InAmount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse quote inAmount %q: %w", qr.InAmount, err)
	}
	outAmount, err := strconv.ParseUint(qr.OutAmount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse quote outAmount %q: %w", qr.OutAmount, err)
	}
	priceImpact := 0.0
	if qr.PriceImpactPct != "" {
		priceImpact, _ = strconv.ParseFloat(qr.PriceImpactPct, 64)
	}

	a.logger.Debug("quote received",
		zap.String("endpoint", a.baseURL),
		zap.Uint64("in_amount", inAmount),
		zap.Uint64("out_amount", outAmount),
		zap.Float64("price_impact_pct", priceImpact))

	return &Quote{
		InputMint:      qr.InputMint,
		OutputMint:     qr.OutputMint,
		InAmount:       inAmount,
		OutAmount:      outAmount,
		PriceImpactPct: priceImpact,
		RouteJSON:      body,
	}, nil
}

// BuildSwapTx converts a quote into an unsigned transaction for the
// given signer address.
func (a *AggregatorClient) BuildSwapTx(ctx context.Context, quote *Quote, signer solana.PublicKey, priorityFeeMicroLamports uint64) (*solana.Transaction, error) {
	reqBody, err := json.Marshal(swapRequest{
		QuoteResponse:                 quote.RouteJSON,
		UserPublicKey:                 signer.String(),
		WrapAndUnwrapSol:              true,
		ComputeUnitPriceMicroLamports: priorityFeeMicroLamports,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal swap request: %w", err)
	}

	url := a.baseURL + "/swap"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create swap request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute swap request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read swap response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("swap status %d: %s", resp.StatusCode, string(body))
	}

	var sr swapResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, fmt.Errorf("decode swap response: %w", err)
	}
	if sr.ErrorMsg != "" {
		return nil, fmt.Errorf("swap build error: %s", sr.ErrorMsg)
	}

	tx, err := solana.TransactionFromBase64(sr.SwapTransaction)
	if err != nil {
		return nil, fmt.Errorf("decode swap transaction: %w", err)
	}

	return tx, nil
}
