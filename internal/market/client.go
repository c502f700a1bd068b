// internal/market/client.go
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const (
	defaultBaseURL = "https://api.dexscreener.com/latest/dex"
	rateLimit      = 300 // requests per minute
	solanaChain    = "solana"
)

// screenerResponse is the top-level aggregator payload.
type screenerResponse struct {
	SchemaVersion string     `json:"schemaVersion"`
	Pairs         []pairInfo `json:"pairs"`
}

type pairInfo struct {
	ChainID     string        `json:"chainId"`
	DexID       string        `json:"dexId"`
	PairAddress string        `json:"pairAddress"`
	BaseToken   tokenInfo     `json:"baseToken"`
	QuoteToken  tokenInfo     `json:"quoteToken"`
	PriceUSD    string        `json:"priceUsd"`
	Liquidity   liquidityInfo `json:"liquidity"`
	Volume      volumeInfo    `json:"volume"`
}

type tokenInfo struct {
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
}

type liquidityInfo struct {
	USD   float64 `json:"usd"`
	Base  float64 `json:"base"`
	Quote float64 `json:"quote"`
}

type volumeInfo struct {
	H24 float64 `json:"h24"`
}

// HTTPClient queries a DexScreener-compatible aggregator for token
// snapshots, respecting the published rate limit.
type HTTPClient struct {
	baseURL     string
	client      *http.Client
	logger      *zap.Logger
	rateLimiter *time.Ticker
}

// NewHTTPClient creates a snapshot client. An empty baseURL selects the
// public DexScreener API.
func NewHTTPClient(baseURL string, logger *zap.Logger) *HTTPClient {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &HTTPClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger:      logger.Named("market"),
		rateLimiter: time.NewTicker(time.Minute / rateLimit),
	}
}

// GetSnapshot fetches a fresh snapshot for the mint. The pair with the
// deepest USD liquidity on the target chain is used; ErrNoPair is
// returned when the aggregator lists no pool at all.
func (c *HTTPClient) GetSnapshot(ctx context.Context, mint string) (*TokenSnapshot, error) {
	url := fmt.Sprintf("%s/tokens/%s", c.baseURL, mint)

	response, err := c.doRequest(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to get token pairs: %w", err)
	}

	var bestPair *pairInfo
	maxLiquidity := 0.0
	for i := range response.Pairs {
		pair := &response.Pairs[i]
		if pair.ChainID != solanaChain {
			continue
		}
		if pair.Liquidity.USD > maxLiquidity {
			maxLiquidity = pair.Liquidity.USD
			bestPair = pair
		}
	}

	if bestPair == nil {
		return nil, fmt.Errorf("token %s: %w", mint, ErrNoPair)
	}

	priceUSD, err := strconv.ParseFloat(bestPair.PriceUSD, 64)
	if err != nil {
		return nil, fmt.Errorf("parse price for %s: %w", mint, err)
	}

	c.logger.Debug("fetched token snapshot",
		zap.String("mint", mint),
		zap.String("pair_address", bestPair.PairAddress),
		zap.String("dex", bestPair.DexID),
		zap.Float64("price_usd", priceUSD),
		zap.Float64("liquidity_usd", bestPair.Liquidity.USD))

	return &TokenSnapshot{
		Mint:         mint,
		PriceUSD:     priceUSD,
		LiquidityUSD: bestPair.Liquidity.USD,
		Volume24hUSD: bestPair.Volume.H24,
		FetchedAt:    time.Now(),
	}, nil
}

// doRequest executes an HTTP GET gated by the rate limiter.
func (c *HTTPClient) doRequest(ctx context.Context, url string) (*screenerResponse, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.rateLimiter.C:
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body))
	}

	var response screenerResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &response, nil
}

// Close releases the rate limiter ticker.
func (c *HTTPClient) Close() {
	c.rateLimiter.Stop()
}
