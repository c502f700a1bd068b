// internal/engine/types.go
package engine

import (
	"time"
)

// Direction of a swap relative to the base asset.
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// WSOLMint is the wrapped SOL mint, the input asset for every buy and
// the output asset for every sell.
const WSOLMint = "So11111111111111111111111111111111111111112"

// SolDecimals is the number of decimals in one SOL.
const SolDecimals = 9

// SwapIntent describes a single logical swap. Immutable once created.
type SwapIntent struct {
	Direction      Direction
	InputMint      string
	OutputMint     string
	AmountIn       uint64 // raw units of the input mint
	TokenDecimals  int    // decimals of the non-SOL leg, from mint metadata
	MaxSlippageBps uint64
}

// Attempt records one execution try against one endpoint. Failed
// attempts are kept on the result for diagnostics.
type Attempt struct {
	Endpoint    string
	TxSignature string
	Err         error
	At          time.Time
}

// SwapResult is the outcome of executing a SwapIntent through the
// pipeline. Exactly one result is produced per Buy/Sell call.
type SwapResult struct {
	Success        bool
	TxSignature    string
	AmountOut      float64 // ui units of the output mint
	AmountOutRaw   uint64
	PriceImpactPct float64
	EndpointUsed   string
	Err            error
	Attempts       []Attempt
}
