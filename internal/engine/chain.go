// internal/engine/chain.go
package engine

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"
)

// ChainClient is the engine's view of the chain: fresh block
// references, fire-and-forget submission, and signature status.
type ChainClient interface {
	// LatestBlockhash fetches a fresh block reference immediately
	// before signing. A stale reference is retryable, never fatal.
	LatestBlockhash(ctx context.Context) (solana.Hash, error)

	// SendTransaction broadcasts without waiting for preflight
	// simulation to keep submission latency low.
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)

	// SignatureStatus reports whether the signature has reached
	// confirmed or finalized commitment.
	SignatureStatus(ctx context.Context, sig solana.Signature) (confirmed bool, err error)

	// TokenDecimals reads the decimals of a mint from chain metadata.
	TokenDecimals(ctx context.Context, mint string) (uint8, error)
}

// Signer delegates transaction signing to the external wallet. Key
// material never enters the engine.
type Signer interface {
	PublicKey() solana.PublicKey
	Sign(tx *solana.Transaction) error
}

// RPCPool is a round-robin ChainClient over multiple RPC nodes, so one
// degraded node does not stall every submission.
type RPCPool struct {
	clients []*rpc.Client
	next    atomic.Uint64
	logger  *zap.Logger
}

func NewRPCPool(urls []string, logger *zap.Logger) (*RPCPool, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("rpc url list is empty")
	}
	clients := make([]*rpc.Client, 0, len(urls))
	for _, url := range urls {
		clients = append(clients, rpc.New(url))
	}
	return &RPCPool{
		clients: clients,
		logger:  logger.Named("rpc_pool"),
	}, nil
}

func (p *RPCPool) pick() *rpc.Client {
	n := p.next.Add(1)
	return p.clients[int(n)%len(p.clients)]
}

func (p *RPCPool) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	out, err := p.pick().GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return solana.Hash{}, fmt.Errorf("get latest blockhash: %w", err)
	}
	return out.Value.Blockhash, nil
}

func (p *RPCPool) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	sig, err := p.pick().SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       true,
		PreflightCommitment: rpc.CommitmentProcessed,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("send transaction: %w", err)
	}
	return sig, nil
}

func (p *RPCPool) TokenDecimals(ctx context.Context, mint string) (uint8, error) {
	pk, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return 0, fmt.Errorf("parse mint %s: %w", mint, err)
	}
	out, err := p.pick().GetTokenSupply(ctx, pk, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, fmt.Errorf("get token supply for %s: %w", mint, err)
	}
	return out.Value.Decimals, nil
}

func (p *RPCPool) SignatureStatus(ctx context.Context, sig solana.Signature) (bool, error) {
	out, err := p.pick().GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return false, fmt.Errorf("get signature status: %w", err)
	}
	if len(out.Value) == 0 || out.Value[0] == nil {
		return false, nil
	}
	status := out.Value[0]
	if status.Err != nil {
		return false, fmt.Errorf("transaction %s failed on chain: %v", sig, status.Err)
	}
	switch status.ConfirmationStatus {
	case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
		return true, nil
	default:
		return false, nil
	}
}
