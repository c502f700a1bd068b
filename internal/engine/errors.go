// internal/engine/errors.go
package engine

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Sentinel errors for the failure taxonomy.
var (
	// ErrStaleBlockhash marks an expired block reference. Retryable: a
	// fresh blockhash is fetched on the next attempt.
	ErrStaleBlockhash = errors.New("stale blockhash")

	// ErrConfirmationTimeout marks a submitted transaction whose
	// finality could not be observed in time. Not proof of failure; the
	// signature must be re-checked before any retry.
	ErrConfirmationTimeout = errors.New("confirmation timeout")

	// ErrSlippageExceeded marks a route whose execution price moved
	// beyond the slippage bound. Pricing varies per route, so this
	// advances to the next endpoint rather than aborting.
	ErrSlippageExceeded = errors.New("slippage exceeded")

	// ErrInsufficientBalance is fatal for the call; no endpoint can fix
	// a missing balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrAllEndpointsExhausted wraps the per-endpoint failures when the
	// whole endpoint list has been tried.
	ErrAllEndpointsExhausted = errors.New("all aggregator endpoints exhausted")
)

// errorKind drives the retry policy for a classified error.
type errorKind int

const (
	// kindRetryable errors are retried on the same endpoint with backoff.
	kindRetryable errorKind = iota
	// kindNextEndpoint errors skip straight to the next endpoint.
	kindNextEndpoint
	// kindFatal errors abort the whole operation.
	kindFatal
)

// classify maps an error onto the retry policy. RPC and aggregator
// errors mostly arrive as strings, so classification falls back to
// substring matching the way the node reports them.
func classify(err error) errorKind {
	switch {
	case err == nil:
		return kindRetryable
	case errors.Is(err, ErrInsufficientBalance):
		return kindFatal
	case errors.Is(err, ErrSlippageExceeded):
		return kindNextEndpoint
	case errors.Is(err, ErrStaleBlockhash),
		errors.Is(err, ErrConfirmationTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return kindRetryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return kindRetryable
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient lamports"),
		strings.Contains(msg, "insufficient funds"):
		return kindFatal
	case strings.Contains(msg, "slippage"),
		strings.Contains(msg, "custom program error: 0x1771"),
		strings.Contains(msg, "simulation failed"):
		return kindNextEndpoint
	case strings.Contains(msg, "blockhash not found"),
		strings.Contains(msg, "blockhash expired"),
		strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "429"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"):
		return kindRetryable
	}

	// Unknown errors are surfaced with full context by the caller and
	// retried within the endpoint budget; they are never treated as
	// successful execution.
	return kindRetryable
}
