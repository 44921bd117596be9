package executor

import (
	"context"
	"math"
	"strings"
	"time"
)

// ClassifyError sorts a failure into a retry class by error text.
// Returns (shouldRetry, errorType).
func ClassifyError(err error) (bool, string) {
	errStr := err.Error()

	// Escrow state errors mean the operation already happened or can never
	// happen; retrying will not change the outcome.
	if strings.Contains(errStr, "already redeemed") ||
		strings.Contains(errStr, "already refunded") ||
		strings.Contains(errStr, "already funded") ||
		strings.Contains(errStr, "duplicate order") {
		return false, "already_processed"
	}

	// Network/RPC errors - retry is appropriate
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "context deadline exceeded") ||
		strings.Contains(errStr, "timed out") ||
		strings.Contains(errStr, "no response") ||
		strings.Contains(errStr, "EOF") {
		return true, "network_error"
	}

	// RPC node state errors - retry with longer backoff
	if strings.Contains(errStr, "missing trie node") ||
		strings.Contains(errStr, "layer stale") ||
		strings.Contains(errStr, "receipt not found") ||
		strings.Contains(errStr, "block not found") {
		return true, "node_state_error"
	}

	// Gas-related errors - retry may help if gas prices change
	if strings.Contains(errStr, "gas required exceeds allowance") ||
		strings.Contains(errStr, "insufficient funds for gas") ||
		strings.Contains(errStr, "gas price too low") {
		return true, "gas_error"
	}

	// Nonce-related errors - retry may help after nonce is corrected
	if strings.Contains(errStr, "nonce too low") ||
		strings.Contains(errStr, "nonce too high") ||
		strings.Contains(errStr, "replacement transaction underpriced") {
		return true, "nonce_error"
	}

	// Balance-related errors - permanent failures
	if strings.Contains(errStr, "insufficient balance") ||
		strings.Contains(errStr, "insufficient funds") {
		return false, "insufficient_balance"
	}

	// Contract-related errors - permanent failures
	if strings.Contains(errStr, "execution reverted") ||
		strings.Contains(errStr, "invalid secret") ||
		strings.Contains(errStr, "invalid opcode") ||
		strings.Contains(errStr, "out of gas") {
		return false, "contract_error"
	}

	// Unknown errors - retry with caution
	return true, "unknown_error"
}

// CalculateBackoff returns the exponential backoff for a retry attempt,
// capped at two minutes.
func CalculateBackoff(attempt int, base time.Duration) time.Duration {
	backoff := time.Duration(math.Pow(2, float64(attempt))) * base

	maxBackoff := 2 * time.Minute
	if backoff > maxBackoff {
		backoff = maxBackoff
	}

	return backoff
}

// sleepCtx waits for the duration or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
