// Package chain holds what the chain adapters share: submission error classification
// and confirmation polling.
package chain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/arkade-os/custodyd/internal/core/ports"
)

// ClassifySubmitError tells apart submissions that certainly never reached the node
// from those whose outcome is unknown. Unknown is the default.
func ClassifySubmitError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ports.ErrTxRejected) || errors.Is(err, ports.ErrTxAmbiguous) {
		return err
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fmt.Errorf("%w: %s", ports.ErrTxRejected, err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("%w: %s", ports.ErrTxRejected, err)
	}

	// timeouts, resets and anything else after the request left may have reached
	// the node
	return fmt.Errorf("%w: %s", ports.ErrTxAmbiguous, err)
}

// RejectedError wraps a node response that explicitly refused a transaction.
func RejectedError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ports.ErrTxRejected, fmt.Sprintf(format, args...))
}

// AwaitConfirmation polls lookup until the tx has at least one confirmation, fails,
// or the timeout expires.
func AwaitConfirmation(
	ctx context.Context, txid string, timeout, interval time.Duration,
	lookup func(ctx context.Context, txid string) (*ports.ChainTxState, error),
) (*ports.ChainTxState, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		state, err := lookup(ctx, txid)
		if err != nil && !errors.Is(err, ports.ErrTxNotFound) {
			return nil, err
		}
		if err == nil && (state.Failed || state.Confirmations > 0) {
			return state, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("tx %s not confirmed within %s: %w", txid, timeout, ctx.Err())
		case <-ticker.C:
		}
	}
}
