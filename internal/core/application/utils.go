package application

import (
	"context"
	"errors"
	"time"

	"github.com/arkade-os/custodyd/internal/core/domain"
	"github.com/arkade-os/custodyd/internal/core/ports"
	arkerrors "github.com/arkade-os/custodyd/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// persistTimeout bounds every write made once funds are locked.
const persistTimeout = 30 * time.Second

var errNoSignedTx = errors.New("signed transaction not stored")

func isAmbiguous(err error) bool {
	return errors.Is(err, ports.ErrTxAmbiguous) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// detach returns a context that outlives the caller's: a request going away must not
// leave locked funds or a half-recorded broadcast behind.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}

// networkFee returns the configured fee of the asset, or the adapter estimate when the
// table has none.
func (s *service) networkFee(
	ctx context.Context, asset domain.Asset, amount decimal.Decimal,
) (decimal.Decimal, error) {
	if asset.NetworkFee.IsPositive() {
		return asset.NetworkFee, nil
	}

	adapter, err := s.adapters.ForAsset(asset)
	if err != nil {
		return decimal.Zero, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.adapterTimeout)
	defer cancel()

	fee, err := adapter.EstimateFee(ctx, asset, amount)
	if err != nil {
		return decimal.Zero, arkerrors.BROADCAST_FAILURE.Wrap(err).WithMetadata(
			arkerrors.BroadcastMetadata{Chain: asset.Family.String(), Asset: asset.Symbol},
		)
	}
	return fee, nil
}

// awaitConfirmation gives a just submitted tx the configured time to show up on chain.
// A nil state means the wait is disabled or ran out, the tx is then tracked as pending.
func (s *service) awaitConfirmation(
	ctx context.Context, adapter ports.ChainAdapter, txid string, logger *log.Entry,
) *ports.ChainTxState {
	if s.confirmationWait <= 0 {
		return nil
	}
	state, err := adapter.AwaitConfirmation(ctx, txid, s.confirmationWait)
	if err != nil {
		logger.WithError(err).Debugf("tx %s not confirmed within %s", txid, s.confirmationWait)
		return nil
	}
	return state
}

// droppedOrResubmit is called for a tx still unknown to the chain after the grace
// period. It reports true only when the adapter proves the tx can never be included,
// otherwise the identical signed tx is handed to the chain again.
func (s *service) droppedOrResubmit(
	ctx context.Context, adapter ports.ChainAdapter, transfer ports.SignedTransfer,
	logger *log.Entry,
) (bool, error) {
	if len(transfer.Raw) == 0 {
		return false, errNoSignedTx
	}

	checkCtx, cancel := context.WithTimeout(ctx, s.adapterTimeout)
	dropped, err := adapter.Dropped(checkCtx, transfer)
	cancel()
	if err != nil {
		return false, err
	}
	if dropped {
		logger.Warn("tx can no longer be included")
		return true, nil
	}

	submitCtx, cancel := context.WithTimeout(ctx, s.broadcastTimeout)
	_, err = adapter.Submit(submitCtx, transfer)
	cancel()
	if err != nil {
		logger.WithError(err).Warn("failed to resubmit unknown tx")
		return false, nil
	}
	logger.Info("resubmitted unknown tx")
	return false, nil
}
