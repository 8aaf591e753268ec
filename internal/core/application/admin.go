package application

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/arkade-os/custodyd/internal/core/domain"
	"github.com/arkade-os/custodyd/internal/core/ports"
	arkerrors "github.com/arkade-os/custodyd/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// Reconcile resolves an ambiguous withdrawal against chain state: a tx found on chain
// commits it, a tx the adapter proves can never be included rolls it back. A tx merely
// unknown after the grace period is resubmitted and stays ambiguous.
func (s *service) Reconcile(ctx context.Context, withdrawalID string) (*domain.Withdrawal, error) {
	withdrawal, err := s.GetWithdrawal(ctx, withdrawalID)
	if err != nil {
		return nil, err
	}
	if withdrawal.State != domain.WithdrawalStateAmbiguous {
		return nil, arkerrors.VALIDATION_FAILED.New(
			"withdrawal %s is %s, not ambiguous", withdrawal.ID, withdrawal.State,
		).WithMetadata(arkerrors.ValidationMetadata{Field: "state", Value: withdrawal.State.String()})
	}

	asset, err := s.asset(withdrawal.AssetSymbol)
	if err != nil {
		return nil, err
	}
	adapter, err := s.adapters.ForAsset(asset)
	if err != nil {
		return nil, err
	}

	logger := log.WithFields(log.Fields{
		"withdrawal_id": withdrawal.ID,
		"asset":         withdrawal.AssetSymbol,
		"txid":          withdrawal.ChainTxID,
	})
	md := arkerrors.WithdrawalMetadata{
		WithdrawalId: withdrawal.ID,
		Chain:        withdrawal.Family.String(),
		Asset:        withdrawal.AssetSymbol,
		Txid:         withdrawal.ChainTxID,
	}

	if withdrawal.ChainTxID == "" {
		// nolint
		s.rollbackWithdrawal(ctx, withdrawal, errors.New("no tx was prepared"))
		if withdrawal.State != domain.WithdrawalStateRolledBack {
			return withdrawal, arkerrors.RECONCILIATION_REQUIRED.New("rollback failed").
				WithMetadata(md)
		}
		return withdrawal, nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, s.adapterTimeout)
	state, err := adapter.Lookup(lookupCtx, withdrawal.ChainTxID)
	cancel()

	switch {
	case err == nil && state.Found && !state.Failed:
		logger.Info("reconciled ambiguous withdrawal, tx found on chain")
		s.commitWithdrawal(ctx, withdrawal, asset, state.Confirmations)
		return withdrawal, nil

	case err == nil && state.Found && state.Failed:
		logger.Warn("ambiguous withdrawal failed on chain")
		withdrawal.FailReason = "tx failed on chain"
		s.transition(ctx, withdrawal, domain.WithdrawalStateReconciliationRequired)
		s.sendReconciliationAlert(ports.TxFailedOnChain, *withdrawal, withdrawal.FailReason)
		return withdrawal, arkerrors.RECONCILIATION_REQUIRED.New("tx failed on chain").
			WithMetadata(md)

	case errors.Is(err, ports.ErrTxNotFound) || (err == nil && !state.Found):
		if time.Since(withdrawal.UpdatedAt) < s.reconcileGrace {
			logger.Debug("ambiguous tx not yet known to the chain")
			return withdrawal, nil
		}
		dropped, err := s.droppedOrResubmit(ctx, adapter, ports.SignedTransfer{
			Family: withdrawal.Family, TxID: withdrawal.ChainTxID, Raw: withdrawal.SignedTx,
		}, logger)
		if errors.Is(err, errNoSignedTx) {
			logger.Warn("tx unknown to the chain and no signed tx to check it against")
			withdrawal.FailReason = "tx unknown to the chain, signed tx missing"
			s.transition(ctx, withdrawal, domain.WithdrawalStateReconciliationRequired)
			s.sendReconciliationAlert(ports.ReconciliationRequired, *withdrawal, withdrawal.FailReason)
			return withdrawal, arkerrors.RECONCILIATION_REQUIRED.New("%s", withdrawal.FailReason).
				WithMetadata(md)
		}
		if err != nil {
			return withdrawal, arkerrors.BROADCAST_FAILURE.Wrap(err).WithMetadata(
				arkerrors.BroadcastMetadata{
					Chain:        withdrawal.Family.String(),
					Asset:        withdrawal.AssetSymbol,
					WithdrawalId: withdrawal.ID,
					Txid:         withdrawal.ChainTxID,
				},
			)
		}
		if !dropped {
			return withdrawal, nil
		}

		logger.Warn("ambiguous tx dropped, rolling back")
		// nolint
		s.rollbackWithdrawal(ctx, withdrawal, errors.New("tx dropped"))
		if withdrawal.State != domain.WithdrawalStateRolledBack {
			return withdrawal, arkerrors.RECONCILIATION_REQUIRED.New("rollback failed").
				WithMetadata(md)
		}
		return withdrawal, nil

	default:
		return withdrawal, arkerrors.BROADCAST_FAILURE.Wrap(err).WithMetadata(
			arkerrors.BroadcastMetadata{
				Chain:        withdrawal.Family.String(),
				Asset:        withdrawal.AssetSymbol,
				WithdrawalId: withdrawal.ID,
				Txid:         withdrawal.ChainTxID,
			},
		)
	}
}

// ReconcileRelease resolves a release whose broadcast outcome is unknown, the same way
// Reconcile does for withdrawals: found on chain finalizes it, provably dropped or
// reverted fails it so the escrow can be released again.
func (s *service) ReconcileRelease(
	ctx context.Context, tradeID string,
) (*domain.ReleaseArtifact, error) {
	unlock := s.lockTrade(tradeID)
	defer unlock()

	release, err := s.GetRelease(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if release.State.IsFinal() || release.Txid == "" {
		return nil, arkerrors.VALIDATION_FAILED.New(
			"release of trade %s has no pending broadcast", tradeID,
		).WithMetadata(arkerrors.ValidationMetadata{Field: "state", Value: release.State.String()})
	}

	asset, err := s.asset(release.Asset)
	if err != nil {
		return nil, err
	}
	adapter, err := s.adapters.ForAsset(asset)
	if err != nil {
		return nil, err
	}

	logger := log.WithFields(log.Fields{
		"trade_id": tradeID,
		"chain":    release.Family,
		"txid":     release.Txid,
	})
	bmd := arkerrors.BroadcastMetadata{
		Chain: release.Family.String(), Asset: release.Asset, TradeId: tradeID, Txid: release.Txid,
	}

	lookupCtx, cancel := context.WithTimeout(ctx, s.adapterTimeout)
	state, err := adapter.Lookup(lookupCtx, release.Txid)
	cancel()

	switch {
	case err == nil && state.Found && !state.Failed:
		logger.Info("reconciled release, tx found on chain")
		return s.completeRelease(ctx, release, release.Txid, release.Fee)

	case err == nil && state.Found && state.Failed:
		// nolint
		s.failRelease(ctx, release, arkerrors.BROADCAST_FAILURE.New(
			"release tx %s failed on chain", release.Txid,
		).WithMetadata(bmd))
		s.sendReleaseAlert(ports.TxFailedOnChain, *release, "release tx failed on chain")
		return s.GetRelease(ctx, tradeID)

	case errors.Is(err, ports.ErrTxNotFound) || (err == nil && !state.Found):
		if time.Since(release.UpdatedAt) < s.reconcileGrace {
			logger.Debug("release tx not yet known to the chain")
			return release, nil
		}
		dropped, err := s.droppedOrResubmit(ctx, adapter, ports.SignedTransfer{
			Family: release.Family, TxID: release.Txid, Raw: release.SignedTx,
		}, logger)
		if errors.Is(err, errNoSignedTx) {
			s.sendReleaseAlert(
				ports.ReconciliationRequired, *release, "release tx unknown to the chain",
			)
			return release, arkerrors.RECONCILIATION_REQUIRED.New(
				"release tx %s unknown to the chain and not stored", release.Txid,
			).WithMetadata(arkerrors.WithdrawalMetadata{
				Chain: release.Family.String(), Asset: release.Asset, Txid: release.Txid,
			})
		}
		if err != nil {
			return release, arkerrors.BROADCAST_FAILURE.Wrap(err).WithMetadata(bmd)
		}
		if !dropped {
			return release, nil
		}
		logger.Warn("release tx dropped")
		// nolint
		s.failRelease(ctx, release, arkerrors.BROADCAST_FAILURE.New(
			"release tx %s dropped", release.Txid,
		).WithMetadata(bmd))
		return s.GetRelease(ctx, tradeID)

	default:
		return release, arkerrors.BROADCAST_FAILURE.Wrap(err).WithMetadata(bmd)
	}
}

func (s *service) ListWithdrawals(
	ctx context.Context, state domain.WithdrawalState,
) ([]domain.Withdrawal, error) {
	withdrawals, err := s.repoManager.Withdrawals().ListByState(ctx, state)
	if err != nil {
		return nil, arkerrors.INTERNAL_ERROR.Wrap(err)
	}
	return withdrawals, nil
}

func (s *service) CreditBalance(
	ctx context.Context, userID, asset string, amount decimal.Decimal,
) (*domain.WalletBalance, error) {
	symbol := strings.ToUpper(strings.TrimSpace(asset))
	if userID == "" {
		return nil, arkerrors.VALIDATION_FAILED.New("missing user id").
			WithMetadata(arkerrors.ValidationMetadata{Field: "user_id"})
	}
	if _, err := s.asset(symbol); err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, arkerrors.VALIDATION_FAILED.New("amount must be positive").
			WithMetadata(arkerrors.ValidationMetadata{Field: "amount", Asset: symbol})
	}

	balance, err := s.repoManager.Wallets().Credit(ctx, userID, symbol, amount)
	if err != nil {
		return nil, arkerrors.INTERNAL_ERROR.Wrap(err)
	}
	log.WithFields(log.Fields{"user_id": userID, "asset": symbol}).Infof("credited %s", amount)
	return balance, nil
}
