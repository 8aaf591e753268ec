package application

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/arkade-os/custodyd/internal/core/domain"
	"github.com/arkade-os/custodyd/internal/core/ports"
	arkerrors "github.com/arkade-os/custodyd/pkg/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

const withdrawalEventUpdated = "withdrawal_updated"

func (s *service) Withdraw(
	ctx context.Context, req domain.WithdrawalRequest,
) (*domain.WithdrawalResult, error) {
	req.AssetSymbol = strings.ToUpper(strings.TrimSpace(req.AssetSymbol))
	req.DestinationAddress = strings.TrimSpace(req.DestinationAddress)
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.New().String()
	}

	if existing, err := s.repoManager.Withdrawals().GetByIdempotencyKey(
		ctx, req.IdempotencyKey,
	); err == nil {
		return s.replayWithdrawal(existing, req)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, arkerrors.INTERNAL_ERROR.Wrap(err)
	}

	withdrawal := domain.NewWithdrawal(uuid.New().String(), req)
	logger := log.WithFields(log.Fields{
		"withdrawal_id": withdrawal.ID,
		"asset":         req.AssetSymbol,
	})

	// Validate
	asset, adapter, err := s.validateWithdrawal(ctx, withdrawal)
	if err != nil {
		s.metrics.withdrawal(ctx, req.AssetSymbol, domain.WithdrawalStateFailed.String())
		return nil, err
	}
	logger = logger.WithField("chain", asset.Family)
	// nolint
	withdrawal.Transition(domain.WithdrawalStateValidated)

	// the idempotency key is taken before any funds move
	if err := s.repoManager.Withdrawals().Create(ctx, *withdrawal); err != nil {
		if errors.Is(err, domain.ErrWithdrawalExists) {
			existing, getErr := s.repoManager.Withdrawals().GetByIdempotencyKey(
				ctx, req.IdempotencyKey,
			)
			if getErr != nil {
				return nil, arkerrors.INTERNAL_ERROR.Wrap(getErr)
			}
			return s.replayWithdrawal(existing, req)
		}
		return nil, arkerrors.INTERNAL_ERROR.Wrap(err)
	}

	// Funds move from here on: only chain calls follow the caller's context, every
	// write goes through a detached one.
	bg := context.WithoutCancel(ctx)

	// Lock
	lockCtx, cancel := detach(bg)
	_, err = s.repoManager.Wallets().Lock(
		lockCtx, withdrawal.UserID, withdrawal.AssetSymbol, withdrawal.Total,
	)
	cancel()
	if err != nil {
		withdrawal.State = domain.WithdrawalStateFailed
		withdrawal.FailReason = err.Error()
		s.saveWithdrawal(bg, withdrawal)
		s.metrics.withdrawal(bg, asset.Symbol, withdrawal.State.String())

		if errors.Is(err, domain.ErrInsufficientBalance) {
			available := "0"
			if balance, err := s.repoManager.Wallets().Get(
				ctx, withdrawal.UserID, withdrawal.AssetSymbol,
			); err == nil {
				available = balance.Available.String()
			}
			return nil, arkerrors.INSUFFICIENT_BALANCE.New(
				"available balance does not cover %s %s", withdrawal.Total, asset.Symbol,
			).WithMetadata(arkerrors.InsufficientBalanceMetadata{
				WithdrawalId: withdrawal.ID,
				Asset:        asset.Symbol,
				Available:    available,
				Required:     withdrawal.Total.String(),
			})
		}
		return nil, arkerrors.INTERNAL_ERROR.Wrap(err)
	}
	s.transition(bg, withdrawal, domain.WithdrawalStateLocked)
	logger.Debugf("locked %s", withdrawal.Total)

	// KeyDerive
	key, err := s.keys.DeriveForAsset(withdrawal.UserID, withdrawal.AssetSymbol)
	if err != nil {
		return nil, s.rollbackWithdrawal(bg, withdrawal, err)
	}
	defer key.Zero()
	s.transition(bg, withdrawal, domain.WithdrawalStateKeyDerived)

	// Broadcast
	prepareCtx, cancel := context.WithTimeout(ctx, s.adapterTimeout)
	transfer, err := adapter.Prepare(prepareCtx, key.Bytes(), ports.TransferRequest{
		Asset:       asset,
		Destination: withdrawal.DestinationAddress,
		Amount:      withdrawal.Amount,
		Reference:   withdrawal.ID,
	})
	cancel()
	key.Zero()
	if err != nil {
		return nil, s.rollbackWithdrawal(bg, withdrawal, s.broadcastError(withdrawal, err))
	}

	// the signed tx is stored before submission, a lost response can then be looked up
	// and a dropped tx told apart from a slow one
	withdrawal.ChainTxID = transfer.TxID
	withdrawal.SignedTx = transfer.Raw
	updateCtx, cancel := detach(bg)
	err = s.repoManager.Withdrawals().Update(updateCtx, *withdrawal)
	cancel()
	if err != nil {
		return nil, s.rollbackWithdrawal(bg, withdrawal, arkerrors.INTERNAL_ERROR.Wrap(err))
	}

	submitCtx, cancel := context.WithTimeout(ctx, s.broadcastTimeout)
	txid, err := adapter.Submit(submitCtx, *transfer)
	cancel()
	if err != nil {
		if !isAmbiguous(err) {
			return nil, s.rollbackWithdrawal(bg, withdrawal, s.broadcastError(withdrawal, err))
		}
		return s.handleAmbiguousBroadcast(bg, withdrawal, adapter, err)
	}
	if txid != "" {
		withdrawal.ChainTxID = txid
	}
	s.transition(bg, withdrawal, domain.WithdrawalStateBroadcast)
	logger.Infof("broadcast tx %s", withdrawal.ChainTxID)

	// Confirm
	confirmations := uint32(0)
	if state := s.awaitConfirmation(ctx, adapter, withdrawal.ChainTxID, logger); state != nil {
		if state.Failed {
			return nil, s.failedOnChain(bg, withdrawal)
		}
		if state.Found {
			confirmations = state.Confirmations
		}
	}

	// Commit
	s.commitWithdrawal(bg, withdrawal, asset, confirmations)
	return resultOf(withdrawal), nil
}

func (s *service) GetWithdrawal(ctx context.Context, id string) (*domain.Withdrawal, error) {
	withdrawal, err := s.repoManager.Withdrawals().Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, arkerrors.NOT_FOUND.New("withdrawal %s not found", id).
				WithMetadata(map[string]any{"withdrawal_id": id})
		}
		return nil, arkerrors.INTERNAL_ERROR.Wrap(err)
	}
	return withdrawal, nil
}

func (s *service) GetBalance(
	ctx context.Context, userID, asset string,
) (*domain.WalletBalance, error) {
	symbol := strings.ToUpper(strings.TrimSpace(asset))
	if _, err := s.asset(symbol); err != nil {
		return nil, err
	}
	balance, err := s.repoManager.Wallets().Get(ctx, userID, symbol)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return &domain.WalletBalance{
				UserID: userID, Asset: symbol, Available: decimal.Zero, Locked: decimal.Zero,
			}, nil
		}
		return nil, arkerrors.INTERNAL_ERROR.Wrap(err)
	}
	return balance, nil
}

func (s *service) validateWithdrawal(
	ctx context.Context, withdrawal *domain.Withdrawal,
) (domain.Asset, ports.ChainAdapter, error) {
	if withdrawal.UserID == "" {
		return domain.Asset{}, nil, arkerrors.VALIDATION_FAILED.New("missing user id").
			WithMetadata(arkerrors.ValidationMetadata{Field: "user_id"})
	}
	asset, err := s.asset(withdrawal.AssetSymbol)
	if err != nil {
		return domain.Asset{}, nil, err
	}
	withdrawal.Family = asset.Family

	adapter, err := s.adapters.ForAsset(asset)
	if err != nil {
		return domain.Asset{}, nil, err
	}

	md := arkerrors.ValidationMetadata{Chain: asset.Family.String(), Asset: asset.Symbol}
	if err := adapter.ValidateAddress(withdrawal.DestinationAddress); err != nil {
		md.Field, md.Value = "destination_address", withdrawal.DestinationAddress
		return domain.Asset{}, nil, arkerrors.VALIDATION_FAILED.Wrap(err).WithMetadata(md)
	}
	if !withdrawal.Amount.IsPositive() {
		md.Field, md.Value = "amount", withdrawal.Amount.String()
		return domain.Asset{}, nil, arkerrors.VALIDATION_FAILED.New("amount must be positive").
			WithMetadata(md)
	}
	if withdrawal.Amount.LessThan(asset.MinWithdrawal) {
		md.Field, md.Value = "amount", withdrawal.Amount.String()
		return domain.Asset{}, nil, arkerrors.VALIDATION_FAILED.New(
			"amount below minimum withdrawal of %s %s", asset.MinWithdrawal, asset.Symbol,
		).WithMetadata(md)
	}
	if _, err := asset.ToBaseUnits(withdrawal.Amount); err != nil {
		md.Field, md.Value = "amount", withdrawal.Amount.String()
		return domain.Asset{}, nil, arkerrors.VALIDATION_FAILED.Wrap(err).WithMetadata(md)
	}

	fee, err := s.networkFee(ctx, asset, withdrawal.Amount)
	if err != nil {
		return domain.Asset{}, nil, err
	}
	withdrawal.Fee = fee
	withdrawal.Total = withdrawal.Amount.Add(fee)
	return asset, adapter, nil
}

// replayWithdrawal returns the recorded outcome of a retried request.
func (s *service) replayWithdrawal(
	existing *domain.Withdrawal, req domain.WithdrawalRequest,
) (*domain.WithdrawalResult, error) {
	if existing.UserID != req.UserID || existing.AssetSymbol != req.AssetSymbol ||
		!existing.Amount.Equal(req.Amount) ||
		existing.DestinationAddress != req.DestinationAddress {
		return nil, arkerrors.ALREADY_EXISTS.New(
			"idempotency key already used by a different withdrawal",
		).WithMetadata(map[string]any{"withdrawal_id": existing.ID})
	}
	log.WithField("withdrawal_id", existing.ID).
		Debugf("replaying withdrawal in state %s", existing.State)
	return resultOf(existing), nil
}

func (s *service) handleAmbiguousBroadcast(
	ctx context.Context, withdrawal *domain.Withdrawal, adapter ports.ChainAdapter, cause error,
) (*domain.WithdrawalResult, error) {
	s.transition(ctx, withdrawal, domain.WithdrawalStateAmbiguous)
	logger := log.WithFields(log.Fields{
		"withdrawal_id": withdrawal.ID,
		"asset":         withdrawal.AssetSymbol,
		"txid":          withdrawal.ChainTxID,
	})
	logger.WithError(cause).Warn("broadcast outcome unknown, looking tx up")

	lookupCtx, cancel := context.WithTimeout(context.Background(), s.adapterTimeout)
	defer cancel()

	state, err := adapter.Lookup(lookupCtx, withdrawal.ChainTxID)
	if err == nil && state.Found && !state.Failed {
		logger.Info("tx found on chain after ambiguous broadcast")
		asset, _ := s.asset(withdrawal.AssetSymbol)
		s.commitWithdrawal(ctx, withdrawal, asset, state.Confirmations)
		return resultOf(withdrawal), nil
	}

	s.sendReconciliationAlert(ports.AmbiguousBroadcast, *withdrawal, cause.Error())
	s.tracker.scheduleReconcile(withdrawal.ID)
	s.metrics.withdrawal(ctx, withdrawal.AssetSymbol, withdrawal.State.String())

	return nil, arkerrors.AMBIGUOUS_BROADCAST.Wrap(cause).WithMetadata(
		arkerrors.BroadcastMetadata{
			Chain:        withdrawal.Family.String(),
			Asset:        withdrawal.AssetSymbol,
			WithdrawalId: withdrawal.ID,
			Txid:         withdrawal.ChainTxID,
		},
	)
}

// failedOnChain flags a withdrawal whose tx was included but reverted. The fee is
// spent, so funds stay locked until an operator settles the balance.
func (s *service) failedOnChain(ctx context.Context, withdrawal *domain.Withdrawal) error {
	log.WithFields(log.Fields{
		"withdrawal_id": withdrawal.ID,
		"asset":         withdrawal.AssetSymbol,
		"txid":          withdrawal.ChainTxID,
	}).Warn("withdrawal tx failed on chain")

	withdrawal.FailReason = "tx failed on chain"
	s.transition(ctx, withdrawal, domain.WithdrawalStateReconciliationRequired)
	s.sendReconciliationAlert(ports.TxFailedOnChain, *withdrawal, withdrawal.FailReason)
	s.metrics.withdrawal(ctx, withdrawal.AssetSymbol, withdrawal.State.String())

	return arkerrors.RECONCILIATION_REQUIRED.New("tx failed on chain").WithMetadata(
		arkerrors.WithdrawalMetadata{
			WithdrawalId: withdrawal.ID,
			Chain:        withdrawal.Family.String(),
			Asset:        withdrawal.AssetSymbol,
			Txid:         withdrawal.ChainTxID,
		},
	)
}

// commitWithdrawal records the broadcast tx so the confirmation tracker can consume the
// locked funds once it is buried.
func (s *service) commitWithdrawal(
	ctx context.Context, withdrawal *domain.Withdrawal, asset domain.Asset, confirmations uint32,
) {
	now := time.Now()
	record := domain.TransactionRecord{
		WithdrawalID:          withdrawal.ID,
		Family:                withdrawal.Family,
		AssetSymbol:           withdrawal.AssetSymbol,
		ChainTxID:             withdrawal.ChainTxID,
		Status:                domain.TxStatusPending,
		Confirmations:         confirmations,
		RequiredConfirmations: asset.RequiredConfirmations,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	addCtx, cancel := detach(ctx)
	defer cancel()
	if err := s.repoManager.TxRecords().Add(addCtx, record); err != nil {
		log.WithError(err).WithField("withdrawal_id", withdrawal.ID).
			Error("failed to record broadcast tx")
		s.sendReconciliationAlert(
			ports.ReconciliationRequired, *withdrawal, "failed to record broadcast tx",
		)
		return
	}

	s.transition(ctx, withdrawal, domain.WithdrawalStateCommitted)
	s.metrics.withdrawal(ctx, withdrawal.AssetSymbol, withdrawal.State.String())
}

// rollbackWithdrawal restores the pre-lock balance. A failed compensation leaves the
// funds locked and flags the withdrawal, it is never retried automatically.
func (s *service) rollbackWithdrawal(
	ctx context.Context, withdrawal *domain.Withdrawal, cause error,
) error {
	logger := log.WithFields(log.Fields{
		"withdrawal_id": withdrawal.ID,
		"asset":         withdrawal.AssetSymbol,
	})
	withdrawal.FailReason = cause.Error()

	rollbackCtx, cancel := detach(ctx)
	_, err := s.repoManager.Wallets().Rollback(
		rollbackCtx, withdrawal.UserID, withdrawal.AssetSymbol, withdrawal.Total,
	)
	cancel()
	if err != nil {
		logger.WithError(err).Error("failed to roll back withdrawal, manual reconciliation required")
		s.transition(ctx, withdrawal, domain.WithdrawalStateReconciliationRequired)
		s.sendReconciliationAlert(ports.ReconciliationRequired, *withdrawal, err.Error())
		s.metrics.withdrawal(ctx, withdrawal.AssetSymbol, withdrawal.State.String())
		return cause
	}

	logger.WithError(cause).Warn("withdrawal rolled back")
	s.transition(ctx, withdrawal, domain.WithdrawalStateRolledBack)
	s.metrics.withdrawal(ctx, withdrawal.AssetSymbol, withdrawal.State.String())
	return cause
}

func (s *service) broadcastError(withdrawal *domain.Withdrawal, err error) error {
	if _, ok := arkerrors.As(err); ok {
		return err
	}
	return arkerrors.BROADCAST_FAILURE.Wrap(err).WithMetadata(arkerrors.BroadcastMetadata{
		Chain:        withdrawal.Family.String(),
		Asset:        withdrawal.AssetSymbol,
		WithdrawalId: withdrawal.ID,
		Txid:         withdrawal.ChainTxID,
	})
}

func (s *service) transition(
	ctx context.Context, withdrawal *domain.Withdrawal, state domain.WithdrawalState,
) {
	if err := withdrawal.Transition(state); err != nil {
		log.WithError(err).WithField("withdrawal_id", withdrawal.ID).Warn("unexpected transition")
		withdrawal.State = state
	}
	s.saveWithdrawal(ctx, withdrawal)
}

func (s *service) saveWithdrawal(ctx context.Context, withdrawal *domain.Withdrawal) {
	ctx, cancel := detach(ctx)
	defer cancel()
	if err := s.repoManager.Withdrawals().Update(ctx, *withdrawal); err != nil {
		log.WithError(err).WithField("withdrawal_id", withdrawal.ID).
			Warnf("failed to persist withdrawal in state %s", withdrawal.State)
	}
	s.publishEvent(ports.WithdrawalTopic, withdrawalEventUpdated, withdrawalEvent{
		WithdrawalID: withdrawal.ID,
		UserID:       withdrawal.UserID,
		Asset:        withdrawal.AssetSymbol,
		Amount:       withdrawal.Amount.String(),
		Fee:          withdrawal.Fee.String(),
		State:        withdrawal.State.String(),
		Txid:         withdrawal.ChainTxID,
	})
}

func resultOf(withdrawal *domain.Withdrawal) *domain.WithdrawalResult {
	result := withdrawal.Result()
	return &result
}
