package badgerdb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/arkade-os/custodyd/internal/core/domain"
	"github.com/dgraph-io/badger/v4"
	"github.com/shopspring/decimal"
	"github.com/timshannon/badgerhold/v4"
)

const withdrawalStoreDir = "withdrawals"

type withdrawalRepository struct {
	store *badgerhold.Store
}

type withdrawalDTO struct {
	ID                 string
	IdempotencyKey     string
	UserID             string
	AssetSymbol        string
	Family             domain.ChainFamily
	Amount             string
	Fee                string
	Total              string
	DestinationAddress string
	State              domain.WithdrawalState
	ChainTxID          string
	SignedTx           []byte
	FailReason         string
	CreatedAt          int64
	UpdatedAt          int64
}

// idempotencyKeyDTO indexes withdrawals by idempotency key.
type idempotencyKeyDTO struct {
	WithdrawalID string
}

func NewWithdrawalRepository(config ...interface{}) (domain.WithdrawalRepository, error) {
	store, err := openStore(withdrawalStoreDir, config...)
	if err != nil {
		return nil, fmt.Errorf("failed to open withdrawal store: %s", err)
	}
	return &withdrawalRepository{store}, nil
}

func (r *withdrawalRepository) Create(_ context.Context, withdrawal domain.Withdrawal) error {
	return updateTx(r.store, func(tx *badger.Txn) error {
		var idx idempotencyKeyDTO
		err := r.store.TxGet(tx, withdrawal.IdempotencyKey, &idx)
		if err == nil {
			return domain.ErrWithdrawalExists
		}
		if !errors.Is(err, badgerhold.ErrNotFound) {
			return err
		}

		if err := r.store.TxInsert(
			tx, withdrawal.IdempotencyKey, idempotencyKeyDTO{withdrawal.ID},
		); err != nil {
			return err
		}
		if err := r.store.TxInsert(tx, withdrawal.ID, newWithdrawalDTO(withdrawal)); err != nil {
			if errors.Is(err, badgerhold.ErrKeyExists) {
				return domain.ErrWithdrawalExists
			}
			return err
		}
		return nil
	})
}

func (r *withdrawalRepository) Update(_ context.Context, withdrawal domain.Withdrawal) error {
	return updateTx(r.store, func(tx *badger.Txn) error {
		if err := r.store.TxUpdate(tx, withdrawal.ID, newWithdrawalDTO(withdrawal)); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return domain.ErrNotFound
			}
			return err
		}
		return nil
	})
}

func (r *withdrawalRepository) Get(_ context.Context, id string) (*domain.Withdrawal, error) {
	var dto withdrawalDTO
	if err := r.store.Get(id, &dto); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return dto.toWithdrawal()
}

func (r *withdrawalRepository) GetByIdempotencyKey(
	ctx context.Context, key string,
) (*domain.Withdrawal, error) {
	var idx idempotencyKeyDTO
	if err := r.store.Get(key, &idx); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return r.Get(ctx, idx.WithdrawalID)
}

func (r *withdrawalRepository) ListByState(
	_ context.Context, state domain.WithdrawalState,
) ([]domain.Withdrawal, error) {
	var dtos []withdrawalDTO
	if err := r.store.Find(&dtos, badgerhold.Where("State").Eq(state)); err != nil {
		return nil, err
	}

	withdrawals := make([]domain.Withdrawal, 0, len(dtos))
	for _, dto := range dtos {
		withdrawal, err := dto.toWithdrawal()
		if err != nil {
			return nil, err
		}
		withdrawals = append(withdrawals, *withdrawal)
	}
	sort.SliceStable(withdrawals, func(i, j int) bool {
		return withdrawals[i].CreatedAt.Before(withdrawals[j].CreatedAt)
	})
	return withdrawals, nil
}

func (r *withdrawalRepository) Close() {
	// nolint:all
	r.store.Close()
}

func newWithdrawalDTO(w domain.Withdrawal) withdrawalDTO {
	return withdrawalDTO{
		ID:                 w.ID,
		IdempotencyKey:     w.IdempotencyKey,
		UserID:             w.UserID,
		AssetSymbol:        w.AssetSymbol,
		Family:             w.Family,
		Amount:             w.Amount.String(),
		Fee:                w.Fee.String(),
		Total:              w.Total.String(),
		DestinationAddress: w.DestinationAddress,
		State:              w.State,
		ChainTxID:          w.ChainTxID,
		SignedTx:           w.SignedTx,
		FailReason:         w.FailReason,
		CreatedAt:          w.CreatedAt.UnixMilli(),
		UpdatedAt:          w.UpdatedAt.UnixMilli(),
	}
}

func (d withdrawalDTO) toWithdrawal() (*domain.Withdrawal, error) {
	amounts := make([]decimal.Decimal, 0, 3)
	for _, s := range []string{d.Amount, d.Fee, d.Total} {
		amount, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("invalid amount of withdrawal %s: %w", d.ID, err)
		}
		amounts = append(amounts, amount)
	}
	return &domain.Withdrawal{
		ID:                 d.ID,
		IdempotencyKey:     d.IdempotencyKey,
		UserID:             d.UserID,
		AssetSymbol:        d.AssetSymbol,
		Family:             d.Family,
		Amount:             amounts[0],
		Fee:                amounts[1],
		Total:              amounts[2],
		DestinationAddress: d.DestinationAddress,
		State:              d.State,
		ChainTxID:          d.ChainTxID,
		SignedTx:           d.SignedTx,
		FailReason:         d.FailReason,
		CreatedAt:          time.UnixMilli(d.CreatedAt),
		UpdatedAt:          time.UnixMilli(d.UpdatedAt),
	}, nil
}
