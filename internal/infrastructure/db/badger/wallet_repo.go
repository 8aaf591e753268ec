package badgerdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/arkade-os/custodyd/internal/core/domain"
	"github.com/dgraph-io/badger/v4"
	"github.com/shopspring/decimal"
	"github.com/timshannon/badgerhold/v4"
)

const walletStoreDir = "wallets"

type walletRepository struct {
	store *badgerhold.Store
}

// balanceDTO keeps amounts as strings so the stored values are exact.
type balanceDTO struct {
	UserID    string
	Asset     string
	Available string
	Locked    string
}

func NewWalletRepository(config ...interface{}) (domain.WalletRepository, error) {
	store, err := openStore(walletStoreDir, config...)
	if err != nil {
		return nil, fmt.Errorf("failed to open wallet store: %s", err)
	}
	return &walletRepository{store}, nil
}

func (r *walletRepository) Get(
	_ context.Context, userID, asset string,
) (*domain.WalletBalance, error) {
	var dto balanceDTO
	if err := r.store.Get(balanceKey(userID, asset), &dto); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return dto.toBalance()
}

func (r *walletRepository) Credit(
	_ context.Context, userID, asset string, amount decimal.Decimal,
) (*domain.WalletBalance, error) {
	return r.update(userID, asset, func(b *domain.WalletBalance) error {
		return b.Credit(amount)
	})
}

func (r *walletRepository) Lock(
	_ context.Context, userID, asset string, amount decimal.Decimal,
) (*domain.WalletBalance, error) {
	return r.update(userID, asset, func(b *domain.WalletBalance) error {
		return b.Lock(amount)
	})
}

func (r *walletRepository) Rollback(
	_ context.Context, userID, asset string, amount decimal.Decimal,
) (*domain.WalletBalance, error) {
	return r.update(userID, asset, func(b *domain.WalletBalance) error {
		return b.Rollback(amount)
	})
}

func (r *walletRepository) Commit(
	_ context.Context, userID, asset string, amount decimal.Decimal,
) (*domain.WalletBalance, error) {
	return r.update(userID, asset, func(b *domain.WalletBalance) error {
		return b.Commit(amount)
	})
}

func (r *walletRepository) Close() {
	// nolint:all
	r.store.Close()
}

func (r *walletRepository) update(
	userID, asset string, fn func(b *domain.WalletBalance) error,
) (*domain.WalletBalance, error) {
	key := balanceKey(userID, asset)

	var balance *domain.WalletBalance
	if err := updateTx(r.store, func(tx *badger.Txn) error {
		var dto balanceDTO
		if err := r.store.TxGet(tx, key, &dto); err != nil {
			if !errors.Is(err, badgerhold.ErrNotFound) {
				return err
			}
			dto = newBalanceDTO(*domain.NewWalletBalance(userID, asset))
		}

		current, err := dto.toBalance()
		if err != nil {
			return err
		}
		if err := fn(current); err != nil {
			return err
		}
		if err := r.store.TxUpsert(tx, key, newBalanceDTO(*current)); err != nil {
			return err
		}
		balance = current
		return nil
	}); err != nil {
		return nil, err
	}
	return balance, nil
}

func balanceKey(userID, asset string) string {
	return fmt.Sprintf("%s/%s", asset, userID)
}

func newBalanceDTO(b domain.WalletBalance) balanceDTO {
	return balanceDTO{
		UserID:    b.UserID,
		Asset:     b.Asset,
		Available: b.Available.String(),
		Locked:    b.Locked.String(),
	}
}

func (d balanceDTO) toBalance() (*domain.WalletBalance, error) {
	available, err := decimal.NewFromString(d.Available)
	if err != nil {
		return nil, fmt.Errorf("invalid available balance: %w", err)
	}
	locked, err := decimal.NewFromString(d.Locked)
	if err != nil {
		return nil, fmt.Errorf("invalid locked balance: %w", err)
	}
	return &domain.WalletBalance{
		UserID: d.UserID, Asset: d.Asset, Available: available, Locked: locked,
	}, nil
}
