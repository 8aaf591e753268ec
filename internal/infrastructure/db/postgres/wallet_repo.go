package pgdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/arkade-os/custodyd/internal/core/domain"
	"github.com/shopspring/decimal"
)

const (
	selectBalance = `SELECT available, locked, version FROM wallet_balance
WHERE user_id = $1 AND asset = $2`

	selectBalanceForUpdate = selectBalance + ` FOR UPDATE`

	insertBalance = `INSERT INTO wallet_balance (user_id, asset, available, locked, version, updated_at)
VALUES ($1, $2, $3, $4, 1, $5)`

	updateBalance = `UPDATE wallet_balance
SET available = $1, locked = $2, version = version + 1, updated_at = $3
WHERE user_id = $4 AND asset = $5 AND version = $6`
)

type walletRepository struct {
	db *sql.DB
}

func NewWalletRepository(config ...interface{}) (domain.WalletRepository, error) {
	db, err := sqlDBFromConfig("wallet", config...)
	if err != nil {
		return nil, err
	}
	return &walletRepository{db}, nil
}

func (r *walletRepository) Get(
	ctx context.Context, userID, asset string,
) (*domain.WalletBalance, error) {
	balance, _, err := getBalance(ctx, r.db.QueryRowContext, selectBalance, userID, asset)
	if err != nil {
		return nil, err
	}
	if balance == nil {
		return nil, domain.ErrNotFound
	}
	return balance, nil
}

func (r *walletRepository) Credit(
	ctx context.Context, userID, asset string, amount decimal.Decimal,
) (*domain.WalletBalance, error) {
	return r.update(ctx, userID, asset, func(b *domain.WalletBalance) error {
		return b.Credit(amount)
	})
}

func (r *walletRepository) Lock(
	ctx context.Context, userID, asset string, amount decimal.Decimal,
) (*domain.WalletBalance, error) {
	return r.update(ctx, userID, asset, func(b *domain.WalletBalance) error {
		return b.Lock(amount)
	})
}

func (r *walletRepository) Rollback(
	ctx context.Context, userID, asset string, amount decimal.Decimal,
) (*domain.WalletBalance, error) {
	return r.update(ctx, userID, asset, func(b *domain.WalletBalance) error {
		return b.Rollback(amount)
	})
}

func (r *walletRepository) Commit(
	ctx context.Context, userID, asset string, amount decimal.Decimal,
) (*domain.WalletBalance, error) {
	return r.update(ctx, userID, asset, func(b *domain.WalletBalance) error {
		return b.Commit(amount)
	})
}

func (r *walletRepository) Close() {
	// nolint:all
	r.db.Close()
}

// update applies fn to the row-locked balance and writes it back.
func (r *walletRepository) update(
	ctx context.Context, userID, asset string, fn func(b *domain.WalletBalance) error,
) (*domain.WalletBalance, error) {
	var balance *domain.WalletBalance
	txBody := func(tx *sql.Tx) error {
		current, version, err := getBalance(
			ctx, tx.QueryRowContext, selectBalanceForUpdate, userID, asset,
		)
		if err != nil {
			return err
		}
		isNew := current == nil
		if isNew {
			current = domain.NewWalletBalance(userID, asset)
		}
		if err := fn(current); err != nil {
			return err
		}

		now := time.Now().UnixMilli()
		if isNew {
			if _, err := tx.ExecContext(
				ctx, insertBalance, userID, asset, current.Available, current.Locked, now,
			); err != nil {
				if isUniqueViolation(err) {
					return errStaleVersion
				}
				return err
			}
		} else {
			res, err := tx.ExecContext(
				ctx, updateBalance, current.Available, current.Locked, now,
				userID, asset, version,
			)
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err != nil || n != 1 {
				return errStaleVersion
			}
		}
		balance = current
		return nil
	}
	if err := execTx(ctx, r.db, txBody); err != nil {
		if errors.Is(err, errStaleVersion) {
			return nil, fmt.Errorf("balance of %s/%s is contended, retry later", asset, userID)
		}
		return nil, err
	}
	return balance, nil
}

type queryRowFn func(ctx context.Context, query string, args ...any) *sql.Row

func getBalance(
	ctx context.Context, queryRow queryRowFn, query, userID, asset string,
) (*domain.WalletBalance, int64, error) {
	var (
		available, locked decimal.Decimal
		version           int64
	)
	err := queryRow(ctx, query, userID, asset).Scan(&available, &locked, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return &domain.WalletBalance{
		UserID: userID, Asset: asset, Available: available, Locked: locked,
	}, version, nil
}
