package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/arkade-os/custodyd/internal/core/domain"
)

const (
	withdrawalColumns = `id, idempotency_key, user_id, asset, family, amount, fee, total,
destination, state, chain_txid, signed_tx, fail_reason, created_at, updated_at`

	insertWithdrawal = `INSERT INTO withdrawal (` + withdrawalColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	updateWithdrawal = `UPDATE withdrawal
SET fee = ?, total = ?, state = ?, chain_txid = ?, signed_tx = ?, fail_reason = ?,
updated_at = ?
WHERE id = ?`

	selectWithdrawal = `SELECT ` + withdrawalColumns + ` FROM withdrawal WHERE id = ?`

	selectWithdrawalByKey = `SELECT ` + withdrawalColumns + `
FROM withdrawal WHERE idempotency_key = ?`

	selectWithdrawalsByState = `SELECT ` + withdrawalColumns + `
FROM withdrawal WHERE state = ? ORDER BY created_at`
)

type withdrawalRepository struct {
	db *sql.DB
}

func NewWithdrawalRepository(config ...interface{}) (domain.WithdrawalRepository, error) {
	db, err := sqlDBFromConfig("withdrawal", config...)
	if err != nil {
		return nil, err
	}
	return &withdrawalRepository{db}, nil
}

func (r *withdrawalRepository) Create(ctx context.Context, w domain.Withdrawal) error {
	if _, err := r.db.ExecContext(
		ctx, insertWithdrawal,
		w.ID, w.IdempotencyKey, w.UserID, w.AssetSymbol, w.Family.String(),
		w.Amount, w.Fee, w.Total, w.DestinationAddress, w.State.String(),
		w.ChainTxID, w.SignedTx, w.FailReason, w.CreatedAt.UnixMilli(), w.UpdatedAt.UnixMilli(),
	); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrWithdrawalExists
		}
		return fmt.Errorf("failed to insert withdrawal: %w", err)
	}
	return nil
}

func (r *withdrawalRepository) Update(ctx context.Context, w domain.Withdrawal) error {
	res, err := r.db.ExecContext(
		ctx, updateWithdrawal,
		w.Fee, w.Total, w.State.String(), w.ChainTxID, w.SignedTx, w.FailReason,
		w.UpdatedAt.UnixMilli(), w.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update withdrawal: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *withdrawalRepository) Get(ctx context.Context, id string) (*domain.Withdrawal, error) {
	return scanWithdrawal(r.db.QueryRowContext(ctx, selectWithdrawal, id))
}

func (r *withdrawalRepository) GetByIdempotencyKey(
	ctx context.Context, key string,
) (*domain.Withdrawal, error) {
	return scanWithdrawal(r.db.QueryRowContext(ctx, selectWithdrawalByKey, key))
}

func (r *withdrawalRepository) ListByState(
	ctx context.Context, state domain.WithdrawalState,
) ([]domain.Withdrawal, error) {
	rows, err := r.db.QueryContext(ctx, selectWithdrawalsByState, state.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list withdrawals: %w", err)
	}
	// nolint:errcheck
	defer rows.Close()

	withdrawals := make([]domain.Withdrawal, 0)
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		withdrawals = append(withdrawals, *w)
	}
	return withdrawals, rows.Err()
}

func (r *withdrawalRepository) Close() {
	// nolint:all
	r.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWithdrawal(row scanner) (*domain.Withdrawal, error) {
	var (
		w                    domain.Withdrawal
		family, state        string
		createdAt, updatedAt int64
	)
	if err := row.Scan(
		&w.ID, &w.IdempotencyKey, &w.UserID, &w.AssetSymbol, &family,
		&w.Amount, &w.Fee, &w.Total, &w.DestinationAddress, &state,
		&w.ChainTxID, &w.SignedTx, &w.FailReason, &createdAt, &updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get withdrawal: %w", err)
	}

	var err error
	if w.Family, err = domain.ParseChainFamily(family); err != nil {
		w.Family = domain.ChainFamilyUnspecified
	}
	if w.State, err = domain.ParseWithdrawalState(state); err != nil {
		return nil, err
	}
	w.CreatedAt = time.UnixMilli(createdAt)
	w.UpdatedAt = time.UnixMilli(updatedAt)
	return &w, nil
}
