package pgdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/arkade-os/custodyd/internal/core/domain"
)

const (
	txRecordColumns = `withdrawal_id, family, asset, chain_txid, status, confirmations,
required_confirmations, created_at, updated_at`

	insertTxRecord = `INSERT INTO tx_record (` + txRecordColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	updateTxConfirmations = `UPDATE tx_record SET confirmations = $1, status = $2, updated_at = $3
WHERE withdrawal_id = $4`

	selectTxRecord = `SELECT ` + txRecordColumns + ` FROM tx_record WHERE withdrawal_id = $1`

	selectTxRecordsByStatus = `SELECT ` + txRecordColumns + ` FROM tx_record WHERE status = $1
ORDER BY created_at`
)

type txRecordRepository struct {
	db *sql.DB
}

func NewTransactionRecordRepository(
	config ...interface{},
) (domain.TransactionRecordRepository, error) {
	db, err := sqlDBFromConfig("tx record", config...)
	if err != nil {
		return nil, err
	}
	return &txRecordRepository{db}, nil
}

func (r *txRecordRepository) Add(ctx context.Context, record domain.TransactionRecord) error {
	if _, err := r.db.ExecContext(
		ctx, insertTxRecord,
		record.WithdrawalID, record.Family.String(), record.AssetSymbol, record.ChainTxID,
		record.Status.String(), record.Confirmations, record.RequiredConfirmations,
		record.CreatedAt.UnixMilli(), record.UpdatedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("failed to insert tx record: %w", err)
	}
	return nil
}

func (r *txRecordRepository) Get(
	ctx context.Context, withdrawalID string,
) (*domain.TransactionRecord, error) {
	return scanTxRecord(r.db.QueryRowContext(ctx, selectTxRecord, withdrawalID))
}

func (r *txRecordRepository) UpdateConfirmations(
	ctx context.Context, withdrawalID string, confirmations uint32, status domain.TxStatus,
) error {
	res, err := r.db.ExecContext(
		ctx, updateTxConfirmations,
		confirmations, status.String(), time.Now().UnixMilli(), withdrawalID,
	)
	if err != nil {
		return fmt.Errorf("failed to update tx record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *txRecordRepository) ListPending(
	ctx context.Context,
) ([]domain.TransactionRecord, error) {
	rows, err := r.db.QueryContext(
		ctx, selectTxRecordsByStatus, domain.TxStatusPending.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending txs: %w", err)
	}
	// nolint:errcheck
	defer rows.Close()

	records := make([]domain.TransactionRecord, 0)
	for rows.Next() {
		record, err := scanTxRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

func (r *txRecordRepository) Close() {
	// nolint:all
	r.db.Close()
}

func scanTxRecord(row scanner) (*domain.TransactionRecord, error) {
	var (
		record               domain.TransactionRecord
		family, status       string
		createdAt, updatedAt int64
	)
	if err := row.Scan(
		&record.WithdrawalID, &family, &record.AssetSymbol, &record.ChainTxID, &status,
		&record.Confirmations, &record.RequiredConfirmations, &createdAt, &updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get tx record: %w", err)
	}

	var err error
	if record.Family, err = domain.ParseChainFamily(family); err != nil {
		return nil, err
	}
	if record.Status, err = domain.ParseTxStatus(status); err != nil {
		return nil, err
	}
	record.CreatedAt = time.UnixMilli(createdAt)
	record.UpdatedAt = time.UnixMilli(updatedAt)
	return &record, nil
}
