package badgerdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arkade-os/custodyd/internal/core/domain"
	"github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"
)

const txRecordStoreDir = "txs"

type txRecordRepository struct {
	store *badgerhold.Store
}

type txRecordDTO struct {
	domain.TransactionRecord
}

func NewTransactionRecordRepository(
	config ...interface{},
) (domain.TransactionRecordRepository, error) {
	store, err := openStore(txRecordStoreDir, config...)
	if err != nil {
		return nil, fmt.Errorf("failed to open tx store: %s", err)
	}
	return &txRecordRepository{store}, nil
}

func (r *txRecordRepository) Add(_ context.Context, record domain.TransactionRecord) error {
	dto := txRecordDTO{record}
	if err := r.store.Insert(record.WithdrawalID, dto); err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return fmt.Errorf("tx of withdrawal %s already recorded", record.WithdrawalID)
		}
		return err
	}
	return nil
}

func (r *txRecordRepository) Get(
	_ context.Context, withdrawalID string,
) (*domain.TransactionRecord, error) {
	var dto txRecordDTO
	if err := r.store.Get(withdrawalID, &dto); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &dto.TransactionRecord, nil
}

func (r *txRecordRepository) UpdateConfirmations(
	_ context.Context, withdrawalID string, confirmations uint32, status domain.TxStatus,
) error {
	return updateTx(r.store, func(tx *badger.Txn) error {
		var dto txRecordDTO
		if err := r.store.TxGet(tx, withdrawalID, &dto); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return domain.ErrNotFound
			}
			return err
		}
		dto.Confirmations = confirmations
		dto.Status = status
		dto.UpdatedAt = time.Now()
		return r.store.TxUpdate(tx, withdrawalID, dto)
	})
}

func (r *txRecordRepository) ListPending(_ context.Context) ([]domain.TransactionRecord, error) {
	var dtos []txRecordDTO
	query := badgerhold.Where("Status").Eq(domain.TxStatusPending)
	if err := r.store.Find(&dtos, query); err != nil {
		return nil, err
	}

	records := make([]domain.TransactionRecord, 0, len(dtos))
	for _, dto := range dtos {
		records = append(records, dto.TransactionRecord)
	}
	return records, nil
}

func (r *txRecordRepository) Close() {
	// nolint:all
	r.store.Close()
}
