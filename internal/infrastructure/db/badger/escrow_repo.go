package badgerdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/arkade-os/custodyd/internal/core/domain"
	"github.com/timshannon/badgerhold/v4"
)

const escrowStoreDir = "escrows"

type escrowRepository struct {
	store *badgerhold.Store
}

type escrowDTO struct {
	domain.EscrowTrade
}

func NewEscrowRepository(config ...interface{}) (domain.EscrowTradeRepository, error) {
	store, err := openStore(escrowStoreDir, config...)
	if err != nil {
		return nil, fmt.Errorf("failed to open escrow store: %s", err)
	}
	return &escrowRepository{store}, nil
}

func (r *escrowRepository) Add(_ context.Context, trade domain.EscrowTrade) error {
	dto := escrowDTO{trade}
	if err := r.store.Insert(trade.ID, dto); err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return fmt.Errorf("escrow of trade %s already exists", trade.ID)
		}
		return err
	}
	return nil
}

func (r *escrowRepository) Get(_ context.Context, tradeID string) (*domain.EscrowTrade, error) {
	var dto escrowDTO
	if err := r.store.Get(tradeID, &dto); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &dto.EscrowTrade, nil
}

func (r *escrowRepository) Close() {
	// nolint:all
	r.store.Close()
}
