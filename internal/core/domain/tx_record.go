package domain

import (
	"context"
	"fmt"
	"time"
)

type TxStatus uint8

const (
	TxStatusPending TxStatus = iota
	TxStatusConfirmed
	TxStatusFailed
)

func (s TxStatus) String() string {
	switch s {
	case TxStatusConfirmed:
		return "confirmed"
	case TxStatusFailed:
		return "failed"
	default:
		return "pending"
	}
}

func ParseTxStatus(s string) (TxStatus, error) {
	switch s {
	case "pending":
		return TxStatusPending, nil
	case "confirmed":
		return TxStatusConfirmed, nil
	case "failed":
		return TxStatusFailed, nil
	default:
		return 0, fmt.Errorf("unknown tx status %q", s)
	}
}

// TransactionRecord tracks a broadcast withdrawal until it is buried deep enough.
type TransactionRecord struct {
	WithdrawalID          string
	Family                ChainFamily
	AssetSymbol           string
	ChainTxID             string
	Status                TxStatus
	Confirmations         uint32
	RequiredConfirmations uint32
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func (r TransactionRecord) IsSettled() bool {
	return r.Confirmations >= r.RequiredConfirmations
}

type TransactionRecordRepository interface {
	Add(ctx context.Context, record TransactionRecord) error
	Get(ctx context.Context, withdrawalID string) (*TransactionRecord, error)
	UpdateConfirmations(
		ctx context.Context, withdrawalID string, confirmations uint32, status TxStatus,
	) error
	ListPending(ctx context.Context) ([]TransactionRecord, error)
	Close()
}
