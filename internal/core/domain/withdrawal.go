package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type WithdrawalRequest struct {
	UserID             string
	AssetSymbol        string
	Amount             decimal.Decimal
	DestinationAddress string
	IdempotencyKey     string
}

type WithdrawalState uint8

const (
	WithdrawalStateUndefined WithdrawalState = iota
	WithdrawalStateRequested
	WithdrawalStateValidated
	WithdrawalStateLocked
	WithdrawalStateKeyDerived
	WithdrawalStateBroadcast
	WithdrawalStateCommitted
	WithdrawalStateRolledBack
	// WithdrawalStateAmbiguous means the broadcast outcome is unknown and funds stay
	// locked until reconciled.
	WithdrawalStateAmbiguous
	// WithdrawalStateFailed means the request was rejected before any lock.
	WithdrawalStateFailed
	// WithdrawalStateReconciliationRequired means a compensating ledger update failed.
	WithdrawalStateReconciliationRequired
)

var withdrawalStateNames = []string{
	"undefined",
	"requested",
	"validated",
	"locked",
	"key_derived",
	"broadcast",
	"committed",
	"rolled_back",
	"ambiguous",
	"failed",
	"reconciliation_required",
}

func (s WithdrawalState) String() string {
	if int(s) >= len(withdrawalStateNames) {
		return "undefined"
	}
	return withdrawalStateNames[s]
}

func ParseWithdrawalState(s string) (WithdrawalState, error) {
	for i, name := range withdrawalStateNames {
		if name == s && i > 0 {
			return WithdrawalState(i), nil
		}
	}
	return WithdrawalStateUndefined, fmt.Errorf("unknown withdrawal state %q", s)
}

// IsTerminal reports whether the pipeline will never touch the withdrawal again on
// its own.
func (s WithdrawalState) IsTerminal() bool {
	switch s {
	case WithdrawalStateCommitted, WithdrawalStateRolledBack, WithdrawalStateFailed,
		WithdrawalStateReconciliationRequired:
		return true
	default:
		return false
	}
}

// HoldsLock reports whether ledger funds are locked on behalf of the withdrawal.
func (s WithdrawalState) HoldsLock() bool {
	switch s {
	case WithdrawalStateLocked, WithdrawalStateKeyDerived, WithdrawalStateBroadcast,
		WithdrawalStateAmbiguous, WithdrawalStateReconciliationRequired:
		return true
	default:
		return false
	}
}

var withdrawalTransitions = map[WithdrawalState][]WithdrawalState{
	WithdrawalStateRequested: {WithdrawalStateValidated, WithdrawalStateFailed},
	WithdrawalStateValidated: {WithdrawalStateLocked, WithdrawalStateFailed},
	WithdrawalStateLocked: {
		WithdrawalStateKeyDerived, WithdrawalStateRolledBack,
		WithdrawalStateReconciliationRequired,
	},
	WithdrawalStateKeyDerived: {
		WithdrawalStateBroadcast, WithdrawalStateAmbiguous, WithdrawalStateRolledBack,
		WithdrawalStateReconciliationRequired,
	},
	WithdrawalStateBroadcast: {
		WithdrawalStateCommitted, WithdrawalStateAmbiguous,
		WithdrawalStateReconciliationRequired,
	},
	WithdrawalStateAmbiguous: {
		WithdrawalStateCommitted, WithdrawalStateRolledBack,
		WithdrawalStateReconciliationRequired,
	},
}

// Withdrawal is the persisted pipeline record, keyed by idempotency key.
type Withdrawal struct {
	ID                 string
	IdempotencyKey     string
	UserID             string
	AssetSymbol        string
	Family             ChainFamily
	Amount             decimal.Decimal
	Fee                decimal.Decimal
	Total              decimal.Decimal
	DestinationAddress string
	State              WithdrawalState
	ChainTxID          string
	// SignedTx is the exact transaction handed to the chain, kept to tell a dropped
	// broadcast from a slow one.
	SignedTx   []byte
	FailReason string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func NewWithdrawal(id string, req WithdrawalRequest) *Withdrawal {
	now := time.Now()
	return &Withdrawal{
		ID:                 id,
		IdempotencyKey:     req.IdempotencyKey,
		UserID:             req.UserID,
		AssetSymbol:        req.AssetSymbol,
		Amount:             req.Amount,
		Fee:                decimal.Zero,
		Total:              req.Amount,
		DestinationAddress: req.DestinationAddress,
		State:              WithdrawalStateRequested,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func (w *Withdrawal) Transition(to WithdrawalState) error {
	for _, allowed := range withdrawalTransitions[w.State] {
		if allowed == to {
			w.State = to
			w.UpdatedAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("invalid withdrawal transition %s -> %s", w.State, to)
}

func (w *Withdrawal) Result() WithdrawalResult {
	return WithdrawalResult{
		WithdrawalID:  w.ID,
		TxHash:        w.ChainTxID,
		AmountDebited: w.Total,
		FeeCharged:    w.Fee,
		Status:        w.State,
	}
}

type WithdrawalResult struct {
	WithdrawalID  string
	TxHash        string
	AmountDebited decimal.Decimal
	FeeCharged    decimal.Decimal
	Status        WithdrawalState
}

type WithdrawalRepository interface {
	// Create stores a new withdrawal, failing with ErrWithdrawalExists when its
	// idempotency key is already taken.
	Create(ctx context.Context, withdrawal Withdrawal) error
	Update(ctx context.Context, withdrawal Withdrawal) error
	Get(ctx context.Context, id string) (*Withdrawal, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*Withdrawal, error)
	ListByState(ctx context.Context, state WithdrawalState) ([]Withdrawal, error)
	Close()
}
