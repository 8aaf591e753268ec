package ports

import (
	"context"
	"errors"
	"time"

	"github.com/arkade-os/custodyd/internal/core/domain"
	"github.com/shopspring/decimal"
)

var (
	// ErrTxRejected marks a transaction that definitely did not reach the chain.
	ErrTxRejected = errors.New("transaction rejected")
	// ErrTxAmbiguous marks a submission whose outcome is unknown.
	ErrTxAmbiguous = errors.New("transaction outcome unknown")
	// ErrTxNotFound is returned by lookups of transactions the chain does not know.
	ErrTxNotFound = errors.New("transaction not found")
)

type TransferRequest struct {
	Asset       domain.Asset
	Destination string
	// Amount is in display units, the adapter converts it to base units.
	Amount decimal.Decimal
	// Reference is the withdrawal or trade id, used for logs only.
	Reference string
}

// SignedTransfer is a fully signed transaction whose id is known before submission.
type SignedTransfer struct {
	Family domain.ChainFamily
	TxID   string
	Raw    []byte
}

type ChainTxState struct {
	TxID          string
	Found         bool
	Failed        bool
	Confirmations uint32
}

// ChainAdapter moves funds on one chain network. Keys are 32-byte derived scalars or
// seeds and are never retained.
type ChainAdapter interface {
	Family() domain.ChainFamily
	Network() string
	ValidateAddress(address string) error
	PublicKey(key []byte) ([]byte, error)
	Address(pubkey []byte) (string, error)
	SignDigest(key []byte, digest []byte) ([]byte, error)
	VerifyDigest(pubkey []byte, digest []byte, sig []byte) error
	// EstimateFee returns the network fee of a transfer in the asset's display unit.
	EstimateFee(ctx context.Context, asset domain.Asset, amount decimal.Decimal) (decimal.Decimal, error)
	Prepare(ctx context.Context, key []byte, req TransferRequest) (*SignedTransfer, error)
	Submit(ctx context.Context, transfer SignedTransfer) (string, error)
	AwaitConfirmation(ctx context.Context, txid string, timeout time.Duration) (*ChainTxState, error)
	Lookup(ctx context.Context, txid string) (*ChainTxState, error)
	// Dropped reports whether a submitted transfer can provably never be included,
	// because its inputs, nonce or validity window were consumed elsewhere.
	Dropped(ctx context.Context, transfer SignedTransfer) (bool, error)
}

// MultisigEscrow builds and signs script enforced 2-of-3 releases.
type MultisigEscrow interface {
	LockingStructure(pubkeys [][]byte) (script []byte, address string, err error)
	ListEscrowInputs(ctx context.Context, address string) ([]domain.EscrowInput, error)
	// EstimateReleaseFee returns the fee in base units for spending numInputs escrow
	// inputs into one output at feeRate sat/vB.
	EstimateReleaseFee(numInputs int, feeRate int64) int64
	DustLimit() int64
	BuildRelease(
		lockingScript []byte, inputs []domain.EscrowInput, recipient string, outputAmount int64,
	) (string, error)
	// CheckRelease verifies that every input of the release spends the given script and
	// returns inputs minus outputs.
	CheckRelease(payload string, lockingScript []byte) (int64, error)
	SignRelease(payload string, key []byte, lockingScript []byte) (string, []byte, error)
	FinalizeRelease(payload string, lockingScript []byte) (*SignedTransfer, int64, error)
}
