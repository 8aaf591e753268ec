package application

import (
	"context"
	"time"

	"github.com/arkade-os/custodyd/internal/core/domain"
	"github.com/arkade-os/custodyd/internal/core/ports"
	"github.com/shopspring/decimal"
)

type Service interface {
	Start() error
	Stop()
	EscrowService
	WithdrawalService
	AdminService
	GetEventsChannel(ctx context.Context) (<-chan ports.Event, error)
}

type EscrowService interface {
	ParticipantKey(ctx context.Context, userID string, family domain.ChainFamily) (*ParticipantKey, error)
	ConstructEscrow(ctx context.Context, req EscrowConstructionRequest) (*domain.EscrowTrade, error)
	GetEscrow(ctx context.Context, tradeID string) (*domain.EscrowTrade, error)
	SellerSignRelease(ctx context.Context, req ReleaseRequest) (*domain.ReleaseArtifact, error)
	CoSignRelease(
		ctx context.Context, tradeID string, role domain.Role, presented *domain.ReleaseArtifact,
	) (*ReleaseResult, error)
	OpenDispute(ctx context.Context, tradeID string) (*domain.ReleaseArtifact, error)
	AbandonRelease(ctx context.Context, tradeID string) error
	GetRelease(ctx context.Context, tradeID string) (*domain.ReleaseArtifact, error)
}

type WithdrawalService interface {
	Withdraw(ctx context.Context, req domain.WithdrawalRequest) (*domain.WithdrawalResult, error)
	GetWithdrawal(ctx context.Context, id string) (*domain.Withdrawal, error)
	GetBalance(ctx context.Context, userID, asset string) (*domain.WalletBalance, error)
}

type AdminService interface {
	Reconcile(ctx context.Context, withdrawalID string) (*domain.Withdrawal, error)
	ReconcileRelease(ctx context.Context, tradeID string) (*domain.ReleaseArtifact, error)
	ListWithdrawals(ctx context.Context, state domain.WithdrawalState) ([]domain.Withdrawal, error)
	CreditBalance(
		ctx context.Context, userID, asset string, amount decimal.Decimal,
	) (*domain.WalletBalance, error)
}

type ParticipantKey struct {
	UserID  string
	Family  domain.ChainFamily
	PubKey  []byte
	Address string
}

type ParticipantInput struct {
	UserID string
	PubKey []byte
}

type EscrowConstructionRequest struct {
	TradeID   string
	Family    domain.ChainFamily
	Asset     string
	Amount    decimal.Decimal
	Seller    ParticipantInput
	Buyer     ParticipantInput
	Moderator ParticipantInput
}

type ReleaseRequest struct {
	TradeID   string
	Recipient string
	// FeeRate is in sat/vB, ignored by policy escrows.
	FeeRate int64
	// Inputs defaults to every unspent output of the escrow address when empty.
	Inputs []domain.EscrowInput
}

type ReleaseResult struct {
	Release     *domain.ReleaseArtifact
	Txid        string
	RealizedFee decimal.Decimal
}

type Config struct {
	Assets domain.AssetTable
	// AdapterTimeout bounds every chain call but submission.
	AdapterTimeout time.Duration
	// BroadcastTimeout bounds submission, expiring it makes the outcome ambiguous.
	BroadcastTimeout time.Duration
	// ReconcileAfter is the delay, in scheduler units, before an ambiguous withdrawal
	// is looked up again.
	ReconcileAfter int64
	// ReconcileGrace is how long an ambiguous transaction may stay unknown to the
	// chain before it is considered dropped and the withdrawal rolled back.
	ReconcileGrace time.Duration
	// ConfirmationWait is how long a submission waits for the tx to show up on chain
	// before it is handed to the confirmation tracker, 0 disables the wait.
	ConfirmationWait time.Duration
}

// withdrawalEvent and releaseEvent are published on the event bus.
type withdrawalEvent struct {
	WithdrawalID string `json:"withdrawal_id"`
	UserID       string `json:"user_id"`
	Asset        string `json:"asset"`
	Amount       string `json:"amount"`
	Fee          string `json:"fee"`
	State        string `json:"state"`
	Txid         string `json:"txid,omitempty"`
}

type releaseEvent struct {
	TradeID string   `json:"trade_id"`
	Chain   string   `json:"chain"`
	State   string   `json:"state"`
	Signers []string `json:"signers"`
	Txid    string   `json:"txid,omitempty"`
}

// reconciliationAlert is the payload of manual reconciliation alerts.
type reconciliationAlert struct {
	WithdrawalID string
	TradeID      string
	UserID       string
	Asset        string
	Chain        string
	Total        string
	Txid         string
	Reason       string
}
