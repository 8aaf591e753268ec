package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	EscrowParticipants       = 3
	EscrowRequiredSignatures = 2
)

type Role uint8

const (
	RoleUnspecified Role = iota
	RoleSeller
	RoleBuyer
	RoleModerator
)

func (r Role) String() string {
	switch r {
	case RoleSeller:
		return "seller"
	case RoleBuyer:
		return "buyer"
	case RoleModerator:
		return "moderator"
	default:
		return "unspecified"
	}
}

func ParseRole(s string) (Role, error) {
	switch s {
	case "seller":
		return RoleSeller, nil
	case "buyer":
		return RoleBuyer, nil
	case "moderator":
		return RoleModerator, nil
	default:
		return RoleUnspecified, fmt.Errorf("unknown role %q", s)
	}
}

// TrustLevel tells callers who enforces the 2-of-3 rule of an escrow.
type TrustLevel uint8

const (
	// TrustLevelCryptographic escrows are enforced by the chain's script rules.
	TrustLevelCryptographic TrustLevel = iota + 1
	// TrustLevelPolicy escrows keep funds at the seller's address and rely on this
	// service's release protocol.
	TrustLevelPolicy
)

func (t TrustLevel) String() string {
	switch t {
	case TrustLevelCryptographic:
		return "cryptographic"
	case TrustLevelPolicy:
		return "policy"
	default:
		return "unspecified"
	}
}

func ParseTrustLevel(s string) (TrustLevel, error) {
	switch s {
	case "cryptographic":
		return TrustLevelCryptographic, nil
	case "policy":
		return TrustLevelPolicy, nil
	default:
		return 0, fmt.Errorf("unknown trust level %q", s)
	}
}

type Participant struct {
	Role   Role
	UserID string
	// PubKey is the compressed secp256k1 key, or the raw ed25519 key for SOL.
	PubKey []byte
}

type EscrowTrade struct {
	ID                 string
	Family             ChainFamily
	Asset              string
	Amount             decimal.Decimal
	EscrowAddress      string
	LockingScript      []byte
	Participants       []Participant
	RequiredSignatures int
	TrustLevel         TrustLevel
	CreatedAt          time.Time
}

func (t EscrowTrade) Participant(role Role) (Participant, bool) {
	for _, p := range t.Participants {
		if p.Role == role {
			return p, true
		}
	}
	return Participant{}, false
}

func (t EscrowTrade) PubKeys() [][]byte {
	keys := make([][]byte, 0, len(t.Participants))
	for _, p := range t.Participants {
		keys = append(keys, p.PubKey)
	}
	return keys
}

func (t EscrowTrade) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("missing trade id")
	}
	if len(t.Participants) != EscrowParticipants {
		return fmt.Errorf(
			"escrow requires %d participants, got %d", EscrowParticipants, len(t.Participants),
		)
	}
	if t.RequiredSignatures != EscrowRequiredSignatures {
		return fmt.Errorf(
			"escrow threshold must be %d, got %d", EscrowRequiredSignatures, t.RequiredSignatures,
		)
	}
	seen := make(map[Role]bool)
	for _, p := range t.Participants {
		if p.Role == RoleUnspecified {
			return fmt.Errorf("participant without role")
		}
		if seen[p.Role] {
			return fmt.Errorf("duplicated role %s", p.Role)
		}
		seen[p.Role] = true
		if len(p.PubKey) == 0 {
			return fmt.Errorf("missing %s public key", p.Role)
		}
	}
	if t.EscrowAddress == "" {
		return fmt.Errorf("missing escrow address")
	}
	if t.TrustLevel == TrustLevelCryptographic && len(t.LockingScript) == 0 {
		return fmt.Errorf("cryptographic escrow requires a locking script")
	}
	return nil
}

type EscrowTradeRepository interface {
	Add(ctx context.Context, trade EscrowTrade) error
	Get(ctx context.Context, tradeID string) (*EscrowTrade, error)
	Close()
}
