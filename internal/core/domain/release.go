package domain

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type ReleaseState uint8

const (
	ReleaseStateUndefined ReleaseState = iota
	ReleaseStateCreated
	ReleaseStatePartiallySigned
	ReleaseStateDisputed
	ReleaseStateModeratorCoSigned
	ReleaseStateFinalized
	ReleaseStateFailed
)

func (s ReleaseState) String() string {
	return []string{
		"undefined",
		"created",
		"partially_signed",
		"disputed",
		"moderator_co_signed",
		"finalized",
		"failed",
	}[s]
}

func (s ReleaseState) IsFinal() bool {
	return s == ReleaseStateFinalized || s == ReleaseStateFailed
}

type EscrowInput struct {
	Txid   string
	Vout   uint32
	Amount int64
}

type ReleaseOutput struct {
	Address string
	Amount  decimal.Decimal
}

type RoleSignature struct {
	Role      Role
	PubKey    []byte
	Signature []byte
	SignedAt  time.Time
}

// ReleaseArtifact is the in-flight release of an escrow. Terms never change once
// created, only signatures may be added.
type ReleaseArtifact struct {
	TradeID   string
	Family    ChainFamily
	Asset     string
	Recipient string
	Inputs    []EscrowInput
	Output    ReleaseOutput
	Fee       decimal.Decimal
	// Payload is the base64 psbt for cryptographic escrows, empty otherwise.
	Payload    string
	Signatures []RoleSignature
	State      ReleaseState
	Txid       string
	// SignedTx is the finalized transaction, stored before it is submitted.
	SignedTx   []byte
	FailReason string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (r *ReleaseArtifact) HasSigned(role Role) bool {
	for _, sig := range r.Signatures {
		if sig.Role == role {
			return true
		}
	}
	return false
}

func (r *ReleaseArtifact) SignerRoles() []Role {
	roles := make([]Role, 0, len(r.Signatures))
	for _, sig := range r.Signatures {
		roles = append(roles, sig.Role)
	}
	return roles
}

// AddSignature appends the signature of a role that has not signed yet and advances
// the state accordingly.
func (r *ReleaseArtifact) AddSignature(sig RoleSignature) error {
	if r.State.IsFinal() {
		return fmt.Errorf("release of trade %s is %s", r.TradeID, r.State)
	}
	if sig.Role == RoleUnspecified {
		return fmt.Errorf("signature without role")
	}
	if r.HasSigned(sig.Role) {
		return fmt.Errorf("%s already signed release of trade %s", sig.Role, r.TradeID)
	}
	if r.State == ReleaseStateDisputed && sig.Role != RoleModerator &&
		len(r.Signatures) > 0 && !r.HasSigned(RoleModerator) {
		return fmt.Errorf("disputed release must be co-signed by the moderator")
	}
	if len(r.Signatures) >= EscrowRequiredSignatures {
		return fmt.Errorf("release of trade %s already has enough signatures", r.TradeID)
	}

	r.Signatures = append(r.Signatures, sig)
	r.UpdatedAt = time.Now()

	switch {
	case r.State == ReleaseStateDisputed && len(r.Signatures) >= EscrowRequiredSignatures:
		r.State = ReleaseStateModeratorCoSigned
	case r.State == ReleaseStateDisputed:
	default:
		r.State = ReleaseStatePartiallySigned
	}
	return nil
}

func (r *ReleaseArtifact) CanFinalize() bool {
	if r.State.IsFinal() {
		return false
	}
	roles := make(map[Role]struct{})
	for _, sig := range r.Signatures {
		roles[sig.Role] = struct{}{}
	}
	return len(roles) >= EscrowRequiredSignatures
}

func (r *ReleaseArtifact) Dispute() error {
	switch r.State {
	case ReleaseStateCreated, ReleaseStatePartiallySigned:
		r.State = ReleaseStateDisputed
		r.UpdatedAt = time.Now()
		return nil
	default:
		return fmt.Errorf("cannot dispute release in state %s", r.State)
	}
}

func (r *ReleaseArtifact) Finalize(txid string, realizedFee decimal.Decimal) error {
	if !r.CanFinalize() {
		return fmt.Errorf(
			"release of trade %s has %d signatures, need %d",
			r.TradeID, len(r.Signatures), EscrowRequiredSignatures,
		)
	}
	r.State = ReleaseStateFinalized
	r.Txid = txid
	r.Fee = realizedFee
	r.UpdatedAt = time.Now()
	return nil
}

func (r *ReleaseArtifact) Fail(reason string) {
	r.State = ReleaseStateFailed
	r.FailReason = reason
	r.UpdatedAt = time.Now()
}

// SameTerms reports whether other describes byte-identical release terms.
func (r *ReleaseArtifact) SameTerms(other ReleaseArtifact) bool {
	return r.TermsDigest() == other.TermsDigest() && r.Payload == other.Payload
}

// TermsDigest commits to everything a signer agrees to. Policy escrows sign it.
func (r *ReleaseArtifact) TermsDigest() [32]byte {
	h := sha256.New()
	writeField := func(b []byte) {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(b)))
		h.Write(l[:])
		h.Write(b)
	}
	writeField([]byte(r.TradeID))
	writeField([]byte(r.Family.String()))
	writeField([]byte(r.Asset))
	writeField([]byte(r.Recipient))
	for _, in := range r.Inputs {
		writeField([]byte(fmt.Sprintf("%s:%d:%d", in.Txid, in.Vout, in.Amount)))
	}
	writeField([]byte(r.Output.Address))
	writeField([]byte(r.Output.Amount.String()))
	writeField([]byte(r.Fee.String()))

	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	return digest
}
