package httpservice

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"

	"github.com/arkade-os/custodyd/internal/core/application"
	"github.com/arkade-os/custodyd/internal/core/domain"
)

type participantJSON struct {
	UserID string `json:"userId,omitempty"`
	PubKey string `json:"pubkey,omitempty"`
}

type createEscrowRequest struct {
	TradeID      string          `json:"tradeId"`
	Chain        string          `json:"chain"`
	Asset        string          `json:"asset,omitempty"`
	Amount       string          `json:"amount,omitempty"`
	SellerKey    participantJSON `json:"sellerKey"`
	BuyerKey     participantJSON `json:"buyerKey"`
	ModeratorKey participantJSON `json:"moderatorKey"`
}

type escrowParticipantJSON struct {
	Role   string `json:"role"`
	UserID string `json:"userId,omitempty"`
	PubKey string `json:"pubkey,omitempty"`
}

type escrowJSON struct {
	TradeID            string                  `json:"tradeId"`
	Chain              string                  `json:"chain"`
	Asset              string                  `json:"asset,omitempty"`
	Amount             string                  `json:"amount,omitempty"`
	EscrowAddress      string                  `json:"escrowAddress"`
	LockingStructure   string                  `json:"lockingStructure,omitempty"`
	RequiredSignatures int                     `json:"requiredSignatures"`
	TrustLevel         string                  `json:"trustLevel"`
	Participants       []escrowParticipantJSON `json:"participants"`
	CreatedAt          int64                   `json:"createdAt"`
}

func newEscrowJSON(trade *domain.EscrowTrade) escrowJSON {
	participants := make([]escrowParticipantJSON, 0, len(trade.Participants))
	for _, p := range trade.Participants {
		participants = append(participants, escrowParticipantJSON{
			Role:   p.Role.String(),
			UserID: p.UserID,
			PubKey: hex.EncodeToString(p.PubKey),
		})
	}
	amount := ""
	if !trade.Amount.IsZero() {
		amount = trade.Amount.String()
	}
	return escrowJSON{
		TradeID:            trade.ID,
		Chain:              trade.Family.String(),
		Asset:              trade.Asset,
		Amount:             amount,
		EscrowAddress:      trade.EscrowAddress,
		LockingStructure:   hex.EncodeToString(trade.LockingScript),
		RequiredSignatures: trade.RequiredSignatures,
		TrustLevel:         trade.TrustLevel.String(),
		Participants:       participants,
		CreatedAt:          trade.CreatedAt.Unix(),
	}
}

type participantKeyJSON struct {
	UserID  string `json:"userId"`
	Chain   string `json:"chain"`
	PubKey  string `json:"pubkey"`
	Address string `json:"address"`
}

func newParticipantKeyJSON(key *application.ParticipantKey) participantKeyJSON {
	return participantKeyJSON{
		UserID:  key.UserID,
		Chain:   key.Family.String(),
		PubKey:  hex.EncodeToString(key.PubKey),
		Address: key.Address,
	}
}

type escrowInputJSON struct {
	Txid   string `json:"txid"`
	Vout   uint32 `json:"vout"`
	Amount int64  `json:"amount"`
}

type releaseOutputJSON struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

type signatureJSON struct {
	Role      string `json:"role"`
	PubKey    string `json:"pubkey"`
	Signature string `json:"signature"`
	SignedAt  int64  `json:"signedAt"`
}

// releaseJSON is the opaque artifact handed to co-signers, who present it back
// unchanged when they sign.
type releaseJSON struct {
	TradeID    string            `json:"tradeId"`
	Chain      string            `json:"chain"`
	Asset      string            `json:"asset"`
	Recipient  string            `json:"recipient"`
	Inputs     []escrowInputJSON `json:"inputs,omitempty"`
	Output     releaseOutputJSON `json:"output"`
	Fee        string            `json:"fee"`
	Payload    string            `json:"payload,omitempty"`
	Signatures []signatureJSON   `json:"signatures,omitempty"`
	State      string            `json:"state"`
	Txid       string            `json:"txid,omitempty"`
	FailReason string            `json:"failReason,omitempty"`
	CreatedAt  int64             `json:"createdAt"`
	UpdatedAt  int64             `json:"updatedAt"`
}

func newReleaseJSON(release *domain.ReleaseArtifact) releaseJSON {
	inputs := make([]escrowInputJSON, 0, len(release.Inputs))
	for _, in := range release.Inputs {
		inputs = append(inputs, escrowInputJSON(in))
	}
	sigs := make([]signatureJSON, 0, len(release.Signatures))
	for _, sig := range release.Signatures {
		sigs = append(sigs, signatureJSON{
			Role:      sig.Role.String(),
			PubKey:    hex.EncodeToString(sig.PubKey),
			Signature: base64.StdEncoding.EncodeToString(sig.Signature),
			SignedAt:  sig.SignedAt.Unix(),
		})
	}
	return releaseJSON{
		TradeID:   release.TradeID,
		Chain:     release.Family.String(),
		Asset:     release.Asset,
		Recipient: release.Recipient,
		Inputs:    inputs,
		Output: releaseOutputJSON{
			Address: release.Output.Address,
			Amount:  release.Output.Amount.String(),
		},
		Fee:        release.Fee.String(),
		Payload:    release.Payload,
		Signatures: sigs,
		State:      release.State.String(),
		Txid:       release.Txid,
		FailReason: release.FailReason,
		CreatedAt:  release.CreatedAt.Unix(),
		UpdatedAt:  release.UpdatedAt.Unix(),
	}
}

type sellerSignRequest struct {
	TradeID          string            `json:"tradeId"`
	RecipientAddress string            `json:"recipientAddress"`
	FeeRate          int64             `json:"feeRate,omitempty"`
	Inputs           []escrowInputJSON `json:"inputs,omitempty"`
}

type coSignRequest struct {
	Role    string       `json:"role"`
	Release *releaseJSON `json:"release"`
}

type coSignResponse struct {
	Release     releaseJSON `json:"release"`
	Txid        string      `json:"txid,omitempty"`
	RealizedFee string      `json:"realizedFee,omitempty"`
}

type withdrawRequest struct {
	UserID             string `json:"userId"`
	AssetSymbol        string `json:"assetSymbol"`
	Amount             string `json:"amount"`
	DestinationAddress string `json:"destinationAddress"`
	IdempotencyKey     string `json:"idempotencyKey"`
}

type withdrawalResultJSON struct {
	WithdrawalID  string `json:"withdrawalId"`
	TxHash        string `json:"txHash,omitempty"`
	AmountDebited string `json:"amountDebited"`
	FeeCharged    string `json:"feeCharged"`
	Status        string `json:"status"`
}

func newWithdrawalResultJSON(res *domain.WithdrawalResult) withdrawalResultJSON {
	return withdrawalResultJSON{
		WithdrawalID:  res.WithdrawalID,
		TxHash:        res.TxHash,
		AmountDebited: res.AmountDebited.String(),
		FeeCharged:    res.FeeCharged.String(),
		Status:        res.Status.String(),
	}
}

type withdrawalJSON struct {
	ID                 string `json:"id"`
	IdempotencyKey     string `json:"idempotencyKey"`
	UserID             string `json:"userId"`
	AssetSymbol        string `json:"assetSymbol"`
	Chain              string `json:"chain"`
	Amount             string `json:"amount"`
	Fee                string `json:"fee"`
	Total              string `json:"total"`
	DestinationAddress string `json:"destinationAddress"`
	State              string `json:"state"`
	TxHash             string `json:"txHash,omitempty"`
	FailReason         string `json:"failReason,omitempty"`
	CreatedAt          int64  `json:"createdAt"`
	UpdatedAt          int64  `json:"updatedAt"`
}

func newWithdrawalJSON(w *domain.Withdrawal) withdrawalJSON {
	return withdrawalJSON{
		ID:                 w.ID,
		IdempotencyKey:     w.IdempotencyKey,
		UserID:             w.UserID,
		AssetSymbol:        w.AssetSymbol,
		Chain:              w.Family.String(),
		Amount:             w.Amount.String(),
		Fee:                w.Fee.String(),
		Total:              w.Total.String(),
		DestinationAddress: w.DestinationAddress,
		State:              w.State.String(),
		TxHash:             w.ChainTxID,
		FailReason:         w.FailReason,
		CreatedAt:          w.CreatedAt.Unix(),
		UpdatedAt:          w.UpdatedAt.Unix(),
	}
}

type creditRequest struct {
	UserID string `json:"userId"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type balanceJSON struct {
	UserID    string `json:"userId"`
	Asset     string `json:"asset"`
	Available string `json:"available"`
	Locked    string `json:"locked"`
	Total     string `json:"total"`
}

func newBalanceJSON(b *domain.WalletBalance) balanceJSON {
	return balanceJSON{
		UserID:    b.UserID,
		Asset:     b.Asset,
		Available: b.Available.String(),
		Locked:    b.Locked.String(),
		Total:     b.Total().String(),
	}
}

type errorJSON struct {
	Code     uint16            `json:"code"`
	Name     string            `json:"name"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type eventJSON struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
}
