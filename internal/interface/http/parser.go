package httpservice

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/arkade-os/custodyd/internal/core/application"
	"github.com/arkade-os/custodyd/internal/core/domain"
	arkerrors "github.com/arkade-os/custodyd/pkg/errors"
	"github.com/asaskevich/govalidator"
	"github.com/shopspring/decimal"
)

const maxIDLength = 128

func invalidField(field, format string, args ...any) error {
	return arkerrors.VALIDATION_FAILED.New(format, args...).
		WithMetadata(arkerrors.ValidationMetadata{Field: field})
}

func parseID(field, id string) (string, error) {
	id = strings.TrimSpace(id)
	if govalidator.IsNull(id) {
		return "", invalidField(field, "missing %s", field)
	}
	if !govalidator.IsPrintableASCII(id) || !govalidator.StringLength(id, "1", fmt.Sprint(maxIDLength)) {
		return "", invalidField(field, "invalid %s", field)
	}
	return id, nil
}

func parseChain(chain string) (domain.ChainFamily, error) {
	family, err := domain.ParseChainFamily(chain)
	if err != nil {
		return domain.ChainFamilyUnspecified, arkerrors.VALIDATION_FAILED.Wrap(err).
			WithMetadata(arkerrors.ValidationMetadata{Field: "chain", Value: chain})
	}
	return family, nil
}

func parseAmount(field, amount string, optional bool) (decimal.Decimal, error) {
	if govalidator.IsNull(amount) {
		if optional {
			return decimal.Zero, nil
		}
		return decimal.Zero, invalidField(field, "missing %s", field)
	}
	if !govalidator.IsFloat(amount) {
		return decimal.Zero, invalidField(field, "invalid %s %q", field, amount)
	}
	value, err := decimal.NewFromString(amount)
	if err != nil {
		return decimal.Zero, invalidField(field, "invalid %s %q", field, amount)
	}
	if !value.IsPositive() {
		return decimal.Zero, arkerrors.VALIDATION_FAILED.Wrap(domain.ErrInvalidAmount).
			WithMetadata(arkerrors.ValidationMetadata{Field: field, Value: amount})
	}
	return value, nil
}

func parseParticipant(role string, p participantJSON) (application.ParticipantInput, error) {
	if p.UserID == "" && p.PubKey == "" {
		return application.ParticipantInput{}, invalidField(
			role, "%s needs either a user id or a public key", role,
		)
	}
	input := application.ParticipantInput{UserID: p.UserID}
	if p.UserID != "" {
		userID, err := parseID(role, p.UserID)
		if err != nil {
			return application.ParticipantInput{}, err
		}
		input.UserID = userID
	}
	if p.PubKey != "" {
		if !govalidator.IsHexadecimal(p.PubKey) {
			return application.ParticipantInput{}, invalidField(role, "invalid %s public key", role)
		}
		pubkey, err := hex.DecodeString(p.PubKey)
		if err != nil {
			return application.ParticipantInput{}, invalidField(role, "invalid %s public key", role)
		}
		input.PubKey = pubkey
	}
	return input, nil
}

func parseCreateEscrowRequest(body createEscrowRequest) (application.EscrowConstructionRequest, error) {
	tradeID, err := parseID("tradeId", body.TradeID)
	if err != nil {
		return application.EscrowConstructionRequest{}, err
	}
	family, err := parseChain(body.Chain)
	if err != nil {
		return application.EscrowConstructionRequest{}, err
	}
	amount, err := parseAmount("amount", body.Amount, true)
	if err != nil {
		return application.EscrowConstructionRequest{}, err
	}

	req := application.EscrowConstructionRequest{
		TradeID: tradeID,
		Family:  family,
		Asset:   strings.ToUpper(strings.TrimSpace(body.Asset)),
		Amount:  amount,
	}
	if req.Seller, err = parseParticipant("seller", body.SellerKey); err != nil {
		return application.EscrowConstructionRequest{}, err
	}
	if req.Buyer, err = parseParticipant("buyer", body.BuyerKey); err != nil {
		return application.EscrowConstructionRequest{}, err
	}
	if req.Moderator, err = parseParticipant("moderator", body.ModeratorKey); err != nil {
		return application.EscrowConstructionRequest{}, err
	}
	return req, nil
}

func parseInputs(inputs []escrowInputJSON) ([]domain.EscrowInput, error) {
	parsed := make([]domain.EscrowInput, 0, len(inputs))
	for i, in := range inputs {
		if len(in.Txid) != 64 || !govalidator.IsHexadecimal(in.Txid) {
			return nil, invalidField(fmt.Sprintf("inputs[%d].txid", i), "invalid txid %q", in.Txid)
		}
		if in.Amount <= 0 {
			return nil, invalidField(fmt.Sprintf("inputs[%d].amount", i), "input amount must be positive")
		}
		parsed = append(parsed, domain.EscrowInput(in))
	}
	return parsed, nil
}

func parseSellerSignRequest(body sellerSignRequest) (application.ReleaseRequest, error) {
	tradeID, err := parseID("tradeId", body.TradeID)
	if err != nil {
		return application.ReleaseRequest{}, err
	}
	if govalidator.IsNull(body.RecipientAddress) {
		return application.ReleaseRequest{}, invalidField("recipientAddress", "missing recipient address")
	}
	if body.FeeRate < 0 {
		return application.ReleaseRequest{}, invalidField("feeRate", "fee rate must not be negative")
	}
	inputs, err := parseInputs(body.Inputs)
	if err != nil {
		return application.ReleaseRequest{}, err
	}
	return application.ReleaseRequest{
		TradeID:   tradeID,
		Recipient: strings.TrimSpace(body.RecipientAddress),
		FeeRate:   body.FeeRate,
		Inputs:    inputs,
	}, nil
}

func parseRole(role string) (domain.Role, error) {
	role = strings.ToLower(strings.TrimSpace(role))
	if !govalidator.IsIn(role, "seller", "buyer", "moderator") {
		return domain.RoleUnspecified, invalidField("role", "unknown role %q", role)
	}
	return domain.ParseRole(role)
}

// parseRelease rebuilds the release terms presented by a co-signer. Signatures
// and bookkeeping fields are ignored, only the terms are compared.
func parseRelease(tradeID string, release *releaseJSON) (*domain.ReleaseArtifact, error) {
	if release == nil {
		return nil, nil
	}
	if release.TradeID != tradeID {
		return nil, invalidField("release.tradeId", "release belongs to trade %s", release.TradeID)
	}
	family, err := parseChain(release.Chain)
	if err != nil {
		return nil, err
	}
	outAmount, err := decimal.NewFromString(release.Output.Amount)
	if err != nil {
		return nil, invalidField("release.output.amount", "invalid output amount")
	}
	fee, err := decimal.NewFromString(release.Fee)
	if err != nil {
		return nil, invalidField("release.fee", "invalid fee")
	}
	inputs := make([]domain.EscrowInput, 0, len(release.Inputs))
	for _, in := range release.Inputs {
		inputs = append(inputs, domain.EscrowInput(in))
	}

	return &domain.ReleaseArtifact{
		TradeID:   release.TradeID,
		Family:    family,
		Asset:     release.Asset,
		Recipient: release.Recipient,
		Inputs:    inputs,
		Output: domain.ReleaseOutput{
			Address: release.Output.Address,
			Amount:  outAmount,
		},
		Fee:     fee,
		Payload: release.Payload,
	}, nil
}

func parseWithdrawRequest(body withdrawRequest) (domain.WithdrawalRequest, error) {
	userID, err := parseID("userId", body.UserID)
	if err != nil {
		return domain.WithdrawalRequest{}, err
	}
	idempotencyKey, err := parseID("idempotencyKey", body.IdempotencyKey)
	if err != nil {
		return domain.WithdrawalRequest{}, err
	}
	if govalidator.IsNull(body.AssetSymbol) {
		return domain.WithdrawalRequest{}, invalidField("assetSymbol", "missing asset symbol")
	}
	if govalidator.IsNull(body.DestinationAddress) {
		return domain.WithdrawalRequest{}, invalidField("destinationAddress", "missing destination address")
	}
	// Amount positivity and address grammar are checked by the pipeline, which records
	// the withdrawal id alongside the failure.
	amount, err := decimal.NewFromString(strings.TrimSpace(body.Amount))
	if err != nil {
		return domain.WithdrawalRequest{}, invalidField("amount", "invalid amount %q", body.Amount)
	}
	return domain.WithdrawalRequest{
		UserID:             userID,
		AssetSymbol:        strings.ToUpper(strings.TrimSpace(body.AssetSymbol)),
		Amount:             amount,
		DestinationAddress: strings.TrimSpace(body.DestinationAddress),
		IdempotencyKey:     idempotencyKey,
	}, nil
}

func parseWithdrawalState(state string) (domain.WithdrawalState, error) {
	if state == "" {
		return domain.WithdrawalStateAmbiguous, nil
	}
	parsed, err := domain.ParseWithdrawalState(strings.ToLower(state))
	if err != nil {
		return domain.WithdrawalStateUndefined, arkerrors.VALIDATION_FAILED.Wrap(err).
			WithMetadata(arkerrors.ValidationMetadata{Field: "state", Value: state})
	}
	return parsed, nil
}

func parseCreditRequest(body creditRequest) (string, string, decimal.Decimal, error) {
	userID, err := parseID("userId", body.UserID)
	if err != nil {
		return "", "", decimal.Zero, err
	}
	if govalidator.IsNull(body.Asset) {
		return "", "", decimal.Zero, invalidField("asset", "missing asset")
	}
	amount, err := parseAmount("amount", body.Amount, false)
	if err != nil {
		return "", "", decimal.Zero, err
	}
	return userID, strings.ToUpper(strings.TrimSpace(body.Asset)), amount, nil
}
