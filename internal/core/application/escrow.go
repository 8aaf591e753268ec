package application

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arkade-os/custodyd/internal/core/domain"
	"github.com/arkade-os/custodyd/internal/core/ports"
	arkerrors "github.com/arkade-os/custodyd/pkg/errors"
	log "github.com/sirupsen/logrus"
)

func (s *service) ParticipantKey(
	ctx context.Context, userID string, family domain.ChainFamily,
) (*ParticipantKey, error) {
	adapter, err := s.adapters.ForFamily(family)
	if err != nil {
		return nil, err
	}
	pubkey, err := s.derivePubKey(adapter, userID)
	if err != nil {
		return nil, err
	}
	address, err := adapter.Address(pubkey)
	if err != nil {
		return nil, arkerrors.INTERNAL_ERROR.Wrap(err)
	}
	return &ParticipantKey{UserID: userID, Family: family, PubKey: pubkey, Address: address}, nil
}

func (s *service) ConstructEscrow(
	ctx context.Context, req EscrowConstructionRequest,
) (*domain.EscrowTrade, error) {
	if req.TradeID == "" {
		return nil, arkerrors.VALIDATION_FAILED.New("missing trade id").
			WithMetadata(arkerrors.ValidationMetadata{Field: "trade_id"})
	}
	if req.Family == domain.ChainFamilyEVM {
		return nil, arkerrors.VALIDATION_FAILED.New("escrow is not offered on EVM chains").
			WithMetadata(arkerrors.ValidationMetadata{Field: "chain", Chain: req.Family.String()})
	}
	adapter, err := s.adapters.ForFamily(req.Family)
	if err != nil {
		return nil, err
	}

	participants := make([]domain.Participant, 0, domain.EscrowParticipants)
	for _, p := range []struct {
		role  domain.Role
		input ParticipantInput
	}{
		{domain.RoleSeller, req.Seller},
		{domain.RoleBuyer, req.Buyer},
		{domain.RoleModerator, req.Moderator},
	} {
		pubkey, err := s.resolveParticipantKey(adapter, p.role, p.input)
		if err != nil {
			return nil, err
		}
		for _, other := range participants {
			if bytes.Equal(other.PubKey, pubkey) {
				return nil, arkerrors.VALIDATION_FAILED.New(
					"%s and %s share the same key", other.Role, p.role,
				).WithMetadata(arkerrors.ValidationMetadata{Field: p.role.String()})
			}
		}
		participants = append(participants, domain.Participant{
			Role: p.role, UserID: p.input.UserID, PubKey: pubkey,
		})
	}

	trade := domain.EscrowTrade{
		ID:                 req.TradeID,
		Family:             req.Family,
		Asset:              req.Asset,
		Amount:             req.Amount,
		Participants:       participants,
		RequiredSignatures: domain.EscrowRequiredSignatures,
		CreatedAt:          time.Now(),
	}

	switch req.Family {
	case domain.ChainFamilyBTC:
		if s.btcEscrow == nil {
			return nil, arkerrors.CONFIGURATION_ERROR.New("bitcoin escrow not configured").
				WithMetadata(arkerrors.ConfigurationMetadata{Chain: req.Family.String()})
		}
		script, address, err := s.btcEscrow.LockingStructure(trade.PubKeys())
		if err != nil {
			return nil, arkerrors.VALIDATION_FAILED.Wrap(
				fmt.Errorf("failed to build locking script: %w", err),
			).WithMetadata(arkerrors.ValidationMetadata{Chain: req.Family.String()})
		}
		trade.Asset = "BTC"
		trade.LockingScript = script
		trade.EscrowAddress = address
		trade.TrustLevel = domain.TrustLevelCryptographic
	default:
		asset, err := s.asset(req.Asset)
		if err != nil {
			return nil, err
		}
		if asset.Family != req.Family {
			return nil, arkerrors.VALIDATION_FAILED.New(
				"asset %s is not on %s", asset.Symbol, req.Family,
			).WithMetadata(arkerrors.ValidationMetadata{Field: "asset", Asset: asset.Symbol})
		}
		if !req.Amount.IsPositive() {
			return nil, arkerrors.VALIDATION_FAILED.New("escrow amount must be positive").
				WithMetadata(arkerrors.ValidationMetadata{Field: "amount", Asset: asset.Symbol})
		}
		address, err := adapter.Address(participants[0].PubKey)
		if err != nil {
			return nil, arkerrors.VALIDATION_FAILED.Wrap(err).
				WithMetadata(arkerrors.ValidationMetadata{Field: "seller", Chain: req.Family.String()})
		}
		trade.Asset = asset.Symbol
		trade.EscrowAddress = address
		trade.TrustLevel = domain.TrustLevelPolicy
	}

	if err := trade.Validate(); err != nil {
		return nil, arkerrors.VALIDATION_FAILED.Wrap(err).
			WithMetadata(arkerrors.ValidationMetadata{Chain: req.Family.String()})
	}

	existing, err := s.repoManager.Escrows().Get(ctx, trade.ID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, arkerrors.INTERNAL_ERROR.Wrap(err)
	}
	if existing != nil {
		if existing.EscrowAddress == trade.EscrowAddress && existing.Family == trade.Family {
			return existing, nil
		}
		return nil, arkerrors.ALREADY_EXISTS.New("trade %s already has an escrow", trade.ID).
			WithMetadata(map[string]any{"trade_id": trade.ID})
	}

	if err := s.repoManager.Escrows().Add(ctx, trade); err != nil {
		return nil, arkerrors.INTERNAL_ERROR.Wrap(err)
	}

	log.WithFields(log.Fields{
		"trade_id":    trade.ID,
		"chain":       trade.Family,
		"trust_level": trade.TrustLevel,
	}).Infof("constructed escrow %s", trade.EscrowAddress)

	return &trade, nil
}

func (s *service) GetEscrow(ctx context.Context, tradeID string) (*domain.EscrowTrade, error) {
	trade, err := s.repoManager.Escrows().Get(ctx, tradeID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, arkerrors.NOT_FOUND.New("escrow of trade %s not found", tradeID).
				WithMetadata(map[string]any{"trade_id": tradeID})
		}
		return nil, arkerrors.INTERNAL_ERROR.Wrap(err)
	}
	return trade, nil
}

func (s *service) resolveParticipantKey(
	adapter ports.ChainAdapter, role domain.Role, input ParticipantInput,
) ([]byte, error) {
	if input.UserID == "" {
		if len(input.PubKey) == 0 {
			return nil, arkerrors.VALIDATION_FAILED.New("missing %s key", role).
				WithMetadata(arkerrors.ValidationMetadata{Field: role.String()})
		}
		return input.PubKey, nil
	}

	derived, err := s.derivePubKey(adapter, input.UserID)
	if err != nil {
		return nil, err
	}
	if len(input.PubKey) > 0 && !bytes.Equal(derived, input.PubKey) {
		return nil, arkerrors.VALIDATION_FAILED.New(
			"%s key does not belong to user %s", role, input.UserID,
		).WithMetadata(arkerrors.ValidationMetadata{Field: role.String()})
	}
	return derived, nil
}

func (s *service) derivePubKey(adapter ports.ChainAdapter, userID string) ([]byte, error) {
	key, err := s.keys.Derive(userID, adapter.Family())
	if err != nil {
		return nil, err
	}
	defer key.Zero()

	pubkey, err := adapter.PublicKey(key.Bytes())
	if err != nil {
		return nil, arkerrors.KEY_DERIVATION_FAILED.New("invalid derived key").
			WithMetadata(arkerrors.ConfigurationMetadata{Chain: adapter.Family().String()})
	}
	return pubkey, nil
}
