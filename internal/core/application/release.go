package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arkade-os/custodyd/internal/core/domain"
	"github.com/arkade-os/custodyd/internal/core/ports"
	arkerrors "github.com/arkade-os/custodyd/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

const (
	releaseEventSigned    = "release_signed"
	releaseEventDisputed  = "release_disputed"
	releaseEventFinalized = "release_finalized"
	releaseEventFailed    = "release_failed"
	releaseEventAbandoned = "release_abandoned"
)

func (s *service) SellerSignRelease(
	ctx context.Context, req ReleaseRequest,
) (*domain.ReleaseArtifact, error) {
	unlock := s.lockTrade(req.TradeID)
	defer unlock()

	trade, err := s.GetEscrow(ctx, req.TradeID)
	if err != nil {
		return nil, err
	}
	md := arkerrors.EscrowMetadata{
		TradeId: trade.ID, Chain: trade.Family.String(), Asset: trade.Asset,
		Role: domain.RoleSeller.String(),
	}

	existing, err := s.releases.Get(ctx, trade.ID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, arkerrors.INTERNAL_ERROR.Wrap(err)
	}
	if existing != nil && existing.State != domain.ReleaseStateFailed {
		return nil, arkerrors.ESCROW_PROTOCOL_VIOLATION.New(
			"trade %s already has a release in state %s", trade.ID, existing.State,
		).WithMetadata(md)
	}

	adapter, err := s.adapters.ForFamily(trade.Family)
	if err != nil {
		return nil, err
	}
	if err := adapter.ValidateAddress(req.Recipient); err != nil {
		return nil, arkerrors.VALIDATION_FAILED.Wrap(err).WithMetadata(
			arkerrors.ValidationMetadata{
				Field: "recipient", Chain: trade.Family.String(), Value: req.Recipient,
			},
		)
	}

	seller, _ := trade.Participant(domain.RoleSeller)
	if seller.UserID == "" {
		return nil, arkerrors.ESCROW_PROTOCOL_VIOLATION.New(
			"seller of trade %s has no custodial key", trade.ID,
		).WithMetadata(md)
	}

	now := time.Now()
	release := &domain.ReleaseArtifact{
		TradeID:   trade.ID,
		Family:    trade.Family,
		Asset:     trade.Asset,
		Recipient: req.Recipient,
		State:     domain.ReleaseStateCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var sig []byte
	if trade.TrustLevel == domain.TrustLevelCryptographic {
		sig, err = s.buildScriptRelease(ctx, trade, release, req, seller)
	} else {
		sig, err = s.buildPolicyRelease(ctx, trade, release, adapter, seller)
	}
	if err != nil {
		return nil, err
	}

	if err := release.AddSignature(domain.RoleSignature{
		Role: domain.RoleSeller, PubKey: seller.PubKey, Signature: sig, SignedAt: now,
	}); err != nil {
		return nil, arkerrors.ESCROW_PROTOCOL_VIOLATION.Wrap(err).WithMetadata(md)
	}

	if existing != nil {
		if err := s.releases.Delete(ctx, trade.ID); err != nil {
			return nil, arkerrors.INTERNAL_ERROR.Wrap(err)
		}
	}
	if err := s.releases.Add(ctx, *release); err != nil {
		return nil, arkerrors.INTERNAL_ERROR.Wrap(err)
	}

	log.WithFields(log.Fields{
		"trade_id": trade.ID,
		"chain":    trade.Family,
		"fee":      release.Fee.String(),
	}).Info("seller signed release")

	s.publishEvent(ports.ReleaseTopic, releaseEventSigned, newReleaseEvent(release))
	return release, nil
}

func (s *service) CoSignRelease(
	ctx context.Context, tradeID string, role domain.Role, presented *domain.ReleaseArtifact,
) (*ReleaseResult, error) {
	unlock := s.lockTrade(tradeID)
	defer unlock()

	trade, err := s.GetEscrow(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	md := arkerrors.EscrowMetadata{
		TradeId: trade.ID, Chain: trade.Family.String(), Asset: trade.Asset, Role: role.String(),
	}

	release, err := s.GetRelease(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if release.State.IsFinal() {
		return nil, arkerrors.ESCROW_PROTOCOL_VIOLATION.New(
			"release of trade %s is %s", tradeID, release.State,
		).WithMetadata(md)
	}
	if presented == nil {
		return nil, arkerrors.VALIDATION_FAILED.New("missing release artifact").
			WithMetadata(arkerrors.ValidationMetadata{Field: "release"})
	}
	if !release.SameTerms(*presented) {
		return nil, arkerrors.ESCROW_PROTOCOL_VIOLATION.New(
			"presented release does not match the pending one",
		).WithMetadata(md)
	}

	participant, ok := trade.Participant(role)
	if !ok || role == domain.RoleUnspecified {
		return nil, arkerrors.ESCROW_PROTOCOL_VIOLATION.New("unknown role %s", role).
			WithMetadata(md)
	}
	if release.HasSigned(role) {
		return nil, arkerrors.ESCROW_PROTOCOL_VIOLATION.New(
			"%s already signed release of trade %s", role, tradeID,
		).WithMetadata(md)
	}
	if participant.UserID == "" {
		return nil, arkerrors.ESCROW_PROTOCOL_VIOLATION.New(
			"%s of trade %s has no custodial key", role, tradeID,
		).WithMetadata(md)
	}

	key, err := s.keys.Derive(participant.UserID, trade.Family)
	if err != nil {
		return nil, err
	}
	defer key.Zero()

	payload := release.Payload
	var sig []byte
	if trade.TrustLevel == domain.TrustLevelCryptographic {
		script, err := s.escrowScript(trade)
		if err != nil {
			return nil, err
		}
		payload, sig, err = s.btcEscrow.SignRelease(release.Payload, key.Bytes(), script)
		if err != nil {
			return nil, arkerrors.ESCROW_PROTOCOL_VIOLATION.Wrap(err).WithMetadata(md)
		}
	} else {
		adapter, err := s.adapters.ForFamily(trade.Family)
		if err != nil {
			return nil, err
		}
		digest := release.TermsDigest()
		sig, err = adapter.SignDigest(key.Bytes(), digest[:])
		if err != nil {
			return nil, arkerrors.INTERNAL_ERROR.New("failed to sign release terms")
		}
	}
	key.Zero()

	signature := domain.RoleSignature{
		Role: role, PubKey: participant.PubKey, Signature: sig, SignedAt: time.Now(),
	}
	release, err = s.releases.Update(ctx, tradeID, func(r *domain.ReleaseArtifact) error {
		if err := r.AddSignature(signature); err != nil {
			return err
		}
		r.Payload = payload
		return nil
	})
	if err != nil {
		return nil, arkerrors.ESCROW_PROTOCOL_VIOLATION.Wrap(err).WithMetadata(md)
	}

	log.WithFields(log.Fields{
		"trade_id": tradeID,
		"role":     role,
		"signers":  len(release.Signatures),
	}).Info("release co-signed")

	if !release.CanFinalize() {
		s.publishEvent(ports.ReleaseTopic, releaseEventSigned, newReleaseEvent(release))
		return &ReleaseResult{Release: release}, nil
	}

	return s.finalizeRelease(ctx, trade, release)
}

func (s *service) OpenDispute(ctx context.Context, tradeID string) (*domain.ReleaseArtifact, error) {
	unlock := s.lockTrade(tradeID)
	defer unlock()

	release, err := s.releases.Update(ctx, tradeID, func(r *domain.ReleaseArtifact) error {
		return r.Dispute()
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, releaseNotFound(tradeID)
		}
		return nil, arkerrors.ESCROW_PROTOCOL_VIOLATION.Wrap(err).
			WithMetadata(arkerrors.EscrowMetadata{TradeId: tradeID})
	}

	log.WithField("trade_id", tradeID).Info("release disputed")
	s.publishEvent(ports.ReleaseTopic, releaseEventDisputed, newReleaseEvent(release))
	return release, nil
}

func (s *service) AbandonRelease(ctx context.Context, tradeID string) error {
	unlock := s.lockTrade(tradeID)
	defer unlock()

	release, err := s.GetRelease(ctx, tradeID)
	if err != nil {
		return err
	}
	if release.State == domain.ReleaseStateFinalized {
		return arkerrors.ESCROW_PROTOCOL_VIOLATION.New(
			"release of trade %s is already finalized", tradeID,
		).WithMetadata(arkerrors.EscrowMetadata{TradeId: tradeID, Chain: release.Family.String()})
	}
	if release.Txid != "" && release.State != domain.ReleaseStateFailed {
		return arkerrors.ESCROW_PROTOCOL_VIOLATION.New(
			"release of trade %s may have been broadcast as %s", tradeID, release.Txid,
		).WithMetadata(arkerrors.EscrowMetadata{TradeId: tradeID, Chain: release.Family.String()})
	}
	if err := s.releases.Delete(ctx, tradeID); err != nil {
		return arkerrors.INTERNAL_ERROR.Wrap(err)
	}

	log.WithField("trade_id", tradeID).Info("release abandoned")
	s.publishEvent(ports.ReleaseTopic, releaseEventAbandoned, newReleaseEvent(release))
	return nil
}

func (s *service) GetRelease(ctx context.Context, tradeID string) (*domain.ReleaseArtifact, error) {
	release, err := s.releases.Get(ctx, tradeID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, releaseNotFound(tradeID)
		}
		return nil, arkerrors.INTERNAL_ERROR.Wrap(err)
	}
	return release, nil
}

// buildScriptRelease builds the psbt spending the escrow inputs to the recipient and
// signs it with the seller key. The locking script is always recomputed from the
// trade keys.
func (s *service) buildScriptRelease(
	ctx context.Context, trade *domain.EscrowTrade, release *domain.ReleaseArtifact,
	req ReleaseRequest, seller domain.Participant,
) ([]byte, error) {
	md := arkerrors.EscrowMetadata{TradeId: trade.ID, Chain: trade.Family.String()}
	if req.FeeRate <= 0 {
		return nil, arkerrors.VALIDATION_FAILED.New("fee rate must be positive").
			WithMetadata(arkerrors.ValidationMetadata{Field: "fee_rate", Chain: trade.Family.String()})
	}
	script, err := s.escrowScript(trade)
	if err != nil {
		return nil, err
	}

	inputs := req.Inputs
	if len(inputs) == 0 {
		ctx, cancel := context.WithTimeout(ctx, s.adapterTimeout)
		defer cancel()
		inputs, err = s.btcEscrow.ListEscrowInputs(ctx, trade.EscrowAddress)
		if err != nil {
			return nil, arkerrors.BROADCAST_FAILURE.Wrap(
				fmt.Errorf("failed to list escrow inputs: %w", err),
			).WithMetadata(arkerrors.BroadcastMetadata{Chain: trade.Family.String(), TradeId: trade.ID})
		}
	}
	if len(inputs) == 0 {
		return nil, arkerrors.VALIDATION_FAILED.New("escrow %s has no funds", trade.EscrowAddress).
			WithMetadata(arkerrors.ValidationMetadata{Field: "inputs", Chain: trade.Family.String()})
	}

	totalInput := int64(0)
	for _, in := range inputs {
		totalInput += in.Amount
	}
	fee := s.btcEscrow.EstimateReleaseFee(len(inputs), req.FeeRate)
	output := totalInput - fee
	if output < s.btcEscrow.DustLimit() {
		return nil, arkerrors.DUST_OUTPUT.New(
			"release output %d below dust after %d fee", output, fee,
		).WithMetadata(arkerrors.DustOutputMetadata{
			TradeId: trade.ID,
			Chain:   trade.Family.String(),
			Amount:  fmt.Sprintf("%d", output),
			Dust:    fmt.Sprintf("%d", s.btcEscrow.DustLimit()),
		})
	}

	payload, err := s.btcEscrow.BuildRelease(script, inputs, release.Recipient, output)
	if err != nil {
		return nil, arkerrors.VALIDATION_FAILED.Wrap(err).
			WithMetadata(arkerrors.ValidationMetadata{Field: "recipient", Chain: trade.Family.String()})
	}
	builtFee, err := s.btcEscrow.CheckRelease(payload, script)
	if err != nil || builtFee != fee {
		return nil, arkerrors.ESCROW_PROTOCOL_VIOLATION.New("release structure mismatch").
			WithMetadata(md)
	}

	key, err := s.keys.Derive(seller.UserID, trade.Family)
	if err != nil {
		return nil, err
	}
	defer key.Zero()

	signed, sig, err := s.btcEscrow.SignRelease(payload, key.Bytes(), script)
	if err != nil {
		return nil, arkerrors.ESCROW_PROTOCOL_VIOLATION.Wrap(err).WithMetadata(md)
	}

	btc := s.btcAsset()
	release.Inputs = inputs
	release.Output = domain.ReleaseOutput{
		Address: release.Recipient,
		Amount:  btc.FromBaseUnits(decimal.NewFromInt(output)),
	}
	release.Fee = btc.FromBaseUnits(decimal.NewFromInt(fee))
	release.Payload = signed
	return sig, nil
}

// buildPolicyRelease fixes the terms of a release from the seller's address and signs
// their digest with the seller key.
func (s *service) buildPolicyRelease(
	ctx context.Context, trade *domain.EscrowTrade, release *domain.ReleaseArtifact,
	adapter ports.ChainAdapter, seller domain.Participant,
) ([]byte, error) {
	asset, err := s.asset(trade.Asset)
	if err != nil {
		return nil, err
	}
	fee, err := s.networkFee(ctx, asset, trade.Amount)
	if err != nil {
		return nil, err
	}
	output := trade.Amount.Sub(fee)
	if !output.IsPositive() {
		return nil, arkerrors.DUST_OUTPUT.New(
			"release output %s below dust after %s fee", output, fee,
		).WithMetadata(arkerrors.DustOutputMetadata{
			TradeId: trade.ID, Chain: trade.Family.String(), Amount: output.String(), Dust: "0",
		})
	}

	release.Output = domain.ReleaseOutput{Address: release.Recipient, Amount: output}
	release.Fee = fee

	key, err := s.keys.Derive(seller.UserID, trade.Family)
	if err != nil {
		return nil, err
	}
	defer key.Zero()

	digest := release.TermsDigest()
	sig, err := adapter.SignDigest(key.Bytes(), digest[:])
	if err != nil {
		return nil, arkerrors.INTERNAL_ERROR.New("failed to sign release terms")
	}
	return sig, nil
}

func (s *service) finalizeRelease(
	ctx context.Context, trade *domain.EscrowTrade, release *domain.ReleaseArtifact,
) (*ReleaseResult, error) {
	md := arkerrors.EscrowMetadata{TradeId: trade.ID, Chain: trade.Family.String(), Asset: trade.Asset}

	adapter, err := s.adapters.ForFamily(trade.Family)
	if err != nil {
		return nil, err
	}

	var (
		transfer    *ports.SignedTransfer
		realizedFee decimal.Decimal
	)
	if trade.TrustLevel == domain.TrustLevelCryptographic {
		script, err := s.escrowScript(trade)
		if err != nil {
			return nil, err
		}
		btc := s.btcAsset()
		fee, err := s.btcEscrow.CheckRelease(release.Payload, script)
		if err != nil {
			return nil, arkerrors.ESCROW_PROTOCOL_VIOLATION.Wrap(err).WithMetadata(md)
		}
		if !btc.FromBaseUnits(decimal.NewFromInt(fee)).Equal(release.Fee) {
			return nil, arkerrors.ESCROW_PROTOCOL_VIOLATION.New(
				"signed release pays %d sats of fee, agreed %s", fee, release.Fee,
			).WithMetadata(md)
		}
		var realized int64
		transfer, realized, err = s.btcEscrow.FinalizeRelease(release.Payload, script)
		if err != nil {
			return nil, arkerrors.ESCROW_PROTOCOL_VIOLATION.Wrap(err).WithMetadata(md)
		}
		realizedFee = btc.FromBaseUnits(decimal.NewFromInt(realized))
	} else {
		digest := release.TermsDigest()
		for _, sig := range release.Signatures {
			participant, _ := trade.Participant(sig.Role)
			if err := adapter.VerifyDigest(participant.PubKey, digest[:], sig.Signature); err != nil {
				return nil, arkerrors.ESCROW_PROTOCOL_VIOLATION.New(
					"invalid %s signature", sig.Role,
				).WithMetadata(md)
			}
		}

		asset, err := s.asset(trade.Asset)
		if err != nil {
			return nil, err
		}
		adapter, err = s.adapters.ForAsset(asset)
		if err != nil {
			return nil, err
		}
		seller, _ := trade.Participant(domain.RoleSeller)
		key, err := s.keys.Derive(seller.UserID, trade.Family)
		if err != nil {
			return nil, err
		}
		prepareCtx, cancel := context.WithTimeout(ctx, s.adapterTimeout)
		transfer, err = adapter.Prepare(prepareCtx, key.Bytes(), ports.TransferRequest{
			Asset:       asset,
			Destination: release.Output.Address,
			Amount:      release.Output.Amount,
			Reference:   trade.ID,
		})
		cancel()
		key.Zero()
		if err != nil {
			return nil, s.failRelease(ctx, release, arkerrors.BROADCAST_FAILURE.Wrap(err).
				WithMetadata(arkerrors.BroadcastMetadata{Chain: trade.Family.String(), TradeId: trade.ID}))
		}
		realizedFee = release.Fee
	}

	// past this point the chain may see the release, writes no longer follow the caller
	bg := context.WithoutCancel(ctx)

	// the signed tx is stored before submission so a lost response can be looked up
	storeCtx, cancel := detach(bg)
	release, err = s.releases.Update(storeCtx, trade.ID, func(r *domain.ReleaseArtifact) error {
		r.Txid = transfer.TxID
		r.SignedTx = transfer.Raw
		r.UpdatedAt = time.Now()
		return nil
	})
	cancel()
	if err != nil {
		return nil, arkerrors.INTERNAL_ERROR.Wrap(err)
	}

	submitCtx, cancel := context.WithTimeout(ctx, s.broadcastTimeout)
	txid, err := adapter.Submit(submitCtx, *transfer)
	cancel()
	bmd := arkerrors.BroadcastMetadata{
		Chain: trade.Family.String(), Asset: trade.Asset, TradeId: trade.ID, Txid: transfer.TxID,
	}
	if err != nil {
		if isAmbiguous(err) {
			log.WithError(err).WithField("trade_id", trade.ID).
				Warnf("release broadcast outcome unknown, txid %s", transfer.TxID)
			s.sendReleaseAlert(ports.AmbiguousBroadcast, *release, err.Error())
			s.tracker.scheduleReleaseReconcile(trade.ID)
			return nil, arkerrors.AMBIGUOUS_BROADCAST.Wrap(err).WithMetadata(bmd)
		}
		return nil, s.failRelease(bg, release, arkerrors.BROADCAST_FAILURE.Wrap(err).WithMetadata(bmd))
	}
	if txid == "" {
		txid = transfer.TxID
	}

	logger := log.WithFields(log.Fields{"trade_id": trade.ID, "chain": trade.Family})
	if state := s.awaitConfirmation(ctx, adapter, txid, logger); state != nil && state.Failed {
		s.sendReleaseAlert(ports.TxFailedOnChain, *release, "release tx failed on chain")
		return nil, s.failRelease(bg, release, arkerrors.BROADCAST_FAILURE.New(
			"release tx %s failed on chain", txid,
		).WithMetadata(bmd))
	}

	release, err = s.completeRelease(bg, release, txid, realizedFee)
	if err != nil {
		return nil, err
	}
	return &ReleaseResult{Release: release, Txid: txid, RealizedFee: realizedFee}, nil
}

// completeRelease marks a release whose tx reached the chain as finalized.
func (s *service) completeRelease(
	ctx context.Context, release *domain.ReleaseArtifact, txid string, realizedFee decimal.Decimal,
) (*domain.ReleaseArtifact, error) {
	ctx, cancel := detach(ctx)
	defer cancel()

	release, err := s.releases.Update(ctx, release.TradeID, func(r *domain.ReleaseArtifact) error {
		return r.Finalize(txid, realizedFee)
	})
	if err != nil {
		return nil, arkerrors.INTERNAL_ERROR.Wrap(err)
	}

	log.WithFields(log.Fields{
		"trade_id": release.TradeID,
		"chain":    release.Family,
		"fee":      realizedFee.String(),
	}).Infof("release finalized with tx %s", txid)

	s.metrics.releaseFinalized(ctx, release.Family.String())
	s.publishEvent(ports.ReleaseTopic, releaseEventFinalized, newReleaseEvent(release))
	return release, nil
}

func (s *service) failRelease(
	ctx context.Context, release *domain.ReleaseArtifact, cause arkerrors.Error,
) error {
	ctx, cancel := detach(ctx)
	defer cancel()

	failed, err := s.releases.Update(ctx, release.TradeID, func(r *domain.ReleaseArtifact) error {
		r.Fail(cause.Error())
		return nil
	})
	if err != nil {
		log.WithError(err).WithField("trade_id", release.TradeID).
			Warn("failed to mark release as failed")
		return cause
	}
	s.publishEvent(ports.ReleaseTopic, releaseEventFailed, newReleaseEvent(failed))
	return cause
}

// escrowScript recomputes the locking script of a script enforced escrow and checks
// it against the stored address.
func (s *service) escrowScript(trade *domain.EscrowTrade) ([]byte, error) {
	if s.btcEscrow == nil {
		return nil, arkerrors.CONFIGURATION_ERROR.New("bitcoin escrow not configured").
			WithMetadata(arkerrors.ConfigurationMetadata{Chain: trade.Family.String()})
	}
	script, address, err := s.btcEscrow.LockingStructure(trade.PubKeys())
	if err != nil {
		return nil, arkerrors.ESCROW_PROTOCOL_VIOLATION.Wrap(err).
			WithMetadata(arkerrors.EscrowMetadata{TradeId: trade.ID, Chain: trade.Family.String()})
	}
	if address != trade.EscrowAddress {
		return nil, arkerrors.ESCROW_PROTOCOL_VIOLATION.New(
			"escrow address %s does not match trade keys", trade.EscrowAddress,
		).WithMetadata(arkerrors.EscrowMetadata{TradeId: trade.ID, Chain: trade.Family.String()})
	}
	return script, nil
}

func (s *service) btcAsset() domain.Asset {
	if asset, ok := s.assets.Get("BTC"); ok {
		return asset
	}
	return domain.Asset{Symbol: "BTC", Family: domain.ChainFamilyBTC, Decimals: 8}
}

func releaseNotFound(tradeID string) error {
	return arkerrors.NOT_FOUND.New("no release pending for trade %s", tradeID).
		WithMetadata(map[string]any{"trade_id": tradeID})
}

func newReleaseEvent(release *domain.ReleaseArtifact) releaseEvent {
	signers := make([]string, 0, len(release.Signatures))
	for _, role := range release.SignerRoles() {
		signers = append(signers, role.String())
	}
	return releaseEvent{
		TradeID: release.TradeID,
		Chain:   release.Family.String(),
		State:   release.State.String(),
		Signers: signers,
		Txid:    release.Txid,
	}
}
