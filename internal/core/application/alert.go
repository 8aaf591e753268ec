package application

import (
	"context"
	"time"

	"github.com/arkade-os/custodyd/internal/core/domain"
	"github.com/arkade-os/custodyd/internal/core/ports"
	log "github.com/sirupsen/logrus"
)

func (s *service) sendReconciliationAlert(
	topic ports.Topic, withdrawal domain.Withdrawal, reason string,
) {
	s.publishAlert(topic, reconciliationAlert{
		WithdrawalID: withdrawal.ID,
		UserID:       withdrawal.UserID,
		Asset:        withdrawal.AssetSymbol,
		Chain:        withdrawal.Family.String(),
		Total:        withdrawal.Total.String(),
		Txid:         withdrawal.ChainTxID,
		Reason:       reason,
	})
}

func (s *service) sendReleaseAlert(
	topic ports.Topic, release domain.ReleaseArtifact, reason string,
) {
	s.publishAlert(topic, reconciliationAlert{
		TradeID: release.TradeID,
		Asset:   release.Asset,
		Chain:   release.Family.String(),
		Total:   release.Output.Amount.String(),
		Txid:    release.Txid,
		Reason:  reason,
	})
}

func (s *service) publishAlert(topic ports.Topic, message reconciliationAlert) {
	if s.alerts == nil {
		log.WithFields(log.Fields{
			"topic":         topic,
			"withdrawal_id": message.WithdrawalID,
			"trade_id":      message.TradeID,
			"reason":        message.Reason,
		}).Warn("alert not sent, alerts disabled")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.alerts.Publish(ctx, topic, message.toMap()); err != nil {
		log.WithError(err).WithField("topic", topic).Warn("failed to publish alert")
	}
}

func (a reconciliationAlert) toMap() map[string]string {
	m := map[string]string{
		"asset":  a.Asset,
		"chain":  a.Chain,
		"total":  a.Total,
		"txid":   a.Txid,
		"reason": a.Reason,
	}
	if a.WithdrawalID != "" {
		m["withdrawal_id"] = a.WithdrawalID
		m["user_id"] = a.UserID
	}
	if a.TradeID != "" {
		m["trade_id"] = a.TradeID
	}
	return m
}
