package application

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/arkade-os/custodyd"

type metrics struct {
	withdrawals       metric.Int64Counter
	releasesFinalized metric.Int64Counter
	confirmed         metric.Int64Counter
}

func newMetrics() (*metrics, error) {
	meter := otel.Meter(meterName)

	withdrawals, err := meter.Int64Counter(
		"custodyd.withdrawals",
		metric.WithDescription("withdrawals by asset and final pipeline state"),
	)
	if err != nil {
		return nil, err
	}
	releases, err := meter.Int64Counter(
		"custodyd.releases.finalized",
		metric.WithDescription("escrow releases broadcast"),
	)
	if err != nil {
		return nil, err
	}
	confirmed, err := meter.Int64Counter(
		"custodyd.withdrawals.confirmed",
		metric.WithDescription("withdrawals that reached the required confirmations"),
	)
	if err != nil {
		return nil, err
	}
	return &metrics{withdrawals, releases, confirmed}, nil
}

func (m *metrics) withdrawal(ctx context.Context, asset, state string) {
	m.withdrawals.Add(ctx, 1, metric.WithAttributes(
		attribute.String("asset", asset), attribute.String("state", state),
	))
}

func (m *metrics) releaseFinalized(ctx context.Context, chain string) {
	m.releasesFinalized.Add(ctx, 1, metric.WithAttributes(attribute.String("chain", chain)))
}

func (m *metrics) withdrawalConfirmed(ctx context.Context, asset string) {
	m.confirmed.Add(ctx, 1, metric.WithAttributes(attribute.String("asset", asset)))
}
