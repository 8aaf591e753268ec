package ports

import "context"

const (
	ReconciliationRequired Topic = "Reconciliation Required"
	AmbiguousBroadcast     Topic = "Ambiguous Broadcast"
	TxFailedOnChain        Topic = "Tx Failed On Chain"
)

type Topic string

type Alerts interface {
	Publish(ctx context.Context, topic Topic, message interface{}) error
}
