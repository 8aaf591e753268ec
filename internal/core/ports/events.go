package ports

import (
	"context"
	"encoding/json"
)

const (
	WithdrawalTopic = "withdrawals"
	ReleaseTopic    = "releases"
)

type Event struct {
	Topic string
	Type  string
	Data  json.RawMessage
}

type EventBus interface {
	Publish(ctx context.Context, topic, eventType string, data any) error
	// Subscribe streams events of the given topics until ctx is done.
	Subscribe(ctx context.Context, topics ...string) (<-chan Event, error)
	Close() error
}
