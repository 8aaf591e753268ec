package watermilldb_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/arkade-os/custodyd/internal/core/ports"
	watermilldb "github.com/arkade-os/custodyd/internal/infrastructure/db/watermill"
	"github.com/stretchr/testify/require"
)

type withdrawalEvent struct {
	WithdrawalID string `json:"withdrawal_id"`
	Status       string `json:"status"`
}

func TestEventBus(t *testing.T) {
	t.Run("delivers events of subscribed topics", func(t *testing.T) {
		bus := watermilldb.NewEventBus()
		t.Cleanup(func() {
			require.NoError(t, bus.Close())
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		events, err := bus.Subscribe(ctx, ports.WithdrawalTopic)
		require.NoError(t, err)

		err = bus.Publish(ctx, ports.ReleaseTopic, "finalized", map[string]string{"trade": "t"})
		require.NoError(t, err)
		err = bus.Publish(
			ctx, ports.WithdrawalTopic, "committed", withdrawalEvent{"w-1", "committed"},
		)
		require.NoError(t, err)

		select {
		case event := <-events:
			require.Equal(t, ports.WithdrawalTopic, event.Topic)
			require.Equal(t, "committed", event.Type)
			var got withdrawalEvent
			require.NoError(t, json.Unmarshal(event.Data, &got))
			require.Equal(t, withdrawalEvent{"w-1", "committed"}, got)
		case <-time.After(2 * time.Second):
			t.Fatal("event not delivered")
		}
	})

	t.Run("fans in multiple topics", func(t *testing.T) {
		bus := watermilldb.NewEventBus()
		t.Cleanup(func() {
			require.NoError(t, bus.Close())
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		events, err := bus.Subscribe(ctx, ports.WithdrawalTopic, ports.ReleaseTopic)
		require.NoError(t, err)

		require.NoError(t, bus.Publish(ctx, ports.WithdrawalTopic, "ambiguous", nil))
		require.NoError(t, bus.Publish(ctx, ports.ReleaseTopic, "signed", nil))

		topics := map[string]bool{}
		for range 2 {
			select {
			case event := <-events:
				topics[event.Topic] = true
			case <-time.After(2 * time.Second):
				t.Fatal("event not delivered")
			}
		}
		require.True(t, topics[ports.WithdrawalTopic])
		require.True(t, topics[ports.ReleaseTopic])
	})

	t.Run("subscription ends with context", func(t *testing.T) {
		bus := watermilldb.NewEventBus()
		t.Cleanup(func() {
			require.NoError(t, bus.Close())
		})

		ctx, cancel := context.WithCancel(context.Background())
		events, err := bus.Subscribe(ctx, ports.ReleaseTopic)
		require.NoError(t, err)
		cancel()

		select {
		case _, ok := <-events:
			require.False(t, ok)
		case <-time.After(2 * time.Second):
			t.Fatal("subscription not closed")
		}
	})

	t.Run("closed bus", func(t *testing.T) {
		bus := watermilldb.NewEventBus()
		require.NoError(t, bus.Close())
		require.NoError(t, bus.Close())

		err := bus.Publish(context.Background(), ports.ReleaseTopic, "signed", nil)
		require.Error(t, err)
		_, err = bus.Subscribe(context.Background(), ports.ReleaseTopic)
		require.Error(t, err)
		_, err = bus.Subscribe(context.Background())
		require.Error(t, err)
	})

	t.Run("journal", func(t *testing.T) {
		journal := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, watermill.NopLogger{})
		bus := watermilldb.NewEventBus(watermilldb.WithJournal(journal))

		ctx := context.Background()
		err := bus.Publish(
			ctx, ports.WithdrawalTopic, "committed", withdrawalEvent{"w-2", "committed"},
		)
		require.NoError(t, err)

		messages, err := journal.Subscribe(ctx, ports.WithdrawalTopic)
		require.NoError(t, err)
		select {
		case msg := <-messages:
			require.Equal(t, "committed", msg.Metadata.Get("event_type"))
			var got withdrawalEvent
			require.NoError(t, json.Unmarshal(msg.Payload, &got))
			require.Equal(t, "w-2", got.WithdrawalID)
			msg.Ack()
		case <-time.After(2 * time.Second):
			t.Fatal("event not journaled")
		}

		require.NoError(t, bus.Close())
	})
}
