package watermilldb

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/arkade-os/custodyd/internal/core/ports"
	log "github.com/sirupsen/logrus"
)

const (
	eventTypeMetadataKey = "event_type"
	subscriberBuffer     = 64
)

type eventBus struct {
	pubsub *gochannel.GoChannel
	// journal keeps a durable copy of every published event, optional
	journal message.Publisher

	lock   sync.Mutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

type Option func(*eventBus)

// WithJournal makes the bus also publish every event to the given publisher, under the
// same topic. Journal failures are logged and never fail the publish.
func WithJournal(publisher message.Publisher) Option {
	return func(e *eventBus) {
		e.journal = publisher
	}
}

// NewEventBus returns an in-process bus. Subscribers only receive events published
// after they subscribed.
func NewEventBus(opts ...Option) ports.EventBus {
	pubsub := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: subscriberBuffer},
		watermill.NopLogger{},
	)
	bus := &eventBus{pubsub: pubsub, done: make(chan struct{})}
	for _, opt := range opts {
		opt(bus)
	}
	return bus
}

func (e *eventBus) Publish(ctx context.Context, topic, eventType string, data any) error {
	e.lock.Lock()
	closed := e.closed
	e.lock.Unlock()
	if closed {
		return fmt.Errorf("event bus is closed")
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to serialize %s event: %w", eventType, err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(eventTypeMetadataKey, eventType)
	msg.SetContext(ctx)

	if e.journal != nil {
		if err := e.journal.Publish(topic, msg.Copy()); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"topic": topic,
				"type":  eventType,
			}).Warn("failed to journal event")
		}
	}
	return e.pubsub.Publish(topic, msg)
}

func (e *eventBus) Subscribe(ctx context.Context, topics ...string) (<-chan ports.Event, error) {
	if len(topics) == 0 {
		return nil, fmt.Errorf("missing topics")
	}

	e.lock.Lock()
	defer e.lock.Unlock()
	if e.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	ch := make(chan ports.Event, subscriberBuffer)
	subWg := &sync.WaitGroup{}
	for _, topic := range topics {
		messages, err := e.pubsub.Subscribe(ctx, topic)
		if err != nil {
			return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}

		subWg.Add(1)
		e.wg.Add(1)
		go func(topic string, messages <-chan *message.Message) {
			defer e.wg.Done()
			defer subWg.Done()
			for msg := range messages {
				event := ports.Event{
					Topic: topic,
					Type:  msg.Metadata.Get(eventTypeMetadataKey),
					Data:  json.RawMessage(msg.Payload),
				}
				select {
				case ch <- event:
				case <-ctx.Done():
				case <-e.done:
				}
				msg.Ack()
			}
		}(topic, messages)
	}

	go func() {
		subWg.Wait()
		close(ch)
	}()

	return ch, nil
}

func (e *eventBus) Close() error {
	e.lock.Lock()
	if e.closed {
		e.lock.Unlock()
		return nil
	}
	e.closed = true
	close(e.done)
	e.lock.Unlock()

	err := e.pubsub.Close()
	e.wg.Wait()
	if e.journal != nil {
		if jerr := e.journal.Close(); jerr != nil && err == nil {
			err = jerr
		}
	}
	log.Debug("event bus closed")
	return err
}
