// Package events fans run and step events out to in-process subscribers.
package events

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/xiaot623/gogo/turnorch/internal/domain"
)

// Topic carries every RunEvent.
const Topic = "run-events"

// Publisher is what the orchestrator needs from the bus.
type Publisher interface {
	Publish(ev domain.RunEvent)
}

// Bus is a watermill gochannel pub/sub for RunEvents. Publishing waits for
// subscribers to ack so events arrive in order; subscribers must keep up.
type Bus struct {
	pubsub *gochannel.GoChannel
}

// NewBus creates an in-process bus.
func NewBus() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			BlockPublishUntilSubscriberAck: true,
		}, watermill.NopLogger{}),
	}
}

// Publish sends ev to all subscribers. Failures are logged, never returned:
// a trace write is already committed when its event goes out.
func (b *Bus) Publish(ev domain.RunEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("run_id", ev.RunID).Msg("Failed to marshal run event")
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := b.pubsub.Publish(Topic, msg); err != nil {
		log.Warn().Err(err).Str("run_id", ev.RunID).Msg("Failed to publish run event")
		return
	}
	log.Trace().Str("run_id", ev.RunID).Str("type", ev.Type).Msg("Published run event")
}

// Subscribe returns a channel of events that closes when ctx ends or the bus
// closes.
func (b *Bus) Subscribe(ctx context.Context) (<-chan domain.RunEvent, error) {
	msgs, err := b.pubsub.Subscribe(ctx, Topic)
	if err != nil {
		return nil, errors.Wrap(err, "subscribe to run events")
	}

	out := make(chan domain.RunEvent)
	go func() {
		defer close(out)
		for msg := range msgs {
			var ev domain.RunEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				log.Error().Err(err).Str("message_id", msg.UUID).Msg("Dropping undecodable run event")
				msg.Ack()
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				msg.Ack()
				return
			}
			msg.Ack()
		}
	}()
	return out, nil
}

// Close shuts the bus down; subscriber channels close.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}

var _ Publisher = (*Bus)(nil)
