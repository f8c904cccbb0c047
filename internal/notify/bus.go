package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

const Topic = "phaseline.notifications"

// Bus decouples notification delivery from the callers that produce them. Publish only
// enqueues; Run drains the topic into a Dispatcher.
type Bus struct {
	pubSub   *gochannel.GoChannel
	messages <-chan *message.Message
	logger   *slog.Logger
}

// NewBus subscribes immediately so notifications published before Run starts are buffered
// rather than dropped.
func NewBus(logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pubSub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            256,
		Persistent:                     false,
		BlockPublishUntilSubscriberAck: false,
	}, watermill.NewSlogLogger(logger))
	messages, err := pubSub.Subscribe(context.Background(), Topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", Topic, err)
	}
	return &Bus{pubSub: pubSub, messages: messages, logger: logger}, nil
}

// Dispatch publishes n onto the bus, making Bus usable wherever a Dispatcher is expected.
func (b *Bus) Dispatch(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("kind", n.Kind)
	msg.Metadata.Set("project_id", n.ProjectID)
	return b.pubSub.Publish(Topic, msg)
}

// Run delivers queued notifications to d until ctx is cancelled or the bus is closed.
// Failed deliveries are logged and acknowledged; they are never redelivered.
func (b *Bus) Run(ctx context.Context, d Dispatcher) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-b.messages:
			if !ok {
				return nil
			}
			var n Notification
			if err := json.Unmarshal(msg.Payload, &n); err != nil {
				b.logger.ErrorContext(ctx, "drop malformed notification", "message_id", msg.UUID, "error", err)
				msg.Ack()
				continue
			}
			Send(ctx, d, b.logger, n)
			msg.Ack()
		}
	}
}

func (b *Bus) Close() error {
	return b.pubSub.Close()
}
