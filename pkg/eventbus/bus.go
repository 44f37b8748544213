package eventbus

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/jiminy/pkg/events"
)

// Settings selects the event bus backing. With Redis disabled the bus is an
// in-process gochannel pub/sub; with Redis enabled, events are mirrored
// through Redis Streams so a second tab/process sharing the session can
// observe them.
type Settings struct {
	RedisEnabled  bool   `yaml:"redis-enabled"`
	RedisAddr     string `yaml:"redis-addr"`
	RedisGroup    string `yaml:"redis-group"`
	RedisConsumer string `yaml:"redis-consumer"`
}

func DefaultSettings() Settings {
	return Settings{
		RedisAddr:     "localhost:6379",
		RedisGroup:    "widget-ui",
		RedisConsumer: "widget-1",
	}
}

// TopicForSession computes the event topic for a session.
func TopicForSession(sessionID string) string { return "widget:" + sessionID }

// Bus is a publisher/subscriber pair carrying streaming events for
// observers of the widget (view layers, other tabs).
type Bus struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// NewBus builds a bus per the settings.
func NewBus(s Settings) (*Bus, error) {
	if !s.RedisEnabled {
		return NewInMemoryBus(), nil
	}
	return newRedisBus(s)
}

// NewInMemoryBus returns a gochannel-backed bus for single-process use.
func NewInMemoryBus() *Bus {
	pubsub := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: 64},
		NewWatermillLogger(log.Logger),
	)
	return &Bus{Publisher: pubsub, Subscriber: pubsub}
}

func newRedisBus(s Settings) (*Bus, error) {
	client := redis.NewClient(&redis.Options{Addr: s.RedisAddr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	logger := NewWatermillLogger(log.Logger)

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build redis publisher")
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.RedisGroup,
		Consumer:      s.RedisConsumer,
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build redis subscriber")
	}

	return &Bus{Publisher: pub, Subscriber: sub}, nil
}

// EnsureGroupAtTail creates the consumer group for a stream at the tail ($)
// if it doesn't exist, so first subscribe does not replay history.
func EnsureGroupAtTail(ctx context.Context, addr, stream, group string) error {
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = client.Close() }()
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}

// Publish encodes a streaming event and publishes it on the session topic.
func (b *Bus) Publish(sessionID string, e events.Event) error {
	payload, err := events.MarshalEvent(e)
	if err != nil {
		return err
	}
	msg := message.NewMessage(e.Metadata().ID.String(), payload)
	return errors.Wrapf(b.Publisher.Publish(TopicForSession(sessionID), msg), "failed to publish %s event", e.Type())
}

// Subscribe returns a channel of decoded events for a session topic.
// Undecodable payloads are acked and dropped with a warning.
func (b *Bus) Subscribe(ctx context.Context, sessionID string) (<-chan events.Event, error) {
	ch, err := b.Subscriber.Subscribe(ctx, TopicForSession(sessionID))
	if err != nil {
		return nil, errors.Wrap(err, "failed to subscribe to session topic")
	}

	out := make(chan events.Event, 64)
	go func() {
		defer close(out)
		for msg := range ch {
			e, err := events.NewEventFromJSON(msg.Payload)
			if err != nil {
				log.Warn().Err(err).Str("component", "eventbus").Msg("failed to decode event payload")
				msg.Ack()
				continue
			}
			select {
			case out <- e:
			case <-ctx.Done():
				msg.Nack()
				return
			}
			msg.Ack()
		}
	}()
	return out, nil
}

// Close shuts the bus down. For the in-memory bus publisher and subscriber
// are the same object; closing twice is harmless there.
func (b *Bus) Close() error {
	var firstErr error
	if b.Subscriber != nil {
		if err := b.Subscriber.Close(); err != nil {
			firstErr = err
		}
	}
	if b.Publisher != nil {
		if err := b.Publisher.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
