// Package bus is the process-wide notification bus widgets publish to.
//
// Channels are loosely typed: every payload is raw JSON and consumers must
// parse it defensively. The in-memory transport is a watermill GoChannel;
// replicas sharing Redis use watermill's Redis Streams transport instead.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/aretw0/parley/internal/logging"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// MetadataChannel records the logical channel on each message.
const MetadataChannel = "parley_channel"

// MetadataPublishedAt records when the message was published (RFC 3339, UTC).
const MetadataPublishedAt = "parley_published_at"

// PublishedAt returns the publish time recorded on msg.
func PublishedAt(msg *message.Message) (time.Time, bool) {
	t, err := time.Parse(time.RFC3339Nano, msg.Metadata.Get(MetadataPublishedAt))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Bus publishes and subscribes raw JSON notifications on named channels.
type Bus struct {
	pub    message.Publisher
	sub    message.Subscriber
	prefix string
	logger *slog.Logger
}

// NewInMemory creates a bus backed by a watermill GoChannel. Publish returns
// once every subscriber acked, which keeps each channel in publish order.
func NewInMemory(logger *slog.Logger) *Bus {
	logger = orNop(logger)
	pubSub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            64,
		BlockPublishUntilSubscriberAck: true,
	}, watermill.NewSlogLogger(logger))

	return &Bus{
		pub:    pubSub,
		sub:    pubSub,
		logger: logger,
	}
}

// RedisSettings configures the Redis Streams transport.
type RedisSettings struct {
	// Prefix is prepended to channel names to form stream keys.
	Prefix string
	// Consumer names this replica. Every replica receives every notification.
	Consumer string
}

// NewRedis creates a bus backed by Redis Streams so every replica sees
// notifications posted to any of them.
func NewRedis(client redis.UniversalClient, settings RedisSettings, logger *slog.Logger) (*Bus, error) {
	marshaler := redisstream.DefaultMarshallerUnmarshaller{}
	logger = orNop(logger)
	wmLogger := watermill.NewSlogLogger(logger)

	pub, err := redisstream.NewPublisher(redisstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis stream publisher: %w", err)
	}

	sub, err := redisstream.NewSubscriber(redisstream.SubscriberConfig{
		Client:       client,
		Unmarshaller: marshaler,
		Consumer:     settings.Consumer,
	}, wmLogger)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("failed to create redis stream subscriber: %w", err)
	}

	return &Bus{
		pub:    pub,
		sub:    sub,
		prefix: settings.Prefix,
		logger: logger,
	}, nil
}

// New wraps an arbitrary watermill publisher/subscriber pair.
func New(pub message.Publisher, sub message.Subscriber, logger *slog.Logger) *Bus {
	return &Bus{pub: pub, sub: sub, logger: orNop(logger)}
}

func orNop(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return logging.NewNop()
	}
	return logger
}

func (b *Bus) topic(channel string) string {
	return b.prefix + channel
}

// Publish sends payload on channel. Payloads that are not valid JSON are
// wrapped as a JSON string so consumers always receive JSON.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	if channel == "" {
		return errors.New("channel is required")
	}
	if !json.Valid(payload) {
		wrapped, err := json.Marshal(string(payload))
		if err != nil {
			return fmt.Errorf("failed to encode payload: %w", err)
		}
		payload = wrapped
	}

	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set(MetadataChannel, channel)
	msg.Metadata.Set(MetadataPublishedAt, time.Now().UTC().Format(time.RFC3339Nano))
	msg.SetContext(ctx)

	if err := b.pub.Publish(b.topic(channel), msg); err != nil {
		return fmt.Errorf("failed to publish on %s: %w", channel, err)
	}
	b.logger.Debug("Bus: published", "channel", channel, "payload_size", len(payload))
	return nil
}

// PublishJSON marshals v and publishes it on channel.
func (b *Bus) PublishJSON(ctx context.Context, channel string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	return b.Publish(ctx, channel, data)
}

// Subscribe returns the messages published on channel until ctx is cancelled.
// Each message must be acked before the next one is delivered.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan *message.Message, error) {
	msgs, err := b.sub.Subscribe(ctx, b.topic(channel))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}
	return msgs, nil
}

// Close shuts down both sides of the transport.
// Closing a GoChannel twice is a no-op, so shared pub/sub pairs are fine.
func (b *Bus) Close() error {
	return errors.Join(b.pub.Close(), b.sub.Close())
}
