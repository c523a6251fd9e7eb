// Package eventbus carries connection status and buffer changes to
// background consumers such as the transcript writer. It runs in-process on
// a watermill gochannel, or on Redis Streams when enabled.
package eventbus

import (
	"context"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type Bus struct {
	settings  Settings
	logger    watermill.LoggerAdapter
	publisher message.Publisher
	client    *redis.Client
	router    *message.Router

	// newSubscriber returns the subscriber a consumer reads through. With
	// Redis every consumer gets its own group so each sees every envelope.
	newSubscriber func(ctx context.Context, group string) (message.Subscriber, error)
	subscribers   []message.Subscriber

	closeOnce sync.Once
	closeErr  error
}

// Build creates the bus. With Redis enabled each consumer group is created at
// the stream tail so a new group does not replay old events.
func Build(ctx context.Context, s Settings) (*Bus, error) {
	s = s.withDefaults()
	logger := NewWatermillLogger(log.Logger)
	b := &Bus{settings: s, logger: logger}

	if !s.Enabled {
		ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, logger)
		b.publisher = ch
		b.newSubscriber = func(context.Context, string) (message.Subscriber, error) {
			return ch, nil
		}
	} else {
		client := redis.NewClient(&redis.Options{Addr: s.Addr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, errors.Wrapf(err, "eventbus: redis at %s", s.Addr)
		}
		marshaler := rstream.DefaultMarshallerUnmarshaller{}
		pub, err := rstream.NewPublisher(rstream.PublisherConfig{
			Client:     client,
			Marshaller: marshaler,
		}, logger)
		if err != nil {
			_ = client.Close()
			return nil, errors.Wrap(err, "eventbus: redis publisher")
		}
		b.client = client
		b.publisher = pub
		b.newSubscriber = func(ctx context.Context, group string) (message.Subscriber, error) {
			if err := ensureGroupAtTail(ctx, client, s.Topic, group); err != nil {
				return nil, err
			}
			sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
				Client:        client,
				Unmarshaller:  marshaler,
				ConsumerGroup: group,
				Consumer:      s.Consumer,
			}, logger)
			if err != nil {
				return nil, errors.Wrapf(err, "eventbus: redis subscriber for group %s", group)
			}
			return sub, nil
		}
		log.Info().Str("component", "eventbus").Str("addr", s.Addr).Str("topic", s.Topic).
			Str("group", s.Group).Str("consumer", s.Consumer).Msg("using redis streams")
	}

	router, err := message.NewRouter(message.RouterConfig{}, logger)
	if err != nil {
		_ = b.Close()
		return nil, errors.Wrap(err, "eventbus: router")
	}
	b.router = router
	return b, nil
}

func (b *Bus) Topic() string { return b.settings.Topic }

func (b *Bus) Publisher() message.Publisher { return b.publisher }

// AddConsumer registers h on the bus topic under its own consumer group
// (<group>.<name>). Consumers start with Run.
func (b *Bus) AddConsumer(ctx context.Context, name string, h message.NoPublishHandlerFunc) error {
	group := b.ConsumerGroup(name)
	sub, err := b.newSubscriber(ctx, group)
	if err != nil {
		return err
	}
	if any(sub) != any(b.publisher) {
		b.subscribers = append(b.subscribers, sub)
	}
	b.router.AddNoPublisherHandler(name, b.settings.Topic, sub, h)
	log.Debug().Str("component", "eventbus").Str("consumer", name).Str("group", group).Msg("consumer added")
	return nil
}

// ConsumerGroup is the group name used for the consumer called name.
func (b *Bus) ConsumerGroup(name string) string {
	return b.settings.Group + "." + name
}

// Run blocks until ctx is done or the router stops.
func (b *Bus) Run(ctx context.Context) error {
	return b.router.Run(ctx)
}

// Running is closed once all consumers are subscribed.
func (b *Bus) Running() chan struct{} {
	return b.router.Running()
}

func (b *Bus) Close() error {
	b.closeOnce.Do(func() {
		var errs []string
		if b.router != nil {
			if err := b.router.Close(); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if err := b.publisher.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		for _, sub := range b.subscribers {
			if err := sub.Close(); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if b.client != nil {
			if err := b.client.Close(); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if len(errs) > 0 {
			b.closeErr = errors.Errorf("eventbus: close: %s", strings.Join(errs, "; "))
		}
	})
	return b.closeErr
}

func ensureGroupAtTail(ctx context.Context, client *redis.Client, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "eventbus: create group %s on %s", group, stream)
	}
	log.Info().Str("component", "eventbus").Str("stream", stream).Str("group", group).Msg("created consumer group at tail")
	return nil
}
