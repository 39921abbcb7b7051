package transport

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// StreamSettings selects and configures the stream backend: the in-process
// gochannel pub/sub by default, Redis Streams when enabled.
type StreamSettings struct {
	RedisEnabled bool   `yaml:"redis_enabled"`
	RedisAddr    string `yaml:"redis_addr"`
	Group        string `yaml:"group"`
	Consumer     string `yaml:"consumer"`
}

func (s StreamSettings) withDefaults() StreamSettings {
	if s.RedisAddr == "" {
		s.RedisAddr = "localhost:6379"
	}
	if s.Group == "" {
		s.Group = "supportchat"
	}
	if s.Consumer == "" {
		s.Consumer = "widget-1"
	}
	return s
}

// buildPubSub constructs the watermill publisher/subscriber pair for the
// configured backend.
func buildPubSub(s StreamSettings) (message.Publisher, message.Subscriber, error) {
	logger := newWatermillLogger(log.Logger)
	if !s.RedisEnabled {
		ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logger)
		return ch, ch, nil
	}

	client := redis.NewClient(&redis.Options{Addr: s.RedisAddr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	return pub, sub, nil
}

// ensureGroupAtTail creates the consumer group at the stream tail ($) so the
// first subscribe does not replay the full history.
func ensureGroupAtTail(ctx context.Context, addr, stream, group string) error {
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = client.Close() }()
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// BUSYGROUP means the group already exists.
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at tail")
	return nil
}
