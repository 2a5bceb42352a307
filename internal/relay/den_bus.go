package relay

import (
	"context"
	stdjson "encoding/json"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultChannel is the pub/sub channel shared by relay instances.
const DefaultChannel = "hackerden:relay"

// Bus carries room frames between relay instances.
type Bus interface {
	Publish(ctx context.Context, room, event string, frame []byte) error
	// Run delivers frames published by other instances until ctx ends.
	Run(ctx context.Context, deliver func(room, event string, frame []byte)) error
}

type busMessage struct {
	Instance string             `json:"instance"`
	Room     string             `json:"room"`
	Event    string             `json:"event"`
	Frame    stdjson.RawMessage `json:"frame"`
}

// =============================================================================
// RedisBus
// =============================================================================

// RedisBus fans frames out through Redis pub/sub. Messages carry the
// publishing instance id so an instance skips its own frames.
type RedisBus struct {
	client   *redis.Client
	channel  string
	instance string
	log      zerolog.Logger
}

func NewRedisBus(client *redis.Client, channel, instance string, log zerolog.Logger) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBus{
		client:   client,
		channel:  channel,
		instance: instance,
		log:      log.With().Str("component", "relay_bus").Str("instance", instance).Logger(),
	}
}

// NewRedisClient parses url (redis://...) and checks the server answers.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (b *RedisBus) Publish(ctx context.Context, room, event string, frame []byte) error {
	payload, err := json.Marshal(busMessage{Instance: b.instance, Room: room, Event: event, Frame: frame})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

func (b *RedisBus) Run(ctx context.Context, deliver func(room, event string, frame []byte)) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.log.Info().Str("channel", b.channel).Msg("relay bus subscribed")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var m busMessage
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				b.log.Warn().Err(err).Msg("malformed bus message")
				continue
			}
			if m.Instance == b.instance {
				continue
			}
			deliver(m.Room, m.Event, m.Frame)
		}
	}
}
