// Package presence fans online/offline transitions out over Redis pub/sub so
// that other processes can follow who is connected to the relay.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const DefaultChannel = "aleph:presence"

// Event is the payload published for every status change.
type Event struct {
	UserID   string    `json:"user_id"`
	IsOnline bool      `json:"is_online"`
	At       time.Time `json:"at"`
}

type RedisPublisher struct {
	redis   *redis.Client
	channel string
}

// Dial connects to addr and checks the server answers.
func Dial(ctx context.Context, addr, channel string) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	log.Info().Str("module", "presence").Str("addr", addr).Msg("connected to redis")
	return NewRedisPublisher(client, channel), nil
}

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{redis: client, channel: channel}
}

func (p *RedisPublisher) Channel() string {
	return p.channel
}

func (p *RedisPublisher) PublishStatus(ctx context.Context, userID string, online bool) error {
	payload, err := json.Marshal(Event{UserID: userID, IsOnline: online, At: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := p.redis.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish presence: %w", err)
	}
	return nil
}

// Watch calls fn for every event on the channel until ctx is done.
// Payloads that do not decode are skipped.
func (p *RedisPublisher) Watch(ctx context.Context, fn func(Event)) error {
	pubsub := p.redis.Subscribe(ctx, p.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", p.channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Warn().Str("module", "presence").Err(err).Msg("bad presence payload")
				continue
			}
			fn(ev)
		}
	}
}

func (p *RedisPublisher) Close() error {
	return p.redis.Close()
}
