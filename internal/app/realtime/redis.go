package realtime

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"

	"github.com/digis-live/callcore/pkg/logger"
)

// RedisPublisher broadcasts events on a redis pub/sub channel so gateway
// processes can forward them to their websocket clients.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	log     *logger.Logger
}

// NewRedisPublisher creates a publisher on the given channel.
func NewRedisPublisher(client *redis.Client, channel string, log *logger.Logger) *RedisPublisher {
	if channel == "" {
		channel = "callcore:events"
	}
	if log == nil {
		log = logger.NewDefault("realtime-redis")
	}
	return &RedisPublisher{client: client, channel: channel, log: log}
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		p.log.WithError(err).Warnf("publish %s failed", event.Type)
		return err
	}
	return nil
}
