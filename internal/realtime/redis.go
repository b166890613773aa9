package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher publishes events over redis pub/sub. Each message is a JSON
// envelope {event, payload} on the named channel; the UI gateway subscribes with
// PSUBSCRIBE org-*, run-*, campaign-*.
type RedisPublisher struct {
	rdb *redis.Client
}

func NewRedisPublisher(rdb *redis.Client) *RedisPublisher { return &RedisPublisher{rdb: rdb} }

type envelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

func (p *RedisPublisher) Publish(ctx context.Context, channel, event string, payload any) error {
	if p.rdb == nil {
		return fmt.Errorf("realtime: redis client is nil")
	}
	if channel == "" || event == "" {
		return fmt.Errorf("realtime: channel and event are required")
	}
	body, err := json.Marshal(envelope{Event: event, Payload: payload})
	if err != nil {
		return fmt.Errorf("realtime: marshal event: %w", err)
	}
	return p.rdb.Publish(ctx, channel, body).Err()
}
