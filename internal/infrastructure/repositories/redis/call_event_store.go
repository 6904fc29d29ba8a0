package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"voicegate/internal/core/domain"
	"voicegate/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// RedisCallEventStore keeps each channel's call event stream in a Redis list.
// RPUSH preserves append order, so replaying LRANGE 0 -1 reproduces the call
// state on any node sharing the instance.
type RedisCallEventStore struct {
	client *redis.Client
	prefix string
}

func NewRedisCallEventStore(client *redis.Client) ports.CallEventStore {
	return &RedisCallEventStore{
		client: client,
		prefix: "voicegate:call:",
	}
}

func (r *RedisCallEventStore) streamKey(channel domain.ChannelID) string {
	return r.prefix + string(channel)
}

func (r *RedisCallEventStore) Append(ctx context.Context, channel domain.ChannelID, ev domain.CallEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal call event: %w", err)
	}

	if err := r.client.RPush(ctx, r.streamKey(channel), data).Err(); err != nil {
		return fmt.Errorf("failed to append call event: %w", err)
	}
	return nil
}

func (r *RedisCallEventStore) Events(ctx context.Context, channel domain.ChannelID) ([]domain.CallEvent, error) {
	raw, err := r.client.LRange(ctx, r.streamKey(channel), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read call stream: %w", err)
	}

	events := make([]domain.CallEvent, 0, len(raw))
	for _, item := range raw {
		var ev domain.CallEvent
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, fmt.Errorf("failed to unmarshal call event: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func (r *RedisCallEventStore) Clear(ctx context.Context, channel domain.ChannelID) error {
	if err := r.client.Del(ctx, r.streamKey(channel)).Err(); err != nil {
		return fmt.Errorf("failed to clear call stream: %w", err)
	}
	return nil
}

func (r *RedisCallEventStore) SetTTL(ctx context.Context, channel domain.ChannelID, ttl time.Duration) error {
	if err := r.client.Expire(ctx, r.streamKey(channel), ttl).Err(); err != nil {
		return fmt.Errorf("failed to set call stream ttl: %w", err)
	}
	return nil
}

func (r *RedisCallEventStore) ClearTTL(ctx context.Context, channel domain.ChannelID) error {
	if err := r.client.Persist(ctx, r.streamKey(channel)).Err(); err != nil {
		return fmt.Errorf("failed to clear call stream ttl: %w", err)
	}
	return nil
}
