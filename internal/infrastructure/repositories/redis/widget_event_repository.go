package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"medlink/internal/core/domain"
	"medlink/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const widgetEventsKey = "medlink:widget:events"

// RedisWidgetEventRepository keeps widget events in a capped Redis list, newest at the head.
type RedisWidgetEventRepository struct {
	client   *redis.Client
	key      string
	capacity int64
}

func NewRedisWidgetEventRepository(client *redis.Client, capacity int) ports.WidgetEventRepository {
	if capacity <= 0 {
		capacity = 100
	}
	return &RedisWidgetEventRepository{
		client:   client,
		key:      widgetEventsKey,
		capacity: int64(capacity),
	}
}

func (r *RedisWidgetEventRepository) Append(ctx context.Context, event *domain.WidgetEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal widget event: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, r.key, data)
	pipe.LTrim(ctx, r.key, 0, r.capacity-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push widget event to Redis: %w", err)
	}
	return nil
}

func (r *RedisWidgetEventRepository) Recent(ctx context.Context, limit int) ([]*domain.WidgetEvent, error) {
	values, err := r.client.LRange(ctx, r.key, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read widget events from Redis: %w", err)
	}

	events := make([]*domain.WidgetEvent, 0, len(values))
	for _, v := range values {
		var event domain.WidgetEvent
		if err := json.Unmarshal([]byte(v), &event); err != nil {
			continue
		}
		events = append(events, &event)
	}
	return events, nil
}
