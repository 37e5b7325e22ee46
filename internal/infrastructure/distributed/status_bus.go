package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"medlink/internal/core/domain"
	"medlink/pkg/circuitbreaker"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const StatusChannel = "medlink:status"

type EventType string

const EventSessionStatus EventType = "session.status"

// Event is the JSON envelope published on the status channel.
type Event struct {
	ID         string             `json:"id"`
	Type       EventType          `json:"type"`
	InstanceID string             `json:"instance_id"`
	Role       domain.Role        `json:"role"`
	Timestamp  time.Time          `json:"timestamp"`
	View       domain.SessionView `json:"view"`
}

// StatusBus publishes session views on a Redis channel. Publishing goes through a
// circuit breaker so an unreachable Redis costs nothing once the circuit opens.
type StatusBus struct {
	client     *redis.Client
	instanceID string
	role       domain.Role
	channel    string
	breaker    *circuitbreaker.CircuitBreaker
	logger     *zap.SugaredLogger
}

func NewStatusBus(client *redis.Client, instanceID string, role domain.Role, logger *zap.SugaredLogger) *StatusBus {
	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig())
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("status bus circuit changed", "from", from.String(), "to", to.String())
	})

	return &StatusBus{
		client:     client,
		instanceID: instanceID,
		role:       role,
		channel:    StatusChannel,
		breaker:    breaker,
		logger:     logger,
	}
}

func (b *StatusBus) PublishStatus(ctx context.Context, view domain.SessionView) error {
	data, err := json.Marshal(&Event{
		ID:         uuid.NewString(),
		Type:       EventSessionStatus,
		InstanceID: b.instanceID,
		Role:       b.role,
		Timestamp:  time.Now(),
		View:       view,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = b.breaker.Execute(ctx, func(ctx context.Context) error {
		return b.client.Publish(ctx, b.channel, data).Err()
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	b.logger.Debugw("published status event",
		"publishing", view.Status.Publishing,
		"playing", view.Status.Playing,
	)
	return nil
}

// Subscribe calls handler for every status event of other instances until ctx is done.
func (b *StatusBus) Subscribe(ctx context.Context, handler func(*Event)) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("status subscription closed")
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.logger.Warnw("failed to unmarshal event",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}
			if event.InstanceID == b.instanceID {
				continue
			}
			handler(&event)
		}
	}
}

// NoopPublisher is used when Redis is disabled.
type NoopPublisher struct{}

func (NoopPublisher) PublishStatus(context.Context, domain.SessionView) error { return nil }
