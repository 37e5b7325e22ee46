package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"medlink/internal/core/domain"
	"medlink/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrStreamClaimed means another station already publishes the same stream key.
var ErrStreamClaimed = errors.New("stream key is claimed by another station")

const (
	stationPrefix = "medlink:station:"
	stationSetKey = "medlink:stations"
	lockPrefix    = "medlink:lock:stream:"
)

// StationRegistry announces this station in Redis and holds a lease on its stream
// key so two stations never publish to the same relay path.
type StationRegistry struct {
	client     *redis.Client
	instanceID string
	ttl        time.Duration
	logger     *zap.SugaredLogger

	mu      sync.Mutex
	lock    *distributed.Lock
	station domain.Station
}

func NewStationRegistry(client *redis.Client, instanceID string, ttl time.Duration, logger *zap.SugaredLogger) *StationRegistry {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &StationRegistry{
		client:     client,
		instanceID: instanceID,
		ttl:        ttl,
		logger:     logger,
	}
}

// Register claims the station's stream key and writes its record.
func (r *StationRegistry) Register(ctx context.Context, station domain.Station) error {
	lock := distributed.NewLock(r.client, lockPrefix+station.StreamKey, r.ttl)
	acquired, err := lock.TryLock(ctx)
	if err != nil {
		return err
	}
	if !acquired {
		return fmt.Errorf("%w: %s", ErrStreamClaimed, station.StreamKey)
	}

	station.InstanceID = r.instanceID
	r.mu.Lock()
	r.lock = lock
	r.station = station
	r.mu.Unlock()

	if err := r.write(ctx); err != nil {
		_ = lock.Unlock(ctx)
		return err
	}

	r.logger.Infow("station registered",
		"instance_id", r.instanceID,
		"role", station.Role,
		"stream_key", station.StreamKey,
	)
	return nil
}

// Run refreshes the record until ctx is done or the stream lease is lost.
func (r *StationRegistry) Run(ctx context.Context) error {
	r.mu.Lock()
	lock := r.lock
	r.mu.Unlock()
	if lock == nil {
		return errors.New("station is not registered")
	}

	ticker := time.NewTicker(r.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-lock.Lost():
			r.logger.Errorw("stream lease lost", "instance_id", r.instanceID)
			return fmt.Errorf("%w: lease lost", ErrStreamClaimed)
		case <-ticker.C:
			if err := r.write(ctx); err != nil {
				r.logger.Warnw("failed to refresh station record", "error", err)
			}
		}
	}
}

// ObserveSession keeps the announced status current.
func (r *StationRegistry) ObserveSession(view domain.SessionView) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.station.Status = view.Status
}

func (r *StationRegistry) ObserveStats(domain.StatsSnapshot) {}

func (r *StationRegistry) write(ctx context.Context) error {
	r.mu.Lock()
	r.station.UpdatedAt = time.Now()
	data, err := json.Marshal(r.station)
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to marshal station: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, stationPrefix+r.instanceID, data, r.ttl)
	pipe.SAdd(ctx, stationSetKey, r.instanceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write station record: %w", err)
	}
	return nil
}

func (r *StationRegistry) Unregister(ctx context.Context) error {
	r.mu.Lock()
	lock := r.lock
	r.lock = nil
	r.mu.Unlock()

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, stationPrefix+r.instanceID)
	pipe.SRem(ctx, stationSetKey, r.instanceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove station record: %w", err)
	}

	if lock != nil {
		if err := lock.Unlock(ctx); err != nil && !errors.Is(err, distributed.ErrNotHeld) {
			return err
		}
	}
	return nil
}

// ListStations returns every live station record. Expired members are pruned.
func ListStations(ctx context.Context, client *redis.Client) ([]domain.Station, error) {
	ids, err := client.SMembers(ctx, stationSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list stations: %w", err)
	}

	stations := make([]domain.Station, 0, len(ids))
	for _, id := range ids {
		data, err := client.Get(ctx, stationPrefix+id).Result()
		if err == redis.Nil {
			client.SRem(ctx, stationSetKey, id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get station %s: %w", id, err)
		}

		var station domain.Station
		if err := json.Unmarshal([]byte(data), &station); err != nil {
			continue
		}
		stations = append(stations, station)
	}

	sort.Slice(stations, func(i, j int) bool {
		return stations[i].StartedAt.Before(stations[j].StartedAt)
	})
	return stations, nil
}
