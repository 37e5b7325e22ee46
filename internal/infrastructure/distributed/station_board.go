package distributed

import (
	"context"
	"sync"
	"time"

	"medlink/internal/core/domain"
	"medlink/pkg/cache"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StationBoard serves the station list with status updates overlaid as they
// arrive on the status channel, ahead of the next record refresh.
type StationBoard struct {
	client  *redis.Client
	bus     *StatusBus
	records *cache.Cache[[]domain.Station]
	logger  *zap.SugaredLogger

	mu     sync.RWMutex
	latest map[string]*Event
}

func NewStationBoard(client *redis.Client, bus *StatusBus, logger *zap.SugaredLogger) *StationBoard {
	return &StationBoard{
		client:  client,
		bus:     bus,
		records: cache.New[[]domain.Station](time.Second),
		logger:  logger,
		latest:  make(map[string]*Event),
	}
}

// Run follows the status channel until ctx is done.
func (b *StationBoard) Run(ctx context.Context) error {
	return b.bus.Subscribe(ctx, b.apply)
}

func (b *StationBoard) apply(event *Event) {
	b.mu.Lock()
	prev, ok := b.latest[event.InstanceID]
	if !ok || !event.Timestamp.Before(prev.Timestamp) {
		b.latest[event.InstanceID] = event
	}
	b.mu.Unlock()

	b.logger.Debugw("station status",
		"instance_id", event.InstanceID,
		"role", event.Role,
		"publishing", event.View.Status.Publishing,
		"playing", event.View.Status.Playing,
	)
}

func (b *StationBoard) Stations(ctx context.Context) ([]domain.Station, error) {
	records, err := b.records.GetOrLoad(ctx, "stations", func(ctx context.Context) ([]domain.Station, error) {
		return ListStations(ctx, b.client)
	})
	if err != nil {
		return nil, err
	}
	stations := append([]domain.Station(nil), records...)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for i := range stations {
		event, ok := b.latest[stations[i].InstanceID]
		if ok && event.Timestamp.After(stations[i].UpdatedAt) {
			stations[i].Status = event.View.Status
			stations[i].UpdatedAt = event.Timestamp
		}
	}
	return stations, nil
}
