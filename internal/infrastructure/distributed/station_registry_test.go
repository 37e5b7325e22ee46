package distributed

import (
	"context"
	"os"
	"testing"
	"time"

	"medlink/internal/core/domain"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// redisClient connects to MEDLINK_TEST_REDIS or skips the test.
func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("MEDLINK_TEST_REDIS")
	if addr == "" {
		t.Skip("MEDLINK_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(context.Background()).Err())
	t.Cleanup(func() { client.Close() })
	return client
}

func TestStationRegistry_ClaimsStreamKey(t *testing.T) {
	client := redisClient(t)
	ctx := context.Background()
	streamKey := "testStream-" + uuid.NewString()

	first := NewStationRegistry(client, uuid.NewString(), 2*time.Second, zap.NewNop().Sugar())
	second := NewStationRegistry(client, uuid.NewString(), 2*time.Second, zap.NewNop().Sugar())

	station := domain.Station{Role: domain.RoleDoctor, StreamKey: streamKey, StartedAt: time.Now()}
	require.NoError(t, first.Register(ctx, station))
	assert.ErrorIs(t, second.Register(ctx, station), ErrStreamClaimed)

	first.ObserveSession(domain.SessionView{Status: domain.ConnectionStatus{Publishing: true}})
	require.NoError(t, first.write(ctx))

	stations, err := ListStations(ctx, client)
	require.NoError(t, err)
	var found *domain.Station
	for i := range stations {
		if stations[i].StreamKey == streamKey {
			found = &stations[i]
		}
	}
	require.NotNil(t, found)
	assert.True(t, found.Status.Publishing)

	require.NoError(t, first.Unregister(ctx))
	require.NoError(t, second.Register(ctx, station))
	require.NoError(t, second.Unregister(ctx))
}

func TestStationBoard_OverlaysNewerEvents(t *testing.T) {
	board := NewStationBoard(nil, nil, zap.NewNop().Sugar())
	now := time.Now()

	board.apply(&Event{InstanceID: "a", Timestamp: now, View: domain.SessionView{Status: domain.ConnectionStatus{Playing: true}}})
	board.apply(&Event{InstanceID: "a", Timestamp: now.Add(-time.Second)})

	board.mu.RLock()
	defer board.mu.RUnlock()
	assert.True(t, board.latest["a"].View.Status.Playing)
}

func TestStationBoard_StationsOverlayDoesNotMutateCache(t *testing.T) {
	board := NewStationBoard(nil, nil, zap.NewNop().Sugar())
	now := time.Now()

	board.records.Set("stations", []domain.Station{
		{InstanceID: "a", Role: domain.RoleDoctor, UpdatedAt: now.Add(-time.Minute)},
		{InstanceID: "b", Role: domain.RolePatient, UpdatedAt: now},
	})
	board.apply(&Event{InstanceID: "a", Timestamp: now, View: domain.SessionView{Status: domain.ConnectionStatus{Publishing: true}}})
	board.apply(&Event{InstanceID: "b", Timestamp: now.Add(-time.Second), View: domain.SessionView{Status: domain.ConnectionStatus{Playing: true}}})

	stations, err := board.Stations(context.Background())
	require.NoError(t, err)
	require.Len(t, stations, 2)
	assert.True(t, stations[0].Status.Publishing)
	assert.False(t, stations[1].Status.Playing, "older event must not override the record")

	cached, ok := board.records.Get("stations")
	require.True(t, ok)
	assert.False(t, cached[0].Status.Publishing)
}
