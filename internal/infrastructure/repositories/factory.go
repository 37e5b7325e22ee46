package repositories

import (
	"context"

	"medlink/internal/core/ports"
	"medlink/internal/infrastructure/repositories/memory"
	redisrepo "medlink/internal/infrastructure/repositories/redis"
	"medlink/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const widgetEventCapacity = 200

// RepositoryFactory creates repositories, falling back to memory when Redis is
// disabled or unreachable.
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(ctx, redisrepo.ClientConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis repositories")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory repositories")
	}
	return factory
}

func (f *RepositoryFactory) CreateWidgetEventRepository() ports.WidgetEventRepository {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewRedisWidgetEventRepository(f.redisClient, widgetEventCapacity)
	}
	return memory.NewMemoryWidgetEventRepository(widgetEventCapacity)
}

// RedisClient returns the shared client, or nil when Redis is not in use.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	if f.useRedis {
		return f.redisClient
	}
	return nil
}

func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
