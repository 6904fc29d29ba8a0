package repositories

import (
	"context"

	"voicegate/internal/core/ports"
	"voicegate/internal/infrastructure/repositories/memory"
	redisrepo "voicegate/internal/infrastructure/repositories/redis"
	"voicegate/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates the call event store, backed by Redis when it is
// configured and reachable, falling back to process memory otherwise.
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory call store",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis call event store")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory call event store")
	}

	return factory, nil
}

// CreateCallEventStore creates the store backing DM call streams.
func (f *RepositoryFactory) CreateCallEventStore() ports.CallEventStore {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewRedisCallEventStore(f.redisClient)
	}
	return memory.NewMemoryCallEventStore()
}

// RedisClient returns the shared client, or nil when running on memory.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	if f.useRedis {
		return f.redisClient
	}
	return nil
}

// Close closes the Redis connection if one is in use.
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck reports whether the backing store is reachable.
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
