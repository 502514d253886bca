package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendMongo  = "mongo"
	BackendBadger = "badger"
)

// Config selects and parameterizes a storage backend.
type Config struct {
	// Backend is one of the Backend* constants. Empty means memory.
	Backend string

	// Path is the root directory for the file and badger backends.
	Path string

	// Redis backend settings.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string

	// Mongo backend settings.
	MongoURI      string
	MongoDatabase string
}

const connectTimeout = 10 * time.Second

// Open builds the configured store and verifies connectivity for the
// networked backends.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	backend := cfg.Backend
	if backend == "" {
		backend = BackendMemory
	}

	switch backend {
	case BackendMemory:
		logger.Info("using in-memory storage")
		return NewMemoryStore(), nil

	case BackendFile:
		if cfg.Path == "" {
			return nil, fmt.Errorf("file storage requires a path")
		}
		logger.Info("using file storage", zap.String("path", cfg.Path))
		return NewFileStore(cfg.Path)

	case BackendBadger:
		if cfg.Path == "" {
			return nil, fmt.Errorf("badger storage requires a path")
		}
		logger.Info("using badger storage", zap.String("path", cfg.Path))
		return NewBadgerStore(cfg.Path, logger)

	case BackendRedis:
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("redis storage requires an address")
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.Info("using redis storage", zap.String("addr", cfg.RedisAddr))
		return NewRedisStore(client, cfg.KeyPrefix), nil

	case BackendMongo:
		if cfg.MongoURI == "" {
			return nil, fmt.Errorf("mongo storage requires a uri")
		}
		database := cfg.MongoDatabase
		if database == "" {
			database = "otsync"
		}
		connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to mongo: %w", err)
		}
		if err := client.Ping(connectCtx, nil); err != nil {
			disconnectCtx, cancelDisconnect := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelDisconnect()
			client.Disconnect(disconnectCtx)
			return nil, fmt.Errorf("failed to reach mongo: %w", err)
		}
		logger.Info("using mongo storage", zap.String("database", database))
		return NewMongoStore(connectCtx, client, database)

	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}
