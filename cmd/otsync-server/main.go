package main

import (
	"flag"
	"log"
	"os"
	"strconv"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"otsync/server"
	"otsync/storage"
)

func main() {
	defaults := server.DefaultConfig()

	port := flag.Int("port", envInt("PORT", defaults.Port), "HTTP and WebSocket listen port")
	host := flag.String("host", envString("HOST", defaults.Host), "Listen address")
	authRequired := flag.Bool("auth", envBool("AUTH_REQUIRED", false), "Require JWT authentication")
	corsOrigin := flag.String("cors-origin", envString("CORS_ORIGIN", defaults.CORSOrigin), "Allowed CORS origin")
	logLevel := flag.String("log-level", envString("LOG_LEVEL", "info"), "Log level: debug, info, warn or error")
	backend := flag.String("storage", envString("STORAGE_BACKEND", storage.BackendMemory), "Storage backend: memory, file, redis, mongo or badger")
	storagePath := flag.String("storage-path", envString("STORAGE_PATH", "./data"), "Data directory for the file and badger backends")
	redisAddr := flag.String("redis-addr", envString("REDIS_ADDR", "localhost:6379"), "Redis address for the redis backend")
	mongoURI := flag.String("mongo-uri", envString("MONGO_URI", "mongodb://localhost:27017"), "MongoDB URI for the mongo backend")
	mongoDB := flag.String("mongo-db", envString("MONGO_DATABASE", ""), "MongoDB database name for the mongo backend")
	flag.Parse()

	logger := createLogger(*logLevel)
	defer logger.Sync()

	config := defaults
	config.Host = *host
	config.Port = *port
	config.AuthRequired = *authRequired
	config.AuthSecret = os.Getenv("AUTH_SECRET")
	config.CORSOrigin = *corsOrigin
	config.Storage = storage.Config{
		Backend:       *backend,
		Path:          *storagePath,
		RedisAddr:     *redisAddr,
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		MongoURI:      *mongoURI,
		MongoDatabase: *mongoDB,
	}

	srv, err := server.NewServer(config, logger)
	if err != nil {
		logger.Fatal("Failed to create server", zap.Error(err))
	}

	if err := srv.Start(); err != nil {
		logger.Fatal("Server error", zap.Error(err))
	}
}

// createLogger builds the process logger at the requested level. Debug
// level switches to the console encoder for readable local output.
func createLogger(level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		config = zap.NewDevelopmentConfig()
	}
	config.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := config.Build()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	return logger
}

// Flags win over environment variables: an environment value only
// provides the flag's default.

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
