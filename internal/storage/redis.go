package storage

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/token-distributor/internal/config"
)

const (
	defaultRedisDialTimeout = 5 * time.Second
	defaultRedisIOTimeout   = 3 * time.Second
)

// RedisClient wraps the Redis client shared by the run lock and the RPC budget
type RedisClient struct {
	client *redis.Client
}

// redisOptions maps cfg onto go-redis options
func redisOptions(cfg *config.RedisConfig) *redis.Options {
	dial := cfg.DialTimeout
	if dial <= 0 {
		dial = defaultRedisDialTimeout
	}
	io := cfg.IOTimeout
	if io <= 0 {
		io = defaultRedisIOTimeout
	}

	return &redis.Options{
		Addr:         net.JoinHostPort(cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.MaxConnections,
		MaxRetries:   3,
		DialTimeout:  dial,
		ReadTimeout:  io,
		WriteTimeout: io,
		PoolTimeout:  io + time.Second,
	}
}

// NewRedisClient connects to Redis and pings it within the dial timeout
func NewRedisClient(ctx context.Context, cfg *config.RedisConfig) (*RedisClient, error) {
	opts := redisOptions(cfg)
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Addr, err)
	}

	return &RedisClient{client: client}, nil
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Client returns the underlying Redis client
func (r *RedisClient) Client() *redis.Client {
	return r.client
}

// Ping checks if Redis is reachable
func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
