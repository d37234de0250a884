package cachex

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"moneyflow-events/shared/config"
)

var ErrNotInitialized = errors.New("redis client not initialized")

type Client struct {
	redis *redis.Client
}

func New(cfg config.Config) (*Client, error) {
	if cfg.RedisAddr == "" {
		return nil, errors.New("REDIS_ADDR is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})
	return &Client{redis: rdb}, nil
}

// Wrap adopts an existing go-redis client.
func Wrap(rdb *redis.Client) *Client {
	return &Client{redis: rdb}
}

func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.redis == nil {
		return ErrNotInitialized
	}
	return c.redis.Ping(ctx).Err()
}

func (c *Client) Close() error {
	if c == nil || c.redis == nil {
		return nil
	}
	return c.redis.Close()
}

// SetOnce stores value under key only when key is absent. It reports whether
// this call created the key.
func (c *Client) SetOnce(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	if c == nil || c.redis == nil {
		return false, ErrNotInitialized
	}
	return c.redis.SetNX(ctx, key, value, ttl).Result()
}
