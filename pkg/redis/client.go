package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Client wraps the Redis connection.
type Client struct {
	rdb *goredis.Client
}

// NewClient connects to Redis with retry.
func NewClient(ctx context.Context, addr string, log *zap.Logger) (*Client, error) {
	log = log.Named("redis")
	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	for i := 0; i < 20; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			log.Info("connected to Redis", zap.String("addr", addr))
			return &Client{rdb: rdb}, nil
		}
		log.Info("waiting for Redis", zap.Int("attempt", i+1), zap.Error(err))
		select {
		case <-ctx.Done():
			rdb.Close()
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	rdb.Close()
	return nil, fmt.Errorf("redis: failed to connect after 20 attempts")
}

// Wrap adopts an existing go-redis client.
func Wrap(rdb *goredis.Client) *Client { return &Client{rdb: rdb} }

// RDB exposes the underlying client for stores that need scripts or pipelines.
func (c *Client) RDB() *goredis.Client { return c.rdb }

// Health pings the server.
func (c *Client) Health(ctx context.Context) error { return c.rdb.Ping(ctx).Err() }

// Close tears down the Redis connection.
func (c *Client) Close() error { return c.rdb.Close() }
