package redis

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Config 用于初始化 Redis
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// New dials Redis and pings it once. Callers own the returned client.
func New(ctx context.Context, c Config) (*redis.Client, error) {
	if c.Addr == "" {
		return nil, errors.New("redis: empty addr")
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 10
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         c.Addr,
		Password:     c.Password,
		DB:           c.DB,
		PoolSize:     c.PoolSize,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		// 让调用方的 ctx 超时生效
		ContextTimeoutEnabled: true,
	})

	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "redis: ping %s", c.Addr)
	}
	return rdb, nil
}
