package db

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisOpts struct {
	// URL takes precedence over Addr/Password/DB when set, e.g. redis://:pw@host:6379/0.
	URL         string
	Addr        string
	Password    string
	DB          int
	PoolSize    int
	DialTimeout time.Duration
}

func NewRedisClient(opts RedisOpts) (*redis.Client, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}

	ro := &redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}
	if opts.URL != "" {
		parsed, err := redis.ParseURL(opts.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		ro = parsed
	}
	ro.DialTimeout = opts.DialTimeout
	if opts.PoolSize > 0 {
		ro.PoolSize = opts.PoolSize
	}

	rdb := redis.NewClient(ro)
	ctx, cancel := context.WithTimeout(context.Background(), opts.DialTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}

	return rdb, nil
}
