package storage

import (
	"context"
	"fmt"
)

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type Options struct {
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	PGDSN         string
	Migrate       bool
	Retry         RetryPolicy
}

// Open builds the configured backend and checks connectivity.
func Open(ctx context.Context, o Options) (Store, error) {
	switch o.Backend {
	case "", BackendMemory:
		return NewMemoryStore(o.Retry), nil
	case BackendRedis:
		rs := NewRedisStore(o.RedisAddr, o.RedisPassword, o.RedisDB, o.RedisPrefix, o.Retry)
		if err := rs.Ping(ctx); err != nil {
			_ = rs.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		return rs, nil
	case BackendPostgres:
		ps, err := NewPostgresStore(o.PGDSN, o.Retry)
		if err != nil {
			return nil, fmt.Errorf("postgres open: %w", err)
		}
		if o.Migrate {
			if err := ps.Migrate(ctx); err != nil {
				_ = ps.Close()
				return nil, fmt.Errorf("postgres migrate: %w", err)
			}
		}
		return ps, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", o.Backend)
	}
}
