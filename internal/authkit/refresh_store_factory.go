package authkit

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/tyemirov/tsession/internal/dbdialect"
)

const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
)

// NewRefreshTokenStore selects a store from databaseURL: empty for memory, redis:// or
// rediss:// for Redis, postgres:// through a pgx pool, anything else through GORM.
func NewRefreshTokenStore(ctx context.Context, databaseURL string, clock Clock) (RefreshTokenStore, string, error) {
	trimmed := strings.TrimSpace(databaseURL)
	if trimmed == "" {
		return NewMemoryRefreshTokenStore(clock), DriverMemory, nil
	}
	parsed, parseErr := url.Parse(trimmed)
	scheme := ""
	if parseErr == nil {
		scheme = strings.ToLower(parsed.Scheme)
	}
	switch scheme {
	case "postgres", "postgresql":
		store, err := NewPostgresRefreshTokenStore(ctx, trimmed, clock)
		if err != nil {
			return nil, "", err
		}
		return store, dbdialect.DriverPostgres, nil
	case "redis", "rediss":
		options, optionsErr := redis.ParseURL(trimmed)
		if optionsErr != nil {
			return nil, "", fmt.Errorf("refresh_store.open.redis: %w", optionsErr)
		}
		client := redis.NewClient(options)
		if pingErr := client.Ping(ctx).Err(); pingErr != nil {
			_ = client.Close()
			return nil, "", fmt.Errorf("refresh_store.open.redis: %w", pingErr)
		}
		store := NewRedisRefreshTokenStore(client, clock)
		store.ownsClient = true
		return store, DriverRedis, nil
	}
	store, err := NewDatabaseRefreshTokenStore(ctx, trimmed, clock)
	if err != nil {
		return nil, "", err
	}
	return store, store.Driver(), nil
}
