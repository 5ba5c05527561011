// Package cache is the read-through cache in front of the notification store.
// Every operation may fail; callers treat failures as a miss and carry on.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/darkden-lab/notifier/internal/config"
)

// Cache is a byte-oriented key/value store with per-entry TTL.
type Cache interface {
	// Get returns the value for key. found is false on a miss.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// DeleteByPrefix removes every key starting with prefix.
	DeleteByPrefix(ctx context.Context, prefix string) error
	Close() error
}

// New returns the backend selected by cfg.CacheBackend.
func New(cfg *config.Config, log *slog.Logger) (Cache, error) {
	switch cfg.CacheBackend {
	case config.CacheRedis:
		c, err := NewRedis(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		log.Info("using Redis cache", "ttl", cfg.CacheTTL())
		return c, nil
	case config.CacheBadger:
		c, err := NewBadger(cfg.BadgerPath)
		if err != nil {
			return nil, err
		}
		log.Info("using Badger cache", "path", cfg.BadgerPath, "ttl", cfg.CacheTTL())
		return c, nil
	case config.CacheNone:
		log.Warn("cache disabled; every read goes to the database")
		return Noop{}, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}
}

// Noop caches nothing.
type Noop struct{}

func (Noop) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (Noop) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (Noop) Delete(context.Context, ...string) error { return nil }
func (Noop) DeleteByPrefix(context.Context, string) error { return nil }
func (Noop) Close() error { return nil }
