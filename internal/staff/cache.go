package staff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const historyVersionKey = "staff:history:version"

// HistoryCache wraps Redis based caching of term-history reads with a
// version counter bumped by the engine on every ledger write.
type HistoryCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewHistoryCache instantiates the cache helper.
func NewHistoryCache(client *redis.Client, ttl time.Duration) *HistoryCache {
	return &HistoryCache{client: client, ttl: ttl}
}

// Version returns the current cache version, initialising when missing.
func (c *HistoryCache) Version(ctx context.Context) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, historyVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.Set(ctx, historyVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// Bump invalidates every cached window by advancing the version.
func (c *HistoryCache) Bump(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, historyVersionKey).Err()
}

// FetchJSON loads a cached value or populates it using the loader.
func (c *HistoryCache) FetchJSON(ctx context.Context, parts []string, dest any, loader func(context.Context) (any, error)) error {
	if loader == nil {
		return errors.New("staff: cache loader required")
	}
	if c == nil || c.client == nil {
		value, err := loader(ctx)
		if err != nil {
			return err
		}
		return reencode(value, dest)
	}

	ver, err := c.Version(ctx)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("staff:history:%s:%d", strings.Join(parts, ":"), ver)

	data, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		return json.Unmarshal(data, dest)
	}
	if !errors.Is(err, redis.Nil) {
		return err
	}

	value, err := loader(ctx)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, key, encoded, c.ttl).Err(); err != nil {
		return err
	}
	return json.Unmarshal(encoded, dest)
}

func reencode(value, dest any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}
