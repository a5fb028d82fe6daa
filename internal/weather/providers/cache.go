package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/i474232898/weather-feature-pipeline/internal/weather"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const cacheKeyPrefix = "weather:hourly"

// PayloadCache keeps decoded hourly payloads in Redis so repeated runs for the
// same city and dates skip the upstream call. Cache errors never fail a fetch.
type PayloadCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.SugaredLogger
}

// NewPayloadCache wraps an existing client.
func NewPayloadCache(client *redis.Client, ttl time.Duration, log *zap.SugaredLogger) *PayloadCache {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &PayloadCache{client: client, ttl: ttl, log: log}
}

// CacheKey builds the Redis key for one request: the city with its
// coordinates, the requested timezone and the date range. Moving a city or
// changing the timezone therefore never reuses an old payload.
func CacheKey(city weather.CityCoordinate, timezone string, dates weather.DateRange) string {
	return fmt.Sprintf("%s:%s:%s:%s:%s:%s:%s", cacheKeyPrefix,
		city.Name,
		strconv.FormatFloat(city.Latitude, 'f', -1, 64),
		strconv.FormatFloat(city.Longitude, 'f', -1, 64),
		timezone,
		dates.StartString(), dates.EndString())
}

// Get returns the cached payload, or false on a miss or any cache error.
func (c *PayloadCache) Get(ctx context.Context, key string) (weather.HourlyPayload, bool) {
	var p weather.HourlyPayload
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warnw("cache read failed", "key", key, "error", err)
		}
		return p, false
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		c.log.Warnw("dropping undecodable cache entry", "key", key, "error", err)
		_ = c.client.Del(ctx, key).Err()
		return p, false
	}
	return p, true
}

// Set stores the payload under key with the configured TTL.
func (c *PayloadCache) Set(ctx context.Context, key string, p weather.HourlyPayload) {
	raw, err := json.Marshal(p)
	if err != nil {
		c.log.Warnw("cache encode failed", "key", key, "error", err)
		return
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.log.Warnw("cache write failed", "key", key, "error", err)
	}
}
