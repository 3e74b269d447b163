package cache

import (
	"context"
	"fmt"
	"time"

	"example.com/backstage/services/fleet/config"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// TopicFleet and TopicVehicle build the pub/sub channel names subscribers
// attach to
func TopicFleet(tenantID uuid.UUID) string {
	return fmt.Sprintf("fleet:%s:stream", tenantID)
}

func TopicVehicle(vehicleID uuid.UUID) string {
	return fmt.Sprintf("vehicle:%s:stream", vehicleID)
}

// RedisCache provides live vehicle state, alert dedup keys and the pub/sub
// transport the broadcaster fans out from
type RedisCache struct {
	client  *redis.Client
	enabled bool
}

// NewRedisCache creates a new Redis cache
func NewRedisCache(cfg config.RedisConfig) (*RedisCache, error) {
	if !cfg.Enabled {
		return &RedisCache{enabled: false}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	return &RedisCache{
		client:  client,
		enabled: true,
	}, nil
}

// Ping verifies the Redis connection is reachable
func (c *RedisCache) Ping(ctx context.Context) error {
	if !c.enabled {
		return nil
	}
	if err := c.client.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "redis ping failed")
	}
	return nil
}

// LiveStateUpdate writes the vehicle's latest position into the live state
// hash and the tenant geo set in one pipeline round trip. The hash expires
// if no fresh sample arrives, so the dashboard only shows vehicles that are
// actually reporting.
func (c *RedisCache) LiveStateUpdate(ctx context.Context, tenantID, vehicleID uuid.UUID, fields map[string]interface{}, lat, lng float64) error {
	if !c.enabled {
		return nil
	}

	stateKey := fmt.Sprintf("vehicle:%s:state", vehicleID)
	geoKey := fmt.Sprintf("fleet:%s:geo", tenantID)

	pipe := c.client.Pipeline()
	pipe.HSet(ctx, stateKey, fields)
	pipe.Expire(ctx, stateKey, 30*time.Second)
	pipe.GeoAdd(ctx, geoKey, &redis.GeoLocation{
		Name:      vehicleID.String(),
		Longitude: lng,
		Latitude:  lat,
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "redis live state pipeline failed")
	}
	return nil
}

// Publish sends a payload to both the tenant and vehicle topics
func (c *RedisCache) Publish(ctx context.Context, tenantID, vehicleID uuid.UUID, payload []byte) error {
	if !c.enabled {
		return nil
	}

	pipe := c.client.Pipeline()
	pipe.Publish(ctx, TopicFleet(tenantID), payload)
	pipe.Publish(ctx, TopicVehicle(vehicleID), payload)

	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "redis publish failed")
	}
	return nil
}

// Subscribe attaches to the broadcast channel patterns. The caller owns the
// returned PubSub and must close it.
func (c *RedisCache) Subscribe(ctx context.Context, patterns ...string) *redis.PubSub {
	if !c.enabled {
		return nil
	}
	return c.client.PSubscribe(ctx, patterns...)
}

// ClaimDedupKey atomically claims an alert dedup key for the window.
// Returns false when another dispatch already claimed it.
func (c *RedisCache) ClaimDedupKey(ctx context.Context, key string, window time.Duration) (bool, error) {
	if !c.enabled {
		// Without redis the database unique index is the sole guard
		return true, nil
	}

	ok, err := c.client.SetNX(ctx, "alert:dedup:"+key, "1", window).Result()
	if err != nil {
		return false, errors.Wrap(err, "dedup claim failed")
	}
	return ok, nil
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	if !c.enabled || c.client == nil {
		return nil
	}

	return c.client.Close()
}
