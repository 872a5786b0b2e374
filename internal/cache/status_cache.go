package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ilkin0/resumable/internal/api/types"
	"github.com/ilkin0/resumable/internal/config"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const DefaultTTL = 30 * time.Second

// versionTTL outlives any single Status call by a wide margin.
const versionTTL = 24 * time.Hour

var tracer = otel.Tracer("github.com/ilkin0/resumable/internal/cache")

// StatusCache keeps upload status snapshots in Redis.
type StatusCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}
	return client, nil
}

func NewStatusCache(client *redis.Client, ttl time.Duration) *StatusCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &StatusCache{client: client, ttl: ttl}
}

func key(uploadID string) string {
	return "upload:" + uploadID
}

// versionKey counts invalidations of an upload's snapshot.
func versionKey(uploadID string) string {
	return "upload:" + uploadID + ":version"
}

// Get returns nil without an error on a cache miss. The version is the
// invalidation count to hand back to Set.
func (c *StatusCache) Get(ctx context.Context, uploadID string) (*types.UploadStatus, int64, error) {
	ctx, span := tracer.Start(ctx, "redis.get_upload_status",
		trace.WithAttributes(attribute.String("upload_id", uploadID)),
	)
	defer span.End()

	vals, err := c.client.MGet(ctx, key(uploadID), versionKey(uploadID)).Result()
	if err != nil {
		span.RecordError(err)
		return nil, 0, fmt.Errorf("failed to get from cache: %w", err)
	}

	version, err := parseVersion(vals[1])
	if err != nil {
		span.RecordError(err)
		return nil, 0, err
	}

	data, ok := vals[0].(string)
	if !ok {
		span.SetAttributes(attribute.Bool("cache_hit", false))
		return nil, version, nil
	}

	var status types.UploadStatus
	if err := json.Unmarshal([]byte(data), &status); err != nil {
		span.RecordError(err)
		return nil, 0, fmt.Errorf("failed to unmarshal cached status: %w", err)
	}

	span.SetAttributes(attribute.Bool("cache_hit", true))
	return &status, version, nil
}

// Set stores status unless the snapshot was invalidated after the Get that
// returned version. A skipped write is not an error.
func (c *StatusCache) Set(ctx context.Context, status *types.UploadStatus, version int64) error {
	ctx, span := tracer.Start(ctx, "redis.set_upload_status",
		trace.WithAttributes(
			attribute.String("upload_id", status.UploadID),
			attribute.String("status", status.Status),
			attribute.Int64("version", version),
		),
	)
	defer span.End()

	data, err := json.Marshal(status)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	vkey := versionKey(status.UploadID)
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, vkey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		var current any
		if err == nil {
			current = raw
		}
		currentVersion, err := parseVersion(current)
		if err != nil {
			return err
		}
		if currentVersion != version {
			span.SetAttributes(attribute.Bool("stale", true))
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key(status.UploadID), data, c.ttl)
			return nil
		})
		return err
	}, vkey)
	if errors.Is(err, redis.TxFailedErr) {
		span.SetAttributes(attribute.Bool("stale", true))
		return nil
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to set cache: %w", err)
	}
	return nil
}

// Invalidate drops the snapshot and bumps its version so that in-flight
// Set calls for older reads are discarded.
func (c *StatusCache) Invalidate(ctx context.Context, uploadID string) error {
	ctx, span := tracer.Start(ctx, "redis.invalidate_upload_status",
		trace.WithAttributes(attribute.String("upload_id", uploadID)),
	)
	defer span.End()

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key(uploadID))
		pipe.Incr(ctx, versionKey(uploadID))
		pipe.Expire(ctx, versionKey(uploadID), versionTTL)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to invalidate cache: %w", err)
	}
	return nil
}

func parseVersion(v any) (int64, error) {
	if v == nil {
		return 0, nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected cache version type %T", v)
	}
	version, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cache version %q: %w", s, err)
	}
	return version, nil
}
