package imagery

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ThumbnailCache stores downloaded thumbnails by image id. It is only consulted
// after a successful detail fetch that advertises a thumbnail.
type ThumbnailCache interface {
	Get(ctx context.Context, id string) ([]byte, bool, error)
	Set(ctx context.Context, id string, data []byte) error
}

const thumbnailKeyPrefix = "streetscan:thumbnail:1024:"

type RedisThumbnailCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisThumbnailCache wraps a redis client. A zero ttl keeps entries forever.
func NewRedisThumbnailCache(client *redis.Client, ttl time.Duration) *RedisThumbnailCache {
	return &RedisThumbnailCache{client: client, ttl: ttl}
}

func (c *RedisThumbnailCache) Get(ctx context.Context, id string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, thumbnailKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (c *RedisThumbnailCache) Set(ctx context.Context, id string, data []byte) error {
	return c.client.Set(ctx, thumbnailKeyPrefix+id, data, c.ttl).Err()
}

// Close releases the underlying connection pool.
func (c *RedisThumbnailCache) Close() error {
	return c.client.Close()
}
