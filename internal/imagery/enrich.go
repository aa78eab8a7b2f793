package imagery

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
)

// EnrichedImage is the result of one detail + thumbnail round trip. Metadata
// and Thumbnail are nil when the corresponding call failed.
type EnrichedImage struct {
	ID        string
	Metadata  *ImageMetadata
	Thumbnail []byte
}

// Enrich fetches the full metadata of an image and then its 1024px thumbnail.
// Failures never escape: the affected fields are left nil.
func (c *Client) Enrich(ctx context.Context, id string) *EnrichedImage {
	enriched := &EnrichedImage{ID: id}

	meta, err := c.fetchMetadata(ctx, id)
	if err != nil {
		slog.Warn("image metadata unavailable", "image_id", id, "error", err)
		return enriched
	}
	enriched.Metadata = meta

	thumbURL := meta.ThumbnailURL()
	if thumbURL == "" {
		slog.Warn("image has no thumbnail url", "image_id", id)
		return enriched
	}
	enriched.Thumbnail = c.fetchThumbnail(ctx, id, thumbURL)
	return enriched
}

func (c *Client) fetchMetadata(ctx context.Context, id string) (*ImageMetadata, error) {
	query := url.Values{}
	query.Set("fields", strings.Join(DetailFields, ","))

	body, err := c.get(ctx, c.endpoint(url.PathEscape(id), query), "image detail")
	if err != nil {
		return nil, err
	}
	return DecodeMetadata(body)
}

func (c *Client) fetchThumbnail(ctx context.Context, id, thumbURL string) []byte {
	if c.cache != nil {
		data, ok, err := c.cache.Get(ctx, id)
		if err != nil {
			slog.Warn("thumbnail cache read failed", "image_id", id, "error", err)
		} else if ok {
			slog.Debug("thumbnail cache hit", "image_id", id, "size_bytes", len(data))
			return data
		}
	}

	slog.Debug("downloading thumbnail", "image_id", id)
	data, err := c.get(ctx, thumbURL, "thumbnail")
	if err != nil {
		slog.Warn("thumbnail download failed", "image_id", id, "error", err)
		return nil
	}
	if len(data) == 0 {
		slog.Warn("thumbnail download returned no data", "image_id", id)
		return nil
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, id, data); err != nil {
			slog.Warn("thumbnail cache write failed", "image_id", id, "error", err)
		}
	}
	return data
}
