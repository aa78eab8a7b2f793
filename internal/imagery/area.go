package imagery

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"net/url"
	"strconv"

	"github.com/jo-hoe/streetscan/internal/geo"
)

type listResponse struct {
	Data   []stubPayload `json:"data"`
	Paging struct {
		Cursors struct {
			After string `json:"after"`
		} `json:"cursors"`
		Next string `json:"next"`
	} `json:"paging"`
}

// AreaWalk is a single-pass cursor walk over the list endpoint for one bounding
// box. A failed page ends the walk early without an error reaching the range
// loop; Truncated and Err report it afterwards.
type AreaWalk struct {
	client    *Client
	ctx       context.Context
	bbox      geo.BBox
	used      bool
	pages     int
	yielded   int
	truncated bool
	err       error
}

// FetchArea validates the box and prepares a fresh walk. No request is made
// until the stubs are ranged over.
func (c *Client) FetchArea(ctx context.Context, bbox geo.BBox) (*AreaWalk, error) {
	if err := bbox.Validate(); err != nil {
		return nil, err
	}
	return &AreaWalk{client: c, ctx: ctx, bbox: bbox}, nil
}

// Stubs lazily yields every stub of the area, page by page. Ranging a second
// time yields nothing; call FetchArea again for a new walk.
func (w *AreaWalk) Stubs() iter.Seq[Stub] {
	return func(yield func(Stub) bool) {
		if w.used {
			return
		}
		w.used = true

		after := ""
		for {
			page, err := w.client.fetchPage(w.ctx, w.bbox, after)
			if err != nil {
				w.truncated = true
				w.err = err
				slog.Warn("area walk stopped early",
					"pages", w.pages, "stubs", w.yielded, "error", err)
				return
			}
			w.pages++

			for _, payload := range page.Data {
				stub, ok := payload.toStub()
				if !ok {
					slog.Warn("skipping stub without point geometry", "image_id", payload.ID)
					continue
				}
				w.yielded++
				if !yield(stub) {
					return
				}
			}

			// the last page still carries a cursor; only a next link means more pages
			next := page.Paging.Cursors.After
			if page.Paging.Next == "" || next == "" || next == after || len(page.Data) == 0 {
				slog.Debug("area walk complete", "pages", w.pages, "stubs", w.yielded)
				return
			}
			after = next
		}
	}
}

// Truncated reports whether a page request failed before the last page.
func (w *AreaWalk) Truncated() bool {
	return w.truncated
}

// Err returns the failure that truncated the walk, if any.
func (w *AreaWalk) Err() error {
	return w.err
}

// Pages returns the number of pages fetched successfully.
func (w *AreaWalk) Pages() int {
	return w.pages
}

func (c *Client) fetchPage(ctx context.Context, bbox geo.BBox, after string) (*listResponse, error) {
	query := url.Values{}
	query.Set("fields", "id,geometry")
	query.Set("bbox", bbox.QueryString())
	query.Set("per_page", strconv.Itoa(c.pageSize))
	if after != "" {
		query.Set("after", after)
	}

	body, err := c.get(ctx, c.endpoint("images", query), "image list")
	if err != nil {
		return nil, err
	}

	var page listResponse
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("%w: undecodable image list page: %v", ErrUpstreamUnavailable, err)
	}
	return &page, nil
}
