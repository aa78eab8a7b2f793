package imagery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	// DefaultPageSize is the page size requested from the list endpoint.
	DefaultPageSize = 1000
	defaultTimeout  = 30 * time.Second
	// maxBodyBytes bounds any single upstream response, thumbnails included.
	maxBodyBytes = 32 << 20
)

// ErrUpstreamUnavailable wraps every non-success answer from the imagery API.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// Client talks to a Graph-API shaped street imagery service. The access token
// is a static credential sent as a query parameter.
type Client struct {
	baseURL     *url.URL
	accessToken string
	pageSize    int
	httpClient  *http.Client
	cache       ThumbnailCache
	maxBody     int64
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

func WithPageSize(pageSize int) Option {
	return func(c *Client) {
		if pageSize > 0 {
			c.pageSize = pageSize
		}
	}
}

// WithThumbnailCache makes Enrich consult the cache before downloading a thumbnail.
func WithThumbnailCache(cache ThumbnailCache) Option {
	return func(c *Client) {
		c.cache = cache
	}
}

// NewClient creates a client for the API rooted at baseURL.
func NewClient(baseURL, accessToken string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid imagery base url %q: %w", baseURL, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid imagery base url %q: scheme and host required", baseURL)
	}

	client := &Client{
		baseURL:     parsed,
		accessToken: accessToken,
		pageSize:    DefaultPageSize,
		httpClient:  &http.Client{Timeout: defaultTimeout},
		maxBody:     maxBodyBytes,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// endpoint builds an authenticated API url. The token never leaves this
// function in logs or errors; callers report the path only.
func (c *Client) endpoint(path string, query url.Values) string {
	u := c.baseURL.JoinPath(path)
	if query == nil {
		query = url.Values{}
	}
	if c.accessToken != "" {
		query.Set("access_token", c.accessToken)
	}
	u.RawQuery = query.Encode()
	return u.String()
}

// get performs a GET and returns the body of a 2xx response.
func (c *Client) get(ctx context.Context, rawURL, label string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", label, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUpstreamUnavailable, label, redact(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// drain so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: %s returned status %d", ErrUpstreamUnavailable, label, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrUpstreamUnavailable, label, redact(err))
	}
	if int64(len(body)) > c.maxBody {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrUpstreamUnavailable, label, c.maxBody)
	}
	return body, nil
}

// redact strips the request url (which carries the token) from transport errors.
func redact(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}
