// Package bing implements the tile fetch and placeholder-check ports
// against the Bing Maps aerial tile service.
package bing

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"aerial-imagery/internal/mosaic"
)

const (
	// DefaultBaseURL is the aerial ("a") view of the Bing tile service.
	// {quadkey} is replaced by the tile's quadkey.
	DefaultBaseURL = "http://h0.ortho.tiles.virtualearth.net/tiles/a{quadkey}.jpeg?g=131"

	// PlaceholderQuadKey is a reserved quadkey with no imagery; the
	// service answers it with its canonical "no imagery" tile, which is
	// used as the comparison sentinel.
	PlaceholderQuadKey = "11111111111111111111"

	DefaultUserAgent = "aerial-imagery/1.0"
	DefaultTimeout   = 30 * time.Second

	// DefaultCacheSize is how many raw tiles are kept in the in-process
	// LRU. Tiles are never persisted across runs.
	DefaultCacheSize = 512
)

// Config configures a Client. Zero values pick the defaults above.
type Config struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration

	// CacheSize is the LRU capacity in tiles; negative disables caching.
	CacheSize int
}

// Client fetches quadkey-addressed tiles over HTTP. It implements
// mosaic.TileFetcher and mosaic.PlaceholderChecker.
type Client struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string

	cache *lru.Cache[string, []byte]

	sentinelOnce sync.Once
	sentinelSum  [sha256.Size]byte
	sentinelErr  error
}

// NewClient returns a tile client for the configured service.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if !strings.Contains(cfg.BaseURL, "{quadkey}") {
		return nil, fmt.Errorf("base URL %q must contain a {quadkey} placeholder", cfg.BaseURL)
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	c := &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
			},
		},
		baseURL:   cfg.BaseURL,
		userAgent: cfg.UserAgent,
	}

	if cfg.CacheSize == 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.CacheSize > 0 {
		cache, err := lru.New[string, []byte](cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("tile cache: %w", err)
		}
		c.cache = cache
	}

	return c, nil
}

// URL returns the request URL for a quadkey.
func (c *Client) URL(quadKey string) string {
	return strings.ReplaceAll(c.baseURL, "{quadkey}", quadKey)
}

// FetchTile downloads and decodes the tile identified by quadKey.
func (c *Client) FetchTile(ctx context.Context, quadKey string) (*mosaic.Tile, error) {
	data, err := c.fetchRaw(ctx, quadKey)
	if err != nil {
		return nil, err
	}

	img, err := decodeImage(data)
	if err != nil {
		return nil, fmt.Errorf("decode tile %s: %w", quadKey, err)
	}

	return &mosaic.Tile{Image: img, Data: data}, nil
}

// IsPlaceholder reports whether the tile's bytes equal the sentinel "no
// imagery" tile. The sentinel is fetched once per process on first use.
func (c *Client) IsPlaceholder(ctx context.Context, t *mosaic.Tile) (bool, error) {
	if err := c.EnsureSentinel(ctx); err != nil {
		return false, err
	}
	return sha256.Sum256(t.Data) == c.sentinelSum, nil
}

// EnsureSentinel loads the placeholder sentinel tile if it has not been
// loaded yet. Concurrent first calls are collapsed into one fetch; the
// loaded digest is immutable afterwards.
func (c *Client) EnsureSentinel(ctx context.Context) error {
	c.sentinelOnce.Do(func() {
		data, err := c.fetchRaw(ctx, PlaceholderQuadKey)
		if err != nil {
			c.sentinelErr = fmt.Errorf("fetch placeholder sentinel: %w", err)
			return
		}
		c.sentinelSum = sha256.Sum256(data)
	})
	return c.sentinelErr
}

func (c *Client) fetchRaw(ctx context.Context, quadKey string) ([]byte, error) {
	if c.cache != nil {
		if data, ok := c.cache.Get(quadKey); ok {
			return data, nil
		}
	}

	url := c.URL(quadKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: HTTP %d %s", url, resp.StatusCode, resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		c.cache.Add(quadKey, data)
	}
	return data, nil
}

var (
	pngMagic  = []byte{0x89, 0x50, 0x4E, 0x47}
	jpegMagic = []byte{0xFF, 0xD8}
)

// decodeImage sniffs the payload and decodes JPEG or PNG tiles.
func decodeImage(data []byte) (image.Image, error) {
	switch {
	case len(data) >= 4 && bytes.Equal(data[:4], pngMagic):
		return png.Decode(bytes.NewReader(data))
	case len(data) >= 2 && bytes.Equal(data[:2], jpegMagic):
		return jpeg.Decode(bytes.NewReader(data))
	}
	return nil, fmt.Errorf("unrecognized image format")
}
