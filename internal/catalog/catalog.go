// Package catalog is the client for the product catalog search API.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/kozaktomas/shelf-matcher/internal/config"
	"github.com/kozaktomas/shelf-matcher/internal/metrics"
	"github.com/kozaktomas/shelf-matcher/internal/prefilter"
	"github.com/kozaktomas/shelf-matcher/internal/product"
)

// MaxSearchLimit caps the number of results a single search may return.
const MaxSearchLimit = 100

// maxImageBytes bounds a downloaded reference image.
const maxImageBytes = 20 << 20

var ErrNotConfigured = errors.New("catalog URL is not configured")

// Query is a catalog search by extracted attributes. Empty fields are omitted.
type Query struct {
	Brand    string
	Name     string
	Category string
	Limit    int
}

func (q Query) cacheKey() string {
	return strings.Join([]string{
		prefilter.NormalizeText(q.Brand),
		prefilter.NormalizeText(q.Name),
		prefilter.NormalizeText(q.Category),
		strconv.Itoa(q.Limit),
	}, "|")
}

// searchResponse is the wire format of GET /products/search.
type searchResponse struct {
	Products []struct {
		Key       string   `json:"key"`
		Name      string   `json:"name"`
		Brand     string   `json:"brand"`
		Size      string   `json:"size"`
		Category  string   `json:"category"`
		Flavor    string   `json:"flavor"`
		ImageURL  string   `json:"image_url"`
		Retailers []string `json:"retailers"`
	} `json:"products"`
}

// Client talks to the catalog API. Search results and reference images are
// cached for the configured TTL.
type Client struct {
	parsedURL  *url.URL
	token      string
	httpClient *http.Client
	searches   *gocache.Cache
	images     *gocache.Cache
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// New creates a catalog client. A zero CacheTTL disables caching.
func New(cfg config.CatalogConfig, m *metrics.Metrics, logger *zap.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, ErrNotConfigured
	}
	parsed, err := url.Parse(strings.TrimSuffix(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid catalog URL: %w", err)
	}
	if logger == nil {
		logger = zap.L()
	}
	c := &Client{
		parsedURL:  parsed,
		token:      cfg.Token,
		httpClient: &http.Client{},
		metrics:    m,
		logger:     logger.Named("catalog"),
	}
	if cfg.CacheTTL > 0 {
		c.searches = gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL)
		c.images = gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL)
	}
	return c, nil
}

// resolveURL builds a full URL from the base URL, path segments and query.
func (c *Client) resolveURL(query url.Values, pathSegments ...string) string {
	u := c.parsedURL.JoinPath(pathSegments...)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// readErrorBody reads the response body for error messages.
// Returns empty string if reading fails (we're already in an error path).
func readErrorBody(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return "(could not read error body)"
	}
	return string(body)
}

func (c *Client) get(ctx context.Context, rawURL string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, readErrorBody(resp.Body))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("could not read response body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("response body exceeds %d bytes", limit)
	}
	return body, nil
}

// Search returns catalog entries in catalog order. Rank is the 1-based position.
// The limit is capped at MaxSearchLimit.
func (c *Client) Search(ctx context.Context, q Query) ([]product.CatalogEntry, error) {
	if q.Limit <= 0 || q.Limit > MaxSearchLimit {
		q.Limit = MaxSearchLimit
	}
	key := q.cacheKey()
	if c.searches != nil {
		cached, found := c.searches.Get(key)
		c.metrics.RecordCacheLookup("search", found)
		if found {
			return cloneEntries(cached.([]product.CatalogEntry)), nil
		}
	}

	entries, err := c.search(ctx, q)
	c.metrics.RecordSearch(err)
	if err != nil {
		return nil, err
	}
	if c.searches != nil {
		c.searches.SetDefault(key, entries)
	}
	return cloneEntries(entries), nil
}

func (c *Client) search(ctx context.Context, q Query) ([]product.CatalogEntry, error) {
	params := url.Values{}
	if q.Brand != "" {
		params.Set("brand", q.Brand)
	}
	if q.Name != "" {
		params.Set("name", q.Name)
	}
	if q.Category != "" {
		params.Set("category", q.Category)
	}
	params.Set("limit", strconv.Itoa(q.Limit))

	start := time.Now()
	body, err := c.get(ctx, c.resolveURL(params, "products", "search"), 10<<20)
	if err != nil {
		return nil, fmt.Errorf("catalog search: %w", err)
	}

	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("catalog search: could not unmarshal response: %w", err)
	}

	entries := make([]product.CatalogEntry, 0, min(len(resp.Products), q.Limit))
	seen := make(map[string]bool, len(resp.Products))
	for _, p := range resp.Products {
		if len(entries) == q.Limit {
			break
		}
		if p.Key == "" || seen[p.Key] {
			continue
		}
		seen[p.Key] = true
		entries = append(entries, product.CatalogEntry{
			Key:       p.Key,
			Name:      p.Name,
			Brand:     p.Brand,
			Size:      p.Size,
			Category:  p.Category,
			Flavor:    p.Flavor,
			ImageURL:  p.ImageURL,
			Retailers: p.Retailers,
			Rank:      len(entries) + 1,
		})
	}

	c.logger.Debug("catalog search",
		zap.String("brand", q.Brand),
		zap.String("name", q.Name),
		zap.Int("results", len(entries)),
		zap.Duration("took", time.Since(start)),
	)
	return entries, nil
}

// FetchImage downloads a reference image. Relative URLs resolve against the
// catalog base URL.
func (c *Client) FetchImage(ctx context.Context, imageURL string) ([]byte, error) {
	if imageURL == "" {
		return nil, errors.New("reference image URL is empty")
	}
	target, err := c.parsedURL.Parse(imageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid image URL %q: %w", imageURL, err)
	}
	key := target.String()

	if c.images != nil {
		cached, found := c.images.Get(key)
		c.metrics.RecordCacheLookup("image", found)
		if found {
			return cached.([]byte), nil
		}
	}

	data, err := c.get(ctx, key, maxImageBytes)
	if err != nil {
		return nil, fmt.Errorf("fetch image %s: %w", key, err)
	}
	if c.images != nil {
		c.images.SetDefault(key, data)
	}
	return data, nil
}

func cloneEntries(entries []product.CatalogEntry) []product.CatalogEntry {
	out := make([]product.CatalogEntry, len(entries))
	copy(out, entries)
	return out
}
