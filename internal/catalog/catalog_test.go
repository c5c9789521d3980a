package catalog

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kozaktomas/shelf-matcher/internal/config"
	"github.com/kozaktomas/shelf-matcher/internal/metrics"
)

func loadTestData(t *testing.T, filename string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", filename))
	if err != nil {
		t.Fatalf("failed to load test data %s: %v", filename, err)
	}
	return data
}

type mockCatalog struct {
	server   *httptest.Server
	searches atomic.Int32
	images   atomic.Int32
	lastURL  atomic.Value
}

func setupMockServer(t *testing.T, token string) *mockCatalog {
	t.Helper()
	searchData := loadTestData(t, "search_acme.json")
	m := &mockCatalog{}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/products/search", func(w http.ResponseWriter, r *http.Request) {
		m.searches.Add(1)
		m.lastURL.Store(r.URL.String())
		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(searchData)
	})
	mux.HandleFunc("/images/", func(w http.ResponseWriter, r *http.Request) {
		m.images.Add(1)
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("jpeg:" + r.URL.Path))
	})
	mux.HandleFunc("/api/broken/products/search", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"products": [`))
	})

	m.server = httptest.NewServer(mux)
	t.Cleanup(m.server.Close)
	return m
}

func newClient(t *testing.T, url, token string, ttl time.Duration, met *metrics.Metrics) *Client {
	t.Helper()
	c, err := New(config.CatalogConfig{URL: url, Token: token, CacheTTL: ttl}, met, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

func TestSearch(t *testing.T) {
	mock := setupMockServer(t, "secret")
	c := newClient(t, mock.server.URL+"/api/", "secret", 0, nil)

	entries, err := c.Search(context.Background(), Query{Brand: "Acme", Name: "Cola", Limit: 10})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}

	if len(entries) != 3 {
		t.Fatalf("expected 3 entries (duplicate key dropped), got %d", len(entries))
	}
	for i, e := range entries {
		if e.Rank != i+1 {
			t.Errorf("entry %s: expected rank %d, got %d", e.Key, i+1, e.Rank)
		}
	}
	if entries[0].Key != "acme-cola-12oz" || entries[0].Size != "12 fl oz" {
		t.Errorf("unexpected first entry: %+v", entries[0])
	}
	if entries[2].Flavor != "Cherry" || len(entries[2].Retailers) != 1 {
		t.Errorf("unexpected third entry: %+v", entries[2])
	}

	last := mock.lastURL.Load().(string)
	for _, want := range []string{"brand=Acme", "name=Cola", "limit=10"} {
		if !strings.Contains(last, want) {
			t.Errorf("request %s missing %s", last, want)
		}
	}
	if strings.Contains(last, "category=") {
		t.Errorf("empty category should be omitted: %s", last)
	}
}

func TestSearch_LimitCapped(t *testing.T) {
	mock := setupMockServer(t, "")
	c := newClient(t, mock.server.URL+"/api", "", 0, nil)

	if _, err := c.Search(context.Background(), Query{Brand: "Acme", Limit: 5000}); err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if last := mock.lastURL.Load().(string); !strings.Contains(last, "limit=100") {
		t.Errorf("expected limit capped at 100, got %s", last)
	}

	entries, err := c.Search(context.Background(), Query{Brand: "Acme", Limit: 2})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("expected 2 entries for limit 2, got %d", len(entries))
	}
}

func TestSearch_Unauthorized(t *testing.T) {
	mock := setupMockServer(t, "secret")
	c := newClient(t, mock.server.URL+"/api", "wrong", 0, nil)

	_, err := c.Search(context.Background(), Query{Brand: "Acme"})
	if err == nil || !strings.Contains(err.Error(), "status 401") {
		t.Fatalf("expected 401 error, got %v", err)
	}
}

func TestSearch_MalformedBody(t *testing.T) {
	mock := setupMockServer(t, "")
	met, err := metrics.New()
	if err != nil {
		t.Fatalf("metrics.New failed: %v", err)
	}
	c := newClient(t, mock.server.URL+"/api/broken", "", 0, met)

	if _, err := c.Search(context.Background(), Query{Brand: "Acme"}); err == nil {
		t.Fatal("expected decode error")
	}
	if got := testutil.ToFloat64(met.CatalogSearches.WithLabelValues(metrics.StatusError)); got != 1 {
		t.Errorf("expected 1 failed search recorded, got %v", got)
	}
}

func TestSearch_Cached(t *testing.T) {
	mock := setupMockServer(t, "")
	met, err := metrics.New()
	if err != nil {
		t.Fatalf("metrics.New failed: %v", err)
	}
	c := newClient(t, mock.server.URL+"/api", "", time.Minute, met)
	ctx := context.Background()

	first, err := c.Search(ctx, Query{Brand: "Acme", Name: "Cola"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	// same query after normalization
	second, err := c.Search(ctx, Query{Brand: " ACME ", Name: "cola"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if mock.searches.Load() != 1 {
		t.Errorf("expected 1 upstream search, got %d", mock.searches.Load())
	}
	if len(first) != len(second) {
		t.Errorf("cached result differs: %d vs %d", len(first), len(second))
	}

	// callers may not corrupt the cache
	second[0].Key = "mutated"
	third, _ := c.Search(ctx, Query{Brand: "Acme", Name: "Cola"})
	if third[0].Key != "acme-cola-12oz" {
		t.Errorf("cache was mutated through a returned slice")
	}

	if got := testutil.ToFloat64(met.CacheLookups.WithLabelValues("search", "hit")); got != 2 {
		t.Errorf("expected 2 cache hits, got %v", got)
	}
}

func TestFetchImage(t *testing.T) {
	mock := setupMockServer(t, "")
	c := newClient(t, mock.server.URL+"/api", "", time.Minute, nil)
	ctx := context.Background()

	data, err := c.FetchImage(ctx, "/images/acme-cola-12oz.jpg")
	if err != nil {
		t.Fatalf("FetchImage failed: %v", err)
	}
	if string(data) != "jpeg:/images/acme-cola-12oz.jpg" {
		t.Errorf("unexpected body %q", data)
	}

	if _, err := c.FetchImage(ctx, mock.server.URL+"/images/acme-cola-12oz.jpg"); err != nil {
		t.Fatalf("FetchImage absolute failed: %v", err)
	}
	if mock.images.Load() != 1 {
		t.Errorf("expected cached second fetch, got %d downloads", mock.images.Load())
	}

	if _, err := c.FetchImage(ctx, ""); err == nil {
		t.Error("expected error for empty URL")
	}
}

func TestNew_RequiresURL(t *testing.T) {
	if _, err := New(config.CatalogConfig{}, nil, nil); err != ErrNotConfigured {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
}

func TestImageLoader(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "crop.jpg"), []byte("crop-bytes"), 0600); err != nil {
		t.Fatal(err)
	}
	mock := setupMockServer(t, "")
	l := &ImageLoader{BaseDir: dir}
	ctx := context.Background()

	data, err := l.Load(ctx, "crop.jpg")
	if err != nil || string(data) != "crop-bytes" {
		t.Fatalf("relative load: %q, %v", data, err)
	}
	if _, err := l.Load(ctx, "file://"+filepath.Join(dir, "crop.jpg")); err != nil {
		t.Fatalf("file URL load failed: %v", err)
	}
	data, err = l.Load(ctx, mock.server.URL+"/images/crop.jpg")
	if err != nil || string(data) != "jpeg:/images/crop.jpg" {
		t.Fatalf("http load: %q, %v", data, err)
	}
	if _, err := l.Load(ctx, "missing.jpg"); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := l.Load(ctx, "  "); err == nil {
		t.Error("expected error for empty locator")
	}
}

func TestImageLoader_Confined(t *testing.T) {
	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.jpg")
	if err := os.WriteFile(secret, []byte("secret"), 0600); err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "shelf"), 0750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "shelf", "crop.jpg"), []byte("crop-bytes"), 0600); err != nil {
		t.Fatal(err)
	}
	if runtime.GOOS != "windows" {
		if err := os.Symlink(secret, filepath.Join(dir, "link.jpg")); err != nil {
			t.Fatal(err)
		}
	}

	l := &ImageLoader{BaseDir: dir, Confine: true}
	ctx := context.Background()

	data, err := l.Load(ctx, "shelf/crop.jpg")
	if err != nil || string(data) != "crop-bytes" {
		t.Fatalf("relative load: %q, %v", data, err)
	}

	rejected := []string{
		secret,
		"file://" + secret,
		"../" + filepath.Base(outside) + "/secret.jpg",
		"shelf/../../secret.jpg",
		"/etc/passwd",
	}
	for _, locator := range rejected {
		if _, err := l.Load(ctx, locator); !errors.Is(err, ErrCropNotAllowed) {
			t.Errorf("Load(%q): expected ErrCropNotAllowed, got %v", locator, err)
		}
	}
	if runtime.GOOS != "windows" {
		if data, err := l.Load(ctx, "link.jpg"); err == nil {
			t.Errorf("expected symlink out of the crop root to fail, read %q", data)
		}
	}

	noRoot := &ImageLoader{Confine: true}
	if _, err := noRoot.Load(ctx, "shelf/crop.jpg"); !errors.Is(err, ErrCropNotAllowed) {
		t.Errorf("expected ErrCropNotAllowed without a crop root, got %v", err)
	}
}

func TestImageLoader_ConfinedHosts(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/crop.jpg", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("remote-crop"))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	port := server.URL[strings.LastIndex(server.URL, ":")+1:]
	mux.HandleFunc("/hop", func(w http.ResponseWriter, r *http.Request) {
		// same server under a host name that is not allowed
		http.Redirect(w, r, "http://localhost:"+port+"/crop.jpg", http.StatusFound)
	})
	mux.HandleFunc("/stay", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/crop.jpg", http.StatusFound)
	})

	ctx := context.Background()
	l := &ImageLoader{Confine: true, AllowedHosts: []string{"127.0.0.1"}}

	data, err := l.Load(ctx, server.URL+"/crop.jpg")
	if err != nil || string(data) != "remote-crop" {
		t.Fatalf("allowed host load: %q, %v", data, err)
	}
	data, err = l.Load(ctx, server.URL+"/stay")
	if err != nil || string(data) != "remote-crop" {
		t.Fatalf("same-host redirect: %q, %v", data, err)
	}
	if _, err := l.Load(ctx, server.URL+"/hop"); !errors.Is(err, ErrCropNotAllowed) {
		t.Errorf("expected redirect off the allow-list to fail, got %v", err)
	}

	closed := &ImageLoader{Confine: true}
	if _, err := closed.Load(ctx, server.URL+"/crop.jpg"); !errors.Is(err, ErrCropNotAllowed) {
		t.Errorf("expected ErrCropNotAllowed with no allowed hosts, got %v", err)
	}
	if _, err := closed.Load(ctx, "http://169.254.169.254/latest/meta-data"); !errors.Is(err, ErrCropNotAllowed) {
		t.Errorf("expected metadata address to be rejected, got %v", err)
	}
}
