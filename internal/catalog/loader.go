package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// ErrCropNotAllowed is returned for crop locators outside the loader's
// crop root or host allow-list.
var ErrCropNotAllowed = errors.New("crop locator not allowed")

const maxCropRedirects = 10

// ImageLoader reads detection crops from disk or over HTTP.
type ImageLoader struct {
	// BaseDir resolves relative file paths. Empty means the working directory.
	BaseDir string
	// Confine limits files to relative paths inside BaseDir and URLs to
	// AllowedHosts. Locators from untrusted callers need it.
	Confine      bool
	AllowedHosts []string
	HTTPClient   *http.Client
}

// Load returns the bytes of the crop at locator, an http(s) URL or a file path.
func (l *ImageLoader) Load(ctx context.Context, locator string) ([]byte, error) {
	locator = strings.TrimSpace(locator)
	if locator == "" {
		return nil, errors.New("crop locator is empty")
	}
	if strings.HasPrefix(locator, "http://") || strings.HasPrefix(locator, "https://") {
		return l.loadURL(ctx, locator)
	}

	path := strings.TrimPrefix(locator, "file://")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		data []byte
		err  error
	)
	if l.Confine {
		data, err = l.readConfined(path)
	} else {
		if !filepath.IsAbs(path) && l.BaseDir != "" {
			path = filepath.Join(l.BaseDir, path)
		}
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read crop: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("crop %s is empty", path)
	}
	return data, nil
}

// readConfined reads path through an os.Root so symlinks cannot leave BaseDir.
func (l *ImageLoader) readConfined(path string) ([]byte, error) {
	if l.BaseDir == "" {
		return nil, fmt.Errorf("%w: no crop root configured", ErrCropNotAllowed)
	}
	if !filepath.IsLocal(path) {
		return nil, fmt.Errorf("%w: %q is not inside the crop root", ErrCropNotAllowed, path)
	}
	root, err := os.OpenRoot(l.BaseDir)
	if err != nil {
		return nil, err
	}
	defer root.Close()
	return root.ReadFile(path)
}

func (l *ImageLoader) hostAllowed(u *url.URL) bool {
	for _, h := range l.AllowedHosts {
		if strings.EqualFold(h, u.Hostname()) || strings.EqualFold(h, u.Host) {
			return true
		}
	}
	return false
}

func (l *ImageLoader) client() *http.Client {
	client := l.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	if !l.Confine {
		return client
	}
	confined := *client
	confined.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxCropRedirects {
			return fmt.Errorf("stopped after %d redirects", maxCropRedirects)
		}
		if !l.hostAllowed(req.URL) {
			return fmt.Errorf("%w: redirect to host %q", ErrCropNotAllowed, req.URL.Host)
		}
		return nil
	}
	return &confined
}

func (l *ImageLoader) loadURL(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	if l.Confine && !l.hostAllowed(req.URL) {
		return nil, fmt.Errorf("%w: host %q", ErrCropNotAllowed, req.URL.Host)
	}
	resp, err := l.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("crop download failed with status %d: %s", resp.StatusCode, readErrorBody(resp.Body))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("could not read response body: %w", err)
	}
	if len(data) > maxImageBytes {
		return nil, fmt.Errorf("crop exceeds %d bytes", maxImageBytes)
	}
	return data, nil
}
