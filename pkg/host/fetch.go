package host

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/veldtbot/veldt/pkg/types"
)

// HTTPFetcher is the production http:fetch collaborator: a plain GET with a
// response size cap. Only http and https URLs are fetchable; scripts cannot
// reach file or unix-socket schemes through it.
type HTTPFetcher struct {
	client   *http.Client
	maxBytes int64
}

// NewHTTPFetcher builds a fetcher with the given per-request timeout and
// response body cap.
func NewHTTPFetcher(timeout time.Duration, maxBytes int64) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return &HTTPFetcher{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
	}
}

// Fetch GETs rawURL and returns the status and body. Bodies past the cap are
// an error, not a truncation, so scripts never act on partial content.
func (f *HTTPFetcher) Fetch(ctx context.Context, tenant types.Tenant, rawURL string) (int, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, "", fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return 0, "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("X-Veldt-Tenant", tenant.String())

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return 0, "", fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(body)) > f.maxBytes {
		return 0, "", fmt.Errorf("response body exceeds %d bytes", f.maxBytes)
	}
	return resp.StatusCode, string(body), nil
}
