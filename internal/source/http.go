package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPSource fetches conversation listings and content from a remote
// JSON endpoint. List hits <base>/conversations, Fetch hits the ref's
// URL (or <base>/conversations/<id> when the ref carries none).
type HTTPSource struct {
	baseURL string
	token   string
	limit   int
	client  *http.Client
}

// Config for an HTTPSource. Proxy and TimeoutSec are optional.
type Config struct {
	BaseURL    string
	Token      string
	ListLimit  int
	TimeoutSec int
	Proxy      string
}

func NewHTTPSource(cfg Config) (*HTTPSource, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("source base url is required")
	}

	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}

	limit := cfg.ListLimit
	if limit <= 0 {
		limit = 50
	}

	return &HTTPSource{
		baseURL: base,
		token:   strings.TrimSpace(cfg.Token),
		limit:   limit,
		client:  client,
	}, nil
}

func (h *HTTPSource) List(ctx context.Context) ([]Ref, error) {
	endpoint := fmt.Sprintf("%s/conversations?limit=%d", h.baseURL, h.limit)
	body, err := h.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var refs []Ref
	if err := json.Unmarshal(body, &refs); err != nil {
		return nil, fmt.Errorf("%w: parse listing: %v", ErrUnavailable, err)
	}
	return refs, nil
}

func (h *HTTPSource) Fetch(ctx context.Context, ref Ref) (any, error) {
	endpoint := ref.URL
	if endpoint == "" {
		endpoint = h.baseURL + "/conversations/" + url.PathEscape(ref.ID)
	}
	body, err := h.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		// Non-JSON content still normalizes (opaque shape).
		return string(body), nil
	}
	return raw, nil
}

func (h *HTTPSource) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d from %s", ErrUnavailable, resp.StatusCode, endpoint)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	return body, nil
}
