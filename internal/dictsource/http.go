package dictsource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"clinicalcore/internal/changeanalysis"
	"clinicalcore/internal/observability"
	"clinicalcore/pkg/dictionary"
)

const maxResponseBytes = 64 << 20

// HTTP talks to a dictionary service exposing
// GET /dictionaries?name=&version= and GET /diff?name=&left=&right=.
type HTTP struct {
	base   *url.URL
	client *http.Client
	logger observability.Logger
}

// HTTPOption configures an HTTP source.
type HTTPOption func(*HTTP)

// WithHTTPClient replaces the default client (30s timeout).
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTP) {
		if c != nil {
			h.client = c
		}
	}
}

// WithLogger sets the logger used for request tracing.
func WithLogger(l observability.Logger) HTTPOption {
	return func(h *HTTP) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHTTP builds a source rooted at baseURL.
func NewHTTP(baseURL string, opts ...HTTPOption) (*HTTP, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse dictionary url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("dictionary url %q: scheme must be http or https", baseURL)
	}
	h := &HTTP{base: u, client: &http.Client{Timeout: 30 * time.Second}, logger: observability.NopLogger()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// FetchDictionary returns the named version. The service answers with a list
// of matching dictionaries; a bare object is accepted too.
func (h *HTTP) FetchDictionary(ctx context.Context, name, version string) (dictionary.SchemaDictionary, error) {
	body, err := h.get(ctx, "dictionaries", url.Values{"name": {name}, "version": {version}})
	if err != nil {
		return dictionary.SchemaDictionary{}, fmt.Errorf("fetch dictionary %s@%s: %w", name, version, err)
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []dictionary.SchemaDictionary
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return dictionary.SchemaDictionary{}, fmt.Errorf("decode dictionary %s@%s: %w", name, version, err)
		}
		for _, d := range list {
			if d.Version == version {
				return d, nil
			}
		}
		return dictionary.SchemaDictionary{}, fmt.Errorf("dictionary %s@%s: %w", name, version, ErrDictionaryNotFound)
	}
	var dict dictionary.SchemaDictionary
	if err := json.Unmarshal(trimmed, &dict); err != nil {
		return dictionary.SchemaDictionary{}, fmt.Errorf("decode dictionary %s@%s: %w", name, version, err)
	}
	return dict, nil
}

// FetchDiff returns the diff tree between two versions.
func (h *HTTP) FetchDiff(ctx context.Context, name, fromVersion, toVersion string) (changeanalysis.Diffs, error) {
	body, err := h.get(ctx, "diff", url.Values{"name": {name}, "left": {fromVersion}, "right": {toVersion}})
	if err != nil {
		return nil, fmt.Errorf("fetch diff %s %s..%s: %w", name, fromVersion, toVersion, err)
	}
	var diffs changeanalysis.Diffs
	if err := json.Unmarshal(body, &diffs); err != nil {
		return nil, fmt.Errorf("decode diff %s %s..%s: %w", name, fromVersion, toVersion, err)
	}
	return diffs, nil
}

func (h *HTTP) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := h.base.JoinPath(path)
	u.RawQuery = query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	h.logger.Debug("dictionary service request", "url", u.String(), "status", resp.StatusCode, "elapsed", time.Since(start))
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrDictionaryNotFound
	case resp.StatusCode >= 300:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("dictionary service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
}
