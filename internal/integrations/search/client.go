// Package search is a minimal Azure AI Search REST client for the shipment index.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"shipment-qna/internal/domain"
)

const (
	defaultAPIVersion   = "2024-07-01"
	defaultIDField      = "document_id"
	defaultContentField = "chunk"
	defaultVectorField  = "content_vector"
	metadataField       = "metadata_json"
	facetBucketCount    = 20

	// ContentKey is where a hit keeps the index's text chunk, whatever the
	// index calls that field.
	ContentKey = "content"
)

type vectorQuery struct {
	Kind   string    `json:"kind"`
	Vector []float32 `json:"vector"`
	Fields string    `json:"fields"`
	K      int       `json:"k"`
}

type searchRequest struct {
	Search        string        `json:"search"`
	Filter        string        `json:"filter,omitempty"`
	Top           int           `json:"top,omitempty"`
	Skip          int           `json:"skip,omitempty"`
	OrderBy       string        `json:"orderby,omitempty"`
	Count         bool          `json:"count,omitempty"`
	Facets        []string      `json:"facets,omitempty"`
	VectorQueries []vectorQuery `json:"vectorQueries,omitempty"`
}

type facetBucket struct {
	Value any   `json:"value"`
	Count int64 `json:"count"`
}

type searchResponse struct {
	Count  *int64                   `json:"@odata.count"`
	Facets map[string][]facetBucket `json:"@search.facets"`
	Value  []map[string]any         `json:"value"`
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("search: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

type Client struct {
	endpoint     string
	index        string
	apiKey       string
	apiVersion   string
	idField      string
	contentField string
	vectorField  string
	httpClient   *http.Client
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithAPIVersion(v string) Option {
	return func(c *Client) {
		if v = strings.TrimSpace(v); v != "" {
			c.apiVersion = v
		}
	}
}

// WithFields overrides the index's id, content and vector field names. Empty
// values keep the defaults.
func WithFields(id, content, vector string) Option {
	return func(c *Client) {
		if id = strings.TrimSpace(id); id != "" {
			c.idField = id
		}
		if content = strings.TrimSpace(content); content != "" {
			c.contentField = content
		}
		if vector = strings.TrimSpace(vector); vector != "" {
			c.vectorField = vector
		}
	}
}

func NewClient(endpoint, index, apiKey string, opts ...Option) (*Client, error) {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return nil, errors.New("search: endpoint must not be empty")
	}
	index = strings.TrimSpace(index)
	if index == "" {
		return nil, errors.New("search: index name must not be empty")
	}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("search: api key must not be empty")
	}
	c := &Client{
		endpoint:     endpoint,
		index:        index,
		apiKey:       apiKey,
		apiVersion:   defaultAPIVersion,
		idField:      defaultIDField,
		contentField: defaultContentField,
		vectorField:  defaultVectorField,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) searchURL() string {
	return fmt.Sprintf("%s/indexes/%s/docs/search?api-version=%s",
		c.endpoint, url.PathEscape(c.index), url.QueryEscape(c.apiVersion))
}

// Search runs one hybrid query. A 400 from the engine comes back as a
// filter_rejected failure; the caller decides whether to retry without the
// plan filter.
func (c *Client) Search(ctx context.Context, req domain.SearchRequest) (domain.SearchResult, error) {
	body := searchRequest{
		Search:  strings.TrimSpace(req.Text),
		Filter:  req.Filter,
		Top:     req.Top,
		Skip:    req.Skip,
		OrderBy: req.OrderBy,
		Count:   req.IncludeTotalCount,
	}
	if body.Search == "" {
		body.Search = "*"
	}
	for _, f := range req.Facets {
		body.Facets = append(body.Facets, fmt.Sprintf("%s,count:%d", f, facetBucketCount))
	}
	if len(req.Vector) > 0 && req.VectorK > 0 {
		body.VectorQueries = []vectorQuery{{Kind: "vector", Vector: req.Vector, Fields: c.vectorField, K: req.VectorK}}
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return domain.SearchResult{}, fmt.Errorf("search: marshal request: %w", err)
	}
	u := c.searchURL()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(raw))
	if err != nil {
		return domain.SearchResult{}, fmt.Errorf("search: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("api-key", c.apiKey)

	buf, err := c.doJSONRequest(httpReq, u)
	if err != nil {
		var statusErr *HTTPStatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusBadRequest {
			return domain.SearchResult{}, domain.NewFailure(domain.FailureFilterRejected, "search engine rejected the query", statusErr)
		}
		return domain.SearchResult{}, fmt.Errorf("search: request failed: %w", err)
	}

	var payload searchResponse
	if err := json.Unmarshal(buf, &payload); err != nil {
		return domain.SearchResult{}, fmt.Errorf("search: decode response: %w", err)
	}
	return c.toResult(payload), nil
}

func (c *Client) toResult(p searchResponse) domain.SearchResult {
	out := domain.SearchResult{Count: p.Count, Hits: make([]domain.SearchHit, 0, len(p.Value))}
	for _, doc := range p.Value {
		out.Hits = append(out.Hits, c.toHit(doc))
	}
	if len(p.Facets) > 0 {
		out.Facets = make(map[string][]domain.FacetValue, len(p.Facets))
		for field, buckets := range p.Facets {
			vals := make([]domain.FacetValue, 0, len(buckets))
			for _, b := range buckets {
				vals = append(vals, domain.FacetValue{Value: domain.Stringify(b.Value), Count: b.Count})
			}
			out.Facets[field] = vals
		}
	}
	return out
}

func (c *Client) toHit(doc map[string]any) domain.SearchHit {
	hit := domain.SearchHit{Fields: map[string]any{}}
	if s, ok := doc["@search.score"].(float64); ok {
		hit.Score = s
	}
	hit.ID = domain.Stringify(doc[c.idField])
	for k, v := range doc {
		switch {
		case strings.HasPrefix(k, "@search."), k == c.vectorField, k == c.idField:
		case k == metadataField:
			hit.Metadata = decodeMetadata(v)
		case k == c.contentField:
			hit.Fields[ContentKey] = v
		default:
			hit.Fields[k] = v
		}
	}
	return hit
}

// decodeMetadata accepts the side-blob as a JSON string or an inline object.
func decodeMetadata(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return t
	case string:
		if strings.TrimSpace(t) == "" {
			return nil
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(t), &m); err != nil {
			return nil
		}
		return m
	}
	return nil
}

func (c *Client) doJSONRequest(req *http.Request, u string) ([]byte, error) {
	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{StatusCode: res.StatusCode, URL: u, Body: string(buf)}
	}
	buf, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 15 * time.Second}
}
