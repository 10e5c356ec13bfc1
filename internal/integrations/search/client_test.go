package search

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shipment-qna/internal/domain"
)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(srv.URL+"/", "shipments", "key-123",
		WithHTTPClient(&http.Client{Timeout: 2 * time.Second}),
	)
	require.NoError(t, err)
	return c
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient("", "idx", "k")
	require.ErrorContains(t, err, "endpoint")
	_, err = NewClient("https://x.search.windows.net", " ", "k")
	require.ErrorContains(t, err, "index")
	_, err = NewClient("https://x.search.windows.net", "idx", "")
	require.ErrorContains(t, err, "api key")
}

func TestSearchURL(t *testing.T) {
	c, err := NewClient("https://x.search.windows.net/", "shipments", "k", WithAPIVersion("2023-11-01"))
	require.NoError(t, err)
	require.Equal(t, "https://x.search.windows.net/indexes/shipments/docs/search?api-version=2023-11-01", c.searchURL())
}

func TestSearch_RequestShape(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/indexes/shipments/docs/search", r.URL.Path)
		require.Equal(t, defaultAPIVersion, r.URL.Query().Get("api-version"))
		require.Equal(t, "key-123", r.Header.Get("api-key"))
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"value":[]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Search(context.Background(), domain.SearchRequest{
		Text:              "containers at rotterdam",
		Vector:            []float32{0.5, 0.25},
		VectorK:           30,
		Filter:            "consignee_code_ids/any(c: search.in(c, '0001', ','))",
		Top:               10,
		Skip:              20,
		OrderBy:           "eta_dp_date asc",
		IncludeTotalCount: true,
		Facets:            []string{"shipment_status"},
	})
	require.NoError(t, err)

	require.Equal(t, "containers at rotterdam", body["search"])
	require.Equal(t, "consignee_code_ids/any(c: search.in(c, '0001', ','))", body["filter"])
	require.EqualValues(t, 10, body["top"])
	require.EqualValues(t, 20, body["skip"])
	require.Equal(t, "eta_dp_date asc", body["orderby"])
	require.Equal(t, true, body["count"])
	require.Equal(t, []any{"shipment_status,count:20"}, body["facets"])

	vqs, ok := body["vectorQueries"].([]any)
	require.True(t, ok)
	require.Len(t, vqs, 1)
	vq := vqs[0].(map[string]any)
	require.Equal(t, "vector", vq["kind"])
	require.Equal(t, "content_vector", vq["fields"])
	require.EqualValues(t, 30, vq["k"])
}

func TestSearch_TextOnlyWildcard(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = io.WriteString(w, `{"value":[]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Search(context.Background(), domain.SearchRequest{Top: 5})
	require.NoError(t, err)
	require.Equal(t, "*", body["search"])
	require.NotContains(t, body, "vectorQueries")
	require.NotContains(t, body, "count")
}

func TestSearch_ParsesHitsCountAndFacets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{
			"@odata.count": 42,
			"@search.facets": {"shipment_status": [{"value": "In Transit", "count": 30}, {"value": "Delivered", "count": 12}]},
			"value": [{
				"@search.score": 3.5,
				"document_id": "doc-1",
				"chunk": "container MSCU1234567 in transit",
				"content_vector": [0.1, 0.2],
				"container_number": "MSCU1234567",
				"po_numbers": ["PO1", "PO2"],
				"metadata_json": "{\"eta_dp_date\":\"2025-03-12\",\"discharge_port\":\"Rotterdam\"}"
			}]
		}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	res, err := c.Search(context.Background(), domain.SearchRequest{Text: "x", IncludeTotalCount: true})
	require.NoError(t, err)

	require.NotNil(t, res.Count)
	require.EqualValues(t, 42, *res.Count)
	require.Equal(t, []domain.FacetValue{{Value: "In Transit", Count: 30}, {Value: "Delivered", Count: 12}}, res.Facets["shipment_status"])

	require.Len(t, res.Hits, 1)
	h := res.Hits[0]
	require.Equal(t, "doc-1", h.ID)
	require.InDelta(t, 3.5, h.Score, 1e-9)
	require.Equal(t, "MSCU1234567", h.String("container_number"))
	require.Equal(t, "PO1, PO2", h.String("po_numbers"))
	require.Equal(t, "container MSCU1234567 in transit", h.String(ContentKey))
	require.NotContains(t, h.Fields, "content_vector")
	require.NotContains(t, h.Fields, "@search.score")
	require.Equal(t, "Rotterdam", h.String("discharge_port"))
	require.Equal(t, "2025-03-12", h.Metadata["eta_dp_date"])
}

func TestSearch_InlineMetadataObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"value":[{"document_id":"d","metadata_json":{"load_port":"Shanghai"}}]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	res, err := c.Search(context.Background(), domain.SearchRequest{})
	require.NoError(t, err)
	require.Equal(t, "Shanghai", res.Hits[0].String("load_port"))
	require.Nil(t, res.Count)
}

func TestSearch_BadRequestIsFilterRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"Invalid expression: Could not find a property named 'foo'"}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Search(context.Background(), domain.SearchRequest{Filter: "foo eq 1"})
	kind, ok := domain.FailureKindOf(err)
	require.True(t, ok)
	require.Equal(t, domain.FailureFilterRejected, kind)

	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Contains(t, statusErr.Body, "foo")
}

func TestSearch_ServerErrorIsNotFilterRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Search(context.Background(), domain.SearchRequest{})
	require.Error(t, err)
	_, ok := domain.FailureKindOf(err)
	require.False(t, ok)

	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusServiceUnavailable, statusErr.HTTPStatusCode())
}

func TestSearch_InvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"value":`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Search(context.Background(), domain.SearchRequest{})
	require.ErrorContains(t, err, "decode")
}
