package retrieve

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shipment-qna/internal/domain"
)

type fakeSearch struct {
	reqs []domain.SearchRequest
	outs []domain.SearchResult
	errs []error
}

func (f *fakeSearch) Search(_ context.Context, req domain.SearchRequest) (domain.SearchResult, error) {
	i := len(f.reqs)
	f.reqs = append(f.reqs, req)
	var out domain.SearchResult
	var err error
	if i < len(f.outs) {
		out = f.outs[i]
	}
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return out, err
}

type fakeEmbed struct {
	vec   []float32
	err   error
	calls int
}

func (f *fakeEmbed) Embed(context.Context, string) ([]float32, error) {
	f.calls++
	return f.vec, f.err
}

func ptr[T any](v T) *T { return &v }

func hit(id string, fields map[string]any) domain.SearchHit {
	return domain.SearchHit{ID: id, Fields: fields}
}

func TestNew_NilSearcher(t *testing.T) {
	_, err := New(nil, nil, "", nil)
	require.Error(t, err)
}

func TestRetrieve_EmptyScopeIssuesNoQuery(t *testing.T) {
	s := &fakeSearch{}
	e := &fakeEmbed{vec: []float32{1}}
	r, err := New(s, e, "", nil)
	require.NoError(t, err)

	res := r.Retrieve(context.Background(), Input{Plan: domain.RetrievalPlan{Query: "eta", TopK: 10, VectorK: 30}, Scope: []string{" ", ""}})
	require.Empty(t, s.reqs)
	require.Zero(t, e.calls)
	require.Empty(t, res.Hits)
	require.Len(t, res.Failures, 1)
	require.Equal(t, domain.FailureAuthorization, res.Failures[0].Kind)
}

func TestRetrieve_ConjoinsScopeAndHybrid(t *testing.T) {
	s := &fakeSearch{outs: []domain.SearchResult{{Hits: []domain.SearchHit{hit("1", map[string]any{"container_number": "ABCD1234567"})}}}}
	e := &fakeEmbed{vec: []float32{0.1, 0.2}}
	r, err := New(s, e, "", nil)
	require.NoError(t, err)

	res := r.Retrieve(context.Background(), Input{
		Plan:  domain.RetrievalPlan{Query: "ABCD1234567 eta", TopK: 10, VectorK: 30, Filter: "container_number eq 'ABCD1234567'"},
		Scope: []string{"7", "7", "9"},
	})
	require.Len(t, s.reqs, 1)
	req := s.reqs[0]
	require.Equal(t, "(consignee_code_ids/any(t: search.in(t, '7,9', ','))) and (container_number eq 'ABCD1234567')", req.Filter)
	require.Equal(t, []float32{0.1, 0.2}, req.Vector)
	require.Equal(t, 30, req.VectorK)
	require.Len(t, res.Hits, 1)
	require.Empty(t, res.Failures)
	require.Equal(t, int64(1), res.Aggregates.Count)
	require.False(t, res.Aggregates.Exact)
}

func TestRetrieve_EmbeddingFailureFallsBackToText(t *testing.T) {
	s := &fakeSearch{outs: []domain.SearchResult{{}}}
	e := &fakeEmbed{err: errors.New("embedding down")}
	r, err := New(s, e, "scope", nil)
	require.NoError(t, err)

	res := r.Retrieve(context.Background(), Input{Plan: domain.RetrievalPlan{Query: "eta", TopK: 10, VectorK: 30}, Scope: []string{"1"}})
	require.Len(t, s.reqs, 1)
	require.Nil(t, s.reqs[0].Vector)
	require.Zero(t, s.reqs[0].VectorK)
	require.Equal(t, "scope/any(t: search.in(t, '1', ','))", s.reqs[0].Filter)
	require.Len(t, res.Failures, 1)
	require.Equal(t, domain.FailureTransient, res.Failures[0].Kind)
	require.Contains(t, res.Notices, NoticeTextOnly)
}

func TestRetrieve_WildcardQuerySkipsEmbedding(t *testing.T) {
	s := &fakeSearch{outs: []domain.SearchResult{{Count: ptr(int64(42))}}}
	e := &fakeEmbed{vec: []float32{1}}
	r, err := New(s, e, "", nil)
	require.NoError(t, err)

	res := r.Retrieve(context.Background(), Input{Plan: domain.RetrievalPlan{Query: "*", TopK: 50, VectorK: 30, IncludeTotalCount: true}, Scope: []string{"1"}})
	require.Zero(t, e.calls)
	require.True(t, s.reqs[0].IncludeTotalCount)
	require.Equal(t, int64(42), res.Aggregates.Count)
	require.True(t, res.Aggregates.Exact)
}

func TestRetrieve_FilterRejectedRetriesWithScopeOnly(t *testing.T) {
	rejected := domain.NewFailure(domain.FailureFilterRejected, "400", nil)
	s := &fakeSearch{
		errs: []error{rejected, nil},
		outs: []domain.SearchResult{{}, {Hits: []domain.SearchHit{hit("1", nil)}}},
	}
	r, err := New(s, nil, "", nil)
	require.NoError(t, err)

	res := r.Retrieve(context.Background(), Input{Plan: domain.RetrievalPlan{Query: "x", TopK: 10, Filter: "shipment_status eq 'x'"}, Scope: []string{"1"}})
	require.Len(t, s.reqs, 2)
	require.Equal(t, "consignee_code_ids/any(t: search.in(t, '1', ','))", s.reqs[1].Filter)
	require.Equal(t, s.reqs[1].Filter, res.Filter)
	require.Len(t, res.Hits, 1)
	require.Len(t, res.Failures, 1)
	require.Equal(t, domain.FailureFilterRejected, res.Failures[0].Kind)
	require.Contains(t, res.Notices, NoticeFilterRelaxed)
}

func TestRetrieve_SearchFailureIsTransient(t *testing.T) {
	s := &fakeSearch{errs: []error{errors.New("timeout")}}
	r, err := New(s, nil, "", nil)
	require.NoError(t, err)

	res := r.Retrieve(context.Background(), Input{Plan: domain.RetrievalPlan{Query: "x", TopK: 10}, Scope: []string{"1"}})
	require.Len(t, s.reqs, 1)
	require.Empty(t, res.Hits)
	require.Len(t, res.Failures, 1)
	require.Equal(t, domain.FailureTransient, res.Failures[0].Kind)
}

func TestRetrieve_PostFilterWindowAndDelay(t *testing.T) {
	now := time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)
	win := &domain.DateWindow{
		Field:     "eta_dp_date",
		Fallbacks: []string{"optimal_ata_dp_date"},
		Days:      5,
		Direction: domain.WindowNext,
		Start:     time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
		End:       now.AddDate(0, 0, 5),
	}
	s := &fakeSearch{outs: []domain.SearchResult{{
		Count: ptr(int64(4)),
		Hits: []domain.SearchHit{
			hit("in", map[string]any{"eta_dp_date": "2025-03-12", "dp_delayed_dur": 6.0, "shipment_status": "In Transit"}),
			{ID: "meta", Metadata: map[string]any{"optimal_ata_dp_date": "2025-03-10T00:00:00", "dp_delayed_dur": "9", "shipment_status": "Arrived"}},
			hit("late", map[string]any{"eta_dp_date": "2025-03-20", "dp_delayed_dur": 10.0}),
			hit("nodelay", map[string]any{"eta_dp_date": "2025-03-11"}),
		},
	}}}
	r, err := New(s, nil, "", nil)
	require.NoError(t, err)

	res := r.Retrieve(context.Background(), Input{
		Plan: domain.RetrievalPlan{
			Query: "*", TopK: 50, IncludeTotalCount: true, Facets: []string{"shipment_status"},
			PostFilter: &domain.PostFilter{DateWindow: win, Delay: &domain.DelayThreshold{Field: "dp_delayed_dur", Op: domain.OpGreater, Days: 5}},
		},
		Scope: []string{"1"},
	})
	ids := make([]string, 0, len(res.Hits))
	for _, h := range res.Hits {
		ids = append(ids, h.ID)
	}
	require.Equal(t, []string{"in", "meta"}, ids)
	require.Equal(t, "Arrived", res.Hits[1].Fields["shipment_status"])
	require.Equal(t, int64(2), res.Aggregates.Count)
	require.True(t, res.Aggregates.Exact)
	require.Equal(t, []domain.FacetValue{{Value: "Arrived", Count: 1}, {Value: "In Transit", Count: 1}}, res.Aggregates.Facets["shipment_status"])
}

func TestHydrate_KeepsPromotedValues(t *testing.T) {
	h := Hydrate(domain.SearchHit{
		Fields:   map[string]any{"shipment_status": "Delivered"},
		Metadata: map[string]any{"shipment_status": "Arrived", "discharge_port": "LONG BEACH", "custom": "x"},
	}, "custom")
	require.Equal(t, "Delivered", h.Fields["shipment_status"])
	require.Equal(t, "LONG BEACH", h.Fields["discharge_port"])
	require.Equal(t, "x", h.Fields["custom"])
}
