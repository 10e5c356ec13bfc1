package retrieve

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"

	"github.com/samber/lo"

	"shipment-qna/internal/domain"
	"shipment-qna/internal/scope"
)

const (
	defaultScopeField = "consignee_code_ids"

	NoticeTextOnly       = "Semantic search was unavailable, so results are based on keyword matching only."
	NoticeFilterRelaxed  = "Some search filters could not be applied, so results were broadened within your authorized scope."
	NoticeSearchDegraded = "The search service is temporarily unavailable."
)

// HydratedFields are copied from the metadata side-map when the index did not
// promote them to the top level.
var HydratedFields = []string{
	"container_number", "shipment_status", "po_numbers", "booking_numbers", "obl_nos",
	"discharge_port", "final_destination", "hot_container_flag",
	"eta_dp_date", "ata_dp_date", "optimal_ata_dp_date", "eta_fd_date", "optimal_eta_fd_date",
	"delayed_dp", "dp_delayed_dur", "delayed_fd", "fd_delayed_dur", "empty_container_return_date",
}

type Searcher interface {
	Search(ctx context.Context, req domain.SearchRequest) (domain.SearchResult, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Input struct {
	Plan  domain.RetrievalPlan
	Scope []string
}

type Result struct {
	Hits       []domain.SearchHit
	Aggregates domain.Aggregates
	// Filter is the predicate actually sent, empty when nothing was queried.
	Filter   string
	Notices  []string
	Failures []*domain.Failure
}

type Retriever struct {
	search     Searcher
	embed      Embedder
	scopeField string
	logger     *slog.Logger
}

// New builds a Retriever. embed may be nil, in which case every search is
// text-only.
func New(search Searcher, embed Embedder, scopeField string, logger *slog.Logger) (*Retriever, error) {
	if search == nil {
		return nil, errors.New("retrieve: searcher must not be nil")
	}
	scopeField = strings.TrimSpace(scopeField)
	if scopeField == "" {
		scopeField = defaultScopeField
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{search: search, embed: embed, scopeField: scopeField, logger: logger}, nil
}

func (r *Retriever) Retrieve(ctx context.Context, in Input) Result {
	codes := scope.NormalizeCodes(in.Scope...)
	if len(codes) == 0 {
		r.logger.Warn("retrieve: empty authorized scope, skipping search")
		return Result{Failures: []*domain.Failure{
			domain.NewFailure(domain.FailureAuthorization, "empty authorized scope, no search issued", nil),
		}}
	}

	pl := in.Plan
	res := Result{}
	auth := scope.Filter(r.scopeField, codes)
	req := domain.SearchRequest{
		Text:              pl.Query,
		Filter:            scope.Conjoin(auth, pl.Filter),
		Top:               pl.TopK,
		Skip:              pl.Skip,
		OrderBy:           pl.OrderBy,
		IncludeTotalCount: pl.IncludeTotalCount,
		Facets:            pl.Facets,
	}
	if req.Text == "" {
		req.Text = "*"
	}

	if r.embed != nil && pl.VectorK > 0 && req.Text != "*" {
		vec, err := r.embed.Embed(ctx, pl.Query)
		if err != nil {
			r.logger.Warn("retrieve: embedding failed, falling back to text search", "err", err)
			res.Failures = append(res.Failures, domain.NewFailure(domain.FailureTransient, "query embedding failed", err))
			res.Notices = append(res.Notices, NoticeTextOnly)
		} else {
			req.Vector = vec
			req.VectorK = pl.VectorK
		}
	}

	out, err := r.search.Search(ctx, req)
	if err != nil {
		kind, _ := domain.FailureKindOf(err)
		if kind == domain.FailureFilterRejected && strings.TrimSpace(pl.Filter) != "" {
			r.logger.Warn("retrieve: filter rejected, retrying with authorization filter only", "filter", pl.Filter, "err", err)
			res.Failures = append(res.Failures, domain.NewFailure(domain.FailureFilterRejected, "plan filter rejected by search engine", err))
			res.Notices = append(res.Notices, NoticeFilterRelaxed)
			req.Filter = auth
			out, err = r.search.Search(ctx, req)
		}
	}
	res.Filter = req.Filter
	if err != nil {
		r.logger.Error("retrieve: search failed", "err", err)
		res.Failures = append(res.Failures, domain.NewFailure(domain.FailureTransient, "search failed", err))
		res.Notices = append(res.Notices, NoticeSearchDegraded)
		return res
	}

	extra := pl.PostFilter.Fields()
	hits := lo.Map(out.Hits, func(h domain.SearchHit, _ int) domain.SearchHit { return Hydrate(h, extra...) })
	filtered := ApplyPostFilter(hits, pl.PostFilter)
	res.Hits = filtered
	res.Aggregates = aggregate(out, hits, filtered, pl)

	r.logger.Info("retrieve: done",
		"fetched", len(out.Hits),
		"kept", len(filtered),
		"count", res.Aggregates.Count,
		"vector", req.Vector != nil,
	)
	return res
}

// Hydrate copies metadata values into Fields for the standard fields plus any
// extra fields a plan reads.
func Hydrate(h domain.SearchHit, extra ...string) domain.SearchHit {
	if len(h.Metadata) == 0 {
		return h
	}
	fields := lo.Assign(map[string]any{}, h.Fields)
	for _, f := range append(append([]string(nil), HydratedFields...), extra...) {
		if cur, ok := fields[f]; ok && domain.Stringify(cur) != "" {
			continue
		}
		if v, ok := h.Metadata[f]; ok {
			fields[f] = v
		}
	}
	h.Fields = fields
	return h
}

// ApplyPostFilter keeps hits satisfying every post-filter predicate. Hits
// missing the value a predicate needs are dropped.
func ApplyPostFilter(hits []domain.SearchHit, pf *domain.PostFilter) []domain.SearchHit {
	if pf.Empty() {
		return hits
	}
	return lo.Filter(hits, func(h domain.SearchHit, _ int) bool {
		if w := pf.DateWindow; w != nil {
			t, ok := h.Time(append([]string{w.Field}, w.Fallbacks...)...)
			if !ok || !w.Contains(t) {
				return false
			}
		}
		if d := pf.Delay; d != nil {
			days, ok := h.Number(d.Field)
			if !ok || !d.Matches(days) {
				return false
			}
		}
		return true
	})
}

func aggregate(out domain.SearchResult, fetched, kept []domain.SearchHit, pl domain.RetrievalPlan) domain.Aggregates {
	if pl.PostFilter.Empty() {
		agg := domain.Aggregates{Count: int64(len(kept)), Facets: out.Facets}
		if out.Count != nil {
			agg.Count = *out.Count
			agg.Exact = true
		}
		return agg
	}
	agg := domain.Aggregates{
		Count:  int64(len(kept)),
		Exact:  out.Count != nil && *out.Count == int64(len(fetched)) && pl.Skip == 0,
		Facets: LocalFacets(kept, pl.Facets),
	}
	return agg
}

// LocalFacets counts values of each field across hits, most frequent first.
func LocalFacets(hits []domain.SearchHit, fields []string) map[string][]domain.FacetValue {
	if len(fields) == 0 {
		return nil
	}
	out := make(map[string][]domain.FacetValue, len(fields))
	for _, f := range fields {
		counts := lo.CountValues(lo.Compact(lo.Map(hits, func(h domain.SearchHit, _ int) string { return h.String(f) })))
		vals := lo.MapToSlice(counts, func(v string, c int) domain.FacetValue {
			return domain.FacetValue{Value: v, Count: int64(c)}
		})
		sort.Slice(vals, func(i, j int) bool {
			if vals[i].Count != vals[j].Count {
				return vals[i].Count > vals[j].Count
			}
			return vals[i].Value < vals[j].Value
		})
		out[f] = vals
	}
	return out
}
