package plan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"shipment-qna/internal/domain"
	"shipment-qna/internal/llmjson"
)

const (
	defaultTopK          = 10
	defaultVectorK       = 30
	defaultAnalyticsTopK = 50
	maxTopK              = 50

	PaginationNotice = "Showing the next page of the previous results."
)

// AnalyticsFacets are requested on every analytics plan.
var AnalyticsFacets = []string{"shipment_status", "discharge_port"}

type Completer interface {
	Complete(ctx context.Context, req domain.CompletionRequest) (domain.Completion, error)
}

type Options struct {
	TopK          int
	VectorK       int
	AnalyticsTopK int
}

type Input struct {
	Question   string
	Entities   domain.ExtractedEntities
	Intent     domain.Intent
	SubIntents []string
	// Feedback is the judge's reason for rejecting the previous attempt.
	Feedback   string
	RetryCount int
	// Previous is the last executed plan, used for pagination.
	Previous *domain.RetrievalPlan
	Now      time.Time
}

type Result struct {
	Plan     domain.RetrievalPlan
	Notices  []string
	Usage    domain.Usage
	Failures []*domain.Failure
}

type Planner struct {
	llm    Completer
	opts   Options
	logger *slog.Logger
}

func New(llm Completer, opts Options, logger *slog.Logger) (*Planner, error) {
	if llm == nil {
		return nil, errors.New("plan: llm client must not be nil")
	}
	if opts.TopK <= 0 {
		opts.TopK = defaultTopK
	}
	if opts.VectorK <= 0 {
		opts.VectorK = defaultVectorK
	}
	if opts.AnalyticsTopK <= 0 {
		opts.AnalyticsTopK = defaultAnalyticsTopK
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{llm: llm, opts: opts, logger: logger}, nil
}

type draft struct {
	Query     string `json:"query"`
	Filter    string `json:"filter"`
	TopK      int    `json:"top_k"`
	Rationale string `json:"rationale"`
}

// Plan builds the retrieval plan for one attempt. The model draft is optional;
// identifier, status, location and time predicates are always derived
// deterministically from the extracted entities.
func (p *Planner) Plan(ctx context.Context, in Input) Result {
	if in.Now.IsZero() {
		in.Now = time.Now()
	}
	if in.Previous != nil && in.RetryCount == 0 && IsPagination(in.Question) {
		next := *in.Previous
		next.Skip += pageSize(in.Previous)
		if pf := in.Previous.PostFilter; pf != nil {
			// Relative windows are anchored to today, not to the earlier turn.
			cp := *pf
			cp.DateWindow = RefreshWindow(pf.DateWindow, in.Now)
			next.PostFilter = &cp
		}
		return Result{Plan: next, Notices: []string{PaginationNotice}}
	}

	res := Result{}
	d, usage, failure := p.draft(ctx, in)
	res.Usage = usage
	if failure != nil {
		p.logger.Warn("plan: model draft unusable, planning from the question", "err", failure)
		res.Failures = append(res.Failures, failure)
	}

	finalDest := IsFinalDestination(in.Question)
	analytics := in.Intent == domain.IntentAnalytics
	identifiers := in.Entities.Identifiers()

	pl := domain.RetrievalPlan{
		Query:            strings.TrimSpace(d.Query),
		TopK:             p.opts.TopK,
		VectorK:          p.opts.VectorK,
		Rationale:        d.Rationale,
		FinalDestination: finalDest,
	}
	if pl.Query == "" {
		pl.Query = in.Question
	}
	if d.TopK > 0 && d.TopK <= maxTopK {
		pl.TopK = d.TopK
	}
	if in.RetryCount > 0 {
		pl.TopK = min(pl.TopK*(in.RetryCount+1), maxTopK)
	}

	if analytics {
		pl.IncludeTotalCount = true
		pl.Facets = append([]string(nil), AnalyticsFacets...)
		pl.TopK = p.opts.AnalyticsTopK
		pl.Query = "*"
		pl.VectorK = 0
	}
	if len(identifiers) > 0 {
		pl.Query = boostQuery(identifiers, pl.Query)
	}

	det := IdentifierClauses(in.Entities)
	det = append(det, StatusClauses(in.Entities.Get(domain.EntityStatus))...)
	if c := LocationClause(in.Entities.Get(domain.EntityLocation), finalDest); c != "" {
		det = append(det, c)
	}
	if c := CarrierClause(in.Entities.Get(domain.EntityCarrier)); c != "" {
		det = append(det, c)
	}
	filter, dropped := mergeFilters(det, d.Filter)
	res.Failures = append(res.Failures, dropped...)
	if err := ValidateFilter(filter); err != nil {
		// Deterministic clauses are built from quoted values only; reaching
		// this means a builder bug, so plan without any predicate.
		p.logger.Error("plan: merged filter failed validation", "filter", filter, "err", err)
		res.Failures = append(res.Failures, domain.NewFailure(domain.FailureUnsafeFilter, "merged filter rejected", err))
		filter = ""
	}
	pl.Filter = filter

	pf := &domain.PostFilter{}
	if in.Entities.TimeWindowDays > 0 {
		pf.DateWindow = NextWindow(in.Now, in.Entities.TimeWindowDays, finalDest)
	} else if days := parsePastDays(in.Question); days > 0 {
		pf.DateWindow = PastWindow(in.Now, days, finalDest)
	}
	if lo.Contains(in.SubIntents, "delay") || lo.Contains(in.Entities.Get(domain.EntityStatus), "delayed") {
		pf.Delay = ParseDelay(in.Question, finalDest)
	}
	if !pf.Empty() {
		pl.PostFilter = pf
		// The post-filter trims the page in-process; fetch wider so the
		// window has enough candidates.
		pl.TopK = max(pl.TopK, maxTopK)
	}

	if ob := OrderBy(in.Question, finalDest); ob != "" {
		pl.OrderBy = ob
	}

	p.logger.Debug("plan: built",
		"query", pl.Query,
		"filter", pl.Filter,
		"top_k", pl.TopK,
		"post_filter", !pf.Empty(),
		"retry", in.RetryCount,
	)
	res.Plan = pl
	return res
}

// mergeFilters appends the model's clauses to the deterministic ones. Model
// clauses that fail validation or touch a field already covered
// deterministically are dropped.
func mergeFilters(deterministic []string, model string) (string, []*domain.Failure) {
	covered := map[string]struct{}{}
	for _, c := range deterministic {
		for _, f := range FieldsOf(c) {
			covered[f] = struct{}{}
		}
	}
	clauses := append([]string(nil), deterministic...)
	var dropped []*domain.Failure
	for _, c := range SplitTopLevel(model) {
		if err := ValidateFilter(c); err != nil {
			dropped = append(dropped, domain.NewFailure(domain.FailureUnsafeFilter, "dropped model clause "+c, err))
			continue
		}
		overlap := lo.Filter(FieldsOf(c), func(f string, _ int) bool {
			_, ok := covered[f]
			return ok
		})
		if len(overlap) > 0 {
			continue
		}
		if hasTopLevelOr(c) {
			c = "(" + c + ")"
		}
		clauses = append(clauses, c)
	}
	return strings.Join(clauses, " and "), dropped
}

func hasTopLevelOr(clause string) bool {
	toks, err := tokenize(clause)
	if err != nil {
		return false
	}
	depth := 0
	for _, t := range toks {
		switch {
		case t.text == "(":
			depth++
		case t.text == ")":
			depth--
		case depth == 0 && t.kind == tokIdent && strings.EqualFold(t.text, "or"):
			return true
		}
	}
	return false
}

// boostQuery prepends the extracted identifiers to the query text.
func boostQuery(identifiers []string, query string) string {
	if strings.TrimSpace(query) == "*" {
		return strings.Join(identifiers, " ")
	}
	return strings.Join(identifiers, " ") + " " + query
}

func pageSize(prev *domain.RetrievalPlan) int {
	if prev.TopK > 0 {
		return prev.TopK
	}
	return defaultTopK
}

func (p *Planner) draft(ctx context.Context, in Input) (draft, domain.Usage, *domain.Failure) {
	out, err := p.llm.Complete(ctx, domain.CompletionRequest{
		Messages: []domain.ChatMessage{
			{Role: domain.RoleSystem, Content: planPrompt()},
			{Role: domain.RoleUser, Content: planUserMessage(in)},
		},
		JSON: true,
	})
	if err != nil {
		return draft{}, domain.Usage{}, domain.NewFailure(domain.FailureTransient, "plan draft call failed", err)
	}
	var d draft
	if err := llmjson.Decode(out.Content, &d); err != nil {
		return draft{}, out.Usage, domain.NewFailure(domain.FailureParse, "plan draft is not JSON", err)
	}
	return d, out.Usage, nil
}

func planPrompt() string {
	fields := lo.Keys(AllowedFields)
	sort.Strings(fields)
	return fmt.Sprintf(`You plan searches over an index of shipment records.
Return a JSON object {"query": search text, "filter": OData filter or "", "top_k": integer, "rationale": short reason}.
The filter may only use these fields: %s.
Use eq/ne/gt/ge/lt/le, and/or/not, search.in and search.ismatch. Collection fields (po_numbers, booking_numbers, obl_nos) need any(), e.g. po_numbers/any(p: p eq 'X').
Never use date arithmetic or relative dates in the filter; time windows and delay thresholds are applied separately.
Leave the filter empty when the question does not constrain a field.`, strings.Join(fields, ", "))
}

func planUserMessage(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\nIntent: %s\n", in.Question, in.Intent)
	if ids := in.Entities.Identifiers(); len(ids) > 0 {
		fmt.Fprintf(&b, "Identifiers: %s\n", strings.Join(ids, ", "))
	}
	if in.Feedback != "" {
		fmt.Fprintf(&b, "A previous attempt was judged insufficient: %s\nAdjust the query and filter to address this.\n", in.Feedback)
	}
	return b.String()
}
