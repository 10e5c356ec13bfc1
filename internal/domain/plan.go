package domain

import "time"

type WindowDirection string

const (
	WindowNext WindowDirection = "next"
	WindowPast WindowDirection = "past"
)

// DateWindow keeps records whose date falls in [Start, End).
type DateWindow struct {
	Field     string          `json:"field"`
	Fallbacks []string        `json:"fallbacks,omitempty"`
	Days      int             `json:"days"`
	Direction WindowDirection `json:"direction"`
	Start     time.Time       `json:"start"`
	End       time.Time       `json:"end"`
}

// Contains reports whether t is inside the window: start inclusive, end
// exclusive.
func (w DateWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

type ComparisonOp string

const (
	OpGreater      ComparisonOp = ">"
	OpGreaterEqual ComparisonOp = ">="
)

// DelayThreshold keeps records whose delay in days satisfies Op Days.
type DelayThreshold struct {
	Field string       `json:"field"`
	Op    ComparisonOp `json:"op"`
	Days  int          `json:"days"`
}

func (d DelayThreshold) Matches(days float64) bool {
	if d.Op == OpGreaterEqual {
		return days >= float64(d.Days)
	}
	return days > float64(d.Days)
}

// PostFilter holds predicates evaluated in-process after retrieval.
type PostFilter struct {
	DateWindow *DateWindow     `json:"date_window,omitempty"`
	Delay      *DelayThreshold `json:"delay,omitempty"`
}

func (p *PostFilter) Empty() bool {
	return p == nil || (p.DateWindow == nil && p.Delay == nil)
}

// Fields lists every record field the post-filter reads.
func (p *PostFilter) Fields() []string {
	if p == nil {
		return nil
	}
	var out []string
	if p.DateWindow != nil {
		out = append(out, p.DateWindow.Field)
		out = append(out, p.DateWindow.Fallbacks...)
	}
	if p.Delay != nil {
		out = append(out, p.Delay.Field)
	}
	return out
}

// RetrievalPlan is the search request the planner hands to the retriever.
// Filter references only allow-listed fields and never carries date math.
type RetrievalPlan struct {
	Query             string      `json:"query"`
	TopK              int         `json:"top_k"`
	VectorK           int         `json:"vector_k"`
	Filter            string      `json:"filter,omitempty"`
	PostFilter        *PostFilter `json:"post_filter,omitempty"`
	Skip              int         `json:"skip,omitempty"`
	OrderBy           string      `json:"order_by,omitempty"`
	IncludeTotalCount bool        `json:"include_total_count,omitempty"`
	Facets            []string    `json:"facets,omitempty"`
	Rationale         string      `json:"rationale,omitempty"`
	// FinalDestination marks plans whose date and location fields target the
	// final destination leg instead of the discharge port.
	FinalDestination bool `json:"final_destination,omitempty"`
}

// SearchRequest is what the retriever sends to the search engine.
type SearchRequest struct {
	Text              string
	Vector            []float32
	VectorK           int
	Filter            string
	Top               int
	Skip              int
	OrderBy           string
	IncludeTotalCount bool
	Facets            []string
}

type SearchResult struct {
	Hits   []SearchHit
	Count  *int64
	Facets map[string][]FacetValue
}
