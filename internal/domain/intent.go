package domain

type Intent string

const (
	IntentRetrieval       Intent = "retrieval"
	IntentAnalytics       Intent = "analytics"
	IntentGreeting        Intent = "greeting"
	IntentCompanyOverview Intent = "company_overview"
	IntentClarification   Intent = "clarification"
	IntentEnd             Intent = "end"
)

type Route string

const (
	RouteRetrieval     Route = "retrieval"
	RouteAnalytics     Route = "analytics"
	RouteGreeting      Route = "greeting"
	RouteStaticInfo    Route = "static_info"
	RouteClarification Route = "clarification"
	RouteEnd           Route = "end"
)

// TopicShift is a normalized rewrite that added context the raw question did
// not ask for. Added lists the token categories that appeared.
type TopicShift struct {
	Raw        string   `json:"raw"`
	Normalized string   `json:"normalized"`
	Added      []string `json:"added,omitempty"`
}

type ClarificationChoice string

const (
	ChoiceNone     ClarificationChoice = ""
	ChoicePrevious ClarificationChoice = "previous"
	ChoiceNew      ClarificationChoice = "new"
)
