package intent

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"

	"github.com/samber/lo"

	"shipment-qna/internal/domain"
	"shipment-qna/internal/llmjson"
)

type Completer interface {
	Complete(ctx context.Context, req domain.CompletionRequest) (domain.Completion, error)
}

// Sub-intents tagged on retrieval and analytics turns.
const (
	SubETA    = "eta"
	SubDelay  = "delay"
	SubStatus = "status"
	SubHot    = "hot"
)

type Result struct {
	Intent     domain.Intent
	SubIntents []string
	Sentiment  string
	// Deterministic is true when a keyword rule decided the intent.
	Deterministic bool
	Usage         domain.Usage
	Failures      []*domain.Failure
}

type Classifier struct {
	llm    Completer
	logger *slog.Logger
}

func New(llm Completer, logger *slog.Logger) (*Classifier, error) {
	if llm == nil {
		return nil, errors.New("intent: llm client must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{llm: llm, logger: logger}, nil
}

// Classify labels the question. Keyword rules for ending, greeting, company
// overview and analytics run first; the model is asked only when none match.
func (c *Classifier) Classify(ctx context.Context, question string) Result {
	subs := SubIntents(question)
	if in, ok := ruleIntent(question); ok {
		return Result{Intent: in, SubIntents: subs, Deterministic: true}
	}

	out, err := c.llm.Complete(ctx, domain.CompletionRequest{
		Messages: []domain.ChatMessage{
			{Role: domain.RoleSystem, Content: classifyPrompt},
			{Role: domain.RoleUser, Content: question},
		},
		JSON: true,
	})
	if err != nil {
		c.logger.Warn("intent: classifier call failed, defaulting to retrieval", "err", err)
		return Result{
			Intent:     domain.IntentRetrieval,
			SubIntents: subs,
			Failures:   []*domain.Failure{domain.NewFailure(domain.FailureTransient, "intent classification failed", err)},
		}
	}

	var parsed struct {
		PrimaryIntent string   `json:"primary_intent"`
		Intents       []string `json:"intents"`
		Sentiment     string   `json:"sentiment"`
	}
	if err := llmjson.Decode(out.Content, &parsed); err != nil {
		c.logger.Warn("intent: classifier output unparseable, defaulting to retrieval", "err", err)
		return Result{
			Intent:     domain.IntentRetrieval,
			SubIntents: subs,
			Usage:      out.Usage,
			Failures:   []*domain.Failure{domain.NewFailure(domain.FailureParse, "intent output is not JSON", err)},
		}
	}

	for _, s := range parsed.Intents {
		switch s = strings.ToLower(strings.TrimSpace(s)); s {
		case SubETA, SubDelay, SubStatus, SubHot:
			subs = append(subs, s)
		}
	}
	return Result{
		Intent:     canonical(parsed.PrimaryIntent),
		SubIntents: lo.Uniq(subs),
		Sentiment:  strings.ToLower(strings.TrimSpace(parsed.Sentiment)),
		Usage:      out.Usage,
	}
}

const classifyPrompt = `Classify a logistics assistant user message.
Return a JSON object: {"primary_intent": one of "retrieval", "analytics", "greeting", "company_overview", "clarification", "end",
"intents": list of sub-intents from "eta", "delay", "status", "hot", "sentiment": "positive" | "neutral" | "negative"}.
Use "analytics" for counts, totals, breakdowns or charts across many shipments.
Use "retrieval" for questions about specific shipments, containers, orders or their status, ETA or delays.
Use "clarification" only when the message is too vague to act on.`

// canonical maps model labels, including older sub-labels, onto intents. An
// unknown label falls back to retrieval.
func canonical(label string) domain.Intent {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "retrieval", "search", "status", "eta", "delay", "eta_window", "tracking":
		return domain.IntentRetrieval
	case "analytics", "count", "aggregate":
		return domain.IntentAnalytics
	case "greeting", "small_talk":
		return domain.IntentGreeting
	case "company_overview", "overview", "static_info":
		return domain.IntentCompanyOverview
	case "clarification":
		return domain.IntentClarification
	case "end", "goodbye", "farewell":
		return domain.IntentEnd
	}
	return domain.IntentRetrieval
}

// Route maps an intent to the next step. Analytics waits on a clarification
// while a topic-shift candidate is unresolved.
func Route(in domain.Intent, shift *domain.TopicShift) domain.Route {
	switch in {
	case domain.IntentCompanyOverview:
		return domain.RouteStaticInfo
	case domain.IntentAnalytics:
		if shift != nil {
			return domain.RouteClarification
		}
		return domain.RouteAnalytics
	case domain.IntentRetrieval:
		return domain.RouteRetrieval
	case domain.IntentGreeting:
		return domain.RouteGreeting
	case domain.IntentClarification:
		return domain.RouteClarification
	}
	return domain.RouteEnd
}

var (
	farewells = []string{"bye", "goodbye", "good bye", "bye bye", "exit", "quit", "end", "end chat", "end conversation", "stop", "thanks bye", "thank you bye"}
	greetings = []string{"hi", "hello", "hey", "hiya", "good morning", "good afternoon", "good evening", "greetings", "howdy", "hello there", "hi there"}

	companyTokens  = []string{"mcs", "mol", "mol consolidation", "mol logistics", "molmcs", "starlink", "mitsui osk", "your company", "the company", "who are you"}
	overviewHints  = []string{"overview", "about", "company", "who are you", "tell me about", "history", "vision", "mission", "values", "ceo", "leadership", "office", "offices", "contact", "address", "phone", "services", "website", "social", "linkedin"}
	retrievalHints = []string{"eta", "ata", "status", "track", "tracking", "shipment", "shipments", "container", "containers", "booking", "po", "obl", "bol", "delay", "delayed", "arrival"}
	analyticsHints = []string{"how many", "count", "number of", "total", "breakdown", "break down", "distribution", "chart", "graph", "plot", "bucket", "percentage", "average", "trend", "statistics", "stats", "summary of", "group by"}

	etaHints    = []string{"eta", "arrive", "arrival", "arriving", "when will", "due"}
	delayHints  = []string{"delay", "delayed", "late", "behind schedule", "overdue"}
	statusHints = []string{"status", "where is", "track", "tracking", "located"}
	hotHints    = []string{"hot", "priority", "urgent"}

	punctRe = regexp.MustCompile(`[^a-z0-9' ]+`)
)

func clean(q string) string {
	return strings.Join(strings.Fields(punctRe.ReplaceAllString(strings.ToLower(q), " ")), " ")
}

func ruleIntent(question string) (domain.Intent, bool) {
	q := clean(question)
	if q == "" {
		return domain.IntentGreeting, true
	}
	if lo.Contains(farewells, q) {
		return domain.IntentEnd, true
	}
	if isGreeting(q) {
		return domain.IntentGreeting, true
	}
	if IsCompanyOverview(question) {
		return domain.IntentCompanyOverview, true
	}
	if hasAny(q, analyticsHints) {
		return domain.IntentAnalytics, true
	}
	return "", false
}

func isGreeting(q string) bool {
	if lo.Contains(greetings, q) {
		return true
	}
	words := strings.Fields(q)
	if len(words) > 4 || len(words) == 0 {
		return false
	}
	for _, g := range greetings {
		if strings.HasPrefix(q, g+" ") && !hasAny(q, retrievalHints) && !hasAny(q, analyticsHints) {
			return true
		}
	}
	return false
}

// IsCompanyOverview reports whether the question asks about the company
// itself rather than shipment data.
func IsCompanyOverview(question string) bool {
	q := clean(question)
	if hasAny(q, retrievalHints) {
		return false
	}
	return hasAny(q, companyTokens) && hasAny(q, overviewHints)
}

// SubIntents tags eta, delay, status and hot phrasing.
func SubIntents(question string) []string {
	q := clean(question)
	var subs []string
	if hasAny(q, etaHints) {
		subs = append(subs, SubETA)
	}
	if hasAny(q, delayHints) {
		subs = append(subs, SubDelay)
	}
	if hasAny(q, statusHints) {
		subs = append(subs, SubStatus)
	}
	if hasAny(q, hotHints) {
		subs = append(subs, SubHot)
	}
	return subs
}

// hasAny matches whole words or phrases in an already cleaned string.
func hasAny(q string, phrases []string) bool {
	padded := " " + q + " "
	for _, p := range phrases {
		if strings.Contains(padded, " "+p+" ") {
			return true
		}
	}
	return false
}
