package extract

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/samber/lo"

	"shipment-qna/internal/domain"
	"shipment-qna/internal/llmjson"
)

// Completer is the chat completion dependency of the model-assisted pass.
type Completer interface {
	Complete(ctx context.Context, req domain.CompletionRequest) (domain.Completion, error)
}

// Result is the extractor output for one question.
type Result struct {
	Entities domain.ExtractedEntities
	Notices  []string
	Usage    domain.Usage
	Failures []*domain.Failure
}

type Extractor struct {
	llm    Completer
	logger *slog.Logger
}

func New(llm Completer, logger *slog.Logger) (*Extractor, error) {
	if llm == nil {
		return nil, errors.New("extract: llm client must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{llm: llm, logger: logger}, nil
}

var statusKeywords = map[string]string{
	"delivered":     "delivered",
	"in transit":    "in transit",
	"in-transit":    "in transit",
	"discharged":    "discharged",
	"departed":      "departed",
	"sailed":        "departed",
	"arrived":       "arrived",
	"gate in":       "gate in",
	"gated in":      "gate in",
	"gate out":      "gate out",
	"gated out":     "gate out",
	"empty return":  "empty returned",
	"booked":        "booked",
	"hot":           "hot",
	"priority":      "hot",
	"urgent":        "hot",
	"delayed":       "delayed",
	"late":          "delayed",
	"on time":       "on time",
	"customs":       "customs",
	"cleared":       "cleared",
	"not delivered": "not delivered",
}

var (
	locationRe    = regexp.MustCompile(`(?i)\b(?:at|in|to|from|via|into|port of)\s+([a-z]+(?:\s+[a-z]+)?)`)
	locationCueRe = regexp.MustCompile(`(?i)\b(?:port|destination|terminal|warehouse|dc|at|to|from|via)\b`)
	carrierCueRe  = regexp.MustCompile(`(?i)\b(?:carrier|line|vessel|scac|shipping line)\b`)
	// Questions arrive lower-cased, so place names are told apart from
	// ordinary words by this list rather than by capitalisation.
	locationIgnore = toSet(
		"the", "my", "our", "your", "their", "a", "an", "this", "that", "these", "those", "it", "them",
		"me", "us", "be", "is", "are", "was", "all", "any", "each", "every", "which", "what", "when",
		"where", "how", "and", "or", "for", "by", "with", "of", "on", "not", "get", "see", "know",
		"transit", "next", "last", "final", "destination", "origin", "port", "days", "day", "time",
		"week", "weeks", "month", "months", "today", "tomorrow", "yesterday", "now", "total", "status",
		"risk", "delivered", "delivery", "shipment", "shipments", "container", "containers", "order",
		"orders", "booking", "bookings", "supplier", "vendor", "customer", "consignee", "shipper",
		"carrier", "vessel", "warehouse", "terminal", "customs", "progress", "stock", "hand", "date",
	)
)

func toSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// Extract runs the pattern pass and, for ambiguous tokens or unstructured
// hints, the model-assisted pass. It never fails: model errors are returned
// as failures next to the pattern result.
func (e *Extractor) Extract(ctx context.Context, question string) Result {
	res := Result{}
	ents, ambiguous := patternPass(question)
	hintPass(question, &ents)

	days, notice := TimeWindow(question)
	ents.TimeWindowDays = days
	if notice != "" {
		res.Notices = append(res.Notices, notice)
	}

	if len(ambiguous) > 0 || locationCueRe.MatchString(question) || carrierCueRe.MatchString(question) {
		usage, failure := e.modelPass(ctx, question, &ents)
		res.Usage = usage
		if failure != nil {
			e.logger.Warn("extract: model pass failed, using pattern entities", "err", failure)
			res.Failures = append(res.Failures, failure)
		}
	}

	res.Entities = ents
	e.logger.Debug("extract: entities",
		"identifiers", ents.Identifiers(),
		"ambiguous", ambiguous,
		"time_window_days", ents.TimeWindowDays,
	)
	return res
}

// patternPass classifies identifier tokens. Bare numeric tokens without a
// keyword hint go to both the purchase-order and booking pools and are
// returned as ambiguous.
func patternPass(question string) (domain.ExtractedEntities, []string) {
	var ents domain.ExtractedEntities
	upper := strings.ToUpper(question)
	claimed := map[string]struct{}{}

	claim := func(kind domain.EntityKind, tok string) {
		tok = strings.Trim(tok, "-")
		if tok == "" || !hasDigit(tok) {
			return
		}
		ents.Add(kind, tok)
		claimed[tok] = struct{}{}
	}

	for _, m := range poHintRe.FindAllStringSubmatch(upper, -1) {
		claim(domain.EntityPurchaseOrder, m[1])
	}
	for _, m := range bookingHintRe.FindAllStringSubmatch(upper, -1) {
		claim(domain.EntityBooking, m[1])
	}
	for _, m := range oblHintRe.FindAllStringSubmatch(upper, -1) {
		claim(domain.EntityBillOfLading, m[1])
	}

	for _, tok := range containerRe.FindAllString(upper, -1) {
		if _, ok := claimed[tok]; !ok {
			claim(domain.EntityContainer, tok)
		}
	}
	for _, tok := range oblRe.FindAllString(upper, -1) {
		if _, ok := claimed[tok]; !ok {
			claim(domain.EntityBillOfLading, tok)
		}
	}
	for _, tok := range bookingRe.FindAllString(upper, -1) {
		if _, ok := claimed[tok]; !ok {
			claim(domain.EntityBooking, tok)
		}
	}

	var ambiguous []string
	for _, tok := range numericRe.FindAllString(upper, -1) {
		if _, ok := claimed[tok]; ok {
			continue
		}
		ents.Add(domain.EntityPurchaseOrder, tok)
		ents.Add(domain.EntityBooking, tok)
		ambiguous = append(ambiguous, tok)
	}
	return ents, uniq(ambiguous)
}

func hintPass(question string, ents *domain.ExtractedEntities) {
	lower := strings.ToLower(question)
	keys := lo.Keys(statusKeywords)
	// longest phrase first so "not delivered" wins over "delivered"
	sortByLenDesc(keys)
	consumed := lower
	for _, k := range keys {
		if containsPhrase(consumed, k) {
			ents.Add(domain.EntityStatus, statusKeywords[k])
			consumed = strings.ReplaceAll(consumed, k, " ")
		}
	}
	for _, m := range locationRe.FindAllStringSubmatch(question, -1) {
		if loc := placeName(m[1]); loc != "" {
			ents.Add(domain.EntityLocation, strings.ToUpper(loc))
		}
	}
}

// placeName trims a one- or two-word capture to the words that can name a
// place. A leading ignored word discards the capture.
func placeName(capture string) string {
	words := strings.Fields(strings.ToLower(capture))
	if len(words) == 0 {
		return ""
	}
	if _, skip := locationIgnore[words[0]]; skip {
		return ""
	}
	if len(words) == 2 {
		if _, skip := locationIgnore[words[1]]; skip {
			words = words[:1]
		}
	}
	return strings.Join(words, " ")
}

const extractPrompt = `You extract shipment identifiers and hints from a logistics question.
Return a JSON object with these keys, each a list of strings (empty when absent):
container_numbers, po_numbers, booking_numbers, obl_numbers, locations, carriers, status_keywords.
Only copy identifiers that appear literally in the question. Never invent values.`

type modelEntities struct {
	Containers []string `json:"container_numbers"`
	POs        []string `json:"po_numbers"`
	Bookings   []string `json:"booking_numbers"`
	OBLs       []string `json:"obl_numbers"`
	Locations  []string `json:"locations"`
	Carriers   []string `json:"carriers"`
	Statuses   []string `json:"status_keywords"`
}

// modelPass extends the pattern entities. Identifiers the model reports are
// kept only when they occur in the question; pattern results are never removed.
func (e *Extractor) modelPass(ctx context.Context, question string, ents *domain.ExtractedEntities) (domain.Usage, *domain.Failure) {
	out, err := e.llm.Complete(ctx, domain.CompletionRequest{
		Messages: []domain.ChatMessage{
			{Role: domain.RoleSystem, Content: extractPrompt},
			{Role: domain.RoleUser, Content: question},
		},
		JSON: true,
	})
	if err != nil {
		return domain.Usage{}, domain.NewFailure(domain.FailureTransient, "entity extraction call failed", err)
	}
	var me modelEntities
	if err := llmjson.Decode(out.Content, &me); err != nil {
		return out.Usage, domain.NewFailure(domain.FailureParse, "entity extraction output is not JSON", err)
	}

	upper := strings.ToUpper(question)
	literal := func(vals []string) []string {
		var keep []string
		for _, v := range vals {
			v = strings.ToUpper(strings.TrimSpace(v))
			if v != "" && hasDigit(v) && strings.Contains(upper, v) {
				keep = append(keep, v)
			}
		}
		return keep
	}
	ents.Add(domain.EntityContainer, literal(me.Containers)...)
	ents.Add(domain.EntityPurchaseOrder, literal(me.POs)...)
	ents.Add(domain.EntityBooking, literal(me.Bookings)...)
	ents.Add(domain.EntityBillOfLading, literal(me.OBLs)...)
	ents.Add(domain.EntityLocation, upperAll(me.Locations)...)
	ents.Add(domain.EntityCarrier, upperAll(me.Carriers)...)
	for _, s := range me.Statuses {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			if canon, ok := statusKeywords[s]; ok {
				s = canon
			}
			ents.Add(domain.EntityStatus, s)
		}
	}
	return out.Usage, nil
}

func upperAll(vals []string) []string {
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if v = strings.ToUpper(strings.TrimSpace(v)); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func containsPhrase(text, phrase string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], phrase)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(phrase)
		if (start == 0 || !isWordByte(text[start-1])) && (end == len(text) || !isWordByte(text[end])) {
			return true
		}
		idx = start + 1
	}
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9' || b == '_'
}

func sortByLenDesc(keys []string) {
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
}
