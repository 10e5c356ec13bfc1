package normalize

import (
	"strings"

	"github.com/samber/lo"

	"shipment-qna/internal/domain"
	"shipment-qna/internal/extract"
)

var anaphoraMarkers = map[string]struct{}{
	"it": {}, "its": {}, "it's": {}, "that": {}, "this": {}, "those": {}, "these": {},
	"them": {}, "they": {}, "their": {}, "same": {}, "above": {}, "previous": {},
	"mentioned": {}, "former": {}, "latter": {}, "earlier": {},
}

// HasAnaphora reports whether text refers back to earlier context.
func HasAnaphora(text string) bool {
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r == '\'')
	}) {
		if _, ok := anaphoraMarkers[w]; ok {
			return true
		}
	}
	return false
}

// DetectTopicShift flags a rewrite that introduced time-window or identifier
// tokens absent from a raw question without anaphora.
func DetectTopicShift(raw, normalized string) *domain.TopicShift {
	if strings.EqualFold(strings.TrimSpace(raw), strings.TrimSpace(normalized)) {
		return nil
	}
	if HasAnaphora(raw) {
		return nil
	}
	var added []string
	if len(lo.Without(extract.TimePhrases(normalized), extract.TimePhrases(raw)...)) > 0 {
		added = append(added, CategoryTimeWindow)
	}
	if len(lo.Without(extract.IdentifierTokens(normalized), extract.IdentifierTokens(raw)...)) > 0 {
		added = append(added, CategoryIdentifier)
	}
	if len(added) == 0 {
		return nil
	}
	return &domain.TopicShift{Raw: raw, Normalized: normalized, Added: added}
}
