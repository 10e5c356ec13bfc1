package extract

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	containerRe = regexp.MustCompile(`\b[A-Z]{4}\d{7}\b`)
	oblRe       = regexp.MustCompile(`\b[A-Z]{4}\d{8,12}\b`)
	bookingRe   = regexp.MustCompile(`\b[A-Z]{2,3}\d{6,10}\b`)
	numericRe   = regexp.MustCompile(`\b\d{8,12}\b`)

	poHintRe      = regexp.MustCompile(`\b(?:PO|P\.O\.|PURCHASE\s+ORDER)S?\s*(?:NO\.?|NUMBER|NUM|#)?\s*[:#]?\s*([A-Z0-9][A-Z0-9-]{3,19})\b`)
	bookingHintRe = regexp.MustCompile(`\bBOOKINGS?\s*(?:NO\.?|NUMBER|NUM|#)?\s*[:#]?\s*([A-Z0-9][A-Z0-9-]{4,19})\b`)
	oblHintRe     = regexp.MustCompile(`\b(?:OBL|B/L|BL|BOL|BILL\s+OF\s+LADING)S?\s*(?:NO\.?|NUMBER|NUM|#)?\s*[:#]?\s*([A-Z0-9][A-Z0-9-]{5,19})\b`)

	identifierTokenRe = regexp.MustCompile(`\b(?:[A-Z]{2,4}\d{6,12}|\d{6,12})\b`)

	nextDaysRe   = regexp.MustCompile(`\b(?:next|within|in|coming|upcoming)\s+(\d{1,3})\s+days?\b`)
	nextWeeksRe  = regexp.MustCompile(`\b(?:next|within|in|coming|upcoming)\s+(\d{1,2})\s+weeks?\b`)
	timePhraseRe = regexp.MustCompile(`\b(?:(?:next|within|in|coming|upcoming|last|past)\s+\d{1,3}\s+(?:days?|weeks?|months?)|today|tomorrow|yesterday|this\s+week|next\s+week|last\s+week|this\s+month|next\s+month|last\s+month|fortnight|soon|\d{4}-\d{2}-\d{2})\b`)
)

// IdentifierTokens returns the identifier-shaped tokens in text, upper-cased.
func IdentifierTokens(text string) []string {
	return uniq(identifierTokenRe.FindAllString(strings.ToUpper(text), -1))
}

// TimePhrases returns the relative or absolute time expressions in text.
func TimePhrases(text string) []string {
	return uniq(timePhraseRe.FindAllString(strings.ToLower(text), -1))
}

// SoonNotice is added when "soon" is read as a seven day window.
const SoonNotice = `Interpreting "soon" as the next 7 days.`

// TimeWindow parses the relative look-ahead window in days and an optional
// notice describing an assumption.
func TimeWindow(question string) (int, string) {
	q := strings.ToLower(question)
	if m := nextDaysRe.FindStringSubmatch(q); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			return n, ""
		}
	}
	if m := nextWeeksRe.FindStringSubmatch(q); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			return n * 7, ""
		}
	}
	switch {
	case strings.Contains(q, "fortnight"):
		return 14, ""
	case strings.Contains(q, "next week"), strings.Contains(q, "this week"):
		return 7, ""
	case strings.Contains(q, "next month"), strings.Contains(q, "this month"):
		return 30, ""
	case hasWord(q, "tomorrow"):
		return 2, ""
	case hasWord(q, "today"):
		return 1, ""
	case hasWord(q, "soon"):
		return 7, SoonNotice
	}
	return 0, ""
}

func hasWord(text, word string) bool {
	for _, f := range strings.FieldsFunc(text, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-')
	}) {
		if f == word {
			return true
		}
	}
	return false
}

func hasDigit(s string) bool {
	return strings.ContainsAny(s, "0123456789")
}

func uniq(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
