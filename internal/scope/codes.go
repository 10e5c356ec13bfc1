package scope

import (
	"strings"

	"github.com/samber/lo"
)

// NormalizeCodes splits comma-packed values, trims them and drops blanks and
// repeats while keeping first-seen order.
func NormalizeCodes(values ...string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return lo.Uniq(out)
}

// Filter renders the authorization predicate for field. An empty scope renders
// an always-false predicate.
func Filter(field string, codes []string) string {
	codes = NormalizeCodes(codes...)
	if len(codes) == 0 {
		return "false"
	}
	return field + "/any(t: search.in(t, '" + escapeLiteral(strings.Join(codes, ",")) + "', ','))"
}

// Conjoin ANDs the authorization predicate with a plan predicate.
func Conjoin(auth, plan string) string {
	plan = strings.TrimSpace(plan)
	if plan == "" {
		return auth
	}
	return "(" + auth + ") and (" + plan + ")"
}

func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
