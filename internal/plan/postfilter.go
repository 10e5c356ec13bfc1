package plan

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"shipment-qna/internal/domain"
)

var (
	finalDestRe = regexp.MustCompile(`\b(?:final destination|distribution cent(?:er|re)|in-dc|in dc|fd)\b`)
	delayWordRe = regexp.MustCompile(`\b(?:delay|delays|delayed|late|overdue|behind schedule)\b`)

	delayGreaterRe = regexp.MustCompile(`(?:more than|over|exceeding|greater than|longer than|>)\s*(\d{1,3})\s*days?`)
	delayAtLeastRe = regexp.MustCompile(`(?:at least|minimum of|no less than|>=|≥)\s*(\d{1,3})\s*days?|(\d{1,3})\s*\+\s*days?|(\d{1,3})\s*days?\s+or\s+more|(\d{1,3})\s+or\s+more\s+days?`)
	delayCountRe   = regexp.MustCompile(`(?:delay(?:ed)?\s+(?:of|by)\s+|late\s+by\s+)(\d{1,3})\s*days?|(\d{1,3})\s*days?\s+(?:delay|delayed|late|behind)`)

	pastDaysRe = regexp.MustCompile(`\b(?:last|past|previous)\s+(\d{1,3})\s+days?\b`)

	windowPhraseRe = regexp.MustCompile(`\bnext\s+\d+\s+(?:days?|weeks?|months?)\b`)
	paginationRe   = regexp.MustCompile(`\b(?:next\s+(?:\d+|page|set|batch)(?:\s+(?:results|records|shipments))?|show\s+more|more\s+results|see\s+more|load\s+more|remaining\s+(?:results|records|shipments))\b`)
)

// IsFinalDestination reports whether the question targets the final
// destination leg instead of the discharge port.
func IsFinalDestination(question string) bool {
	return finalDestRe.MatchString(strings.ToLower(question))
}

// IsPagination reports a request for the next page of the previous answer.
// "next 7 days" style windows are not pagination.
func IsPagination(question string) bool {
	q := strings.ToLower(question)
	if !paginationRe.MatchString(q) {
		return false
	}
	return !windowPhraseRe.MatchString(q)
}

// ParseDelay derives the delay threshold. Explicit "more than" wording is
// exclusive (>), any other phrasing with a day count is inclusive (>=), and a
// bare "delayed" means more than zero days.
func ParseDelay(question string, finalDest bool) *domain.DelayThreshold {
	q := strings.ToLower(question)
	if !delayWordRe.MatchString(q) {
		return nil
	}
	field := "dp_delayed_dur"
	if finalDest {
		field = "fd_delayed_dur"
	}
	if m := delayGreaterRe.FindStringSubmatch(q); m != nil {
		return &domain.DelayThreshold{Field: field, Op: domain.OpGreater, Days: atoi(m[1])}
	}
	if m := delayAtLeastRe.FindStringSubmatch(q); m != nil {
		return &domain.DelayThreshold{Field: field, Op: domain.OpGreaterEqual, Days: atoi(firstNonEmpty(m[1:]...))}
	}
	if m := delayCountRe.FindStringSubmatch(q); m != nil {
		return &domain.DelayThreshold{Field: field, Op: domain.OpGreaterEqual, Days: atoi(firstNonEmpty(m[1:]...))}
	}
	return &domain.DelayThreshold{Field: field, Op: domain.OpGreater, Days: 0}
}

// NextWindow is the look-ahead window [start of today, now + days).
func NextWindow(now time.Time, days int, finalDest bool) *domain.DateWindow {
	field, fallbacks := "eta_dp_date", []string{"optimal_ata_dp_date"}
	if finalDest {
		field, fallbacks = "eta_fd_date", []string{"optimal_eta_fd_date"}
	}
	return &domain.DateWindow{
		Field:     field,
		Fallbacks: fallbacks,
		Days:      days,
		Direction: domain.WindowNext,
		Start:     startOfDay(now),
		End:       now.AddDate(0, 0, days),
	}
}

// PastWindow is the look-back window [now - days, now).
func PastWindow(now time.Time, days int, finalDest bool) *domain.DateWindow {
	field, fallbacks := "ata_dp_date", []string{"optimal_ata_dp_date"}
	if finalDest {
		field, fallbacks = "eta_fd_date", []string{"optimal_eta_fd_date"}
	}
	return &domain.DateWindow{
		Field:     field,
		Fallbacks: fallbacks,
		Days:      days,
		Direction: domain.WindowPast,
		Start:     now.AddDate(0, 0, -days),
		End:       now,
	}
}

// RefreshWindow recomputes the bounds of w against now, keeping its fields
// and length.
func RefreshWindow(w *domain.DateWindow, now time.Time) *domain.DateWindow {
	if w == nil {
		return nil
	}
	out := *w
	out.Fallbacks = append([]string(nil), w.Fallbacks...)
	if w.Direction == domain.WindowPast {
		out.Start, out.End = now.AddDate(0, 0, -w.Days), now
	} else {
		out.Start, out.End = startOfDay(now), now.AddDate(0, 0, w.Days)
	}
	return &out
}

func parsePastDays(question string) int {
	if m := pastDaysRe.FindStringSubmatch(strings.ToLower(question)); m != nil {
		return atoi(m[1])
	}
	return 0
}

// OrderBy maps "latest" and "earliest" phrasing to a sort on the arrival date.
func OrderBy(question string, finalDest bool) string {
	q := strings.ToLower(question)
	field := "eta_dp_date"
	if finalDest {
		field = "eta_fd_date"
	}
	switch {
	case strings.Contains(q, "latest"), strings.Contains(q, "most recent"), strings.Contains(q, "newest"):
		return field + " desc"
	case strings.Contains(q, "earliest"), strings.Contains(q, "soonest"), strings.Contains(q, "first to arrive"):
		return field + " asc"
	}
	return ""
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func atoi(s string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
