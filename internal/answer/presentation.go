package answer

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"shipment-qna/internal/domain"
)

const (
	maxCitations = 5
	maxTableRows = 20
)

// TableColumns are the columns of the shipment list payload.
var TableColumns = []string{"container_number", "shipment_status", "po_numbers", "booking_numbers", "eta_dp_date"}

var citationFields = []string{"shipment_status", "eta_dp_date", "ata_dp_date", "eta_fd_date", "discharge_port"}

// Table mirrors a multi-record answer. Single records get no table.
func Table(hits []domain.SearchHit) *domain.TableSpec {
	if len(hits) < 2 {
		return nil
	}
	rows := make([]map[string]any, 0, min(len(hits), maxTableRows))
	for _, h := range hits[:min(len(hits), maxTableRows)] {
		row := make(map[string]any, len(TableColumns))
		for _, c := range TableColumns {
			row[c] = displayValue(h, c)
		}
		rows = append(rows, row)
	}
	return &domain.TableSpec{Title: "Shipment List", Columns: append([]string(nil), TableColumns...), Rows: rows}
}

var markdownRuleRe = regexp.MustCompile(`(?m)^\s*\|?\s*:?-{3,}`)

// HasMarkdownTable reports whether text already carries a markdown table.
func HasMarkdownTable(text string) bool {
	return strings.Contains(text, "|") && markdownRuleRe.MatchString(text)
}

func Markdown(t *domain.TableSpec) string {
	if t == nil || len(t.Rows) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("| " + strings.Join(t.Columns, " | ") + " |\n")
	b.WriteString("|" + strings.Repeat(" --- |", len(t.Columns)) + "\n")
	for _, row := range t.Rows {
		cells := make([]string, len(t.Columns))
		for i, c := range t.Columns {
			cells[i] = strings.ReplaceAll(domain.Stringify(row[c]), "|", "/")
		}
		b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
	}
	return b.String()
}

// Citations references the top records and the cited fields they carry.
func Citations(hits []domain.SearchHit) []domain.Citation {
	out := make([]domain.Citation, 0, min(len(hits), maxCitations))
	for _, h := range hits[:min(len(hits), maxCitations)] {
		c := domain.Citation{RecordID: h.ID, DisplayKey: displayKey(h)}
		for _, f := range citationFields {
			if h.String(f) != "" {
				c.FieldsUsed = append(c.FieldsUsed, f)
			}
		}
		out = append(out, c)
	}
	return out
}

func displayKey(h domain.SearchHit) string {
	if v := h.String("container_number"); v != "" {
		return v
	}
	for _, f := range []string{"po_numbers", "booking_numbers", "obl_nos"} {
		if v := h.String(f); v != "" {
			first, _, _ := strings.Cut(v, ",")
			return strings.TrimSpace(first)
		}
	}
	return h.ID
}

// PaginationHint tells the user more records exist beyond the current page.
func PaginationHint(shown, skip int, agg domain.Aggregates) string {
	if !agg.Exact || agg.Count <= int64(skip+shown) || shown == 0 {
		return ""
	}
	return fmt.Sprintf("Showing %d-%d of %d results. Say \"show more\" to see the next page.", skip+1, skip+shown, agg.Count)
}

type bucket struct {
	name string
	days int
}

var arrivalBuckets = []bucket{
	{"today", 1},
	{"this_week", 7},
	{"this_fortnight", 14},
	{"this_month", 30},
}

var chartCueRe = regexp.MustCompile(`(?i)\b(chart|graph|plot|bucket|breakdown|arriv(?:e|es|ing|al|als))\b`)

const (
	categoryHot    = "hot"
	categoryNormal = "normal"
)

// ArrivalChart buckets the hits by how soon they arrive. Each bucket counts
// records arriving in [start of today, start of today + N days). Only the
// category the question names is charted; otherwise hot and normal both are.
func ArrivalChart(question string, hits []domain.SearchHit, now time.Time, finalDest bool) *domain.ChartSpec {
	if len(hits) == 0 || !chartCueRe.MatchString(question) {
		return nil
	}
	fields := []string{"eta_dp_date", "optimal_ata_dp_date"}
	title := "Arrivals at discharge port"
	if finalDest {
		fields = []string{"eta_fd_date", "optimal_eta_fd_date"}
		title = "Arrivals at final destination"
	}

	q := strings.ToLower(question)
	categories := []string{categoryHot, categoryNormal}
	switch {
	case strings.Contains(q, "hot") && !strings.Contains(q, "non-hot") && !strings.Contains(q, "normal"):
		categories = []string{categoryHot}
	case strings.Contains(q, "non-hot") || strings.Contains(q, "normal") || strings.Contains(q, "regular"):
		categories = []string{categoryNormal}
	}

	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	data := make([]map[string]any, 0, len(arrivalBuckets)*len(categories))
	nonZero := false
	for _, b := range arrivalBuckets {
		end := start.AddDate(0, 0, b.days)
		for _, cat := range categories {
			n := 0
			for _, h := range hits {
				if (cat == categoryHot) != h.Bool("hot_container_flag") {
					continue
				}
				t, ok := h.Time(fields...)
				if ok && !t.Before(start) && t.Before(end) {
					n++
				}
			}
			if n > 0 {
				nonZero = true
			}
			data = append(data, map[string]any{"bucket": b.name, "category": cat, "count": n})
		}
	}
	if !nonZero {
		return nil
	}
	return &domain.ChartSpec{
		Kind:      "bar",
		Title:     title,
		Data:      data,
		Encodings: map[string]string{"x": "bucket", "y": "count", "color": "category"},
	}
}
