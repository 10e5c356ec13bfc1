package answer

import (
	"fmt"
	"sort"
	"strings"

	"shipment-qna/internal/domain"
)

const (
	maxContextHits   = 10
	maxExtraFields   = 8
	maxExtraValueLen = 200
)

// PriorityFields are always rendered first for each record, in this order.
var PriorityFields = []string{
	"container_number",
	"shipment_status",
	"po_numbers",
	"booking_numbers",
	"obl_nos",
	"hot_container_flag",
	"load_port",
	"discharge_port",
	"final_destination",
	"eta_dp_date",
	"optimal_ata_dp_date",
	"ata_dp_date",
	"eta_fd_date",
	"optimal_eta_fd_date",
	"dp_delayed_dur",
	"fd_delayed_dur",
	"final_carrier_name",
	"final_vessel_name",
	"empty_container_return_date",
}

var dateFields = map[string]struct{}{
	"eta_dp_date":                 {},
	"ata_dp_date":                 {},
	"optimal_ata_dp_date":         {},
	"eta_fd_date":                 {},
	"optimal_eta_fd_date":         {},
	"empty_container_return_date": {},
}

func isPriority(field string) bool {
	for _, f := range PriorityFields {
		if f == field {
			return true
		}
	}
	return false
}

// displayValue renders a record value, with dates in the fixed display layout.
func displayValue(h domain.SearchHit, field string) string {
	v := h.String(field)
	if _, ok := dateFields[field]; ok {
		return domain.FormatDate(v)
	}
	return v
}

// extraFields picks a bounded, sorted set of metadata fields that are not
// priority fields. Consignee data and long free text are never included.
func extraFields(h domain.SearchHit) []string {
	var out []string
	for k, v := range h.Metadata {
		if isPriority(k) || strings.Contains(strings.ToLower(k), "consignee") {
			continue
		}
		s := domain.Stringify(v)
		if s == "" || len(s) >= maxExtraValueLen {
			continue
		}
		out = append(out, k)
	}
	sort.Strings(out)
	if len(out) > maxExtraFields {
		out = out[:maxExtraFields]
	}
	return out
}

// BuildContext renders the grounding block handed to the synthesis call.
func BuildContext(hits []domain.SearchHit, agg domain.Aggregates, analytics bool) string {
	var b strings.Builder
	if analytics || agg.Exact {
		b.WriteString("--- Aggregates ---\n")
		if agg.Exact {
			fmt.Fprintf(&b, "Total matches: %d\n", agg.Count)
		} else {
			fmt.Fprintf(&b, "Matches in retrieved set: %d (total may be higher)\n", agg.Count)
		}
		facetNames := make([]string, 0, len(agg.Facets))
		for name := range agg.Facets {
			facetNames = append(facetNames, name)
		}
		sort.Strings(facetNames)
		for _, name := range facetNames {
			parts := make([]string, 0, len(agg.Facets[name]))
			for _, fv := range agg.Facets[name] {
				parts = append(parts, fmt.Sprintf("%s=%d", fv.Value, fv.Count))
			}
			fmt.Fprintf(&b, "By %s: %s\n", name, strings.Join(parts, ", "))
		}
	}

	for i, h := range hits[:min(len(hits), maxContextHits)] {
		fmt.Fprintf(&b, "\n--- Record %d (id: %s) ---\n", i+1, h.ID)
		for _, f := range PriorityFields {
			if v := displayValue(h, f); v != "" {
				fmt.Fprintf(&b, "%s: %s\n", f, v)
			}
		}
		for _, f := range extraFields(h) {
			fmt.Fprintf(&b, "%s: %s\n", f, domain.Stringify(h.Metadata[f]))
		}
	}
	return b.String()
}
