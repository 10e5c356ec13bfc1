package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SearchHit is one retrieved record. Fields holds the promoted top-level
// values; Metadata holds the side-blob for everything else.
type SearchHit struct {
	ID       string         `json:"id"`
	Score    float64        `json:"score"`
	Fields   map[string]any `json:"fields,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Value returns the top-level field, falling back to metadata.
func (h SearchHit) Value(field string) (any, bool) {
	if v, ok := h.Fields[field]; ok && !isBlank(v) {
		return v, true
	}
	if v, ok := h.Metadata[field]; ok && !isBlank(v) {
		return v, true
	}
	return nil, false
}

// String renders a field as text; lists are comma-joined.
func (h SearchHit) String(field string) string {
	v, ok := h.Value(field)
	if !ok {
		return ""
	}
	return Stringify(v)
}

// Time parses the first of fields that holds a recognizable date.
func (h SearchHit) Time(fields ...string) (time.Time, bool) {
	for _, f := range fields {
		if t, ok := ParseTime(h.String(f)); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

func (h SearchHit) Number(field string) (float64, bool) {
	v, ok := h.Value(field)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case bool:
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(Stringify(v)), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func (h SearchHit) Bool(field string) bool {
	v, ok := h.Value(field)
	if !ok {
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		return err == nil && parsed
	}
	return false
}

type FacetValue struct {
	Value string `json:"value"`
	Count int64  `json:"count"`
}

// Aggregates summarizes the result set behind the returned hits.
type Aggregates struct {
	Count  int64                   `json:"count"`
	Exact  bool                    `json:"exact"`
	Facets map[string][]FacetValue `json:"facets,omitempty"`
}

// Stringify renders a decoded JSON value for display.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []string:
		return strings.Join(t, ", ")
	case []any:
		parts := make([]string, 0, len(t))
		for _, x := range t {
			if s := Stringify(x); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func isBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	}
	return false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
	"02-Jan-06",
}

// ParseTime accepts the date formats seen in indexed shipment records.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// DisplayDateLayout is the fixed presentation format for dates.
const DisplayDateLayout = "02-Jan-06"

// FormatDate renders s in DisplayDateLayout when it parses, else returns it unchanged.
func FormatDate(s string) string {
	if t, ok := ParseTime(s); ok {
		return t.Format(DisplayDateLayout)
	}
	return s
}
