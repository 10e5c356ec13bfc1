package plan

import (
	"fmt"
	"sort"
	"strings"

	"shipment-qna/internal/domain"
)

// Fields that plan predicates may reference. The scope field is deliberately
// absent: only the retriever adds the authorization predicate.
var AllowedFields = map[string]struct{}{
	"container_number":            {},
	"shipment_status":             {},
	"po_numbers":                  {},
	"booking_numbers":             {},
	"obl_nos":                     {},
	"discharge_port":              {},
	"final_destination":           {},
	"load_port":                   {},
	"final_carrier_name":          {},
	"true_carrier_scac_name":      {},
	"first_vessel_name":           {},
	"final_vessel_name":           {},
	"hot_container_flag":          {},
	"eta_dp_date":                 {},
	"ata_dp_date":                 {},
	"optimal_ata_dp_date":         {},
	"eta_fd_date":                 {},
	"optimal_eta_fd_date":         {},
	"delayed_dp":                  {},
	"delayed_fd":                  {},
	"dp_delayed_dur":              {},
	"fd_delayed_dur":              {},
	"empty_container_return_date": {},
}

var filterKeywords = map[string]struct{}{
	"and": {}, "or": {}, "not": {},
	"eq": {}, "ne": {}, "gt": {}, "ge": {}, "lt": {}, "le": {},
	"true": {}, "false": {}, "null": {},
	"search.in": {}, "search.ismatch": {},
}

type fieldSpec struct {
	name       string
	collection bool
}

var identifierFields = map[domain.EntityKind]fieldSpec{
	domain.EntityContainer:     {name: "container_number"},
	domain.EntityPurchaseOrder: {name: "po_numbers", collection: true},
	domain.EntityBooking:       {name: "booking_numbers", collection: true},
	domain.EntityBillOfLading:  {name: "obl_nos", collection: true},
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// matchClause renders equality for one value or set membership for several.
func matchClause(spec fieldSpec, values []string) string {
	if len(values) == 1 {
		if spec.collection {
			return fmt.Sprintf("%s/any(v: v eq %s)", spec.name, quote(values[0]))
		}
		return fmt.Sprintf("%s eq %s", spec.name, quote(values[0]))
	}
	set := quote(strings.Join(values, ","))
	if spec.collection {
		return fmt.Sprintf("%s/any(v: search.in(v, %s, ','))", spec.name, set)
	}
	return fmt.Sprintf("search.in(%s, %s, ',')", spec.name, set)
}

// IdentifierClauses builds one clause per identifier class. Tokens that sit in
// several class pools are grouped by their class set and rendered as a single
// OR across every matching class.
func IdentifierClauses(ents domain.ExtractedEntities) []string {
	type group struct {
		kinds  []domain.EntityKind
		values []string
	}
	groups := map[string]*group{}
	var order []string
	for _, tok := range ents.Identifiers() {
		kinds := ents.KindsOf(tok)
		parts := make([]string, len(kinds))
		for i, k := range kinds {
			parts[i] = string(k)
		}
		key := strings.Join(parts, "|")
		g, ok := groups[key]
		if !ok {
			g = &group{kinds: kinds}
			groups[key] = g
			order = append(order, key)
		}
		g.values = append(g.values, tok)
	}

	clauses := make([]string, 0, len(order))
	for _, key := range order {
		g := groups[key]
		if len(g.kinds) == 1 {
			clauses = append(clauses, matchClause(identifierFields[g.kinds[0]], g.values))
			continue
		}
		alts := make([]string, len(g.kinds))
		for i, k := range g.kinds {
			alts[i] = matchClause(identifierFields[k], g.values)
		}
		clauses = append(clauses, "("+strings.Join(alts, " or ")+")")
	}
	return clauses
}

func ismatch(text string, fields ...string) string {
	return fmt.Sprintf("search.ismatch(%s, %s)", quote(text), quote(strings.Join(fields, ",")))
}

func orGroup(clauses []string) string {
	if len(clauses) == 1 {
		return clauses[0]
	}
	return "(" + strings.Join(clauses, " or ") + ")"
}

// StatusClauses maps status keywords to predicates. "hot" becomes the boolean
// flag; "delayed" and "on time" are left to the post-filter.
func StatusClauses(keywords []string) []string {
	var clauses, statuses []string
	for _, kw := range keywords {
		switch kw {
		case "hot":
			clauses = append(clauses, "hot_container_flag eq true")
		case "delayed", "on time":
		case "not delivered":
			clauses = append(clauses, "not "+ismatch("delivered", "shipment_status"))
		default:
			statuses = append(statuses, ismatch(kw, "shipment_status"))
		}
	}
	if len(statuses) > 0 {
		clauses = append(clauses, orGroup(statuses))
	}
	return clauses
}

// LocationClause matches any of locations against the discharge port, or the
// final destination when finalDest is set.
func LocationClause(locations []string, finalDest bool) string {
	if len(locations) == 0 {
		return ""
	}
	field := "discharge_port"
	if finalDest {
		field = "final_destination"
	}
	alts := make([]string, len(locations))
	for i, l := range locations {
		alts[i] = ismatch(l, field)
	}
	return orGroup(alts)
}

func CarrierClause(carriers []string) string {
	if len(carriers) == 0 {
		return ""
	}
	alts := make([]string, len(carriers))
	for i, c := range carriers {
		alts[i] = ismatch(c, "final_carrier_name", "true_carrier_scac_name")
	}
	return orGroup(alts)
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokString
	tokNumber
	tokPunct
)

type token struct {
	kind  tokenKind
	text  string
	start int
	end   int
}

func tokenize(s string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '\'':
			j := i + 1
			var b strings.Builder
			closed := false
			for j < len(s) {
				if s[j] == '\'' {
					if j+1 < len(s) && s[j+1] == '\'' {
						b.WriteByte('\'')
						j += 2
						continue
					}
					closed = true
					j++
					break
				}
				b.WriteByte(s[j])
				j++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated string at %d", i)
			}
			toks = append(toks, token{kind: tokString, text: b.String(), start: i, end: j})
			i = j
		case c >= '0' && c <= '9' || c == '-' && i+1 < len(s) && s[i+1] >= '0' && s[i+1] <= '9':
			j := i + 1
			for j < len(s) && (s[j] >= '0' && s[j] <= '9' || s[j] == '.') {
				j++
			}
			toks = append(toks, token{kind: tokNumber, text: s[i:j], start: i, end: j})
			i = j
		case isIdentStart(c):
			j := i + 1
			for j < len(s) && isIdentPart(s[j]) {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: s[i:j], start: i, end: j})
			i = j
		case c == '(' || c == ')' || c == ',' || c == ':':
			toks = append(toks, token{kind: tokPunct, text: string(c), start: i, end: i + 1})
			i++
		default:
			return nil, fmt.Errorf("unexpected character %q at %d", c, i)
		}
	}
	return toks, nil
}

func isIdentStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9' || c == '.' || c == '/'
}

// ValidateFilter checks every identifier token in filter against the field
// allow-list and the keyword list. Lambda variables declared with "x:" inside
// any/all are accepted after their declaration.
func ValidateFilter(filter string) error {
	toks, err := tokenize(filter)
	if err != nil {
		return domain.NewFailure(domain.FailureUnsafeFilter, err.Error(), nil)
	}
	depth := 0
	lambdas := map[string]struct{}{}
	for i, t := range toks {
		switch t.kind {
		case tokPunct:
			if t.text == "(" {
				depth++
			} else if t.text == ")" {
				depth--
				if depth < 0 {
					return domain.NewFailure(domain.FailureUnsafeFilter, "unbalanced parentheses", nil)
				}
			}
		case tokIdent:
			if i >= 2 && i+1 < len(toks) && toks[i+1].text == ":" && toks[i-1].text == "(" &&
				(strings.HasSuffix(toks[i-2].text, "/any") || strings.HasSuffix(toks[i-2].text, "/all")) {
				lambdas[t.text] = struct{}{}
				continue
			}
			if err := checkIdent(t.text, lambdas); err != nil {
				return err
			}
			if strings.EqualFold(t.text, "search.ismatch") && i+4 < len(toks) &&
				toks[i+1].text == "(" && toks[i+2].kind == tokString && toks[i+3].text == "," && toks[i+4].kind == tokString {
				for _, f := range strings.Split(toks[i+4].text, ",") {
					if _, ok := AllowedFields[strings.TrimSpace(f)]; !ok {
						return domain.NewFailure(domain.FailureUnsafeFilter, fmt.Sprintf("field %q is not allowed", f), nil)
					}
				}
			}
		}
	}
	if depth != 0 {
		return domain.NewFailure(domain.FailureUnsafeFilter, "unbalanced parentheses", nil)
	}
	return nil
}

func checkIdent(id string, lambdas map[string]struct{}) error {
	lower := strings.ToLower(id)
	if _, ok := filterKeywords[lower]; ok {
		return nil
	}
	if _, ok := lambdas[id]; ok {
		return nil
	}
	if base, op, found := strings.Cut(id, "/"); found {
		if _, ok := AllowedFields[base]; ok && (op == "any" || op == "all") {
			return nil
		}
		return domain.NewFailure(domain.FailureUnsafeFilter, fmt.Sprintf("field %q is not allowed", id), nil)
	}
	if _, ok := AllowedFields[id]; ok {
		return nil
	}
	return domain.NewFailure(domain.FailureUnsafeFilter, fmt.Sprintf("token %q is not allowed", id), nil)
}

// FieldsOf returns the allow-listed fields a predicate references, sorted.
func FieldsOf(filter string) []string {
	toks, err := tokenize(filter)
	if err != nil {
		return nil
	}
	seen := map[string]struct{}{}
	for i, t := range toks {
		if t.kind == tokIdent {
			base, _, _ := strings.Cut(t.text, "/")
			if _, ok := AllowedFields[base]; ok {
				seen[base] = struct{}{}
			}
		}
		if t.kind == tokString && i >= 2 && toks[i-1].text == "," && toks[i-2].kind == tokString {
			for _, f := range strings.Split(t.text, ",") {
				if _, ok := AllowedFields[strings.TrimSpace(f)]; ok {
					seen[strings.TrimSpace(f)] = struct{}{}
				}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// SplitTopLevel splits a predicate on its top-level "and" operators. A
// predicate with a top-level "or" is returned whole since splitting it would
// change its meaning.
func SplitTopLevel(filter string) []string {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return nil
	}
	toks, err := tokenize(filter)
	if err != nil {
		return []string{filter}
	}
	depth := 0
	var cuts []token
	for _, t := range toks {
		switch {
		case t.text == "(":
			depth++
		case t.text == ")":
			depth--
		case t.kind == tokIdent && depth == 0 && strings.EqualFold(t.text, "or"):
			return []string{filter}
		case t.kind == tokIdent && depth == 0 && strings.EqualFold(t.text, "and"):
			cuts = append(cuts, t)
		}
	}
	var parts []string
	prev := 0
	for _, c := range cuts {
		if p := strings.TrimSpace(filter[prev:c.start]); p != "" {
			parts = append(parts, p)
		}
		prev = c.end
	}
	if p := strings.TrimSpace(filter[prev:]); p != "" {
		parts = append(parts, p)
	}
	return parts
}
