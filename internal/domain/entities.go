package domain

type EntityKind string

const (
	EntityContainer     EntityKind = "container"
	EntityPurchaseOrder EntityKind = "purchase_order"
	EntityBooking       EntityKind = "booking"
	EntityBillOfLading  EntityKind = "bill_of_lading"
	EntityLocation      EntityKind = "location"
	EntityCarrier       EntityKind = "carrier"
	EntityStatus        EntityKind = "status_keyword"
	EntityDateRange     EntityKind = "date_range"
)

// IdentifierKinds are the entity kinds that name a specific shipment record.
var IdentifierKinds = []EntityKind{EntityContainer, EntityPurchaseOrder, EntityBooking, EntityBillOfLading}

// ExtractedEntities maps entity kinds to normalized values. Identifier values
// are upper-cased and de-duplicated per kind. A token may appear under more
// than one identifier kind when its class is ambiguous.
type ExtractedEntities struct {
	Values map[EntityKind][]string `json:"values,omitempty"`
	// TimeWindowDays is the relative "next N days" window, 0 when absent.
	TimeWindowDays int `json:"time_window_days,omitempty"`
}

func (e ExtractedEntities) Get(kind EntityKind) []string {
	return e.Values[kind]
}

// Add appends values not already present under kind.
func (e *ExtractedEntities) Add(kind EntityKind, values ...string) {
	if e.Values == nil {
		e.Values = make(map[EntityKind][]string)
	}
	for _, v := range values {
		if v == "" || contains(e.Values[kind], v) {
			continue
		}
		e.Values[kind] = append(e.Values[kind], v)
	}
}

// Identifiers returns every identifier value in kind order without repeats.
func (e ExtractedEntities) Identifiers() []string {
	var out []string
	for _, kind := range IdentifierKinds {
		for _, v := range e.Values[kind] {
			if !contains(out, v) {
				out = append(out, v)
			}
		}
	}
	return out
}

// KindsOf returns the identifier kinds that carry token.
func (e ExtractedEntities) KindsOf(token string) []EntityKind {
	var kinds []EntityKind
	for _, kind := range IdentifierKinds {
		if contains(e.Values[kind], token) {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

func (e ExtractedEntities) Empty() bool {
	for _, v := range e.Values {
		if len(v) > 0 {
			return false
		}
	}
	return e.TimeWindowDays == 0
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
