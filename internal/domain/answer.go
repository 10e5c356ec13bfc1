package domain

// Citation points at a record the answer was grounded on.
type Citation struct {
	RecordID   string   `json:"record_id"`
	DisplayKey string   `json:"display_key,omitempty"`
	FieldsUsed []string `json:"fields_used,omitempty"`
}

type ChartSpec struct {
	Kind      string            `json:"kind"`
	Title     string            `json:"title,omitempty"`
	Data      []map[string]any  `json:"data"`
	Encodings map[string]string `json:"encodings"`
}

type TableSpec struct {
	Title   string           `json:"title,omitempty"`
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
}

type JudgeVerdict struct {
	Satisfied bool   `json:"satisfied"`
	Feedback  string `json:"feedback,omitempty"`
}
