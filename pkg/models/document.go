package models

import "time"

// GeneratedDocument is one candidate produced by a generator (or by the
// combine phase). Created once a generator call succeeds and never mutated.
type GeneratedDocument struct {
	DocID   string `json:"doc_id"`
	Content string `json:"content"`

	Generator   GeneratorKind `json:"generator"`
	Model       string        `json:"model"`
	SourceDocID string        `json:"source_doc_id"`
	Iteration   int           `json:"iteration"`

	CostUSD         float64    `json:"cost_usd"`
	DurationSeconds float64    `json:"duration_seconds"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// Combined reports whether this document was produced by the combine phase.
func (d *GeneratedDocument) Combined() bool {
	return len(d.DocID) > 9 && d.DocID[:9] == "combined."
}
