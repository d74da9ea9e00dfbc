package domain

// Document is a passage returned by a similarity search.
type Document struct {
	Text     string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
	Score    *float64       `json:"score,omitempty"`
}
