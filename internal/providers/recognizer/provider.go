// Package recognizer is the boundary to the external document-recognition
// API. Its output is untrusted input: the caller normalizes every value
// before it becomes a patch.
package recognizer

import "context"

// FieldValue is one recognized field with its confidence score in [0,1].
type FieldValue struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// Result is the unordered field map plus the raw text blob.
type Result struct {
	Fields  map[string]FieldValue `json:"fields"`
	RawText string                `json:"raw_text"`
}

// Provider extracts structured fields from a document.
type Provider interface {
	Extract(ctx context.Context, document []byte, fileName string) (*Result, error)
}
