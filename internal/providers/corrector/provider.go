// Package corrector asks a language model to re-read low-confidence
// fields. Its responses are free text that may or may not contain JSON;
// the client tolerates both without raising.
package corrector

import "context"

// Request carries the low-confidence field list and the canonical
// extraction the prompt is built from.
type Request struct {
	LowConfidenceFields []string
	Extraction          map[string]string
	RawText             string
}

// Provider proposes corrected values keyed by field name. An empty map is
// a valid answer.
type Provider interface {
	Correct(ctx context.Context, req Request) (map[string]string, error)
}
