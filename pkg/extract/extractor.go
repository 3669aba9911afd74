// Package extract recovers a file mapping from free-form model output.
package extract

import (
	"unicode/utf8"

	apperrors "github.com/kagent-dev/codegen/pkg/errors"
	"github.com/kagent-dev/codegen/pkg/filemap"
	"github.com/kagent-dev/codegen/pkg/metrics"
)

// DefaultPreviewLimit bounds the raw-text preview attached to unrecoverable failures.
const DefaultPreviewLimit = 500

// Result is a successfully recovered file mapping.
type Result struct {
	Files    filemap.Mapping   `json:"files"`
	Strategy string            `json:"strategy"`
	Warnings []filemap.Warning `json:"warnings,omitempty"`
}

// Extractor runs the ordered recovery chain over model output.
type Extractor struct {
	strategies   []Strategy
	repair       bool
	previewLimit int
	observer     metrics.Observer
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithRepair enables or disables the trailing syntax-repair strategy.
func WithRepair(enabled bool) Option {
	return func(e *Extractor) { e.repair = enabled }
}

// WithPreviewLimit sets the preview length in runes.
func WithPreviewLimit(n int) Option {
	return func(e *Extractor) {
		if n > 0 {
			e.previewLimit = n
		}
	}
}

// WithObserver reports extraction outcomes to o.
func WithObserver(o metrics.Observer) Option {
	return func(e *Extractor) { e.observer = metrics.OrNop(o) }
}

// WithStrategies replaces the recovery chain that runs after boundary slicing.
func WithStrategies(strategies ...Strategy) Option {
	return func(e *Extractor) { e.strategies = strategies }
}

// New creates a new Extractor
func New(opts ...Option) *Extractor {
	e := &Extractor{
		repair:       true,
		previewLimit: DefaultPreviewLimit,
		observer:     metrics.NopObserver{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.strategies == nil {
		e.strategies = DefaultStrategies(e.repair)
	}
	return e
}

// Extract recovers a validated file mapping from raw model text. The first
// strategy that yields a usable mapping wins; later strategies never run.
func (e *Extractor) Extract(raw string) (*Result, error) {
	candidate, err := SliceBoundary(StripFences(raw))
	if err != nil {
		e.observer.RecordExtraction("", err)
		return nil, err
	}

	for _, s := range e.strategies {
		value, warnings, err := s.Apply(candidate)
		if err != nil {
			continue
		}

		// A successful parse ends the chain even when validation rejects it.
		files, dropped, err := filemap.FromValue(value)
		if err != nil {
			e.observer.RecordExtraction(s.Name, err)
			return nil, err
		}

		e.observer.RecordExtraction(s.Name, nil)
		return &Result{
			Files:    files,
			Strategy: s.Name,
			Warnings: append(warnings, dropped...),
		}, nil
	}

	failure := apperrors.New(apperrors.ErrCodeUnrecoverable,
		"model output could not be recovered as a JSON object", nil).
		WithDetail("preview", Preview(raw, e.previewLimit)).
		WithDetail("length", len(raw))
	e.observer.RecordExtraction("", failure)
	return nil, failure
}

// Preview truncates s to at most limit runes.
func Preview(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "…"
}

var defaultExtractor = New()

// Extract runs the default extractor over raw.
func Extract(raw string) (*Result, error) {
	return defaultExtractor.Extract(raw)
}
