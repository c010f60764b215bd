// Package extract talks to the OCR and LLM providers that turn document
// bytes into typed invoice fields.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/antigravity-dev/docket/internal/config"
)

// TextExtractor produces raw text from document bytes. Implementations
// return empty text on provider trouble so the pipeline can escalate to
// review instead of dying mid-run; only programmer errors (such as an
// unsupported content type) surface as errors.
type TextExtractor interface {
	ExtractText(ctx context.Context, fileBytes []byte, contentType string) (string, error)
}

// Extraction is the structured extractor's result: typed invoice fields and
// a heuristic confidence score per field.
type Extraction struct {
	Fields     map[string]any
	Confidence map[string]float64
}

// StructuredExtractor turns OCR text into invoice fields. A malformed or
// schema-incompatible model response is not an error: it yields all-null
// fields with zero confidence, which validation then routes to review.
// Errors are reserved for transport failures, which the runner retries.
type StructuredExtractor interface {
	Extract(ctx context.Context, text string) (Extraction, error)
}

// UnsupportedContentTypeError rejects document types no provider path can
// handle.
type UnsupportedContentTypeError struct {
	ContentType string
}

func (e *UnsupportedContentTypeError) Error() string {
	return "unsupported_content_type:" + e.ContentType
}

// supportedContentType reports whether any extraction path accepts ct.
func supportedContentType(ct string) bool {
	switch ct {
	case "image/png", "image/jpeg", "image/jpg", "application/pdf", "application/octet-stream":
		return true
	}
	return false
}

// StructuredFactory builds a structured extractor from the LLM config.
type StructuredFactory func(cfg config.LLM, logger *slog.Logger) StructuredExtractor

var (
	structuredMu       sync.RWMutex
	structuredRegistry = make(map[string]StructuredFactory)
)

// RegisterStructuredProvider adds a structured-extractor factory to the
// registry.
func RegisterStructuredProvider(name string, factory StructuredFactory) {
	structuredMu.Lock()
	defer structuredMu.Unlock()
	structuredRegistry[name] = factory
}

// NewStructuredExtractor builds the extractor named by cfg.Provider.
func NewStructuredExtractor(cfg config.LLM, logger *slog.Logger) (StructuredExtractor, error) {
	structuredMu.RLock()
	factory, ok := structuredRegistry[cfg.Provider]
	structuredMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("extract: unknown llm provider %q", cfg.Provider)
	}
	return factory(cfg, logger), nil
}

// ListStructuredProviders returns the registered provider names.
func ListStructuredProviders() []string {
	structuredMu.RLock()
	defer structuredMu.RUnlock()
	names := make([]string, 0, len(structuredRegistry))
	for name := range structuredRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
