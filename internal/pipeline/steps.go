package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/antigravity-dev/docket/internal/config"
	"github.com/antigravity-dev/docket/internal/extract"
	"github.com/antigravity-dev/docket/internal/review"
	"github.com/antigravity-dev/docket/internal/store"
	"github.com/antigravity-dev/docket/internal/validate"
)

// PayloadSchemaVersion tags every extraction payload written to disk or the
// store.
const PayloadSchemaVersion = "1.0.0"

const lockedFieldConfidence = 0.99

// OutputWriter persists the extraction payload and returns artifact paths.
// *outputs.Writer is the production implementation.
type OutputWriter interface {
	Write(documentID string, payload map[string]any) (map[string]string, error)
}

// StepDeps carries the shared services the built-in steps close over.
type StepDeps struct {
	Text             extract.TextExtractor
	Structured       extract.StructuredExtractor
	Writer           OutputWriter
	Store            *store.Store
	Queue            *review.Queue
	Rules            validate.Rules
	ReviewSLAMinutes int
}

// NewDefaultRegistry registers the built-in invoice steps against deps.
func NewDefaultRegistry(deps StepDeps) (*Registry, error) {
	r := NewRegistry()
	handlers := map[string]Handler{
		"ocr":                  OCRStep{Extractor: deps.Text},
		"llm_extract":          LLMExtractStep{Extractor: deps.Structured},
		"normalize_line_items": NormalizeStep{},
		"validate":             ValidateStep{Rules: deps.Rules},
		"write_outputs":        WriteOutputsStep{Writer: deps.Writer},
		"persist":              PersistStep{Store: deps.Store},
		"review_gate":          ReviewGateStep{Queue: deps.Queue, SLAMinutes: deps.ReviewSLAMinutes},
	}
	for kind, h := range handlers {
		if err := r.Register(kind, h); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// OCRStep turns the document bytes into raw text. An unsupported content
// type is a programmer error and fails the run outright; everything else the
// extractor degrades to empty text internally.
type OCRStep struct {
	Extractor extract.TextExtractor
}

func (s OCRStep) Run(ctx context.Context, rc *RunContext, step config.Step) error {
	text, err := s.Extractor.ExtractText(ctx, rc.FileBytes, rc.ContentType)
	if err != nil {
		var unsupported *extract.UnsupportedContentTypeError
		if errors.As(err, &unsupported) {
			return Fatal(err)
		}
		return err
	}
	rc.Text = text
	return nil
}

// LLMExtractStep asks the structured extractor for invoice fields, then lays
// human-locked values over the result. Locked keys carry a fixed near-certain
// confidence so validation does not send corrected documents back to review.
type LLMExtractStep struct {
	Extractor extract.StructuredExtractor
}

func (s LLMExtractStep) Run(ctx context.Context, rc *RunContext, step config.Step) error {
	extraction, err := s.Extractor.Extract(ctx, rc.Text)
	if err != nil {
		return err
	}

	fields := extraction.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	confidence := extraction.Confidence
	if confidence == nil {
		confidence = map[string]float64{}
	}
	for name, value := range rc.LockedFields {
		fields[name] = value
		confidence[name] = lockedFieldConfidence
	}

	rc.SetFields(fields)
	rc.SetFieldConfidences(confidence)
	return nil
}

// NormalizeStep canonicalizes line-item keys, processing items concurrently
// up to the step's max_concurrency.
type NormalizeStep struct{}

func (NormalizeStep) Run(ctx context.Context, rc *RunContext, step config.Step) error {
	raw, ok := rc.Field("line_items")
	if !ok {
		return nil
	}
	items, ok := raw.([]any)
	if !ok || len(items) == 0 {
		return nil
	}

	limit := step.MaxConcurrency
	if limit <= 0 {
		limit = 10
	}

	normalized := make([]any, len(items))
	g := new(errgroup.Group)
	g.SetLimit(limit)
	for i, entry := range items {
		g.Go(func() error {
			normalized[i] = normalizeLineItem(entry)
			return nil
		})
	}
	g.Wait()

	rc.SetField("line_items", normalized)
	return nil
}

var lineItemAliases = map[string]string{
	"qty":       "quantity",
	"unitPrice": "unit_price",
}

func normalizeLineItem(entry any) any {
	item, ok := entry.(map[string]any)
	if !ok {
		return entry
	}
	out := make(map[string]any, len(item))
	for key, value := range item {
		out[key] = value
	}
	for alias, canonical := range lineItemAliases {
		value, present := out[alias]
		if !present {
			continue
		}
		if _, taken := out[canonical]; !taken {
			out[canonical] = value
		}
		delete(out, alias)
	}
	return out
}

// ValidateStep runs the field rules and confidence thresholds and flags the
// run for review when anything fails.
type ValidateStep struct {
	Rules validate.Rules
}

func (s ValidateStep) Run(ctx context.Context, rc *RunContext, step config.Step) error {
	errs := validate.Validate(rc.Fields(), rc.FieldConfidence(), s.Rules)
	rc.SetValidationErrors(errs)
	rc.NeedsReview = len(errs) > 0
	return nil
}

// WriteOutputsStep assembles the canonical extraction payload and writes the
// on-disk artifacts.
type WriteOutputsStep struct {
	Writer OutputWriter
}

func (s WriteOutputsStep) Run(ctx context.Context, rc *RunContext, step config.Step) error {
	payload := map[string]any{
		"schema_version":    PayloadSchemaVersion,
		"document_id":       rc.DocumentID,
		"content_hash":      contentHash(rc.DocumentID, rc.FileBytes),
		"fields":            rc.Fields(),
		"validation_errors": rc.ValidationErrors(),
		"status":            runStatus(rc),
	}
	rc.Payload = payload

	outputs, err := s.Writer.Write(rc.DocumentID, payload)
	if err != nil {
		return err
	}
	rc.Outputs = outputs
	return nil
}

func contentHash(documentID string, fileBytes []byte) string {
	h := sha256.New()
	h.Write([]byte(documentID))
	h.Write([]byte("|"))
	h.Write(fileBytes)
	return hex.EncodeToString(h.Sum(nil))
}

func runStatus(rc *RunContext) string {
	if rc.NeedsReview {
		return "review_pending"
	}
	return "completed"
}

// PersistStep commits the run's result to the store in one transaction.
type PersistStep struct {
	Store *store.Store
}

func (s PersistStep) Run(ctx context.Context, rc *RunContext, step config.Step) error {
	return s.Store.PersistResult(rc.DocumentID, rc.JobID, rc.Payload, runStatus(rc), rc.Outputs)
}

// ReviewGateStep enqueues a review item when validation flagged the run,
// classifying why.
type ReviewGateStep struct {
	Queue      *review.Queue
	SLAMinutes int
}

func (s ReviewGateStep) Run(ctx context.Context, rc *RunContext, step config.Step) error {
	if !rc.NeedsReview {
		return nil
	}
	reason := classifyReviewReason(rc.ValidationErrors())
	_, err := s.Queue.Enqueue(rc.DocumentID, rc.JobID, reason, rc.Payload, rc.LockedFields, s.SLAMinutes)
	return err
}

func classifyReviewReason(errs []string) string {
	var validation, confidence bool
	for _, e := range errs {
		if strings.HasPrefix(e, "low_confidence:") {
			confidence = true
		} else {
			validation = true
		}
	}
	switch {
	case validation && confidence:
		return "validation_failed_and_low_confidence"
	case validation:
		return "validation_failed"
	case confidence:
		return "low_confidence"
	default:
		return "validation_failed_or_low_confidence"
	}
}
