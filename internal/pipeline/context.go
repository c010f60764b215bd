package pipeline

import "sync"

// RunContext carries one document's state through a workflow run. Steps in
// the same layer execute concurrently, so shared maps are accessed through
// the locked helpers; plain fields belong to exactly one producing step.
type RunContext struct {
	JobID       string
	DocumentID  string
	ContentType string
	FileBytes   []byte

	Text        string
	NeedsReview bool

	// Extraction payload as persisted and written to disk.
	Payload map[string]any
	// Output name -> path, filled by write_outputs.
	Outputs map[string]string

	// Human-corrected values that override extraction, loaded before the run.
	LockedFields map[string]any

	mu               sync.Mutex
	fields           map[string]any
	fieldConfidence  map[string]float64
	validationErrors []string
}

// NewRunContext prepares a context for one job run.
func NewRunContext(jobID, documentID, contentType string, fileBytes []byte, locked map[string]any) *RunContext {
	if locked == nil {
		locked = map[string]any{}
	}
	return &RunContext{
		JobID:           jobID,
		DocumentID:      documentID,
		ContentType:     contentType,
		FileBytes:       fileBytes,
		LockedFields:    locked,
		Outputs:         map[string]string{},
		fields:          map[string]any{},
		fieldConfidence: map[string]float64{},
	}
}

// SetFields replaces the extracted fields wholesale.
func (rc *RunContext) SetFields(fields map[string]any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if fields == nil {
		fields = map[string]any{}
	}
	rc.fields = fields
}

// Fields returns a shallow copy of the extracted fields.
func (rc *RunContext) Fields() map[string]any {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make(map[string]any, len(rc.fields))
	for k, v := range rc.fields {
		out[k] = v
	}
	return out
}

// Field returns one extracted field.
func (rc *RunContext) Field(name string) (any, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	v, ok := rc.fields[name]
	return v, ok
}

// SetField sets one extracted field.
func (rc *RunContext) SetField(name string, value any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.fields[name] = value
}

// SetFieldConfidence records the heuristic confidence for one field.
func (rc *RunContext) SetFieldConfidence(name string, score float64) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.fieldConfidence[name] = score
}

// SetFieldConfidences replaces the confidence map wholesale.
func (rc *RunContext) SetFieldConfidences(scores map[string]float64) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if scores == nil {
		scores = map[string]float64{}
	}
	rc.fieldConfidence = scores
}

// FieldConfidence returns a copy of the per-field confidence scores.
func (rc *RunContext) FieldConfidence() map[string]float64 {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make(map[string]float64, len(rc.fieldConfidence))
	for k, v := range rc.fieldConfidence {
		out[k] = v
	}
	return out
}

// SetValidationErrors replaces the validation error list.
func (rc *RunContext) SetValidationErrors(errs []string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.validationErrors = errs
}

// ValidationErrors returns a copy of the validation error list.
func (rc *RunContext) ValidationErrors() []string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]string, len(rc.validationErrors))
	copy(out, rc.validationErrors)
	return out
}
