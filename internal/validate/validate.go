// Package validate holds the invoice field checks and the heuristic
// confidence scoring that decide whether a document needs human review.
package validate

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/antigravity-dev/docket/internal/config"
)

// Rules configures validation: which fields are required, which currencies
// pass, and the confidence thresholds.
type Rules struct {
	RequiredFields      []string
	SupportedCurrencies map[string]struct{}
	DefaultThreshold    float64
	FieldThresholds     map[string]float64
}

// RulesFromConfig builds Rules from the validation config section.
func RulesFromConfig(v config.Validation) Rules {
	supported := make(map[string]struct{}, len(v.SupportedCurrencies))
	for _, c := range v.SupportedCurrencies {
		supported[c] = struct{}{}
	}
	return Rules{
		RequiredFields:      v.RequiredFields,
		SupportedCurrencies: supported,
		DefaultThreshold:    v.Confidence.DefaultThreshold,
		FieldThresholds:     v.Confidence.FieldThresholds,
	}
}

// Threshold returns the confidence threshold for a field.
func (r Rules) Threshold(field string) float64 {
	if t, ok := r.FieldThresholds[field]; ok {
		return t
	}
	if r.DefaultThreshold > 0 {
		return r.DefaultThreshold
	}
	return 0.75
}

// Validate checks extracted fields against the rules and returns error tags.
// An empty result means the document can complete without review.
func Validate(fields map[string]any, confidence map[string]float64, rules Rules) []string {
	var errs []string

	for _, name := range rules.RequiredFields {
		if fieldMissing(fields, name) {
			errs = append(errs, "missing_required:"+name)
		}
	}

	total, ok := fields["total_amount"]
	if !ok {
		total = 0
	}
	if v, err := parseNumber(total); err != nil {
		errs = append(errs, "invalid_total_amount")
	} else if v < 0 {
		errs = append(errs, "total_non_negative")
	}

	if cur, ok := fields["currency"].(string); !ok || !isSupported(cur, rules.SupportedCurrencies) {
		errs = append(errs, "currency_unsupported")
	}

	if date, ok := fields["invoice_date"].(string); !ok || !parseISODate(date) {
		errs = append(errs, "invalid_invoice_date")
	}

	for _, name := range rules.RequiredFields {
		if fieldMissing(fields, name) {
			continue
		}
		score := confidence[name]
		if th := rules.Threshold(name); score < th {
			errs = append(errs, fmt.Sprintf("low_confidence:%s:%.2f<%.2f", name, score, th))
		}
	}

	return errs
}

// fieldMissing reports whether a required field is effectively absent:
// missing, nil, empty, or the extractor's literal "UNKNOWN".
func fieldMissing(fields map[string]any, name string) bool {
	v, ok := fields[name]
	if !ok || v == nil {
		return true
	}
	if s, ok := v.(string); ok && (s == "" || s == "UNKNOWN") {
		return true
	}
	return false
}

func isSupported(currency string, supported map[string]struct{}) bool {
	_, ok := supported[currency]
	return ok
}

// parseNumber coerces the loosely-typed JSON values extraction produces into
// a float.
func parseNumber(v any) (float64, error) {
	switch n := v.(type) {
	case nil:
		return 0, fmt.Errorf("nil is not a number")
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	default:
		return 0, fmt.Errorf("unsupported number type %T", v)
	}
}

var isoDateLayouts = []string{
	"2006-01-02",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	time.RFC3339,
	"2006-01-02 15:04:05Z07:00",
}

func parseISODate(s string) bool {
	for _, layout := range isoDateLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}
