package validate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// The structured extractor does not return confidence, so scores are
// heuristic: presence, format shape, and whether the value actually appears
// in the OCR text.

var (
	invoiceNumberStrict = regexp.MustCompile(`(?i)^[A-Z0-9\-/]{3,20}$`)
	invoiceNumberLoose  = regexp.MustCompile(`(?i)^[A-Z0-9]{2,30}$`)
	currencyCode        = regexp.MustCompile(`^[A-Z]{3}$`)
	plainISODate        = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
)

var amountCleaner = strings.NewReplacer(",", "", "$", "", "€", "", "£", "")

// FieldScore computes the confidence score for one extracted field, clamped
// to [0.0, 0.99].
func FieldScore(name string, value any, ocrText string) float64 {
	if value == nil || value == "" {
		return 0.0
	}
	str := strings.TrimSpace(stringify(value))
	if str == "" || str == "UNKNOWN" {
		return 0.0
	}

	base := 0.5

	switch name {
	case "invoice_number":
		if invoiceNumberStrict.MatchString(str) {
			base = 0.85
		} else if invoiceNumberLoose.MatchString(str) {
			base = 0.75
		}
		if appearsIn(str, ocrText) {
			base = min(0.95, base+0.1)
		}

	case "vendor_name":
		if n := utf8.RuneCountInString(str); n >= 2 && n <= 50 && !allDigits(str) {
			base = 0.80
		}
		if appearsIn(str, ocrText) {
			base = min(0.90, base+0.1)
		}

	case "total_amount":
		if amount, err := parseAmount(str); err != nil {
			base = 0.40
		} else if amount > 0 {
			base = 0.90
		} else if amount == 0 {
			base = 0.70
		} else {
			base = 0.30
		}

	case "currency":
		if currencyCode.MatchString(str) {
			base = 0.95
		} else if len(str) == 3 {
			base = 0.80
		}

	case "invoice_date":
		if !parseISODate(str) {
			base = 0.40
		} else if plainISODate.MatchString(str) {
			base = 0.90
		} else {
			base = 0.75
		}

	case "tax_amount":
		if amount, err := parseAmount(str); err != nil {
			base = 0.50
		} else if amount >= 0 {
			base = 0.80
		} else {
			base = 0.30
		}

	case "line_items":
		if items, ok := value.([]any); ok && len(items) > 0 {
			base = 0.75
		} else {
			base = 0.50
		}
	}

	return min(0.99, max(0.0, base))
}

// AllScores computes confidence for every extracted field.
func AllScores(fields map[string]any, ocrText string) map[string]float64 {
	scores := make(map[string]float64, len(fields))
	for name, value := range fields {
		scores[name] = FieldScore(name, value, ocrText)
	}
	return scores
}

func parseAmount(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(amountCleaner.Replace(s)), 64)
}

func appearsIn(value, text string) bool {
	return text != "" && strings.Contains(strings.ToLower(text), strings.ToLower(value))
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}
