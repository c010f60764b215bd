package validate

import (
	"math"
	"strings"
	"testing"
)

func scoreClose(got, want float64) bool {
	return math.Abs(got-want) < 1e-9
}

func TestFieldScoreInvoiceNumber(t *testing.T) {
	cases := []struct {
		value any
		ocr   string
		want  float64
	}{
		{"INV-001", "", 0.85},
		{"INV-001", "Invoice INV-001 from ACME", 0.95},
		{"inv-001", "", 0.85},
		{"AB", "", 0.75},
		{"!!weird!!", "", 0.5},
		{"!!weird!!", "contains !!weird!! text", 0.6},
		{"", "", 0.0},
		{"UNKNOWN", "", 0.0},
		{nil, "", 0.0},
	}
	for _, tc := range cases {
		if got := FieldScore("invoice_number", tc.value, tc.ocr); !scoreClose(got, tc.want) {
			t.Errorf("FieldScore(invoice_number, %v, %q) = %v, want %v", tc.value, tc.ocr, got, tc.want)
		}
	}
}

func TestFieldScoreVendorName(t *testing.T) {
	cases := []struct {
		value string
		ocr   string
		want  float64
	}{
		{"ACME Corp", "", 0.80},
		{"ACME Corp", "invoice from acme corp ltd", 0.90},
		{"12345", "", 0.5},
		{"A", "", 0.5},
	}
	for _, tc := range cases {
		if got := FieldScore("vendor_name", tc.value, tc.ocr); !scoreClose(got, tc.want) {
			t.Errorf("FieldScore(vendor_name, %q, %q) = %v, want %v", tc.value, tc.ocr, got, tc.want)
		}
	}
}

func TestFieldScoreVendorNameCountsCharacters(t *testing.T) {
	// 50 two-byte characters: within the length bound when counted as
	// characters, over it when counted as bytes.
	name := strings.Repeat("ü", 50)
	if got := FieldScore("vendor_name", name, ""); !scoreClose(got, 0.80) {
		t.Errorf("50-character vendor name = %v, want 0.80", got)
	}
	if got := FieldScore("vendor_name", strings.Repeat("ü", 51), ""); !scoreClose(got, 0.5) {
		t.Errorf("51-character vendor name = %v, want 0.5", got)
	}
}

func TestFieldScoreTotalAmount(t *testing.T) {
	cases := []struct {
		value any
		want  float64
	}{
		{"1,250.50", 0.90},
		{"$100", 0.90},
		{"€99.95", 0.90},
		{float64(42.5), 0.90},
		{"0", 0.70},
		{"-5.00", 0.30},
		{"about fifty", 0.40},
	}
	for _, tc := range cases {
		if got := FieldScore("total_amount", tc.value, ""); !scoreClose(got, tc.want) {
			t.Errorf("FieldScore(total_amount, %v) = %v, want %v", tc.value, got, tc.want)
		}
	}
}

func TestFieldScoreCurrency(t *testing.T) {
	cases := []struct {
		value string
		want  float64
	}{
		{"USD", 0.95},
		{"usd", 0.80},
		{"US", 0.5},
		{"DOLLARS", 0.5},
	}
	for _, tc := range cases {
		if got := FieldScore("currency", tc.value, ""); !scoreClose(got, tc.want) {
			t.Errorf("FieldScore(currency, %q) = %v, want %v", tc.value, got, tc.want)
		}
	}
}

func TestFieldScoreInvoiceDate(t *testing.T) {
	cases := []struct {
		value string
		want  float64
	}{
		{"2026-01-15", 0.90},
		{"2026-01-15T10:30:00", 0.75},
		{"last tuesday", 0.40},
	}
	for _, tc := range cases {
		if got := FieldScore("invoice_date", tc.value, ""); !scoreClose(got, tc.want) {
			t.Errorf("FieldScore(invoice_date, %q) = %v, want %v", tc.value, got, tc.want)
		}
	}
}

func TestFieldScoreTaxAmount(t *testing.T) {
	cases := []struct {
		value string
		want  float64
	}{
		{"5.00", 0.80},
		{"0", 0.80},
		{"-1", 0.30},
		{"n/a", 0.50},
	}
	for _, tc := range cases {
		if got := FieldScore("tax_amount", tc.value, ""); !scoreClose(got, tc.want) {
			t.Errorf("FieldScore(tax_amount, %q) = %v, want %v", tc.value, got, tc.want)
		}
	}
}

func TestFieldScoreLineItems(t *testing.T) {
	full := []any{map[string]any{"description": "widget", "quantity": 2}}
	if got := FieldScore("line_items", full, ""); !scoreClose(got, 0.75) {
		t.Errorf("non-empty line_items = %v, want 0.75", got)
	}
	if got := FieldScore("line_items", []any{}, ""); !scoreClose(got, 0.50) {
		t.Errorf("empty line_items = %v, want 0.50", got)
	}
	if got := FieldScore("line_items", "two widgets", ""); !scoreClose(got, 0.50) {
		t.Errorf("non-list line_items = %v, want 0.50", got)
	}
}

func TestFieldScoreUnknownFieldDefaults(t *testing.T) {
	if got := FieldScore("po_number", "PO-778", ""); !scoreClose(got, 0.5) {
		t.Errorf("unknown field = %v, want presence default 0.5", got)
	}
}

func TestFieldScoreNeverExceedsCap(t *testing.T) {
	for name, value := range map[string]any{
		"invoice_number": "INV-1",
		"currency":       "USD",
		"total_amount":   "10.00",
	} {
		if got := FieldScore(name, value, "INV-1 USD 10.00"); got > 0.99 {
			t.Errorf("FieldScore(%s) = %v, want <= 0.99", name, got)
		}
	}
}

func TestAllScores(t *testing.T) {
	fields := map[string]any{
		"invoice_number": "INV-001",
		"total_amount":   "100.00",
	}
	scores := AllScores(fields, "")
	if len(scores) != 2 {
		t.Fatalf("scores = %v, want 2 entries", scores)
	}
	if !scoreClose(scores["invoice_number"], 0.85) || !scoreClose(scores["total_amount"], 0.90) {
		t.Errorf("scores = %v", scores)
	}
}
