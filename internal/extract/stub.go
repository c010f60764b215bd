package extract

import (
	"context"
	"log/slog"

	"github.com/antigravity-dev/docket/internal/config"
	"github.com/antigravity-dev/docket/internal/validate"
)

func init() {
	RegisterStructuredProvider("stub", func(cfg config.LLM, logger *slog.Logger) StructuredExtractor {
		return StubStructuredExtractor{}
	})
}

const stubInvoiceText = `INVOICE

Acme Office Supplies Ltd
Invoice Number: INV-2026-0042
Invoice Date: 2026-08-01

Paper A4 (box)        2 x 24.50     49.00
Toner cartridge       1 x 1096.37 1096.37

Subtotal                          1145.37
VAT (10%)                          104.13
Total Due                     USD 1249.50
`

// StubTextExtractor returns a canned invoice regardless of input. It keeps
// the pipeline runnable without an OCR endpoint.
type StubTextExtractor struct{}

func (StubTextExtractor) ExtractText(ctx context.Context, fileBytes []byte, contentType string) (string, error) {
	if !supportedContentType(contentType) {
		return "", &UnsupportedContentTypeError{ContentType: contentType}
	}
	return stubInvoiceText, nil
}

// StubStructuredExtractor parses nothing; it emits the fields matching the
// stub invoice text so downstream validation and scoring behave normally.
type StubStructuredExtractor struct{}

func (StubStructuredExtractor) Extract(ctx context.Context, text string) (Extraction, error) {
	fields := map[string]any{
		"invoice_number": "INV-2026-0042",
		"vendor_name":    "Acme Office Supplies Ltd",
		"total_amount":   1249.50,
		"currency":       "USD",
		"invoice_date":   "2026-08-01",
		"tax_amount":     104.13,
		"line_items": []any{
			map[string]any{"description": "Paper A4 (box)", "quantity": 2.0, "unit_price": 24.50},
			map[string]any{"description": "Toner cartridge", "quantity": 1.0, "unit_price": 1096.37},
		},
	}
	return Extraction{
		Fields:     fields,
		Confidence: validate.AllScores(fields, text),
	}, nil
}
