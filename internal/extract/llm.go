package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/antigravity-dev/docket/internal/config"
	"github.com/antigravity-dev/docket/internal/validate"
)

func init() {
	RegisterStructuredProvider("openai", func(cfg config.LLM, logger *slog.Logger) StructuredExtractor {
		return NewOpenAIExtractor(cfg, logger)
	})
}

const extractorSystemPrompt = "You extract invoice fields from raw OCR text.\n\n" +
	"Rules:\n" +
	"- Output must be ONLY valid JSON that matches the schema.\n" +
	"- Do not guess. Use null only for optional fields (tax_amount, line_items).\n" +
	"- invoice_number: the invoice/reference number.\n" +
	"- vendor_name: the supplier/company issuing the invoice.\n" +
	"- total_amount: the final payable amount. Prefer labels like 'Total', 'Amount Due', 'Balance Due'.\n" +
	"- currency: a 3-letter ISO code (e.g., USD, EUR, GBP, NGN). If multiple appear, pick the one tied to total.\n" +
	"- invoice_date: convert to YYYY-MM-DD if the date is present. If unclear, pick the clearest invoice date.\n" +
	"- tax_amount: only if explicitly shown (VAT, Tax, GST). Otherwise null.\n" +
	"- line_items: include only if line items are clearly present; otherwise null.\n" +
	"- Ignore duplicates, headers/footers, and OCR noise.\n"

// invoiceFieldKeys is the full extraction schema; the first five are
// required, the last two may be null.
var invoiceFieldKeys = []string{
	"invoice_number", "vendor_name", "total_amount", "currency",
	"invoice_date", "tax_amount", "line_items",
}

var invoiceSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"invoice_number": map[string]any{"type": "string"},
		"vendor_name":    map[string]any{"type": "string"},
		"total_amount":   map[string]any{"type": "number"},
		"currency":       map[string]any{"type": "string"},
		"invoice_date":   map[string]any{"type": "string"},
		"tax_amount":     map[string]any{"type": []string{"number", "null"}},
		"line_items":     map[string]any{"type": []string{"array", "null"}},
	},
	"required": []string{"invoice_number", "vendor_name", "total_amount", "currency", "invoice_date"},
}

// OpenAIExtractor calls an OpenAI-compatible chat completions API with a
// JSON-schema response format.
type OpenAIExtractor struct {
	cfg    config.LLM
	client *http.Client
	logger *slog.Logger
}

// NewOpenAIExtractor builds the extractor from the LLM config.
func NewOpenAIExtractor(cfg config.LLM, logger *slog.Logger) *OpenAIExtractor {
	return &OpenAIExtractor{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout.Duration},
		logger: logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat any           `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Extract asks the model for structured invoice fields. Transport failures
// return an error so the runner can retry; a response that parses but does
// not match the schema degrades to all-null fields with zero confidence.
func (e *OpenAIExtractor) Extract(ctx context.Context, text string) (Extraction, error) {
	maxChars := e.cfg.MaxTextChars
	if maxChars <= 0 {
		maxChars = 20000
	}
	text = truncateRunes(text, maxChars)

	reqBody, err := json.Marshal(chatRequest{
		Model: e.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: extractorSystemPrompt},
			{Role: "user", Content: text},
		},
		Temperature: 0,
		ResponseFormat: map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   "InvoiceFields",
				"schema": invoiceSchema,
			},
		},
	})
	if err != nil {
		return Extraction{}, fmt.Errorf("extract: marshal llm request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, buildChatURL(e.cfg.BaseURL), bytes.NewReader(reqBody))
	if err != nil {
		return Extraction{}, fmt.Errorf("extract: build llm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return Extraction{}, fmt.Errorf("extract: llm request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Extraction{}, fmt.Errorf("extract: read llm response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Extraction{}, fmt.Errorf("extract: llm endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var chat chatResponse
	if err := json.Unmarshal(data, &chat); err != nil {
		return Extraction{}, fmt.Errorf("extract: decode llm response: %w", err)
	}

	content := "{}"
	if len(chat.Choices) > 0 && chat.Choices[0].Message.Content != "" {
		content = chat.Choices[0].Message.Content
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		raw = map[string]any{}
	}

	fields, ok := coerceInvoiceFields(raw)
	if !ok {
		e.logger.Warn("llm returned schema-incompatible payload, degrading to null fields")
		return nullExtraction(), nil
	}

	return Extraction{
		Fields:     fields,
		Confidence: validate.AllScores(fields, text),
	}, nil
}

// truncateRunes cuts s to at most n characters, never splitting a
// multi-byte rune at the boundary.
func truncateRunes(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

func buildChatURL(baseURL string) string {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	if strings.HasSuffix(baseURL, "/chat/completions") {
		return baseURL
	}
	return baseURL + "/chat/completions"
}

// coerceInvoiceFields checks the decoded payload against the invoice schema:
// five required fields with the right types (numeric strings pass for
// amounts), tax_amount and line_items optional.
func coerceInvoiceFields(raw map[string]any) (map[string]any, bool) {
	out := make(map[string]any, len(invoiceFieldKeys))

	for _, key := range []string{"invoice_number", "vendor_name", "currency", "invoice_date"} {
		s, ok := raw[key].(string)
		if !ok {
			return nil, false
		}
		out[key] = s
	}

	total, ok := coerceNumber(raw["total_amount"])
	if !ok {
		return nil, false
	}
	out["total_amount"] = total

	switch tax := raw["tax_amount"].(type) {
	case nil:
		out["tax_amount"] = nil
	default:
		v, ok := coerceNumber(tax)
		if !ok {
			return nil, false
		}
		out["tax_amount"] = v
	}

	switch items := raw["line_items"].(type) {
	case nil:
		out["line_items"] = nil
	case []any:
		for _, item := range items {
			if _, ok := item.(map[string]any); !ok {
				return nil, false
			}
		}
		out["line_items"] = items
	default:
		return nil, false
	}

	return out, true
}

func coerceNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func nullExtraction() Extraction {
	fields := make(map[string]any, len(invoiceFieldKeys))
	confidence := make(map[string]float64, len(invoiceFieldKeys))
	for _, key := range invoiceFieldKeys {
		fields[key] = nil
		confidence[key] = 0.0
	}
	return Extraction{Fields: fields, Confidence: confidence}
}
