package extract

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/antigravity-dev/docket/internal/config"
)

func newTestLLM(t *testing.T, handler http.Handler) *OpenAIExtractor {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.LLM{
		Provider:       "openai",
		BaseURL:        srv.URL,
		APIKey:         "sk-test",
		Model:          "gpt-4.1-mini",
		MaxTextChars:   20000,
		RequestTimeout: config.Duration{Duration: 5 * time.Second},
	}
	return NewOpenAIExtractor(cfg, testLogger())
}

func chatReply(t *testing.T, w http.ResponseWriter, content string) {
	t.Helper()
	json.NewEncoder(w).Encode(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	})
}

func TestExtractHappyPath(t *testing.T) {
	text := "Invoice Number: INV-77\nAcme Pty Ltd\nDate: 2026-08-01\nTotal Due USD 120.50"

	llm := newTestLLM(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("missing bearer auth")
		}

		var req struct {
			Model       string  `json:"model"`
			Temperature float64 `json:"temperature"`
			Messages    []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
			ResponseFormat struct {
				Type       string `json:"type"`
				JSONSchema struct {
					Name string `json:"name"`
				} `json:"json_schema"`
			} `json:"response_format"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "gpt-4.1-mini" || req.Temperature != 0 {
			t.Errorf("model = %q, temperature = %v", req.Model, req.Temperature)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" || req.Messages[1].Content != text {
			t.Errorf("unexpected messages %+v", req.Messages)
		}
		if req.ResponseFormat.Type != "json_schema" || req.ResponseFormat.JSONSchema.Name != "InvoiceFields" {
			t.Errorf("unexpected response_format %+v", req.ResponseFormat)
		}

		chatReply(t, w, `{
			"invoice_number": "INV-77",
			"vendor_name": "Acme Pty Ltd",
			"total_amount": 120.50,
			"currency": "USD",
			"invoice_date": "2026-08-01",
			"tax_amount": null,
			"line_items": null
		}`)
	}))

	got, err := llm.Extract(context.Background(), text)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if got.Fields["invoice_number"] != "INV-77" || got.Fields["total_amount"] != 120.50 {
		t.Fatalf("fields = %+v", got.Fields)
	}
	if got.Fields["tax_amount"] != nil || got.Fields["line_items"] != nil {
		t.Fatalf("optional fields should stay null, got %+v", got.Fields)
	}
	if len(got.Confidence) != len(invoiceFieldKeys) {
		t.Fatalf("confidence keys = %d, want %d", len(got.Confidence), len(invoiceFieldKeys))
	}
	if got.Confidence["invoice_number"] <= 0 {
		t.Fatalf("invoice_number confidence = %v, want > 0", got.Confidence["invoice_number"])
	}
}

func TestExtractTruncatesLongInput(t *testing.T) {
	llm := newTestLLM(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Messages) == 2 && len(req.Messages[1].Content) != 10 {
			t.Errorf("user content length = %d, want 10", len(req.Messages[1].Content))
		}
		chatReply(t, w, "{}")
	}))
	llm.cfg.MaxTextChars = 10

	if _, err := llm.Extract(context.Background(), strings.Repeat("x", 50)); err != nil {
		t.Fatalf("Extract: %v", err)
	}
}

func TestExtractTruncationKeepsRuneBoundaries(t *testing.T) {
	llm := newTestLLM(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Messages) == 2 {
			content := req.Messages[1].Content
			if !utf8.ValidString(content) {
				t.Errorf("truncated content %q is not valid UTF-8", content)
			}
			if got := utf8.RuneCountInString(content); got != 5 {
				t.Errorf("truncated content has %d characters, want 5", got)
			}
		}
		chatReply(t, w, "{}")
	}))
	llm.cfg.MaxTextChars = 5

	if _, err := llm.Extract(context.Background(), strings.Repeat("é", 12)); err != nil {
		t.Fatalf("Extract: %v", err)
	}
}

func TestTruncateRunes(t *testing.T) {
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 3, "hel"},
		{"héllo", 2, "hé"},
		{strings.Repeat("€", 4), 2, "€€"},
		{"", 3, ""},
	}
	for _, tc := range cases {
		if got := truncateRunes(tc.in, tc.n); got != tc.want {
			t.Errorf("truncateRunes(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
	}
}

func TestExtractNumericStringTotalIsCoerced(t *testing.T) {
	llm := newTestLLM(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chatReply(t, w, `{
			"invoice_number": "A-1",
			"vendor_name": "V",
			"total_amount": " 99.95 ",
			"currency": "EUR",
			"invoice_date": "2026-01-02",
			"tax_amount": "5.00",
			"line_items": [{"description": "thing"}]
		}`)
	}))

	got, err := llm.Extract(context.Background(), "text")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if got.Fields["total_amount"] != 99.95 {
		t.Fatalf("total_amount = %v (%T)", got.Fields["total_amount"], got.Fields["total_amount"])
	}
	if got.Fields["tax_amount"] != 5.00 {
		t.Fatalf("tax_amount = %v", got.Fields["tax_amount"])
	}
}

func TestExtractSchemaViolationDegradesToNullFields(t *testing.T) {
	replies := []string{
		`{"invoice_number": 42, "vendor_name": "V", "total_amount": 1, "currency": "USD", "invoice_date": "2026-01-01"}`,
		`{"vendor_name": "V"}`,
		`{"invoice_number": "A", "vendor_name": "V", "total_amount": true, "currency": "USD", "invoice_date": "2026-01-01"}`,
		`{"invoice_number": "A", "vendor_name": "V", "total_amount": 1, "currency": "USD", "invoice_date": "2026-01-01", "line_items": ["not a dict"]}`,
		`this is not json at all`,
	}

	for _, reply := range replies {
		reply := reply
		llm := newTestLLM(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			chatReply(t, w, reply)
		}))

		got, err := llm.Extract(context.Background(), "some text")
		if err != nil {
			t.Fatalf("reply %q: Extract: %v", reply, err)
		}
		for _, key := range invoiceFieldKeys {
			v, present := got.Fields[key]
			if !present || v != nil {
				t.Fatalf("reply %q: field %s = %v, want explicit null", reply, key, v)
			}
			if got.Confidence[key] != 0 {
				t.Fatalf("reply %q: confidence %s = %v, want 0", reply, key, got.Confidence[key])
			}
		}
	}
}

func TestExtractEmptyChoicesDegradesToNullFields(t *testing.T) {
	llm := newTestLLM(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))

	got, err := llm.Extract(context.Background(), "text")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if got.Fields["invoice_number"] != nil {
		t.Fatalf("fields = %+v, want all null", got.Fields)
	}
}

func TestExtractTransportErrorSurfaces(t *testing.T) {
	llm := newTestLLM(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))

	_, err := llm.Extract(context.Background(), "text")
	if err == nil {
		t.Fatal("want error for non-200 response")
	}
	if !strings.Contains(err.Error(), "503") {
		t.Fatalf("err = %v, want status code in message", err)
	}
}

func TestBuildChatURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"", "https://api.openai.com/v1/chat/completions"},
		{"http://llm.local/v1", "http://llm.local/v1/chat/completions"},
		{"http://llm.local/v1/", "http://llm.local/v1/chat/completions"},
		{"http://llm.local/v1/chat/completions", "http://llm.local/v1/chat/completions"},
	}
	for _, tt := range tests {
		if got := buildChatURL(tt.base); got != tt.want {
			t.Fatalf("buildChatURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}

func TestStructuredProviderRegistry(t *testing.T) {
	providers := ListStructuredProviders()
	for _, want := range []string{"openai", "stub"} {
		found := false
		for _, p := range providers {
			if p == want {
				found = true
			}
		}
		if !found {
			t.Fatalf("provider %q not registered, have %v", want, providers)
		}
	}

	if _, err := NewStructuredExtractor(config.LLM{Provider: "nope"}, testLogger()); err == nil {
		t.Fatal("want error for unknown provider")
	}

	ex, err := NewStructuredExtractor(config.LLM{Provider: "stub"}, testLogger())
	if err != nil {
		t.Fatalf("NewStructuredExtractor: %v", err)
	}
	got, err := ex.Extract(context.Background(), stubInvoiceText)
	if err != nil {
		t.Fatalf("stub Extract: %v", err)
	}
	if got.Fields["invoice_number"] != "INV-2026-0042" {
		t.Fatalf("stub fields = %+v", got.Fields)
	}
}

func TestStubTextExtractorHonorsContentTypes(t *testing.T) {
	stub := StubTextExtractor{}

	text, err := stub.ExtractText(context.Background(), []byte("x"), "application/pdf")
	if err != nil || text == "" {
		t.Fatalf("ExtractText = %q, %v", text, err)
	}

	if _, err := stub.ExtractText(context.Background(), []byte("x"), "text/csv"); err == nil {
		t.Fatal("want unsupported content type error")
	}
}
