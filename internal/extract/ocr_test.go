package extract

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/antigravity-dev/docket/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestOCRClient(t *testing.T, handler http.Handler) (*TextractClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.OCR{
		Endpoint:       srv.URL + "/",
		APIKey:         "test-key",
		RequestTimeout: config.Duration{Duration: 5 * time.Second},
		PollInterval:   config.Duration{Duration: time.Millisecond},
		PollAttempts:   3,
	}
	return NewTextractClient(cfg, testLogger()), srv
}

// decodeOCRRequest runs on the server goroutine, so it reports failures
// with Errorf rather than Fatalf.
func decodeOCRRequest(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		t.Errorf("decode request: %v", err)
	}
	return payload
}

func TestExtractTextSyncImage(t *testing.T) {
	var sawAuth atomic.Bool
	client, _ := newTestOCRClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/detect-document-text" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") == "Bearer test-key" {
			sawAuth.Store(true)
		}
		payload := decodeOCRRequest(t, r)
		if _, ok := payload["Document"].(string); !ok {
			t.Error("request missing base64 Document")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"Blocks": []map[string]any{
				{"BlockType": "LINE", "Text": "INVOICE"},
				{"BlockType": "WORD", "Text": "skip-me"},
				{"BlockType": "LINE", "Text": "Total Due USD 10.00"},
			},
		})
	}))

	text, err := client.ExtractText(context.Background(), []byte("png-bytes"), "image/png")
	if err != nil {
		t.Fatalf("ExtractText: %v", err)
	}
	if text != "INVOICE\nTotal Due USD 10.00" {
		t.Fatalf("text = %q", text)
	}
	if !sawAuth.Load() {
		t.Error("bearer token was not sent")
	}
}

func TestExtractTextSinglePagePDFUsesSyncEndpoint(t *testing.T) {
	var syncCalls atomic.Int32
	client, _ := newTestOCRClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/detect-document-text" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		syncCalls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"Blocks": []map[string]any{{"BlockType": "LINE", "Text": "one page"}},
		})
	}))

	pdf := []byte("%PDF-1.4\n1 0 obj << /Type /Page >> endobj\n")
	text, err := client.ExtractText(context.Background(), pdf, "application/pdf")
	if err != nil {
		t.Fatalf("ExtractText: %v", err)
	}
	if text != "one page" {
		t.Fatalf("text = %q", text)
	}
	if syncCalls.Load() != 1 {
		t.Fatalf("syncCalls = %d, want single sync call", syncCalls.Load())
	}
}

func TestExtractTextMultiPagePDFPollsWithPagination(t *testing.T) {
	var getCalls atomic.Int32
	client, _ := newTestOCRClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/start-document-text-detection":
			json.NewEncoder(w).Encode(map[string]any{"JobId": "job-1"})

		case "/get-document-text-detection":
			call := getCalls.Add(1)
			payload := decodeOCRRequest(t, r)
			if payload["JobId"] != "job-1" {
				t.Errorf("JobId = %v", payload["JobId"])
			}
			switch call {
			case 1:
				json.NewEncoder(w).Encode(map[string]any{"JobStatus": "IN_PROGRESS"})
			case 2:
				json.NewEncoder(w).Encode(map[string]any{
					"JobStatus": "SUCCEEDED",
					"Blocks":    []map[string]any{{"BlockType": "LINE", "Text": "page one"}},
					"NextToken": "tok-2",
				})
			default:
				if payload["NextToken"] != "tok-2" {
					t.Errorf("NextToken = %v, want tok-2", payload["NextToken"])
				}
				json.NewEncoder(w).Encode(map[string]any{
					"JobStatus": "SUCCEEDED",
					"Blocks":    []map[string]any{{"BlockType": "LINE", "Text": "page two"}},
				})
			}

		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	pdf := []byte("/Type /Page one /Type /Page two")
	text, err := client.ExtractText(context.Background(), pdf, "application/pdf")
	if err != nil {
		t.Fatalf("ExtractText: %v", err)
	}
	if text != "page one\npage two" {
		t.Fatalf("text = %q", text)
	}
	if getCalls.Load() != 3 {
		t.Fatalf("getCalls = %d, want 3", getCalls.Load())
	}
}

func TestExtractTextProviderErrorReturnsEmptyText(t *testing.T) {
	client, _ := newTestOCRClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal", http.StatusInternalServerError)
	}))

	text, err := client.ExtractText(context.Background(), []byte("img"), "image/jpeg")
	if err != nil {
		t.Fatalf("provider failure should not surface an error, got %v", err)
	}
	if text != "" {
		t.Fatalf("text = %q, want empty", text)
	}
}

func TestExtractTextAsyncJobFailureReturnsEmptyText(t *testing.T) {
	client, _ := newTestOCRClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/start-document-text-detection":
			json.NewEncoder(w).Encode(map[string]any{"JobId": "job-2"})
		default:
			json.NewEncoder(w).Encode(map[string]any{"JobStatus": "FAILED"})
		}
	}))

	pdf := []byte("/Type /Page a /Type /Page b")
	text, err := client.ExtractText(context.Background(), pdf, "application/pdf")
	if err != nil {
		t.Fatalf("ExtractText: %v", err)
	}
	if text != "" {
		t.Fatalf("text = %q, want empty", text)
	}
}

func TestExtractTextPollBudgetExhausted(t *testing.T) {
	var getCalls atomic.Int32
	client, _ := newTestOCRClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/start-document-text-detection":
			json.NewEncoder(w).Encode(map[string]any{"JobId": "job-3"})
		default:
			getCalls.Add(1)
			json.NewEncoder(w).Encode(map[string]any{"JobStatus": "IN_PROGRESS"})
		}
	}))

	pdf := []byte("/Type /Page a /Type /Page b")
	text, err := client.ExtractText(context.Background(), pdf, "application/pdf")
	if err != nil {
		t.Fatalf("ExtractText: %v", err)
	}
	if text != "" {
		t.Fatalf("text = %q, want empty", text)
	}
	if getCalls.Load() != 3 {
		t.Fatalf("getCalls = %d, want poll budget of 3", getCalls.Load())
	}
}

func TestExtractTextUnsupportedContentType(t *testing.T) {
	client, _ := newTestOCRClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for unsupported content type")
	}))

	_, err := client.ExtractText(context.Background(), []byte("hello"), "text/plain")
	var unsupported *UnsupportedContentTypeError
	if !errors.As(err, &unsupported) {
		t.Fatalf("err = %v, want UnsupportedContentTypeError", err)
	}
	if err.Error() != "unsupported_content_type:text/plain" {
		t.Fatalf("err = %q", err.Error())
	}
}

func TestCountPDFPages(t *testing.T) {
	tests := []struct {
		name string
		data string
		want int
	}{
		{"no markers", "%PDF-1.4 garbage", 1},
		{"single page", "<< /Type /Page >>", 1},
		{"two pages", "<< /Type /Page >> << /Type/Page >>", 2},
		{"pages node is not a page", "<< /Type /Pages /Kids [] >>", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := countPDFPages([]byte(tt.data)); got != tt.want {
				t.Fatalf("countPDFPages = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestBlocksToTextKeepsLineOrder(t *testing.T) {
	blocks := []textractBlock{
		{BlockType: "LINE", Text: "first"},
		{BlockType: "PAGE", Text: ""},
		{BlockType: "LINE", Text: "second"},
	}
	if got := blocksToText(blocks); got != "first\nsecond" {
		t.Fatalf("blocksToText = %q", got)
	}
	if got := blocksToText(nil); got != "" {
		t.Fatalf("blocksToText(nil) = %q", got)
	}
}

func TestEndpointTrailingSlashTrimmed(t *testing.T) {
	cfg := config.OCR{Endpoint: "http://ocr.local/v1/"}
	c := NewTextractClient(cfg, testLogger())
	if strings.HasSuffix(c.endpoint, "/") {
		t.Fatalf("endpoint = %q, trailing slash should be trimmed", c.endpoint)
	}
}
