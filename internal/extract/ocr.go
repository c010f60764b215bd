package extract

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/antigravity-dev/docket/internal/config"
)

// TextractClient extracts text through a Textract-compatible HTTP endpoint.
// Images go through the synchronous detection call; multi-page PDFs use the
// asynchronous job model (submit, then poll until the job reaches a terminal
// status, following NextToken pagination).
type TextractClient struct {
	endpoint     string
	apiKey       string
	client       *http.Client
	pollInterval time.Duration
	pollAttempts int
	logger       *slog.Logger
}

// NewTextractClient builds an OCR client from config.
func NewTextractClient(cfg config.OCR, logger *slog.Logger) *TextractClient {
	return &TextractClient{
		endpoint:     strings.TrimSuffix(cfg.Endpoint, "/"),
		apiKey:       cfg.APIKey,
		client:       &http.Client{Timeout: cfg.RequestTimeout.Duration},
		pollInterval: cfg.PollInterval.Duration,
		pollAttempts: cfg.PollAttempts,
		logger:       logger,
	}
}

type textractBlock struct {
	BlockType string `json:"BlockType"`
	Text      string `json:"Text"`
}

type detectResponse struct {
	Blocks []textractBlock `json:"Blocks"`
}

type startResponse struct {
	JobID string `json:"JobId"`
}

type jobResponse struct {
	JobStatus string          `json:"JobStatus"`
	Blocks    []textractBlock `json:"Blocks"`
	NextToken string          `json:"NextToken"`
}

// ExtractText OCRs the document. Provider-side failures log and return empty
// text; the empty result fails validation downstream and lands the document
// in human review.
func (c *TextractClient) ExtractText(ctx context.Context, fileBytes []byte, contentType string) (string, error) {
	switch contentType {
	case "image/png", "image/jpeg", "image/jpg":
		return c.detectSync(ctx, fileBytes)

	case "application/pdf", "application/octet-stream":
		if countPDFPages(fileBytes) <= 1 {
			return c.detectSync(ctx, fileBytes)
		}
		return c.detectAsync(ctx, fileBytes)
	}

	return "", &UnsupportedContentTypeError{ContentType: contentType}
}

func (c *TextractClient) detectSync(ctx context.Context, fileBytes []byte) (string, error) {
	var resp detectResponse
	err := c.post(ctx, "/detect-document-text", map[string]any{
		"Document": base64.StdEncoding.EncodeToString(fileBytes),
	}, &resp)
	if err != nil {
		c.logger.Warn("ocr detect failed, continuing with empty text", "error", err)
		return "", nil
	}
	return blocksToText(resp.Blocks), nil
}

func (c *TextractClient) detectAsync(ctx context.Context, fileBytes []byte) (string, error) {
	var start startResponse
	err := c.post(ctx, "/start-document-text-detection", map[string]any{
		"Document":    base64.StdEncoding.EncodeToString(fileBytes),
		"ContentType": "application/pdf",
	}, &start)
	if err != nil || start.JobID == "" {
		c.logger.Warn("ocr job submit failed, continuing with empty text", "error", err)
		return "", nil
	}

	var blocks []textractBlock
	nextToken := ""
	for attempt := 0; attempt < c.pollAttempts; {
		req := map[string]any{"JobId": start.JobID}
		if nextToken != "" {
			req["NextToken"] = nextToken
		}

		var job jobResponse
		if err := c.post(ctx, "/get-document-text-detection", req, &job); err != nil {
			c.logger.Warn("ocr job poll failed, continuing with empty text",
				"job_id", start.JobID, "error", err)
			return "", nil
		}

		switch job.JobStatus {
		case "FAILED":
			c.logger.Warn("ocr job failed, continuing with empty text", "job_id", start.JobID)
			return "", nil

		case "SUCCEEDED":
			blocks = append(blocks, job.Blocks...)
			nextToken = job.NextToken
			if nextToken == "" {
				return blocksToText(blocks), nil
			}
			// More pages of results; fetch them without sleeping.

		default:
			attempt++
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(c.pollInterval):
			}
		}
	}

	c.logger.Warn("ocr job did not finish within poll budget, continuing with empty text",
		"job_id", start.JobID, "attempts", c.pollAttempts)
	return "", nil
}

func (c *TextractClient) post(ctx context.Context, path string, payload map[string]any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("extract: marshal ocr request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("extract: build ocr request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("extract: ocr request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("extract: read ocr response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("extract: ocr endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("extract: decode ocr response: %w", err)
	}
	return nil
}

func blocksToText(blocks []textractBlock) string {
	var lines []string
	for _, b := range blocks {
		if b.BlockType == "LINE" && b.Text != "" {
			lines = append(lines, b.Text)
		}
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

var pdfPageMarker = regexp.MustCompile(`/Type\s*/Page[^s]`)

// countPDFPages estimates the page count from the raw PDF objects. Anything
// unrecognizable counts as a single page, matching the synchronous path.
func countPDFPages(data []byte) int {
	n := len(pdfPageMarker.FindAll(data, -1))
	if n == 0 {
		return 1
	}
	return n
}
