package outputs

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/parquet-go/parquet-go"
)

func samplePayload(status string) map[string]any {
	return map[string]any{
		"schema_version": "1.0.0",
		"document_id":    "doc1",
		"content_hash":   "abc123",
		"fields": map[string]any{
			"invoice_number": "INV-1",
			"vendor_name":    "ACME",
			"total_amount":   123.45,
			"currency":       "USD",
			"line_items":     []any{map[string]any{"description": "x", "amount": 1.0}},
		},
		"validation_errors": []string{},
		"status":            status,
	}
}

func TestWriteProducesMatchingArtifacts(t *testing.T) {
	root := t.TempDir()
	w := NewWriter(root)

	paths, err := w.Write("doc1", samplePayload("completed"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if paths["json_path"] != filepath.Join(root, "json", "doc1.json") {
		t.Errorf("json_path = %q", paths["json_path"])
	}
	if paths["parquet_path"] != filepath.Join(root, "parquet", "doc1.parquet") {
		t.Errorf("parquet_path = %q", paths["parquet_path"])
	}

	data, err := os.ReadFile(paths["json_path"])
	if err != nil {
		t.Fatalf("read json: %v", err)
	}
	var loaded map[string]any
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("unmarshal json: %v", err)
	}
	fields := loaded["fields"].(map[string]any)
	if fields["invoice_number"] != "INV-1" {
		t.Errorf("json fields = %v", fields)
	}

	rows, err := parquet.ReadFile[Row](paths["parquet_path"])
	if err != nil {
		t.Fatalf("read parquet: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	row := rows[0]
	if row.DocumentID != "doc1" || row.Status != "completed" || row.ContentHash != "abc123" {
		t.Errorf("row = %+v", row)
	}

	var parquetFields map[string]any
	if err := json.Unmarshal([]byte(row.Fields), &parquetFields); err != nil {
		t.Fatalf("fields column should hold JSON, got %q: %v", row.Fields, err)
	}
	if parquetFields["invoice_number"] != "INV-1" || parquetFields["total_amount"] != 123.45 {
		t.Errorf("parquet fields = %v", parquetFields)
	}
	if row.ValidationErrors != "[]" {
		t.Errorf("validation_errors column = %q", row.ValidationErrors)
	}
}

func TestWriteReplacesExistingArtifacts(t *testing.T) {
	root := t.TempDir()
	w := NewWriter(root)

	if _, err := w.Write("doc1", samplePayload("review_pending")); err != nil {
		t.Fatalf("first write: %v", err)
	}
	paths, err := w.Write("doc1", samplePayload("completed"))
	if err != nil {
		t.Fatalf("second write: %v", err)
	}

	rows, err := parquet.ReadFile[Row](paths["parquet_path"])
	if err != nil {
		t.Fatalf("read parquet: %v", err)
	}
	if rows[0].Status != "completed" {
		t.Errorf("status = %q, want the replacement payload", rows[0].Status)
	}

	for _, dir := range []string{"json", "parquet"} {
		leftovers, _ := filepath.Glob(filepath.Join(root, dir, "*.tmp"))
		if len(leftovers) != 0 {
			t.Errorf("temp files left behind in %s: %v", dir, leftovers)
		}
	}
}

func TestWriteMissingValuesBecomeEmptyColumns(t *testing.T) {
	root := t.TempDir()
	w := NewWriter(root)

	paths, err := w.Write("doc2", map[string]any{
		"schema_version": "1.0.0",
		"document_id":    "doc2",
		"status":         "failed",
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	rows, err := parquet.ReadFile[Row](paths["parquet_path"])
	if err != nil {
		t.Fatalf("read parquet: %v", err)
	}
	if rows[0].Fields != "" || rows[0].ContentHash != "" {
		t.Errorf("row = %+v, want empty columns for absent keys", rows[0])
	}
}
