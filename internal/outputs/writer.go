// Package outputs writes the canonical extraction payload to disk, once as
// an indented JSON document and once as a single-row parquet file.
package outputs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"
)

// Row is the flattened parquet projection of the extraction payload.
// Nested values (the fields map, the validation error list) are stored as
// JSON-encoded strings.
type Row struct {
	SchemaVersion    string `parquet:"schema_version"`
	DocumentID       string `parquet:"document_id"`
	ContentHash      string `parquet:"content_hash"`
	Fields           string `parquet:"fields"`
	ValidationErrors string `parquet:"validation_errors"`
	Status           string `parquet:"status"`
}

// Writer persists extraction payloads under <root>/json and <root>/parquet.
type Writer struct {
	root string
}

func NewWriter(root string) *Writer {
	return &Writer{root: root}
}

// Write stores the payload as <root>/json/<documentID>.json and
// <root>/parquet/<documentID>.parquet, each replaced atomically, and
// returns the artifact paths keyed json_path and parquet_path.
func (w *Writer) Write(documentID string, payload map[string]any) (map[string]string, error) {
	jsonPath := filepath.Join(w.root, "json", documentID+".json")
	parquetPath := filepath.Join(w.root, "parquet", documentID+".parquet")

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("outputs: marshal payload: %w", err)
	}
	if err := atomicWrite(jsonPath, data); err != nil {
		return nil, err
	}

	row, err := flattenRow(payload)
	if err != nil {
		return nil, err
	}
	if err := writeParquet(parquetPath, row); err != nil {
		return nil, err
	}

	return map[string]string{"json_path": jsonPath, "parquet_path": parquetPath}, nil
}

func flattenRow(payload map[string]any) (Row, error) {
	flat := make(map[string]string, len(payload))
	for key, value := range payload {
		switch value.(type) {
		case nil:
			flat[key] = ""
		case string:
			flat[key] = value.(string)
		case map[string]any, []any, []string:
			encoded, err := json.Marshal(value)
			if err != nil {
				return Row{}, fmt.Errorf("outputs: flatten %s: %w", key, err)
			}
			flat[key] = string(encoded)
		default:
			flat[key] = fmt.Sprintf("%v", value)
		}
	}
	return Row{
		SchemaVersion:    flat["schema_version"],
		DocumentID:       flat["document_id"],
		ContentHash:      flat["content_hash"],
		Fields:           flat["fields"],
		ValidationErrors: flat["validation_errors"],
		Status:           flat["status"],
	}, nil
}

func writeParquet(path string, row Row) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("outputs: mkdir: %w", err)
	}
	tmp := path + ".tmp"
	if err := parquet.WriteFile(tmp, []Row{row}); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("outputs: write parquet: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("outputs: replace parquet: %w", err)
	}
	return nil
}

func atomicWrite(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("outputs: mkdir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("outputs: write json: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("outputs: replace json: %w", err)
	}
	return nil
}
