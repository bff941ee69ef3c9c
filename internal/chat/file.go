// Package chat assembles the context a question is answered against: the
// uploaded file, the selected table's rows, and the final prompt.
package chat

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

const (
	textContextCap = 10000
	csvRowCap      = 20
)

var textExtensions = map[string]bool{
	".txt": true, ".md": true, ".py": true, ".js": true, ".html": true,
	".css": true, ".json": true, ".xml": true, ".sql": true, ".sh": true, ".go": true,
}

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".webp": true,
}

// FileContext extracts a textual context block from an uploaded file, or
// passes image bytes through for multimodal analysis. Extraction problems
// become part of the context rather than errors: the model is told what went
// wrong and answers anyway.
func FileContext(filename string, content []byte) (fileContext string, image []byte) {
	ext := strings.ToLower(filepath.Ext(filename))

	switch {
	case textExtensions[ext]:
		if !utf8.Valid(content) {
			return fmt.Sprintf("Uploaded File (%s) is binary or not UTF-8 encoded.\n", filename), nil
		}
		text := string(content)
		if len(text) > textContextCap {
			text = text[:textContextCap]
		}
		return fmt.Sprintf("Uploaded File Content (%s):\n%s\n", filename, text), nil

	case ext == ".csv":
		rows, err := csvRecords(content, csvRowCap)
		if err != nil {
			return fmt.Sprintf("Error reading CSV: %v\n", err), nil
		}
		encoded, err := json.MarshalIndent(rows, "", "  ")
		if err != nil {
			return fmt.Sprintf("Error reading CSV: %v\n", err), nil
		}
		return fmt.Sprintf("Uploaded CSV Data (%s):\n%s\n", filename, encoded), nil

	case imageExtensions[ext]:
		return fmt.Sprintf("Uploaded Image: %s (Attached for analysis)\n", filename), content

	default:
		return fmt.Sprintf("Uploaded file type (%s) is not explicitly supported, but here is the raw info: %s\n", filename, filename), nil
	}
}

// csvRecords reads up to limit data rows as header-keyed maps.
func csvRecords(content []byte, limit int) ([]map[string]string, error) {
	reader := csv.NewReader(bytes.NewReader(content))
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, err
	}

	rows := make([]map[string]string, 0, limit)
	for len(rows) < limit {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
