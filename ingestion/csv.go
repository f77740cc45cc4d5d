package ingestion

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/fabfab/sales-rag/domain"
)

// csvToSentences converts a CSV payload into one sentence per non-empty row.
func (e *Extractor) csvToSentences(ctx context.Context, data []byte) (string, *domain.CSVMetadata, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	var records [][]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", nil, fmt.Errorf("parse csv: %w", err)
		}
		records = append(records, record)
	}
	return e.recordsToSentences(ctx, records)
}

func (e *Extractor) recordsToSentences(ctx context.Context, records [][]string) (string, *domain.CSVMetadata, error) {
	if len(records) == 0 {
		return "", &domain.CSVMetadata{Headers: []string{}, ColumnMappings: map[string]string{}}, nil
	}

	headers := make([]string, len(records[0]))
	for i, h := range records[0] {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if h == "" {
			h = fmt.Sprintf("Column %d", i+1)
		}
		headers[i] = h
	}

	mappings := e.columnMappings(ctx, headers)
	keys := columnKeys(headers, mappings)

	sentences := make([]string, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make(map[string]string, len(headers))
		values := make([]string, 0, len(record))
		for i, cell := range record {
			cell = strings.TrimSpace(cell)
			if cell == "" || i >= len(headers) {
				if cell != "" {
					values = append(values, cell)
				}
				continue
			}
			row[keys[i]] = cell
			values = append(values, cell)
		}
		if len(values) == 0 {
			continue
		}

		sentences = append(sentences, e.rowSentence(ctx, row, values))
	}

	return strings.Join(sentences, "\n"), &domain.CSVMetadata{
		Headers:        headers,
		RowCount:       len(sentences),
		ColumnMappings: mappings,
	}, nil
}

// columnKeys returns the row key for each column position. Columns whose
// mapped key is already taken get a numeric suffix so no cell is overwritten.
func columnKeys(headers []string, mappings map[string]string) []string {
	keys := make([]string, len(headers))
	taken := make(map[string]bool, len(headers))
	for i, h := range headers {
		base := mappings[h]
		key := base
		for n := 2; taken[key]; n++ {
			key = fmt.Sprintf("%s_%d", base, n)
		}
		taken[key] = true
		keys[i] = key
	}
	return keys
}

func (e *Extractor) columnMappings(ctx context.Context, headers []string) map[string]string {
	if e.mapper != nil {
		mapped, err := e.mapper.MapColumns(ctx, headers)
		if err == nil {
			out := make(map[string]string, len(headers))
			for _, h := range headers {
				if v := strings.TrimSpace(mapped[h]); v != "" {
					out[h] = v
				} else {
					out[h] = snakeCase(h)
				}
			}
			return out
		}
		e.logger.Printf("map csv columns: %v (falling back to snake_case)", err)
	}

	out := make(map[string]string, len(headers))
	for _, h := range headers {
		out[h] = snakeCase(h)
	}
	return out
}

func (e *Extractor) rowSentence(ctx context.Context, row map[string]string, values []string) string {
	if e.mapper != nil && len(row) > 0 {
		sentence, err := e.mapper.RowToSentence(ctx, row)
		if err == nil {
			return sentence
		}
		e.logger.Printf("render csv row: %v (falling back to raw values)", err)
	}
	return strings.Join(values, " ")
}
