// Package domain holds the documents, chunks and retrieval shapes shared by the
// ingestion and retrieval pipelines.
package domain

import "time"

// Project groups documents for a single owner.
type Project struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Integration records where an imported document came from.
type Integration struct {
	Name string `json:"name"`
	Logo string `json:"logo,omitempty"`
}

// Document is an uploaded file. A nil ExtractedText means the file is stored
// but not indexed.
type Document struct {
	ID            string       `json:"id"`
	OwnerID       string       `json:"ownerId"`
	ProjectID     *string      `json:"projectId,omitempty"`
	Name          string       `json:"name"`
	FileType      string       `json:"fileType"`
	StorageKey    string       `json:"storageKey"`
	ExtractedText *string      `json:"extractedText,omitempty"`
	Integration   *Integration `json:"integration,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// Indexed reports whether text was extracted and stored for the document.
func (d Document) Indexed() bool {
	return d.ExtractedText != nil
}

// Chunk is one retrievable span of a document's text.
type Chunk struct {
	ID         string         `json:"id"`
	DocumentID string         `json:"documentId"`
	OwnerID    string         `json:"ownerId"`
	Content    string         `json:"content"`
	Embedding  []float32      `json:"-"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Well-known chunk metadata keys.
const (
	MetaSource      = "source"
	MetaChunkIndex  = "chunkIndex"
	MetaStartOffset = "startOffset"
	MetaEndOffset   = "endOffset"
	MetaFileType    = "fileType"
	MetaProjectID   = "projectId"
	MetaIntegration = "integration"

	MetaOriginalFormat = "originalFormat"
	MetaProcessedAt    = "processedAt"
	MetaHasOCR         = "hasOCR"
	MetaPageCount      = "pageCount"
	MetaCSVHeaders     = "csvHeaders"
	MetaCSVRowCount    = "csvRowCount"
	MetaColumnMappings = "columnMappings"
	MetaSheets         = "sheets"
)

// ScoredChunk pairs a chunk with its similarity to a query vector.
type ScoredChunk struct {
	Chunk      Chunk
	Similarity float64
}

// ResultItem is a single ranked hit returned to callers.
type ResultItem struct {
	Content     string         `json:"content"`
	Similarity  float64        `json:"similarity"`
	DocumentID  string         `json:"documentId"`
	FileName    string         `json:"fileName,omitempty"`
	ProjectName string         `json:"projectName,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// RetrievalResult is the outcome of a global or local search. An empty Results
// slice with Success set is a normal "nothing relevant" answer.
type RetrievalResult struct {
	Success      bool         `json:"success"`
	Results      []ResultItem `json:"results"`
	TotalResults int          `json:"totalResults"`
	Context      string       `json:"structuredContext"`
	Message      string       `json:"message,omitempty"`
}

// CSVMetadata describes a tabular source converted into sentences.
type CSVMetadata struct {
	Headers        []string          `json:"headers"`
	RowCount       int               `json:"rowCount"`
	ColumnMappings map[string]string `json:"columnMappings"`
}

// SheetMetadata describes one worksheet of a spreadsheet.
type SheetMetadata struct {
	Name string      `json:"name"`
	CSV  CSVMetadata `json:"csv"`
}

// ExtractionMetadata is attached to every successful extraction.
type ExtractionMetadata struct {
	FileType       string          `json:"fileType"`
	OriginalFormat string          `json:"originalFormat"`
	ProcessedAt    time.Time       `json:"processedAt"`
	PageCount      int             `json:"pageCount,omitempty"`
	HasOCR         bool            `json:"hasOCR"`
	CSV            *CSVMetadata    `json:"csvMetadata,omitempty"`
	Sheets         []SheetMetadata `json:"sheets,omitempty"`
}

// ChunkMetadata flattens the extraction details into chunk metadata entries.
func (m ExtractionMetadata) ChunkMetadata() map[string]any {
	out := map[string]any{
		MetaOriginalFormat: m.OriginalFormat,
		MetaProcessedAt:    m.ProcessedAt.UTC().Format(time.RFC3339),
		MetaHasOCR:         m.HasOCR,
	}
	if m.PageCount > 0 {
		out[MetaPageCount] = m.PageCount
	}
	if m.CSV != nil {
		out[MetaCSVHeaders] = m.CSV.Headers
		out[MetaCSVRowCount] = m.CSV.RowCount
		out[MetaColumnMappings] = m.CSV.ColumnMappings
	}
	if len(m.Sheets) > 0 {
		names := make([]string, len(m.Sheets))
		for i, sheet := range m.Sheets {
			names[i] = sheet.Name
		}
		out[MetaSheets] = names
	}
	return out
}
