package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"github.com/fabfab/sales-rag/domain"
	"github.com/fabfab/sales-rag/llm"
)

// oleMagic opens every OLE2 compound file, including BIFF .xls workbooks.
var oleMagic = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}

// Extraction is the text pulled out of one file.
type Extraction struct {
	Format   DocumentFormat
	Text     string
	Metadata domain.ExtractionMetadata
}

// Extractor dispatches a file to the parser for its resolved format.
type Extractor struct {
	ocr    llm.OCR
	mapper ColumnMapper
	logger *log.Logger
	now    func() time.Time
}

// NewExtractor builds an extractor. A nil ocr disables OCR: PDFs then fall back
// to their embedded text layer and images are rejected. A nil mapper renders
// CSV rows from raw values.
func NewExtractor(ocr llm.OCR, mapper ColumnMapper, logger *log.Logger) *Extractor {
	if logger == nil {
		logger = log.Default()
	}
	return &Extractor{ocr: ocr, mapper: mapper, logger: logger, now: time.Now}
}

// Extract resolves the format of data and returns its text. Unsupported or
// mismatched formats fail with *domain.UnsupportedFormatError, parser failures
// with *domain.ExtractionError and blank results with domain.ErrEmptyDocument.
func (e *Extractor) Extract(ctx context.Context, data []byte, fileName, mimeType string) (*Extraction, error) {
	format, err := ResolveFormat(fileName, mimeType)
	if err != nil {
		return nil, err
	}
	// .xls names both OOXML workbooks and legacy BIFF files; only the former
	// can be opened.
	if format == FormatXLSX && bytes.HasPrefix(data, oleMagic) {
		return nil, &domain.UnsupportedFormatError{
			Extension: filepath.Ext(fileName),
			MIMEType:  mimeType,
			Reason:    "legacy binary Excel workbooks are not supported, save as .xlsx or .csv",
		}
	}

	meta := domain.ExtractionMetadata{
		FileType:       string(format),
		OriginalFormat: originalFormat(fileName, mimeType),
		ProcessedAt:    e.now().UTC(),
	}

	var text string
	switch format {
	case FormatPDF:
		text, err = e.extractPDF(ctx, data, fileName, mimeType, &meta)
	case FormatImage:
		text, err = e.extractImage(ctx, data, fileName, mimeType, &meta)
	case FormatDOCX:
		text, err = extractDOCX(data)
	case FormatPPTX:
		var slides int
		text, slides, err = extractPPTX(data)
		meta.PageCount = slides
	case FormatXLSX:
		text, meta.Sheets, err = e.extractSpreadsheet(ctx, data)
	case FormatCSV:
		text, meta.CSV, err = e.csvToSentences(ctx, data)
	case FormatText, FormatMarkdown:
		text = decodeText(data)
	default:
		return nil, &domain.UnsupportedFormatError{Extension: filepath.Ext(fileName), MIMEType: mimeType}
	}
	if err != nil {
		return nil, &domain.ExtractionError{Format: string(format), Err: err}
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("extract %s: %w", fileName, domain.ErrEmptyDocument)
	}

	return &Extraction{Format: format, Text: text, Metadata: meta}, nil
}

func (e *Extractor) extractPDF(ctx context.Context, data []byte, fileName, mimeType string, meta *domain.ExtractionMetadata) (string, error) {
	pages, textLayer, pdfErr := readPDF(data)

	if e.ocr == nil {
		if pdfErr != nil {
			return "", pdfErr
		}
		meta.PageCount = pages
		return textLayer, nil
	}

	text, ocrPages, err := e.runOCR(ctx, data, ocrMIME(fileName, mimeType, FormatPDF))
	if err != nil {
		return "", err
	}
	meta.HasOCR = true
	meta.PageCount = ocrPages
	if pdfErr == nil && pages > 0 {
		meta.PageCount = pages
	}
	return text, nil
}

func (e *Extractor) extractImage(ctx context.Context, data []byte, fileName, mimeType string, meta *domain.ExtractionMetadata) (string, error) {
	if e.ocr == nil {
		return "", fmt.Errorf("ocr provider not configured")
	}
	text, _, err := e.runOCR(ctx, data, ocrMIME(fileName, mimeType, FormatImage))
	if err != nil {
		return "", err
	}
	meta.HasOCR = true
	meta.PageCount = 1
	return text, nil
}

type ocrEnvelope struct {
	Pages []struct {
		Page int    `json:"page"`
		Text string `json:"text"`
	} `json:"pages"`
	Text string `json:"text"`
}

// runOCR calls the provider and unwraps a {"pages":[...]} envelope when the
// reply carries one. Anything else is used as raw text.
func (e *Extractor) runOCR(ctx context.Context, data []byte, mimeType string) (string, int, error) {
	raw, err := e.ocr.ExtractText(ctx, data, mimeType)
	if err != nil {
		return "", 0, fmt.Errorf("ocr: %w", err)
	}
	text, pages := parseOCROutput(raw)
	return text, pages, nil
}

func parseOCROutput(raw string) (string, int) {
	trimmed := stripCodeFence(raw)
	if strings.HasPrefix(trimmed, "{") {
		var envelope ocrEnvelope
		if err := json.Unmarshal([]byte(trimmed), &envelope); err == nil {
			if len(envelope.Pages) > 0 {
				parts := make([]string, 0, len(envelope.Pages))
				for _, p := range envelope.Pages {
					if t := strings.TrimSpace(p.Text); t != "" {
						parts = append(parts, t)
					}
				}
				return strings.Join(parts, "\n\n"), len(envelope.Pages)
			}
			if envelope.Text != "" {
				return envelope.Text, 0
			}
		}
	}
	return raw, 0
}

// readPDF returns the page count and embedded text layer of a PDF. The parser
// panics on some malformed files; those panics are returned as errors.
func readPDF(data []byte) (pages int, text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parse pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, "", fmt.Errorf("open pdf: %w", err)
	}

	plain, err := reader.GetPlainText()
	if err != nil {
		return reader.NumPage(), "", fmt.Errorf("extract pdf text: %w", err)
	}

	buf := &bytes.Buffer{}
	if _, err := io.Copy(buf, plain); err != nil {
		return reader.NumPage(), "", fmt.Errorf("read pdf text: %w", err)
	}
	return reader.NumPage(), normalizePlainText(buf.String()), nil
}

func decodeText(data []byte) string {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if utf8.Valid(data) {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(strings.ToValidUTF8(string(data), "\uFFFD"))
}

func normalizePlainText(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n")
}

func originalFormat(fileName, mimeType string) string {
	if ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(fileName)), "."); ext != "" {
		return ext
	}
	return normalizeMIME(mimeType)
}
