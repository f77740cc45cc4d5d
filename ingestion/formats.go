// Package ingestion turns uploaded files into stored, searchable chunks:
// format resolution, text extraction, chunking, embedding and persistence.
package ingestion

import (
	"mime"
	"path/filepath"
	"strings"

	"github.com/fabfab/sales-rag/domain"
)

// DocumentFormat enumerates supported document payload formats.
type DocumentFormat string

const (
	// FormatUnknown represents an unsupported or undetected format.
	FormatUnknown  DocumentFormat = ""
	FormatPDF      DocumentFormat = "pdf"
	FormatImage    DocumentFormat = "image"
	FormatDOCX     DocumentFormat = "docx"
	FormatPPTX     DocumentFormat = "pptx"
	FormatXLSX     DocumentFormat = "xlsx"
	FormatCSV      DocumentFormat = "csv"
	FormatText     DocumentFormat = "txt"
	FormatMarkdown DocumentFormat = "md"
)

var extensionFormats = map[string]DocumentFormat{
	".pdf":      FormatPDF,
	".jpg":      FormatImage,
	".jpeg":     FormatImage,
	".png":      FormatImage,
	".webp":     FormatImage,
	".gif":      FormatImage,
	".docx":     FormatDOCX,
	".pptx":     FormatPPTX,
	".xlsx":     FormatXLSX,
	".xls":      FormatXLSX,
	".csv":      FormatCSV,
	".txt":      FormatText,
	".md":       FormatMarkdown,
	".markdown": FormatMarkdown,
}

// mimeFormats lists every format a MIME type may legitimately describe. A
// single entry is an unambiguous mapping.
var mimeFormats = map[string][]DocumentFormat{
	"application/pdf": {FormatPDF},
	"image/jpeg":      {FormatImage},
	"image/png":       {FormatImage},
	"image/webp":      {FormatImage},
	"image/gif":       {FormatImage},
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   {FormatDOCX},
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": {FormatPPTX},
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         {FormatXLSX},
	// Browsers on Windows report CSV files as Excel.
	"application/vnd.ms-excel": {FormatXLSX, FormatCSV},
	"text/csv":                 {FormatCSV},
	"application/csv":          {FormatCSV},
	"text/plain":               {FormatText, FormatMarkdown, FormatCSV},
	"text/markdown":            {FormatMarkdown},
	"text/x-markdown":          {FormatMarkdown},
}

// canonicalMIME is the MIME type reported to OCR providers per format.
var canonicalMIME = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
	".gif":  "image/gif",
	".pdf":  "application/pdf",
}

// DetectFormat infers a document format from the provided path's extension.
func DetectFormat(path string) DocumentFormat {
	return extensionFormats[strings.ToLower(filepath.Ext(path))]
}

// ResolveFormat combines the file extension with the declared MIME type. When
// they disagree the MIME type wins only if it maps to exactly one supported
// format; otherwise the file is rejected naming both values.
func ResolveFormat(fileName, declaredMIME string) (DocumentFormat, error) {
	ext := strings.ToLower(filepath.Ext(fileName))
	extFormat := extensionFormats[ext]

	mediaType := normalizeMIME(declaredMIME)
	candidates, known := mimeFormats[mediaType]
	if mediaType == "" || mediaType == "application/octet-stream" {
		if extFormat == FormatUnknown {
			return FormatUnknown, &domain.UnsupportedFormatError{Extension: ext, MIMEType: declaredMIME}
		}
		return extFormat, nil
	}

	if !known {
		return FormatUnknown, &domain.UnsupportedFormatError{Extension: ext, MIMEType: declaredMIME}
	}
	for _, candidate := range candidates {
		if candidate == extFormat {
			return extFormat, nil
		}
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}
	return FormatUnknown, &domain.UnsupportedFormatError{Extension: ext, MIMEType: declaredMIME}
}

func normalizeMIME(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(value)
	if err != nil {
		return strings.ToLower(value)
	}
	return strings.ToLower(mediaType)
}

// ocrMIME picks the MIME type to send to the OCR provider.
func ocrMIME(fileName, declaredMIME string, format DocumentFormat) string {
	mediaType := normalizeMIME(declaredMIME)
	if candidates, ok := mimeFormats[mediaType]; ok && len(candidates) == 1 && candidates[0] == format {
		return mediaType
	}
	if m, ok := canonicalMIME[strings.ToLower(filepath.Ext(fileName))]; ok {
		return m
	}
	if format == FormatPDF {
		return "application/pdf"
	}
	return "image/png"
}

// formatMIME is a MIME type that resolves back to format regardless of the
// file extension, or "" when the extension must decide.
func formatMIME(format DocumentFormat) string {
	switch format {
	case FormatPDF:
		return "application/pdf"
	case FormatDOCX:
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case FormatPPTX:
		return "application/vnd.openxmlformats-officedocument.presentationml.presentation"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case FormatCSV:
		return "text/csv"
	case FormatMarkdown:
		return "text/markdown"
	default:
		return ""
	}
}
