package ingestion

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/fabfab/sales-rag/domain"
	"github.com/fabfab/sales-rag/llm"
)

var quietLogger = log.New(io.Discard, "", 0)

type stubOCR struct {
	reply    string
	err      error
	mimeType string
}

var _ llm.OCR = (*stubOCR)(nil)

func (s *stubOCR) ExtractText(_ context.Context, _ []byte, mimeType string) (string, error) {
	s.mimeType = mimeType
	return s.reply, s.err
}

type stubMapper struct {
	mappings map[string]string
	mapErr   error
	rowErr   error
	rowsSeen []map[string]string
}

var _ ColumnMapper = (*stubMapper)(nil)

func (s *stubMapper) MapColumns(_ context.Context, headers []string) (map[string]string, error) {
	if s.mapErr != nil {
		return nil, s.mapErr
	}
	return s.mappings, nil
}

func (s *stubMapper) RowToSentence(_ context.Context, row map[string]string) (string, error) {
	if s.rowErr != nil {
		return "", s.rowErr
	}
	s.rowsSeen = append(s.rowsSeen, row)
	return row["customer_name"] + " has a deal worth " + row["deal_amount"] + ".", nil
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	w := zip.NewWriter(buf)
	for name, content := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestExtractPlainText(t *testing.T) {
	e := NewExtractor(nil, nil, quietLogger)

	got, err := e.Extract(context.Background(), []byte("\xef\xbb\xbf  Pipeline review notes \n"), "notes.txt", "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "Pipeline review notes", got.Text)
	assert.Equal(t, FormatText, got.Format)
	assert.Equal(t, "txt", got.Metadata.FileType)
	assert.Equal(t, "txt", got.Metadata.OriginalFormat)
	assert.False(t, got.Metadata.HasOCR)
	assert.False(t, got.Metadata.ProcessedAt.IsZero())
}

func TestExtractEmptyText(t *testing.T) {
	e := NewExtractor(nil, nil, quietLogger)

	_, err := e.Extract(context.Background(), []byte(" \n\t "), "blank.md", "")
	assert.ErrorIs(t, err, domain.ErrEmptyDocument)
	assert.NotErrorIs(t, err, domain.ErrExtractionFailure)
}

func TestExtractUnsupported(t *testing.T) {
	e := NewExtractor(nil, nil, quietLogger)

	_, err := e.Extract(context.Background(), []byte("MZ"), "setup.exe", "application/x-msdownload")
	assert.ErrorIs(t, err, domain.ErrUnsupportedFormat)
}

func TestExtractDOCX(t *testing.T) {
	doc := buildZip(t, map[string]string{
		"word/document.xml": `<?xml version="1.0" encoding="UTF-8"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p><w:r><w:t>Quarterly </w:t></w:r><w:r><w:t>forecast</w:t></w:r></w:p>
    <w:p><w:r><w:t>Renewals are on track.</w:t></w:r></w:p>
  </w:body>
</w:document>`,
	})
	e := NewExtractor(nil, nil, quietLogger)

	got, err := e.Extract(context.Background(), doc, "forecast.docx", "")
	require.NoError(t, err)
	assert.Equal(t, "Quarterly forecast\nRenewals are on track.", got.Text)
}

func TestExtractDOCXTablesAndHyperlinks(t *testing.T) {
	doc := buildZip(t, map[string]string{
		"word/document.xml": `<?xml version="1.0" encoding="UTF-8"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main" xmlns:r="http://schemas.openxmlformats.org/officeDocument/2006/relationships">
  <w:body>
    <w:p><w:r><w:t>Intro paragraph.</w:t></w:r></w:p>
    <w:tbl>
      <w:tr>
        <w:tc><w:p><w:r><w:t>Q3 revenue</w:t></w:r><w:r><w:tab/><w:t>4.2M</w:t></w:r></w:p></w:tc>
        <w:tc><w:p><w:r><w:t>Q4 target 5M</w:t></w:r></w:p></w:tc>
      </w:tr>
    </w:tbl>
    <w:p><w:r><w:t xml:space="preserve">See the </w:t></w:r><w:hyperlink r:id="rId4"><w:r><w:t>Pricing page</w:t></w:r></w:hyperlink></w:p>
    <w:sdt><w:sdtContent><w:p><w:r><w:t>Signed by Acme</w:t></w:r></w:p></w:sdtContent></w:sdt>
  </w:body>
</w:document>`,
	})
	e := NewExtractor(nil, nil, quietLogger)

	got, err := e.Extract(context.Background(), doc, "proposal.docx", "")
	require.NoError(t, err)
	assert.Equal(t, "Intro paragraph.\nQ3 revenue 4.2M\nQ4 target 5M\nSee the Pricing page\nSigned by Acme", got.Text)
}

func TestExtractCorruptDOCXWrapsCause(t *testing.T) {
	e := NewExtractor(nil, nil, quietLogger)

	_, err := e.Extract(context.Background(), []byte("not a zip"), "broken.docx", "")
	require.ErrorIs(t, err, domain.ErrExtractionFailure)

	var extractErr *domain.ExtractionError
	require.ErrorAs(t, err, &extractErr)
	assert.Equal(t, "docx", extractErr.Format)
	assert.Error(t, errors.Unwrap(extractErr))
}

func TestExtractPPTXInSlideOrder(t *testing.T) {
	slide := func(text string) string {
		return `<p:sld xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main" xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main">
<p:cSld><p:spTree><p:sp><p:txBody><a:p><a:r><a:t>` + text + `</a:t></a:r></a:p></p:txBody></p:sp></p:spTree></p:cSld></p:sld>`
	}
	deck := buildZip(t, map[string]string{
		"ppt/slides/slide10.xml":           slide("Closing"),
		"ppt/slides/slide2.xml":            slide("Pricing"),
		"ppt/slides/slide1.xml":            slide("Welcome"),
		"ppt/slides/_rels/slide1.xml.rels": "<Relationships/>",
		"ppt/presentation.xml":             "<p:presentation/>",
	})
	e := NewExtractor(nil, nil, quietLogger)

	got, err := e.Extract(context.Background(), deck, "pitch.pptx", "")
	require.NoError(t, err)
	assert.Equal(t, "Slide 1\nWelcome\n\nSlide 2\nPricing\n\nSlide 10\nClosing", got.Text)
	assert.Equal(t, 3, got.Metadata.PageCount)
}

func TestExtractCSVToSentences(t *testing.T) {
	mapper := &stubMapper{mappings: map[string]string{"Name": "customer_name", "Amount": "deal_amount"}}
	e := NewExtractor(nil, mapper, quietLogger)

	data := []byte("Name,Amount\nAlice,100\n,\nBob,200\n")
	got, err := e.Extract(context.Background(), data, "deals.csv", "text/csv")
	require.NoError(t, err)

	sentences := strings.Split(got.Text, "\n")
	assert.Equal(t, []string{"Alice has a deal worth 100.", "Bob has a deal worth 200."}, sentences)
	require.NotNil(t, got.Metadata.CSV)
	assert.Equal(t, 2, got.Metadata.CSV.RowCount)
	assert.Equal(t, []string{"Name", "Amount"}, got.Metadata.CSV.Headers)
	assert.Equal(t, "deal_amount", got.Metadata.CSV.ColumnMappings["Amount"])
	assert.Len(t, mapper.rowsSeen, 2)
}

func TestExtractCSVKeepsCollidingColumns(t *testing.T) {
	mapper := &stubMapper{mappings: map[string]string{"Client": "customer_name", "Customer": "customer_name"}}
	e := NewExtractor(nil, mapper, quietLogger)

	data := []byte("Notes,Notes,Client,Customer\nfirst,second,Acme,Globex\n")
	_, err := e.Extract(context.Background(), data, "notes.csv", "text/csv")
	require.NoError(t, err)

	require.Len(t, mapper.rowsSeen, 1)
	assert.Equal(t, map[string]string{
		"notes":           "first",
		"notes_2":         "second",
		"customer_name":   "Acme",
		"customer_name_2": "Globex",
	}, mapper.rowsSeen[0])
}

func TestColumnKeys(t *testing.T) {
	keys := columnKeys(
		[]string{"A", "B", "C", "D"},
		map[string]string{"A": "x", "B": "x", "C": "x_2", "D": "x"},
	)
	assert.Equal(t, []string{"x", "x_2", "x_2_2", "x_3"}, keys)
}

func TestExtractCSVFallsBackWithoutMapper(t *testing.T) {
	failing := &stubMapper{mapErr: errors.New("provider down"), rowErr: errors.New("provider down")}

	for name, mapper := range map[string]ColumnMapper{"nil mapper": nil, "failing mapper": failing} {
		t.Run(name, func(t *testing.T) {
			e := NewExtractor(nil, mapper, quietLogger)

			got, err := e.Extract(context.Background(), []byte("Deal Name,Amount ($)\nAcme renewal, 100\n"), "deals.csv", "")
			require.NoError(t, err)
			assert.Equal(t, "Acme renewal 100", got.Text)
			assert.Equal(t, map[string]string{"Deal Name": "deal_name", "Amount ($)": "amount"}, got.Metadata.CSV.ColumnMappings)
			assert.Equal(t, 1, got.Metadata.CSV.RowCount)
		})
	}
}

func TestExtractSpreadsheet(t *testing.T) {
	book := excelize.NewFile()
	require.NoError(t, book.SetCellValue("Sheet1", "A1", "Name"))
	require.NoError(t, book.SetCellValue("Sheet1", "B1", "Amount"))
	require.NoError(t, book.SetCellValue("Sheet1", "A2", "Alice"))
	require.NoError(t, book.SetCellValue("Sheet1", "B2", 100))
	require.NoError(t, book.SetCellValue("Sheet1", "A3", "Bob"))
	require.NoError(t, book.SetCellValue("Sheet1", "B3", 200))
	buf, err := book.WriteToBuffer()
	require.NoError(t, err)
	require.NoError(t, book.Close())

	e := NewExtractor(nil, nil, quietLogger)
	got, err := e.Extract(context.Background(), buf.Bytes(), "pipeline.xlsx", "")
	require.NoError(t, err)

	assert.Equal(t, "=== Sheet: Sheet1 ===\nAlice 100\nBob 200", got.Text)
	require.Len(t, got.Metadata.Sheets, 1)
	assert.Equal(t, "Sheet1", got.Metadata.Sheets[0].Name)
	assert.Equal(t, 2, got.Metadata.Sheets[0].CSV.RowCount)

	renamed, err := e.Extract(context.Background(), buf.Bytes(), "pipeline.xls", "application/vnd.ms-excel")
	require.NoError(t, err)
	assert.Equal(t, got.Text, renamed.Text)
}

func TestExtractRejectsLegacyBinaryWorkbook(t *testing.T) {
	e := NewExtractor(nil, nil, quietLogger)
	biff := append([]byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}, make([]byte, 504)...)

	_, err := e.Extract(context.Background(), biff, "forecast.xls", "application/vnd.ms-excel")
	require.ErrorIs(t, err, domain.ErrUnsupportedFormat)
	assert.ErrorContains(t, err, "legacy binary Excel")
}

func TestExtractImageThroughOCR(t *testing.T) {
	ocr := &stubOCR{reply: "```json\n{\"pages\":[{\"page\":1,\"text\":\"Invoice 42\"}]}\n```"}
	e := NewExtractor(ocr, nil, quietLogger)

	got, err := e.Extract(context.Background(), []byte{0x89, 'P', 'N', 'G'}, "invoice.png", "")
	require.NoError(t, err)
	assert.Equal(t, "Invoice 42", got.Text)
	assert.True(t, got.Metadata.HasOCR)
	assert.Equal(t, "image/png", ocr.mimeType)
}

func TestExtractPDFThroughOCRPages(t *testing.T) {
	ocr := &stubOCR{reply: `{"pages":[{"page":1,"text":"Page one"},{"page":2,"text":"Page two"}]}`}
	e := NewExtractor(ocr, nil, quietLogger)

	got, err := e.Extract(context.Background(), []byte("%PDF-1.7 scanned"), "contract.pdf", "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, "Page one\n\nPage two", got.Text)
	assert.Equal(t, 2, got.Metadata.PageCount)
	assert.True(t, got.Metadata.HasOCR)
}

func TestExtractOCRRawText(t *testing.T) {
	ocr := &stubOCR{reply: "plain words from a scan"}
	e := NewExtractor(ocr, nil, quietLogger)

	got, err := e.Extract(context.Background(), []byte("GIF89a"), "scan.gif", "image/gif")
	require.NoError(t, err)
	assert.Equal(t, "plain words from a scan", got.Text)
}

func TestExtractOCRFailure(t *testing.T) {
	e := NewExtractor(&stubOCR{err: errors.New("quota exceeded")}, nil, quietLogger)

	_, err := e.Extract(context.Background(), []byte("img"), "photo.jpg", "image/jpeg")
	assert.ErrorIs(t, err, domain.ErrExtractionFailure)
}

func TestExtractImageWithoutOCR(t *testing.T) {
	e := NewExtractor(nil, nil, quietLogger)

	_, err := e.Extract(context.Background(), []byte("img"), "photo.jpg", "")
	assert.ErrorIs(t, err, domain.ErrExtractionFailure)
}

func TestSnakeCase(t *testing.T) {
	assert.Equal(t, "deal_amount_usd", snakeCase("Deal Amount (USD)"))
	assert.Equal(t, "close_date", snakeCase("  close-date "))
	assert.Equal(t, "", snakeCase("$$"))
}

func TestParseOCROutput(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		text  string
		pages int
	}{
		{"page envelope", `{"pages":[{"page":1,"text":" Invoice 42 "},{"page":2,"text":""},{"page":3,"text":"Total 10"}]}`, "Invoice 42\n\nTotal 10", 3},
		{"fenced envelope", "```json\n{\"pages\":[{\"page\":1,\"text\":\"Signed\"}]}\n```", "Signed", 1},
		{"text envelope", `{"text":"Plain reply"}`, "Plain reply", 0},
		{"not json", "Just words", "Just words", 0},
		{"broken json", `{"pages":[`, `{"pages":[`, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			text, pages := parseOCROutput(tc.raw)
			assert.Equal(t, tc.text, text)
			assert.Equal(t, tc.pages, pages)
		})
	}
}
