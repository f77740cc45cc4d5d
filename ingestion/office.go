package ingestion

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/fabfab/sales-rag/domain"
)

var slidePart = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)

// extractDOCX walks word/document.xml and keeps every w:t run, including
// those inside tables, hyperlinks and content controls. Paragraphs and table
// cells each end a line.
func extractDOCX(data []byte) (string, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open docx archive: %w", err)
	}

	content, err := readZipFile(reader, "word/document.xml")
	if err != nil {
		return "", err
	}

	text, err := markupText(bytes.NewReader(content), "p", "tc")
	if err != nil {
		return "", fmt.Errorf("parse document xml: %w", err)
	}
	return text, nil
}

// extractPPTX concatenates slide text in slide order and reports the number of
// slide parts.
func extractPPTX(data []byte) (string, int, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", 0, fmt.Errorf("open pptx archive: %w", err)
	}

	type slide struct {
		number int
		file   *zip.File
	}
	var slides []slide
	for _, f := range reader.File {
		m := slidePart.FindStringSubmatch(f.Name)
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		slides = append(slides, slide{number: n, file: f})
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].number < slides[j].number })

	parts := make([]string, 0, len(slides))
	for _, s := range slides {
		rc, err := s.file.Open()
		if err != nil {
			return "", 0, fmt.Errorf("open slide %d: %w", s.number, err)
		}
		text, err := slideText(rc)
		rc.Close()
		if err != nil {
			return "", 0, fmt.Errorf("parse slide %d: %w", s.number, err)
		}
		if text == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("Slide %d\n%s", s.number, text))
	}
	return strings.Join(parts, "\n\n"), len(slides), nil
}

// slideText collects a:t runs, one line per a:p paragraph.
func slideText(r io.Reader) (string, error) {
	return markupText(r, "p")
}

// markupText collects the character data of every t element. Closing any of
// the breaks elements ends the current line; tab elements become a space.
func markupText(r io.Reader, breaks ...string) (string, error) {
	decoder := xml.NewDecoder(r)
	var (
		lines  []string
		line   strings.Builder
		inText bool
	)
	flush := func() {
		if s := strings.TrimSpace(line.String()); s != "" {
			lines = append(lines, s)
		}
		line.Reset()
	}
	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				line.WriteByte(' ')
			}
		case xml.EndElement:
			if t.Name.Local == "t" {
				inText = false
				continue
			}
			if slices.Contains(breaks, t.Name.Local) {
				flush()
			}
		case xml.CharData:
			if inText {
				line.Write(t)
			}
		}
	}
	flush()
	return strings.Join(lines, "\n"), nil
}

// extractSpreadsheet flattens each worksheet to CSV and runs it through the
// CSV pipeline, joining sheets under a header line.
func (e *Extractor) extractSpreadsheet(ctx context.Context, data []byte) (string, []domain.SheetMetadata, error) {
	book, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", nil, fmt.Errorf("open workbook: %w", err)
	}
	defer book.Close()

	var (
		parts  []string
		sheets []domain.SheetMetadata
	)
	for _, name := range book.GetSheetList() {
		rows, err := book.GetRows(name)
		if err != nil {
			return "", nil, fmt.Errorf("read sheet %q: %w", name, err)
		}

		flat := &bytes.Buffer{}
		writer := csv.NewWriter(flat)
		if err := writer.WriteAll(rows); err != nil {
			return "", nil, fmt.Errorf("flatten sheet %q: %w", name, err)
		}

		text, meta, err := e.csvToSentences(ctx, flat.Bytes())
		if err != nil {
			return "", nil, fmt.Errorf("convert sheet %q: %w", name, err)
		}
		sheets = append(sheets, domain.SheetMetadata{Name: name, CSV: *meta})
		if text == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("=== Sheet: %s ===\n%s", name, text))
	}
	return strings.Join(parts, "\n\n"), sheets, nil
}

func readZipFile(reader *zip.Reader, name string) ([]byte, error) {
	for _, f := range reader.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", name, err)
		}
		defer rc.Close()
		content, err := io.ReadAll(rc)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		return content, nil
	}
	return nil, fmt.Errorf("archive has no %s", name)
}
