package document

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html/charset"
)

// Extractor pulls raw text from one file format.
type Extractor interface {
	Extract(path string) (string, error)
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(path string) (string, error)

// Extract implements Extractor.
func (f ExtractorFunc) Extract(path string) (string, error) { return f(path) }

// chain tries extractors in order and returns the first non-empty result.
// Every strategy failing escalates to ErrExtraction with the last cause.
type chain []Extractor

func (c chain) Extract(path string) (string, error) {
	var lastErr error
	for _, e := range c {
		text, err := e.Extract(path)
		if err != nil {
			lastErr = err
			continue
		}
		if strings.TrimSpace(text) != "" {
			return text, nil
		}
		lastErr = errors.New("no extractable text")
	}
	return "", fmt.Errorf("%w: %v", ErrExtraction, lastErr)
}

// extractors maps a lowercased file extension to its strategy chain. PDF
// tries the whole-document reader first and falls back to page-by-page
// salvage, which survives single corrupt pages.
func extractors() map[string]Extractor {
	return map[string]Extractor{
		".pdf":  chain{ExtractorFunc(extractPDF), ExtractorFunc(extractPDFPages)},
		".docx": chain{ExtractorFunc(extractDOCX)},
		".txt":  chain{ExtractorFunc(extractText)},
		".md":   chain{ExtractorFunc(extractText)},
	}
}

func extractPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()

	reader, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	var buf strings.Builder
	if _, err := io.Copy(&buf, reader); err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return buf.String(), nil
}

// extractPDFPages reads pages independently, skipping the ones that fail.
func extractPDFPages(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()

	var buf strings.Builder
	extracted := 0
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		buf.WriteString(text)
		buf.WriteString("\n")
		extracted++
	}
	if extracted == 0 {
		return "", errors.New("no readable pdf pages")
	}
	return buf.String(), nil
}

// docx element names in the wordprocessing namespace.
const (
	docxParagraph = "p"
	docxTableRow  = "tr"
	docxTableCell = "tc"
	docxText      = "t"
)

// extractDOCX walks word/document.xml, emitting paragraphs as lines and
// table rows as cell values joined with " | ".
func extractDOCX(path string) (string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("opening docx archive: %w", err)
	}
	defer zr.Close()

	var docXML io.ReadCloser
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			docXML, err = f.Open()
			if err != nil {
				return "", fmt.Errorf("opening document.xml: %w", err)
			}
			break
		}
	}
	if docXML == nil {
		return "", errors.New("docx has no word/document.xml")
	}
	defer docXML.Close()

	dec := xml.NewDecoder(docXML)

	var (
		out       strings.Builder
		paragraph strings.Builder
		row       []string
		cell      strings.Builder
		inText    bool
		inCell    bool
	)

	flushParagraph := func() {
		if text := strings.TrimSpace(paragraph.String()); text != "" {
			out.WriteString(text)
			out.WriteString("\n")
		}
		paragraph.Reset()
	}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parsing document.xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case docxText:
				inText = true
			case docxTableCell:
				inCell = true
				cell.Reset()
			}
		case xml.EndElement:
			switch t.Name.Local {
			case docxText:
				inText = false
			case docxTableCell:
				inCell = false
				if text := strings.TrimSpace(cell.String()); text != "" {
					row = append(row, text)
				}
			case docxTableRow:
				if len(row) > 0 {
					out.WriteString(strings.Join(row, " | "))
					out.WriteString("\n")
					row = nil
				}
			case docxParagraph:
				if !inCell {
					flushParagraph()
				}
			}
		case xml.CharData:
			if !inText {
				continue
			}
			if inCell {
				cell.Write(t)
			} else {
				paragraph.Write(t)
			}
		}
	}
	flushParagraph()

	return out.String(), nil
}

// extractText reads a plain-text file with encoding auto-detection, so
// latin-1 exports decode instead of producing mojibake.
func extractText(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading text file: %w", err)
	}

	reader, err := charset.NewReader(bytes.NewReader(raw), "text/plain")
	if err != nil {
		// Undetectable encoding: serve the bytes as-is.
		return string(raw), nil
	}
	decoded, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("decoding text file: %w", err)
	}
	return string(decoded), nil
}
