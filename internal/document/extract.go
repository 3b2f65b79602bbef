package document

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/ledongthuc/pdf"
)

// Extract returns the document's text, one visual line per text line.
// PDFs are read page by page; plain text is returned as is.
func Extract(data []byte) (string, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return "", &ParseError{Kind: ErrEmptyDocument, Detail: "no content"}
	}

	mt := mimetype.Detect(data)
	switch {
	case mt.Is("application/pdf"):
		return extractPDF(data)
	case strings.HasPrefix(mt.String(), "text/"):
		if !utf8.Valid(data) {
			return "", &ParseError{Kind: ErrEmptyDocument, Detail: "text is not valid UTF-8"}
		}
		return string(data), nil
	default:
		return "", &ParseError{Kind: ErrEmptyDocument, Detail: "unsupported document type " + mt.String()}
	}
}

func extractPDF(data []byte) (text string, err error) {
	// The PDF reader panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			err = &ParseError{Kind: ErrEmptyDocument, Detail: fmt.Sprintf("malformed pdf: %v", r)}
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", &ParseError{Kind: ErrEmptyDocument, Detail: fmt.Sprintf("open pdf: %v", err)}
	}

	var sb strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		rows, err := page.GetTextByRow()
		if err != nil {
			return "", &ParseError{Kind: ErrEmptyDocument, Detail: fmt.Sprintf("page %d: %v", i, err)}
		}
		for _, row := range rows {
			for _, word := range row.Content {
				sb.WriteString(word.S)
			}
			sb.WriteByte('\n')
		}
	}
	return sb.String(), nil
}
