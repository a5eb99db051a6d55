package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"docuquery-backend/models"
)

// DocxExtractor reads word/document.xml out of the docx container and
// collects paragraph text. Word files carry no reliable page boundaries in
// the XML, so the output is a single unpaginated page.
type DocxExtractor struct{}

func (e *DocxExtractor) Extract(ctx context.Context, data []byte) ([]models.ExtractedPage, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: not a valid docx container: %v", ErrExtractionFailed, err)
	}

	var docXML io.ReadCloser
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			docXML, err = f.Open()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
			}
			break
		}
	}
	if docXML == nil {
		return nil, fmt.Errorf("%w: word/document.xml missing", ErrExtractionFailed)
	}
	defer docXML.Close()

	text, err := collectDocxText(docXML)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}

	return []models.ExtractedPage{{Text: text}}, nil
}

// collectDocxText walks the XML token stream and joins <w:t> runs,
// inserting newlines at paragraph ends.
func collectDocxText(r io.Reader) (string, error) {
	decoder := xml.NewDecoder(r)
	var sb strings.Builder
	inText := false

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
			if t.Name.Local == "t" {
				inText = true
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				sb.WriteString("\n")
			}
		case xml.CharData:
			if inText {
				sb.Write(t)
			}
		}
	}

	return sb.String(), nil
}
