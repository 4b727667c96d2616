package retrieval

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"unicode/utf8"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/ledongthuc/pdf"
)

// LimitedMarker prefixes text produced by the lossy fallback extractor.
const LimitedMarker = "[extraction limited: binary content was coerced to text]"

const (
	mimeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	mimePDF  = "application/pdf"
)

// Extractor turns raw file bytes into plain text.
type Extractor interface {
	Extract(content []byte) (string, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(content []byte) (string, error)

// Extract calls f.
func (f ExtractorFunc) Extract(content []byte) (string, error) {
	return f(content)
}

// Extraction is the result of running the registry on a file.
type Extraction struct {
	Text    string
	Limited bool
	// Cause is the format extractor error that triggered the fallback.
	Cause error
}

// Registry selects an extractor by MIME type.
type Registry struct {
	byType map[string]Extractor
}

// NewRegistry returns a registry with the built-in extractors.
func NewRegistry() *Registry {
	r := &Registry{byType: make(map[string]Extractor)}
	r.Register(ExtractorFunc(extractUTF8), "text/plain", "text/markdown", "text/csv", "application/json", "application/xml", "text/xml")
	r.Register(ExtractorFunc(extractHTML), "text/html", "application/xhtml+xml")
	r.Register(ExtractorFunc(extractPDF), mimePDF)
	r.Register(ExtractorFunc(extractDOCX), mimeDOCX)
	return r
}

// Register binds e to each MIME type.
func (r *Registry) Register(e Extractor, mimeTypes ...string) {
	for _, t := range mimeTypes {
		r.byType[normalizeMIME(t)] = e
	}
}

// Extract runs the extractor for mimeType. Unknown types and extractor
// failures fall back to printable-byte coercion with Limited set.
func (r *Registry) Extract(mimeType string, content []byte) Extraction {
	t := normalizeMIME(mimeType)
	e, ok := r.byType[t]
	if !ok && strings.HasPrefix(t, "text/") {
		e, ok = ExtractorFunc(extractUTF8), true
	}
	if ok {
		text, err := e.Extract(content)
		if err == nil {
			return Extraction{Text: text}
		}
		return Extraction{Text: coerce(content), Limited: true, Cause: err}
	}
	return Extraction{Text: coerce(content), Limited: true}
}

func normalizeMIME(t string) string {
	if mt, _, err := mime.ParseMediaType(t); err == nil {
		return mt
	}
	return strings.ToLower(strings.TrimSpace(t))
}

func extractUTF8(content []byte) (string, error) {
	if !utf8.Valid(content) {
		return strings.ToValidUTF8(string(content), " "), nil
	}
	return string(content), nil
}

func extractHTML(content []byte) (string, error) {
	converter := md.NewConverter("", true, nil)
	converter.Remove("script", "style", "nav", "footer")
	out, err := converter.ConvertString(string(content))
	if err != nil {
		return "", fmt.Errorf("convert html: %w", err)
	}
	return strings.TrimSpace(out), nil
}

func extractPDF(content []byte) (text string, err error) {
	// the pdf reader panics on some malformed inputs
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parse pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	var b strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil || strings.TrimSpace(pageText) == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(strings.TrimSpace(pageText))
	}
	if b.Len() == 0 {
		return "", errors.New("pdf has no extractable text")
	}
	return b.String(), nil
}

// extractDOCX reads the text runs of word/document.xml, one paragraph per
// w:p element.
func extractDOCX(content []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}
	var doc *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			doc = f
			break
		}
	}
	if doc == nil {
		return "", errors.New("docx has no word/document.xml")
	}
	rc, err := doc.Open()
	if err != nil {
		return "", fmt.Errorf("open document.xml: %w", err)
	}
	defer rc.Close()

	var (
		paragraphs []string
		current    strings.Builder
		inText     bool
	)
	dec := xml.NewDecoder(rc)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("decode document.xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				current.WriteByte('\t')
			case "br":
				current.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if s := strings.TrimSpace(current.String()); s != "" {
					paragraphs = append(paragraphs, s)
				}
				current.Reset()
			}
		case xml.CharData:
			if inText {
				current.Write(t)
			}
		}
	}
	if len(paragraphs) == 0 {
		return "", errors.New("docx has no text")
	}
	return strings.Join(paragraphs, "\n\n"), nil
}

// coerce keeps printable ASCII, drops lines of three characters or fewer
// and prefixes the result with LimitedMarker.
func coerce(content []byte) string {
	mapped := bytes.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 0x20 && r <= 0x7e) {
			return r
		}
		return ' '
	}, content)

	var kept []string
	for _, line := range strings.Split(string(mapped), "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if len(line) > 3 {
			kept = append(kept, line)
		}
	}
	if len(kept) == 0 {
		return LimitedMarker
	}
	return LimitedMarker + "\n\n" + strings.Join(kept, "\n")
}
