// Package ingest converts uploaded files to plain text so shell tools like
// cat and grep can work on them inside a chat's working directory.
package ingest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Extractor converts raw content to plain text.
type Extractor interface {
	Extract(content []byte) (string, error)
}

// ContentType identifies the kind of content for extraction.
type ContentType string

const (
	TypePlainText ContentType = "text/plain"
	TypeHTML      ContentType = "text/html"
	TypeMarkdown  ContentType = "text/markdown"
	TypePDF       ContentType = "application/pdf"
	TypeOther     ContentType = "application/octet-stream"
)

// textExtensions are formats stored as-is; no conversion needed beyond
// normalization.
var textExtensions = map[string]bool{
	"txt": true, "log": true, "csv": true, "json": true,
	"yaml": true, "yml": true, "toml": true, "go": true, "py": true,
	"sh": true, "xml": true,
}

// ContentTypeFromExtension maps file extensions to content types.
func ContentTypeFromExtension(ext string) ContentType {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	switch {
	case ext == "md" || ext == "markdown":
		return TypeMarkdown
	case ext == "html" || ext == "htm":
		return TypeHTML
	case ext == "pdf":
		return TypePDF
	case textExtensions[ext]:
		return TypePlainText
	default:
		return TypeOther
	}
}

// PlainTextExtractor returns content as-is, normalized to NFC so downstream
// byte-oriented tools see one canonical form.
type PlainTextExtractor struct{}

func (PlainTextExtractor) Extract(content []byte) (string, error) {
	return norm.NFC.String(string(content)), nil
}

// For selects the extractor for a content type.
func For(ct ContentType) Extractor {
	switch ct {
	case TypePDF:
		return NewPDFExtractor()
	case TypeHTML:
		return NewHTMLExtractor()
	case TypeMarkdown:
		return NewMarkdownExtractor()
	case TypePlainText:
		return PlainTextExtractor{}
	default:
		return NewPandocExtractor()
	}
}

// ConvertFile extracts plain text from the file at path and writes it next to
// the original as "<name>.txt" (extension replaced). Plain-text inputs are
// left alone. Returns the path of the text companion, or "" when none was
// written.
func ConvertFile(path string) (string, error) {
	ext := filepath.Ext(path)
	ct := ContentTypeFromExtension(ext)
	if ct == TypePlainText {
		return "", nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}

	text, err := For(ct).Extract(content)
	if err != nil {
		return "", fmt.Errorf("extract %s: %w", filepath.Base(path), err)
	}

	out := strings.TrimSuffix(path, ext) + ".txt"
	if err := os.WriteFile(out, []byte(text), 0o600); err != nil {
		return "", fmt.Errorf("write %s: %w", filepath.Base(out), err)
	}
	return out, nil
}
