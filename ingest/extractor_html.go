package ingest

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-shiori/go-readability"
)

var _ Extractor = (*HTMLExtractor)(nil)

// HTMLExtractor implements Extractor for HTML documents using readability
// extraction, which strips navigation, scripts, and boilerplate.
type HTMLExtractor struct{}

// NewHTMLExtractor creates an HTML extractor.
func NewHTMLExtractor() *HTMLExtractor { return &HTMLExtractor{} }

// Extract returns the readable text content of an HTML document.
func (e *HTMLExtractor) Extract(content []byte) (string, error) {
	// readability wants a page URL for resolving relative links; uploads have
	// none, so a placeholder does.
	base, _ := url.Parse("file:///upload")
	article, err := readability.FromReader(bytes.NewReader(content), base)
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	text := strings.TrimSpace(article.TextContent)
	if article.Title != "" {
		return article.Title + "\n\n" + text, nil
	}
	return text, nil
}
