package ingest

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

var _ Extractor = (*PandocExtractor)(nil)

// PandocExtractor shells out to pandoc for formats with no native Go reader
// (docx, odt, epub, rtf). It is the fallback extractor; conversion fails
// cleanly when pandoc is not installed.
type PandocExtractor struct {
	timeout time.Duration
}

// NewPandocExtractor creates a pandoc-backed extractor.
func NewPandocExtractor() *PandocExtractor {
	return &PandocExtractor{timeout: 30 * time.Second}
}

// Extract pipes content through `pandoc -t plain`.
func (e *PandocExtractor) Extract(content []byte) (string, error) {
	if _, err := exec.LookPath("pandoc"); err != nil {
		return "", fmt.Errorf("no extractor for this format and pandoc is not installed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "pandoc", "-t", "plain")
	cmd.Stdin = bytes.NewReader(content)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("pandoc: %v: %s", err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}
