// Package export renders per-topic tally reports as HTML or PDF.
package export

import (
	"errors"
	"fmt"
	"strings"
)

// Format is a report output format.
type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
)

// ParseFormat accepts "html" or "pdf" in any case. An empty value is HTML.
func ParseFormat(raw string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(raw))); f {
	case "":
		return FormatHTML, nil
	case FormatHTML, FormatPDF:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, raw)
	}
}

// Request selects the topic and output of one report.
type Request struct {
	TopicID string
	Format  Format
	// AuditLimit caps the recent audit entries in the report. Zero means 20.
	AuditLimit int
}

// Result is a rendered report ready to be written or served.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrUnknownTopic indicates the topic has neither votes nor base counts.
	ErrUnknownTopic      = errors.New("export unknown topic")
	ErrUnsupportedFormat = errors.New("format must be html or pdf")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)
