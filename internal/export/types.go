// Package export renders a project's schema document into portable
// formats: canonical JSON, YAML, a standalone HTML page, PDF (headless
// Chrome), and DOCX (pandoc).
package export

import "errors"

// Format represents the export output format
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

// ParseFormat validates a caller-supplied format string.
func ParseFormat(value string) (Format, bool) {
	switch Format(value) {
	case FormatJSON, FormatYAML, FormatHTML, FormatPDF, FormatDOCX:
		return Format(value), true
	default:
		return "", false
	}
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates DOCX export runtime dependencies are unavailable.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)
