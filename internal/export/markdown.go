package export

import (
	"bytes"
	"html/template"

	"github.com/yuin/goldmark"
)

// MarkdownToHTML renders a Markdown description field to HTML. Invalid
// input degrades to an empty fragment rather than failing the export.
func MarkdownToHTML(source string) template.HTML {
	if source == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(source), &buf); err != nil {
		return ""
	}
	return template.HTML(buf.String())
}
