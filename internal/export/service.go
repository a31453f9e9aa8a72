package export

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Service renders schema documents. It is stateless; the caller hands
// it the project's wire representation.
type Service struct{}

// NewService creates a new export service
func NewService() *Service {
	return &Service{}
}

// Export generates an export of doc in the requested format. doc is
// the project's wire representation.
func (s *Service) Export(projectKey string, doc map[string]any, format Format) (*Result, error) {
	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode json export: %w", err)
		}
		return &Result{
			Data:     append(data, '\n'),
			Filename: sanitizeFilename(projectKey) + ".json",
			MimeType: "application/json",
		}, nil
	case FormatYAML:
		data, err := yaml.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("encode yaml export: %w", err)
		}
		return &Result{
			Data:     data,
			Filename: sanitizeFilename(projectKey) + ".yaml",
			MimeType: "application/yaml",
		}, nil
	case FormatHTML:
		html, err := renderHTML(projectKey, doc)
		if err != nil {
			return nil, err
		}
		return &Result{
			Data:     []byte(html),
			Filename: sanitizeFilename(projectKey) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF:
		html, err := renderHTML(projectKey, doc)
		if err != nil {
			return nil, err
		}
		return exportPDF(html, projectKey)
	case FormatDOCX:
		html, err := renderHTML(projectKey, doc)
		if err != nil {
			return nil, err
		}
		return exportDOCX(html, projectKey)
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

func renderHTML(projectKey string, doc map[string]any) (string, error) {
	data := buildTemplateData(projectKey, doc)
	html, err := RenderSchemaHTML(data)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return html, nil
}
