package export

import (
	"bytes"
	"encoding/json"
	"html/template"
	"sort"
)

var schemaTemplate = template.Must(template.New("schema").Parse(schemaPageTemplate))

// TemplateData holds data for schema page rendering
type TemplateData struct {
	ProjectKey      string
	DescriptionHTML template.HTML
	Files           []TemplateFile
}

// TemplateFile holds one file section of the schema page
type TemplateFile struct {
	Key     string
	Anchor  string
	Fmodels []TemplateFmodel
}

// TemplateFmodel holds one schema node of a file section
type TemplateFmodel struct {
	Key             string
	Type            string
	IsEntry         bool
	DescriptionHTML template.HTML
	SchJSON         string
}

// buildTemplateData walks a project wire document into template data.
// Fmodel description fields are Markdown and rendered to HTML.
func buildTemplateData(projectKey string, doc map[string]any) TemplateData {
	data := TemplateData{ProjectKey: projectKey}
	if desc, ok := doc["description"].(string); ok {
		data.DescriptionHTML = MarkdownToHTML(desc)
	}

	files, _ := doc["files"].([]any)
	for _, rawFile := range files {
		file, ok := rawFile.(map[string]any)
		if !ok {
			continue
		}
		tf := TemplateFile{
			Key:    stringAt(file, "key"),
			Anchor: stringAt(file, "$anchor"),
		}
		fmodels, _ := file["fmodels"].([]any)
		for _, rawFm := range fmodels {
			fm, ok := rawFm.(map[string]any)
			if !ok {
				continue
			}
			node := TemplateFmodel{
				Key:     stringAt(fm, "key"),
				Type:    stringAt(fm, "type"),
				IsEntry: fm["is_entry"] == true,
			}
			if desc, ok := fm["description"].(string); ok {
				node.DescriptionHTML = MarkdownToHTML(desc)
			}
			node.SchJSON = schExcerpt(fm)
			tf.Fmodels = append(tf.Fmodels, node)
		}
		data.Files = append(data.Files, tf)
	}
	return data
}

// schExcerpt pretty-prints the payload keys of a wire fmodel, skipping
// the column-backed fields the page already shows.
func schExcerpt(fm map[string]any) string {
	skip := map[string]bool{"$anchor": true, "key": true, "type": true, "is_entry": true, "description": true}
	payload := make(map[string]any)
	keys := make([]string, 0, len(fm))
	for k := range fm {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if skip[k] {
			continue
		}
		payload[k] = fm[k]
	}
	if len(payload) == 0 {
		return ""
	}
	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return ""
	}
	return string(encoded)
}

func stringAt(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// RenderSchemaHTML renders the schema page template with provided data
func RenderSchemaHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := schemaTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const schemaPageTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.ProjectKey}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    h2 { margin-top: 2rem; }
    .fmodel { background: #f5f5f5; padding: 1rem; margin: 1rem 0; border-left: 3px solid #333; }
    .fmodel .head { font-weight: bold; }
    .type { color: #666; font-weight: normal; }
    .entry { color: #0a6; font-size: 0.85em; margin-left: 0.5rem; }
    pre { background: #eee; padding: 0.5rem; overflow-x: auto; font-size: 0.85em; }
  </style>
</head>
<body>
  <h1>{{.ProjectKey}}</h1>
  {{if .DescriptionHTML}}<div class="description">{{.DescriptionHTML}}</div>{{end}}
  {{range .Files}}
  <h2>{{.Key}}</h2>
  {{range .Fmodels}}
  <div class="fmodel">
    <div class="head">{{.Key}} <span class="type">{{.Type}}</span>{{if .IsEntry}}<span class="entry">entry</span>{{end}}</div>
    {{if .DescriptionHTML}}<div>{{.DescriptionHTML}}</div>{{end}}
    {{if .SchJSON}}<pre>{{.SchJSON}}</pre>{{end}}
  </div>
  {{end}}
  {{end}}
</body>
</html>`
