package export

import (
	"encoding/json"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func wireDoc() map[string]any {
	return map[string]any{
		"$anchor":     "a-proj",
		"key":         "shapes",
		"order":       0,
		"description": "Geometry *schemas*.",
		"files": []any{
			map[string]any{
				"$anchor": "a-f1",
				"key":     "main",
				"order":   0,
				"fmodels": []any{
					map[string]any{
						"$anchor":     "a-m1",
						"key":         "circle",
						"type":        "object",
						"is_entry":    true,
						"description": "A **circle**.",
						"properties":  map[string]any{"radius": map[string]any{"type": "number"}},
					},
				},
			},
		},
	}
}

func TestExportJSON(t *testing.T) {
	svc := NewService()
	res, err := svc.Export("shapes", wireDoc(), FormatJSON)
	if err != nil {
		t.Fatalf("Export(json) error = %v", err)
	}
	if res.Filename != "shapes.json" {
		t.Fatalf("unexpected filename %q", res.Filename)
	}
	var round map[string]any
	if err := json.Unmarshal(res.Data, &round); err != nil {
		t.Fatalf("export is not valid JSON: %v", err)
	}
	if round["key"] != "shapes" {
		t.Fatalf("unexpected key: %v", round["key"])
	}
}

func TestExportYAML(t *testing.T) {
	svc := NewService()
	res, err := svc.Export("shapes", wireDoc(), FormatYAML)
	if err != nil {
		t.Fatalf("Export(yaml) error = %v", err)
	}
	var round map[string]any
	if err := yaml.Unmarshal(res.Data, &round); err != nil {
		t.Fatalf("export is not valid YAML: %v", err)
	}
	if round["$anchor"] != "a-proj" {
		t.Fatalf("unexpected anchor: %v", round["$anchor"])
	}
}

func TestExportHTMLRendersMarkdownAndPayload(t *testing.T) {
	svc := NewService()
	res, err := svc.Export("shapes", wireDoc(), FormatHTML)
	if err != nil {
		t.Fatalf("Export(html) error = %v", err)
	}

	html := string(res.Data)
	if !strings.Contains(html, "<h1>shapes</h1>") {
		t.Fatal("expected project heading")
	}
	if !strings.Contains(html, "<h2>main</h2>") {
		t.Fatal("expected file section")
	}
	if !strings.Contains(html, "<strong>circle</strong>") {
		t.Fatal("expected markdown-rendered description")
	}
	if !strings.Contains(html, "<em>schemas</em>") {
		t.Fatal("expected markdown-rendered project description")
	}
	if !strings.Contains(html, "radius") {
		t.Fatal("expected sch payload excerpt")
	}
	if !strings.Contains(html, `<span class="entry">entry</span>`) {
		t.Fatal("expected entry marker")
	}
}

func TestParseFormat(t *testing.T) {
	if _, ok := ParseFormat("json"); !ok {
		t.Fatal("json must be a valid format")
	}
	if _, ok := ParseFormat("xlsx"); ok {
		t.Fatal("xlsx must not be a valid format")
	}
}

func TestMarkdownToHTMLEmpty(t *testing.T) {
	if MarkdownToHTML("") != "" {
		t.Fatal("empty source must render empty")
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"My Project":    "My-Project",
		"weird/$chars!": "weirdchars",
		"":              "schema",
	}
	for in, want := range cases {
		if got := sanitizeFilename(in); got != want {
			t.Fatalf("sanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}
