package diff

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ProjectPatch is the column-level patch translated from a changed
// project entry. Pointer fields are nil when the diff did not touch them.
type ProjectPatch struct {
	Anchor      string
	Key         *string
	Order       *int
	Description *string
}

// FilePatch is the column-level patch translated from a file entry.
// Nested "fields" sub-entries are translated into Fmodels; ones whose
// payload names no parentAnchor inherit the file's own anchor.
type FilePatch struct {
	Anchor  string
	Key     *string
	Order   *int
	Fmodels []FmodelPatch
}

// FmodelPatch is the column-level patch translated from a fmodel entry.
// Sch carries every entry key outside the recognized set ($anchor, key,
// type, is_entry) verbatim, including the transient parentAnchor marker
// the guard pops before storage.
type FmodelPatch struct {
	Anchor  string
	Key     *string
	Type    *string
	IsEntry *bool
	Sch     map[string]any
}

// TranslateProject translates a changed project entry.
func TranslateProject(entry Entry) (ProjectPatch, error) {
	anchor, err := requireAnchor(entry)
	if err != nil {
		return ProjectPatch{}, err
	}
	return ProjectPatch{
		Anchor:      anchor,
		Key:         stringField(entry, "key"),
		Order:       intField(entry, "order"),
		Description: stringField(entry, "description"),
	}, nil
}

// TranslateFile translates a file entry. A "fields" key, when present,
// is a mapping of fmodel entries translated recursively.
func TranslateFile(entry Entry) (FilePatch, error) {
	anchor, err := requireAnchor(entry)
	if err != nil {
		return FilePatch{}, err
	}
	patch := FilePatch{
		Anchor: anchor,
		Key:    stringField(entry, "key"),
		Order:  intField(entry, "order"),
	}
	raw, ok := entry["fields"]
	if !ok || raw == nil {
		return patch, nil
	}
	fields, ok := raw.(map[string]any)
	if !ok {
		return FilePatch{}, fmt.Errorf("file %s: fields must be an object", anchor)
	}
	ids := make([]string, 0, len(fields))
	for id := range fields {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		sub, ok := fields[id].(map[string]any)
		if !ok {
			return FilePatch{}, fmt.Errorf("file %s: fields entry %q must be an object", anchor, id)
		}
		fm, err := TranslateFmodel(Entry(sub))
		if err != nil {
			return FilePatch{}, err
		}
		if _, ok := fm.Sch["parentAnchor"]; !ok {
			fm.Sch["parentAnchor"] = anchor
		}
		patch.Fmodels = append(patch.Fmodels, fm)
	}
	return patch, nil
}

// fmodelColumns are the entry keys translated into dedicated columns.
// Everything else is schema payload and passes into Sch untouched.
var fmodelColumns = map[string]bool{
	"$anchor":  true,
	"key":      true,
	"type":     true,
	"is_entry": true,
}

// TranslateFmodel translates a fmodel entry.
func TranslateFmodel(entry Entry) (FmodelPatch, error) {
	anchor, err := requireAnchor(entry)
	if err != nil {
		return FmodelPatch{}, err
	}
	patch := FmodelPatch{
		Anchor:  anchor,
		Key:     stringField(entry, "key"),
		Type:    stringField(entry, "type"),
		IsEntry: boolField(entry, "is_entry"),
		Sch:     make(map[string]any),
	}
	for k, v := range entry {
		if fmodelColumns[k] {
			continue
		}
		patch.Sch[k] = v
	}
	return patch, nil
}

// scalarValue unwraps the {"old": v0, "new": v1} form the client sends
// for edited scalars, yielding the new value. Any other shape is
// returned as is.
func scalarValue(raw any) any {
	m, ok := raw.(map[string]any)
	if !ok || len(m) != 2 {
		return raw
	}
	if _, ok := m["old"]; !ok {
		return raw
	}
	v, ok := m["new"]
	if !ok {
		return raw
	}
	return v
}

// Anchor extracts an entry's required $anchor, tolerating the wrapped
// old/new form the same way the translators do. Removed-bucket entries
// need nothing else from translation, so this is the whole accessor.
func Anchor(entry Entry) (string, error) {
	return requireAnchor(entry)
}

func requireAnchor(entry Entry) (string, error) {
	raw, ok := entry["$anchor"]
	if !ok {
		return "", &MalformedEntryError{Entry: entry}
	}
	anchor, ok := scalarValue(raw).(string)
	if !ok || anchor == "" {
		return "", &MalformedEntryError{Entry: entry}
	}
	return anchor, nil
}

func stringField(entry Entry, key string) *string {
	raw, ok := entry[key]
	if !ok {
		return nil
	}
	if s, ok := scalarValue(raw).(string); ok {
		return &s
	}
	return nil
}

func intField(entry Entry, key string) *int {
	raw, ok := entry[key]
	if !ok {
		return nil
	}
	switch v := scalarValue(raw).(type) {
	case float64:
		n := int(v)
		return &n
	case int:
		return &v
	case int64:
		n := int(v)
		return &n
	case json.Number:
		if i, err := v.Int64(); err == nil {
			n := int(i)
			return &n
		}
	}
	return nil
}

func boolField(entry Entry, key string) *bool {
	raw, ok := entry[key]
	if !ok {
		return nil
	}
	if b, ok := scalarValue(raw).(bool); ok {
		return &b
	}
	return nil
}
