// Package diff decodes the structural diff a client submits for a
// project tree and prepares it for transactional persistence. A payload
// carries three sections (changed, removed, added), each holding file
// and fmodel entries keyed by client-side ids. Entries are loosely typed
// maps with one required key, $anchor. Translators turn entries into
// column-level patches; the integrity guard resolves fmodel parent
// anchors to stored file ids before anything reaches the database.
package diff

import "fmt"

// Entry is one raw diff record as decoded from JSON.
type Entry map[string]any

// Diff is a parsed diff payload. Sections absent from the payload come
// back as empty maps so every phase can run as a no-op.
type Diff struct {
	Changed Changed
	Removed Bucket
	Added   Bucket
}

// Changed holds entries whose stored columns are patched in place.
type Changed struct {
	Project Entry // nil when the project row itself is untouched
	Files   map[string]Entry
	Fmodels map[string]Entry
}

// Bucket groups the file and fmodel entries of one diff section.
type Bucket struct {
	Files   map[string]Entry
	Fmodels map[string]Entry
}

// Parse decodes a raw payload into a Diff. It validates shape only:
// sections and their buckets must be JSON objects when present.
// Entry-level validation happens during translation.
func Parse(payload map[string]any) (Diff, error) {
	var d Diff

	changed, err := section(payload, "changed")
	if err != nil {
		return Diff{}, err
	}
	if raw, ok := changed["project"]; ok && raw != nil {
		entry, ok := raw.(map[string]any)
		if !ok {
			return Diff{}, fmt.Errorf("changed.project must be an object")
		}
		d.Changed.Project = Entry(entry)
	}
	if d.Changed.Files, err = entryMap(changed, "changed", "files"); err != nil {
		return Diff{}, err
	}
	if d.Changed.Fmodels, err = entryMap(changed, "changed", "fmodels"); err != nil {
		return Diff{}, err
	}

	removed, err := section(payload, "removed")
	if err != nil {
		return Diff{}, err
	}
	if d.Removed.Files, err = entryMap(removed, "removed", "files"); err != nil {
		return Diff{}, err
	}
	if d.Removed.Fmodels, err = entryMap(removed, "removed", "fmodels"); err != nil {
		return Diff{}, err
	}

	added, err := section(payload, "added")
	if err != nil {
		return Diff{}, err
	}
	if d.Added.Files, err = entryMap(added, "added", "files"); err != nil {
		return Diff{}, err
	}
	if d.Added.Fmodels, err = entryMap(added, "added", "fmodels"); err != nil {
		return Diff{}, err
	}

	return d, nil
}

// Empty reports whether the diff carries no entries at all.
func (d Diff) Empty() bool {
	return d.Changed.Project == nil &&
		len(d.Changed.Files) == 0 && len(d.Changed.Fmodels) == 0 &&
		len(d.Removed.Files) == 0 && len(d.Removed.Fmodels) == 0 &&
		len(d.Added.Files) == 0 && len(d.Added.Fmodels) == 0
}

func section(payload map[string]any, name string) (map[string]any, error) {
	raw, ok := payload[name]
	if !ok || raw == nil {
		return map[string]any{}, nil
	}
	sec, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s must be an object", name)
	}
	return sec, nil
}

func entryMap(sec map[string]any, secName, key string) (map[string]Entry, error) {
	entries := make(map[string]Entry)
	raw, ok := sec[key]
	if !ok || raw == nil {
		return entries, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s.%s must be an object", secName, key)
	}
	for id, v := range m {
		entry, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s.%s entry %q must be an object", secName, key, id)
		}
		entries[id] = Entry(entry)
	}
	return entries, nil
}
