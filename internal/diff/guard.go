package diff

// FileRef pairs a file's stored id with its anchor, the shape the guard
// needs for parent resolution.
type FileRef struct {
	ID     string
	Anchor string
}

// ResolvedFmodel is a fmodel patch whose parent file resolved to a
// stored id. Its Sch no longer carries the parentAnchor marker.
type ResolvedFmodel struct {
	FmodelPatch
	FileID string
}

// ResolveParents pops each patch's parentAnchor marker out of its Sch
// and resolves it against files, failing on the first patch whose parent
// is not in the list. Callers decide which file list to resolve against;
// the same diff can resolve against the pre-existing files or against a
// list augmented with files inserted in the same transaction.
func ResolveParents(patches []FmodelPatch, files []FileRef) ([]ResolvedFmodel, error) {
	byAnchor := make(map[string]string, len(files))
	for _, f := range files {
		byAnchor[f.Anchor] = f.ID
	}
	resolved := make([]ResolvedFmodel, 0, len(patches))
	for _, p := range patches {
		parent := popString(p.Sch, "parentAnchor")
		id, ok := byAnchor[parent]
		if !ok {
			return nil, &UnresolvedParentError{ParentAnchor: parent, Fmodel: p}
		}
		resolved = append(resolved, ResolvedFmodel{FmodelPatch: p, FileID: id})
	}
	return resolved, nil
}

// popString removes key from m and returns its string value, or "" when
// the key is absent or not a string.
func popString(m map[string]any, key string) string {
	raw, ok := m[key]
	if !ok {
		return ""
	}
	delete(m, key)
	s, _ := raw.(string)
	return s
}
