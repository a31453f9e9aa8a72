package diff

import "fmt"

// MalformedEntryError reports a diff entry without a usable $anchor.
type MalformedEntryError struct {
	Entry Entry
}

func (e *MalformedEntryError) Error() string {
	return "diff entry is missing required $anchor"
}

// UnresolvedParentError reports a fmodel whose parentAnchor matches no
// file visible to the guard.
type UnresolvedParentError struct {
	ParentAnchor string
	Fmodel       FmodelPatch
}

func (e *UnresolvedParentError) Error() string {
	return fmt.Sprintf("fmodel %s: parent anchor %q does not resolve to a file", e.Fmodel.Anchor, e.ParentAnchor)
}
