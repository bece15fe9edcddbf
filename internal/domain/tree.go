package domain

// TreeKind describes what a tree organises.
type TreeKind string

// Tree kinds used across the platform.
const (
	TreeKindVocabulary TreeKind = "vocabulary" // category terms
	TreeKindPlan       TreeKind = "plan"       // plan lines, axes and projects
	TreeKindSection    TreeKind = "section"    // CMS navigation sections
)

// Valid reports whether k is a known tree kind.
func (k TreeKind) Valid() bool {
	switch k {
	case TreeKindVocabulary, TreeKindPlan, TreeKindSection:
		return true
	}
	return false
}

// UnlimitedLevel marks a tree whose every level is selectable.
const UnlimitedLevel = -1

// Tree is an independent hierarchy owned by a site: a vocabulary, a plan or a CMS section.
// Mutations on one tree never interact with another.
type Tree struct {
	Syncable
	SiteID string   `json:"site_id"`
	Kind   TreeKind `json:"kind"`
	Name   string   `json:"name"`
	Slug   string   `json:"slug"`
	// MaxLevel is the deepest level selectable as a leaf. Nodes below it are
	// structural only. Children of nodes at MaxLevel are loaded on demand.
	MaxLevel int `json:"max_level"`
}

// HasMaxLevel reports whether the tree limits selectable levels.
func (t *Tree) HasMaxLevel() bool {
	return t.MaxLevel != UnlimitedLevel
}

// Selectable reports whether a node at level can be assigned items.
func (t *Tree) Selectable(level int) bool {
	return !t.HasMaxLevel() || level <= t.MaxLevel
}

// Lazy reports whether children of a node at level are left out of the full tree payload.
func (t *Tree) Lazy(level int) bool {
	return t.HasMaxLevel() && level >= t.MaxLevel
}
