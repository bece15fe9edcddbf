package domain

import "fmt"

// ItemType tags the payload a node wraps. The tree never looks inside the payload.
type ItemType string

// Supported payload variants.
const (
	ItemPage         ItemType = "page"
	ItemCategoryTerm ItemType = "category_term"
	ItemProject      ItemType = "project"
	ItemSectionRef   ItemType = "section_ref"
)

// ItemTypes lists every supported payload variant.
var ItemTypes = []ItemType{ItemPage, ItemCategoryTerm, ItemProject, ItemSectionRef}

// Valid reports whether t is one of the supported variants.
func (t ItemType) Valid() bool {
	switch t {
	case ItemPage, ItemCategoryTerm, ItemProject, ItemSectionRef:
		return true
	}
	return false
}

// ItemRef is the polymorphic reference from a node to its payload: a tag plus an opaque id.
type ItemRef struct {
	Type ItemType `json:"type"`
	ID   string   `json:"id"`
}

// String renders the reference as "type:id".
func (r ItemRef) String() string {
	return fmt.Sprintf("%s:%s", r.Type, r.ID)
}

// IsZero reports whether the reference is unset.
func (r ItemRef) IsZero() bool {
	return r.Type == "" && r.ID == ""
}
