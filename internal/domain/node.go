package domain

// Node is a persisted tree entity: parent linkage, explicit level and sibling
// position, and the uid path used as its permalink.
type Node struct {
	Syncable
	TreeID   string `json:"tree_id"`
	ParentID string `json:"parent_id,omitempty"` // empty for roots
	Level    int    `json:"level"`               // 0 for roots
	Position int    `json:"position"`            // 0-based, dense among siblings
	UID      string `json:"uid"`                 // dot-joined ancestor positions, e.g. "0.2.1"

	Item     ItemRef           `json:"item"`
	Name     map[string]string `json:"name,omitempty"` // locale -> label
	Progress *float64          `json:"progress,omitempty"`
	Options  map[string]any    `json:"options,omitempty"`

	// ChildrenCount is computed on read; it is never written.
	ChildrenCount int `json:"children_count"`
}

// IsRoot returns true if this node has no parent.
func (n *Node) IsRoot() bool {
	return n.ParentID == ""
}

// Clone returns a copy whose maps and pointers are not shared with n.
func (n *Node) Clone() *Node {
	c := *n
	if n.Name != nil {
		c.Name = make(map[string]string, len(n.Name))
		for k, v := range n.Name {
			c.Name[k] = v
		}
	}
	if n.Options != nil {
		c.Options = make(map[string]any, len(n.Options))
		for k, v := range n.Options {
			c.Options[k] = v
		}
	}
	if n.Progress != nil {
		p := *n.Progress
		c.Progress = &p
	}
	return &c
}
