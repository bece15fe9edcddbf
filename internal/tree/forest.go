package tree

import (
	"slices"

	"github.com/civicplan/plantree/internal/domain"
	domainerrors "github.com/civicplan/plantree/internal/errors"
)

// RemovePolicy decides what happens to the children of a removed node.
type RemovePolicy string

const (
	// RemoveCascade deletes the whole subtree.
	RemoveCascade RemovePolicy = "cascade"
	// RemoveReparent lifts the direct children into the removed node's slot.
	RemoveReparent RemovePolicy = "reparent"
)

// Valid reports whether p is a known policy. There is no default.
func (p RemovePolicy) Valid() bool {
	return p == RemoveCascade || p == RemoveReparent
}

// ChangeSet lists what a mutation did. Updated holds every surviving node whose
// parent, level, position or uid changed.
type ChangeSet struct {
	Created []*domain.Node
	Updated []*domain.Node
	Deleted []string
}

// Empty reports whether nothing changed.
func (c ChangeSet) Empty() bool {
	return len(c.Created) == 0 && len(c.Updated) == 0 && len(c.Deleted) == 0
}

// Forest is an in-memory copy of one tree that can be mutated without breaking
// level, position or uid consistency. It is not safe for concurrent use.
type Forest struct {
	treeID   string
	nodes    map[string]*domain.Node
	children map[string][]string // parent id ("" for roots) -> ordered child ids
}

type placement struct {
	parentID string
	level    int
	position int
	uid      string
}

// NewForest loads a consistent snapshot. Nodes are cloned; the caller's values are
// never modified. Structural corruption is reported as an integrity error.
func NewForest(treeID string, nodes []*domain.Node) (*Forest, error) {
	roots, err := Build(nodes)
	if err != nil {
		return nil, err
	}
	f := &Forest{
		treeID:   treeID,
		nodes:    make(map[string]*domain.Node, len(nodes)),
		children: make(map[string][]string),
	}
	Walk(roots, func(b *Branch) bool {
		f.nodes[b.Node.ID] = b.Node.Clone()
		f.children[b.Node.ParentID] = append(f.children[b.Node.ParentID], b.Node.ID)
		return true
	})
	for id, n := range f.nodes {
		n.ChildrenCount = len(f.children[id])
	}
	// Stored placements are kept as loaded: a mutation renumbers the whole forest,
	// so drifted positions or uids are repaired by the next change set.
	return f, nil
}

// TreeID returns the owning tree.
func (f *Forest) TreeID() string { return f.treeID }

// Len returns the number of nodes.
func (f *Forest) Len() int { return len(f.nodes) }

// Node returns a copy of the node with id.
func (f *Forest) Node(id string) (*domain.Node, bool) {
	n, ok := f.nodes[id]
	if !ok {
		return nil, false
	}
	return n.Clone(), true
}

// Children returns copies of the direct children of parentID in position order.
func (f *Forest) Children(parentID string) []*domain.Node {
	ids := f.children[parentID]
	out := make([]*domain.Node, len(ids))
	for i, id := range ids {
		out[i] = f.nodes[id].Clone()
	}
	return out
}

// Nodes returns copies of every node in pre-order.
func (f *Forest) Nodes() []*domain.Node {
	out := make([]*domain.Node, 0, len(f.nodes))
	var walk func(parentID string)
	walk = func(parentID string) {
		for _, id := range f.children[parentID] {
			out = append(out, f.nodes[id].Clone())
			walk(id)
		}
	}
	walk("")
	return out
}

// Subtree returns id and all its descendants in pre-order.
func (f *Forest) Subtree(id string) []string {
	if _, ok := f.nodes[id]; !ok {
		return nil
	}
	out := []string{id}
	for i := 0; i < len(out); i++ {
		out = append(out, f.children[out[i]]...)
	}
	return out
}

// IsDescendant reports whether candidate lies strictly below ancestor.
func (f *Forest) IsDescendant(ancestor, candidate string) bool {
	seen := 0
	for n, ok := f.nodes[candidate]; ok && !n.IsRoot(); n, ok = f.nodes[n.ParentID] {
		if n.ParentID == ancestor {
			return true
		}
		seen++
		if seen > len(f.nodes) {
			return false
		}
	}
	return false
}

// Insert adds n under parentID at position, clamped to [0, number of siblings].
// An empty parentID inserts a root. Followers shift by one.
func (f *Forest) Insert(n *domain.Node, parentID string, position int) (ChangeSet, error) {
	if n == nil || n.ID == "" {
		return ChangeSet{}, domainerrors.Validation("node id is required")
	}
	if _, exists := f.nodes[n.ID]; exists {
		return ChangeSet{}, domainerrors.AlreadyExists("node " + n.ID + " already exists")
	}
	if parentID != "" {
		if _, ok := f.nodes[parentID]; !ok {
			return ChangeSet{}, domainerrors.NotFoundf("parent node %s not found", parentID)
		}
	}

	before := f.snapshot()

	node := n.Clone()
	node.TreeID = f.treeID
	node.ParentID = parentID
	node.ChildrenCount = 0
	node.InitTimestamps()
	f.nodes[node.ID] = node
	f.children[parentID] = insertAt(f.children[parentID], node.ID, position)
	f.normalize()

	changes := f.diff(before, nil)
	changes.Created = []*domain.Node{node.Clone()}
	return changes, nil
}

// Move detaches the node and reinserts it under newParentID at position. The
// node's whole subtree is re-levelled and renumbered. Moving a node under
// itself or one of its descendants fails with a cycle error and changes nothing.
func (f *Forest) Move(nodeID, newParentID string, position int) (ChangeSet, error) {
	node, ok := f.nodes[nodeID]
	if !ok {
		return ChangeSet{}, domainerrors.NotFoundf("node %s not found", nodeID)
	}
	if newParentID != "" {
		if _, ok := f.nodes[newParentID]; !ok {
			return ChangeSet{}, domainerrors.NotFoundf("parent node %s not found", newParentID)
		}
		if newParentID == nodeID || f.IsDescendant(nodeID, newParentID) {
			return ChangeSet{}, domainerrors.Cyclef("cannot move node %s under %s", nodeID, newParentID)
		}
	}

	before := f.snapshot()

	old := node.ParentID
	f.children[old] = removeID(f.children[old], nodeID)
	if len(f.children[old]) == 0 {
		delete(f.children, old)
	}
	node.ParentID = newParentID
	f.children[newParentID] = insertAt(f.children[newParentID], nodeID, position)
	f.normalize()

	return f.diff(before, nil), nil
}

// Reposition moves a node among its current siblings.
func (f *Forest) Reposition(nodeID string, position int) (ChangeSet, error) {
	node, ok := f.nodes[nodeID]
	if !ok {
		return ChangeSet{}, domainerrors.NotFoundf("node %s not found", nodeID)
	}
	return f.Move(nodeID, node.ParentID, position)
}

// Remove deletes a node according to policy and closes the position gap.
func (f *Forest) Remove(nodeID string, policy RemovePolicy) (ChangeSet, error) {
	if !policy.Valid() {
		return ChangeSet{}, domainerrors.Validationf("remove policy must be %q or %q", RemoveCascade, RemoveReparent)
	}
	node, ok := f.nodes[nodeID]
	if !ok {
		return ChangeSet{}, domainerrors.NotFoundf("node %s not found", nodeID)
	}

	before := f.snapshot()
	parentID := node.ParentID
	var deleted []string

	switch policy {
	case RemoveCascade:
		deleted = f.Subtree(nodeID)
		f.children[parentID] = removeID(f.children[parentID], nodeID)
		for _, id := range deleted {
			delete(f.nodes, id)
			delete(f.children, id)
		}
	case RemoveReparent:
		lifted := f.children[nodeID]
		siblings := f.children[parentID]
		i := slices.Index(siblings, nodeID)
		siblings = slices.Replace(siblings, i, i+1, lifted...)
		f.children[parentID] = siblings
		for _, id := range lifted {
			f.nodes[id].ParentID = parentID
		}
		delete(f.children, nodeID)
		delete(f.nodes, nodeID)
		deleted = []string{nodeID}
	}
	if len(f.children[parentID]) == 0 {
		delete(f.children, parentID)
	}
	f.normalize()

	changes := f.diff(before, deleted)
	changes.Deleted = deleted
	return changes, nil
}

// Check verifies the structural invariants: parent links resolve, levels follow
// parents, sibling positions are dense from 0, uids match positions and no
// node is its own ancestor.
func (f *Forest) Check() error {
	return CheckNodes(f.Nodes())
}

// CheckNodes verifies the structural invariants of a flat node set as stored.
func CheckNodes(nodes []*domain.Node) error {
	roots, err := Build(nodes)
	if err != nil {
		return err
	}
	var failure error
	Walk(roots, func(b *Branch) bool {
		if failure != nil {
			return false
		}
		switch {
		case b.Node.Level != b.Level:
			failure = domainerrors.Integrityf("node %s has level %d, expected %d", b.Node.ID, b.Node.Level, b.Level)
		case b.Node.UID != b.UID:
			failure = domainerrors.Integrityf("node %s has uid %q, expected %q", b.Node.ID, b.Node.UID, b.UID)
		}
		for i, c := range b.Children {
			if c.Node.Position != i {
				failure = domainerrors.Integrityf("node %s has position %d, expected %d", c.Node.ID, c.Node.Position, i)
			}
		}
		return true
	})
	if failure != nil {
		return failure
	}
	for i, r := range roots {
		if r.Node.Position != i {
			return domainerrors.Integrityf("root %s has position %d, expected %d", r.Node.ID, r.Node.Position, i)
		}
	}
	return nil
}

// normalize renumbers every sibling list from 0 and recomputes level and uid top-down.
func (f *Forest) normalize() {
	var walk func(parentID string, level int, parentUID string)
	walk = func(parentID string, level int, parentUID string) {
		ids := f.children[parentID]
		for i, id := range ids {
			n := f.nodes[id]
			n.Position = i
			n.Level = level
			n.UID = ChildUID(parentUID, i)
			n.ChildrenCount = len(f.children[id])
			walk(id, level+1, n.UID)
		}
	}
	walk("", 0, "")
}

func (f *Forest) snapshot() map[string]placement {
	s := make(map[string]placement, len(f.nodes))
	for id, n := range f.nodes {
		s[id] = placement{parentID: n.ParentID, level: n.Level, position: n.Position, uid: n.UID}
	}
	return s
}

// diff reports the nodes present before whose placement changed, touching them.
func (f *Forest) diff(before map[string]placement, deleted []string) ChangeSet {
	var changes ChangeSet
	for id, was := range before {
		n, ok := f.nodes[id]
		if !ok || slices.Contains(deleted, id) {
			continue
		}
		now := placement{parentID: n.ParentID, level: n.Level, position: n.Position, uid: n.UID}
		if now != was {
			n.Touch()
			changes.Updated = append(changes.Updated, n.Clone())
		}
	}
	slices.SortFunc(changes.Updated, func(a, b *domain.Node) int { return CompareUID(a.UID, b.UID) })
	return changes
}

func insertAt(ids []string, id string, position int) []string {
	position = max(0, min(position, len(ids)))
	return slices.Insert(ids, position, id)
}

func removeID(ids []string, id string) []string {
	if i := slices.Index(ids, id); i >= 0 {
		return slices.Delete(ids, i, i+1)
	}
	return ids
}
