package tree

import (
	"slices"
	"strings"

	"github.com/civicplan/plantree/internal/domain"
	domainerrors "github.com/civicplan/plantree/internal/errors"
)

// Branch is an assembled tree node. Level and UID are derived from the ancestor
// chain during Build; the stored values on Node are not consulted.
type Branch struct {
	Node     *domain.Node
	Parent   *Branch
	Children []*Branch // ordered by position; never nil after Build
	Level    int
	UID      string

	// Value is set by Aggregate.
	Value *float64
}

// ID returns the wrapped node's id.
func (b *Branch) ID() string { return b.Node.ID }

// Ancestors returns the chain from the root down to b's parent.
func (b *Branch) Ancestors() []*Branch {
	var chain []*Branch
	for p := b.Parent; p != nil; p = p.Parent {
		chain = append(chain, p)
	}
	slices.Reverse(chain)
	return chain
}

// Build assembles a flat set of nodes belonging to one tree into ordered roots.
//
// It fails with an integrity error when a node references a missing parent, when
// two siblings share a position, or when some nodes cannot be reached from a root.
// No partial tree is returned. Empty input yields an empty, non-nil slice.
func Build(nodes []*domain.Node) ([]*Branch, error) {
	byID := make(map[string]*Branch, len(nodes))
	for _, n := range nodes {
		if _, dup := byID[n.ID]; dup {
			return nil, domainerrors.Integrityf("duplicate node id %s", n.ID)
		}
		byID[n.ID] = &Branch{Node: n}
	}

	groups := make(map[string][]*Branch, len(nodes))
	for _, n := range nodes {
		if !n.IsRoot() {
			if _, ok := byID[n.ParentID]; !ok {
				return nil, domainerrors.Integrityf("node %s references missing parent %s", n.ID, n.ParentID)
			}
		}
		groups[n.ParentID] = append(groups[n.ParentID], byID[n.ID])
	}

	for parentID, siblings := range groups {
		slices.SortFunc(siblings, func(a, b *Branch) int {
			if a.Node.Position != b.Node.Position {
				return a.Node.Position - b.Node.Position
			}
			return strings.Compare(a.Node.ID, b.Node.ID)
		})
		for i := 1; i < len(siblings); i++ {
			if siblings[i].Node.Position == siblings[i-1].Node.Position {
				return nil, domainerrors.Integrityf("siblings %s and %s under %q share position %d",
					siblings[i-1].Node.ID, siblings[i].Node.ID, parentID, siblings[i].Node.Position)
			}
		}
	}

	roots := groups[""]
	if roots == nil {
		roots = []*Branch{}
	}

	visited := 0
	var assemble func(b *Branch)
	assemble = func(b *Branch) {
		visited++
		b.Children = groups[b.Node.ID]
		if b.Children == nil {
			b.Children = []*Branch{}
		}
		for _, c := range b.Children {
			c.Parent = b
			c.Level = b.Level + 1
			c.UID = ChildUID(b.UID, c.Node.Position)
			assemble(c)
		}
	}
	for _, r := range roots {
		r.Level = 0
		r.UID = ChildUID("", r.Node.Position)
		assemble(r)
	}

	if visited != len(nodes) {
		return nil, domainerrors.Integrityf("%d nodes are not reachable from any root", len(nodes)-visited)
	}

	return roots, nil
}

// Walk visits branches in pre-order. Returning false from fn skips the subtree.
func Walk(roots []*Branch, fn func(b *Branch) bool) {
	for _, b := range roots {
		if fn(b) {
			Walk(b.Children, fn)
		}
	}
}

// Flatten returns branches in pre-order: each parent precedes its children,
// siblings in ascending position.
func Flatten(roots []*Branch) []*Branch {
	var out []*Branch
	Walk(roots, func(b *Branch) bool {
		out = append(out, b)
		return true
	})
	return out
}

// Find locates the branch addressed by uid by following its segments,
// so the cost is proportional to the depth, not the tree size.
func Find(roots []*Branch, uid string) (*Branch, bool) {
	positions, err := ParseUID(uid)
	if err != nil {
		return nil, false
	}
	level := roots
	var found *Branch
	for _, p := range positions {
		found = nil
		for _, b := range level {
			if b.Node.Position == p {
				found = b
				break
			}
		}
		if found == nil {
			return nil, false
		}
		level = found.Children
	}
	return found, found != nil
}

// Index maps node ids to branches.
func Index(roots []*Branch) map[string]*Branch {
	idx := make(map[string]*Branch)
	Walk(roots, func(b *Branch) bool {
		idx[b.Node.ID] = b
		return true
	})
	return idx
}
