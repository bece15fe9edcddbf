// Package navigator is a client for browsing a decorated tree: it tracks which
// nodes are expanded, fetches lazy children on demand and resolves permalinks
// to nodes that may not have been loaded yet.
package navigator

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	domainerrors "github.com/civicplan/plantree/internal/errors"
	"github.com/civicplan/plantree/internal/tree"
)

// State is the expansion state of a node.
type State int

// Node states. Selection is tracked separately and combines with any state.
const (
	Collapsed State = iota
	Expanding
	Expanded
)

func (s State) String() string {
	switch s {
	case Collapsed:
		return "collapsed"
	case Expanding:
		return "expanding"
	case Expanded:
		return "expanded"
	}
	return "unknown"
}

// ErrSuperseded is delivered to a toggle whose fetch was cancelled or
// overtaken by a later toggle of the same node.
var ErrSuperseded = errors.New("navigator: fetch superseded")

// Fetcher loads tree data from the server.
type Fetcher interface {
	Tree(ctx context.Context, treeID string) ([]*tree.Annotated, error)
	Children(ctx context.Context, treeID, nodeID string) ([]*tree.Annotated, error)
}

// Location holds the fragment identifying the selected node.
type Location interface {
	Fragment() string
	SetFragment(uid string)
}

// MemoryLocation is a Location kept in memory.
type MemoryLocation struct {
	mu       sync.Mutex
	fragment string
}

// Fragment returns the current fragment.
func (l *MemoryLocation) Fragment() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fragment
}

// SetFragment replaces the fragment.
func (l *MemoryLocation) SetFragment(uid string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fragment = uid
}

// Node is the client view of one tree node.
type Node struct {
	tree.Annotated

	Parent   *Node
	Children []*Node
	// Loaded distinguishes children not fetched yet from an empty child set.
	Loaded bool
	State  State

	token  uint64
	cancel context.CancelFunc
}

// HasChildren reports whether the node has children, loaded or not.
func (n *Node) HasChildren() bool {
	if n.Loaded {
		return len(n.Children) > 0
	}
	return n.Attributes.ChildrenCount > 0
}

// Navigator is safe for concurrent use.
type Navigator struct {
	mu       sync.Mutex
	treeID   string
	fetcher  Fetcher
	location Location
	logger   *slog.Logger

	roots    []*Node
	byUID    map[string]*Node
	selected *Node
	seq      uint64
}

// New creates a navigator over an already fetched payload.
func New(treeID string, payload []*tree.Annotated, fetcher Fetcher, location Location, logger *slog.Logger) *Navigator {
	if location == nil {
		location = &MemoryLocation{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	nav := &Navigator{
		treeID:   treeID,
		fetcher:  fetcher,
		location: location,
		logger:   logger,
		byUID:    make(map[string]*Node),
	}
	nav.roots = nav.adopt(nil, payload)
	return nav
}

// Load fetches a tree and creates a navigator over it.
func Load(ctx context.Context, treeID string, fetcher Fetcher, location Location, logger *slog.Logger) (*Navigator, error) {
	payload, err := fetcher.Tree(ctx, treeID)
	if err != nil {
		return nil, err
	}
	return New(treeID, payload, fetcher, location, logger), nil
}

// adopt converts annotated nodes into client nodes under parent and indexes them.
func (nav *Navigator) adopt(parent *Node, items []*tree.Annotated) []*Node {
	out := make([]*Node, 0, len(items))
	for _, a := range items {
		n := &Node{Annotated: *a, Parent: parent}
		n.Annotated.Children = nil
		if a.Children != nil {
			n.Loaded = true
			n.Children = nav.adopt(n, *a.Children)
		}
		nav.byUID[n.UID] = n
		out = append(out, n)
	}
	return out
}

// forget drops the index entries of n's descendants.
func (nav *Navigator) forget(n *Node) {
	for _, c := range n.Children {
		nav.forget(c)
		delete(nav.byUID, c.UID)
	}
}

// Roots returns the root nodes.
func (nav *Navigator) Roots() []*Node {
	nav.mu.Lock()
	defer nav.mu.Unlock()
	return nav.roots
}

// Node returns the loaded node at uid.
func (nav *Navigator) Node(uid string) (*Node, bool) {
	nav.mu.Lock()
	defer nav.mu.Unlock()
	n, ok := nav.byUID[uid]
	return n, ok
}

// State returns the state of the node at uid.
func (nav *Navigator) State(uid string) (State, bool) {
	nav.mu.Lock()
	defer nav.mu.Unlock()
	n, ok := nav.byUID[uid]
	if !ok {
		return Collapsed, false
	}
	return n.State, true
}

// Toggle flips the node at uid between collapsed and expanded. Expanding a
// node whose children are not loaded starts a fetch; toggling it again while
// the fetch runs cancels it and collapses the node. The returned channel
// receives one value when the toggle settles: nil, the fetch error (the node
// is collapsed again and can be retried) or ErrSuperseded.
func (nav *Navigator) Toggle(ctx context.Context, uid string) <-chan error {
	done := make(chan error, 1)

	nav.mu.Lock()
	defer nav.mu.Unlock()

	n, ok := nav.byUID[uid]
	if !ok {
		done <- domainerrors.NotFoundf("node %s is not loaded", uid)
		close(done)
		return done
	}

	switch n.State {
	case Expanded:
		n.State = Collapsed
		done <- nil
		close(done)
	case Expanding:
		nav.cancelFetch(n)
		n.State = Collapsed
		done <- nil
		close(done)
	default:
		if n.Loaded || !n.HasChildren() {
			n.State = Expanded
			done <- nil
			close(done)
			return done
		}
		return nav.expandLocked(ctx, n)
	}
	return done
}

// cancelFetch abandons n's in-flight fetch. Its result will be discarded.
func (nav *Navigator) cancelFetch(n *Node) {
	if n.cancel != nil {
		n.cancel()
		n.cancel = nil
	}
	nav.seq++
	n.token = nav.seq
}

// expandLocked starts fetching n's children. nav.mu must be held.
func (nav *Navigator) expandLocked(ctx context.Context, n *Node) <-chan error {
	done := make(chan error, 1)

	nav.cancelFetch(n)
	token := n.token
	fetchCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.State = Expanding
	nodeID := n.ID

	go func() {
		defer cancel()
		children, err := nav.fetcher.Children(fetchCtx, nav.treeID, nodeID)

		nav.mu.Lock()
		defer nav.mu.Unlock()
		defer close(done)

		if n.token != token {
			nav.logger.Debug("discarding stale children", "node_id", nodeID, "uid", n.UID)
			done <- ErrSuperseded
			return
		}
		n.cancel = nil
		if err != nil {
			n.State = Collapsed
			nav.logger.Warn("failed to load children", "node_id", nodeID, "uid", n.UID, "error", err)
			done <- err
			return
		}
		nav.forget(n)
		n.Children = nav.adopt(n, children)
		n.Loaded = true
		n.State = Expanded
		done <- nil
	}()
	return done
}

// Select marks the node at uid as selected and writes uid to the location.
func (nav *Navigator) Select(uid string) error {
	nav.mu.Lock()
	defer nav.mu.Unlock()
	return nav.selectLocked(uid)
}

func (nav *Navigator) selectLocked(uid string) error {
	n, ok := nav.byUID[uid]
	if !ok {
		return domainerrors.NotFoundf("node %s is not loaded", uid)
	}
	nav.selected = n
	nav.location.SetFragment(uid)
	return nil
}

// Selected returns the selected node, if any.
func (nav *Navigator) Selected() *Node {
	nav.mu.Lock()
	defer nav.mu.Unlock()
	return nav.selected
}

// Breadcrumb returns the path from the root to the selected node.
func (nav *Navigator) Breadcrumb() []*Node {
	nav.mu.Lock()
	defer nav.mu.Unlock()
	if nav.selected == nil {
		return nil
	}
	var path []*Node
	for n := nav.selected; n != nil; n = n.Parent {
		path = append(path, n)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// ResolveLocation resolves the location's current fragment.
func (nav *Navigator) ResolveLocation(ctx context.Context) (*Node, bool) {
	return nav.ResolvePermalink(ctx, nav.location.Fragment())
}

// ResolvePermalink loads and selects the node at fragment, fetching the
// children of each unloaded ancestor in turn. It gives up quietly, leaving
// the selection unchanged, when the fragment is malformed, a segment does not
// exist or a fetch fails.
func (nav *Navigator) ResolvePermalink(ctx context.Context, fragment string) (*Node, bool) {
	if _, err := tree.ParseUID(fragment); err != nil {
		nav.logger.Debug("ignoring malformed permalink", "fragment", fragment)
		return nil, false
	}
	prefixes := tree.UIDPrefixes(fragment)

	for {
		nav.mu.Lock()
		if n, ok := nav.byUID[fragment]; ok {
			_ = nav.selectLocked(fragment)
			nav.mu.Unlock()
			return n, true
		}

		// Deepest ancestor present in the index.
		var anchor *Node
		for i := len(prefixes) - 2; i >= 0; i-- {
			if n, ok := nav.byUID[prefixes[i]]; ok {
				anchor = n
				break
			}
		}
		if anchor == nil || anchor.Loaded {
			// The next segment is not among loaded children: it does not exist.
			nav.mu.Unlock()
			nav.logger.Debug("permalink does not resolve", "fragment", fragment)
			return nil, false
		}
		done := nav.expandLocked(ctx, anchor)
		nav.mu.Unlock()

		if err := <-done; err != nil {
			nav.logger.Debug("permalink resolution stopped", "fragment", fragment, "at", anchor.UID, "error", err)
			return nil, false
		}
	}
}
