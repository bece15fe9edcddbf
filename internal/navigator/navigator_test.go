package navigator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainerrors "github.com/civicplan/plantree/internal/errors"
	"github.com/civicplan/plantree/internal/tree"
)

func ann(id, uid string, count int) *tree.Annotated {
	return &tree.Annotated{
		ID:         id,
		UID:        uid,
		Attributes: tree.Attributes{Name: id, ChildrenCount: count},
	}
}

func loaded(a *tree.Annotated, children ...*tree.Annotated) *tree.Annotated {
	if children == nil {
		children = []*tree.Annotated{}
	}
	a.Children = &children
	return a
}

type fakeFetcher struct {
	mu       sync.Mutex
	children map[string][]*tree.Annotated
	fail     map[string]error
	calls    []string
	gate     chan struct{}
}

// newFakeFetcher serves:
//
//	0 r0
//	  0.0 a  0.1 b  0.2 c
//	            0.2.0 c0  0.2.1 c1
func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		children: map[string][]*tree.Annotated{
			"r0": {ann("a", "0.0", 0), ann("b", "0.1", 0), ann("c", "0.2", 2)},
			"c":  {ann("c0", "0.2.0", 0), ann("c1", "0.2.1", 0)},
		},
		fail: map[string]error{},
	}
}

func (f *fakeFetcher) Tree(context.Context, string) ([]*tree.Annotated, error) {
	return []*tree.Annotated{ann("r0", "0", 3), loaded(ann("r1", "1", 0))}, nil
}

func (f *fakeFetcher) Children(ctx context.Context, _ string, nodeID string) ([]*tree.Annotated, error) {
	f.mu.Lock()
	f.calls = append(f.calls, nodeID)
	gate := f.gate
	err := f.fail[nodeID]
	delete(f.fail, nodeID)
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return f.children[nodeID], nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func wait(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("toggle did not settle")
		return nil
	}
}

func newNavigator(t *testing.T, f *fakeFetcher) (*Navigator, *MemoryLocation) {
	t.Helper()
	loc := &MemoryLocation{}
	nav, err := Load(context.Background(), "tree-1", f, loc, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return nav, loc
}

func TestNew_DistinguishesUnloadedFromEmpty(t *testing.T) {
	var payload []*tree.Annotated
	require.NoError(t, json.Unmarshal([]byte(`[
		{"id":"r0","uid":"0","level":0,"attributes":{"children_count":2}},
		{"id":"r1","uid":"1","level":0,"attributes":{"children_count":0},"children":[]},
		{"id":"r2","uid":"2","level":0,"attributes":{"children_count":1},"children":[
			{"id":"x","uid":"2.0","level":1,"attributes":{"children_count":0}}
		]}
	]`), &payload))

	nav := New("tree-1", payload, newFakeFetcher(), nil, nil)
	roots := nav.Roots()
	require.Len(t, roots, 3)

	assert.False(t, roots[0].Loaded)
	assert.True(t, roots[0].HasChildren())
	assert.True(t, roots[1].Loaded)
	assert.False(t, roots[1].HasChildren())
	assert.True(t, roots[2].Loaded)

	x, ok := nav.Node("2.0")
	require.True(t, ok)
	assert.Same(t, roots[2], x.Parent)
	assert.Nil(t, x.Annotated.Children)
}

func TestToggle_LoadedNodeNeedsNoFetch(t *testing.T) {
	f := newFakeFetcher()
	nav, _ := newNavigator(t, f)

	require.NoError(t, wait(t, nav.Toggle(context.Background(), "1")))
	state, _ := nav.State("1")
	assert.Equal(t, Expanded, state)

	require.NoError(t, wait(t, nav.Toggle(context.Background(), "1")))
	state, _ = nav.State("1")
	assert.Equal(t, Collapsed, state)
	assert.Zero(t, f.callCount())
}

func TestToggle_FetchesUnloadedChildren(t *testing.T) {
	f := newFakeFetcher()
	nav, _ := newNavigator(t, f)

	require.NoError(t, wait(t, nav.Toggle(context.Background(), "0")))
	state, _ := nav.State("0")
	assert.Equal(t, Expanded, state)

	c, ok := nav.Node("0.2")
	require.True(t, ok)
	assert.False(t, c.Loaded)
	assert.Equal(t, "r0", c.Parent.ID)

	// Collapse and expand again from memory.
	require.NoError(t, wait(t, nav.Toggle(context.Background(), "0")))
	require.NoError(t, wait(t, nav.Toggle(context.Background(), "0")))
	assert.Equal(t, 1, f.callCount())
}

func TestToggle_WhileExpandingCancels(t *testing.T) {
	f := newFakeFetcher()
	f.gate = make(chan struct{})
	nav, _ := newNavigator(t, f)

	first := nav.Toggle(context.Background(), "0")
	state, _ := nav.State("0")
	assert.Equal(t, Expanding, state)

	require.NoError(t, wait(t, nav.Toggle(context.Background(), "0")))
	state, _ = nav.State("0")
	assert.Equal(t, Collapsed, state)

	assert.ErrorIs(t, wait(t, first), ErrSuperseded)
	_, ok := nav.Node("0.0")
	assert.False(t, ok, "cancelled fetch must not attach children")

	// A later toggle starts a fresh fetch that wins.
	third := nav.Toggle(context.Background(), "0")
	close(f.gate)
	require.NoError(t, wait(t, third))
	state, _ = nav.State("0")
	assert.Equal(t, Expanded, state)
	_, ok = nav.Node("0.0")
	assert.True(t, ok)
}

func TestToggle_FailureIsRetryable(t *testing.T) {
	f := newFakeFetcher()
	f.fail["r0"] = errors.New("connection reset")
	nav, _ := newNavigator(t, f)

	assert.EqualError(t, wait(t, nav.Toggle(context.Background(), "0")), "connection reset")
	state, _ := nav.State("0")
	assert.Equal(t, Collapsed, state)
	n, _ := nav.Node("0")
	assert.False(t, n.Loaded)

	require.NoError(t, wait(t, nav.Toggle(context.Background(), "0")))
	state, _ = nav.State("0")
	assert.Equal(t, Expanded, state)
	assert.Equal(t, 2, f.callCount())
}

func TestToggle_UnknownNode(t *testing.T) {
	nav, _ := newNavigator(t, newFakeFetcher())
	err := wait(t, nav.Toggle(context.Background(), "0.5"))
	assert.ErrorIs(t, err, domainerrors.ErrNotFound)
}

func TestSelectAndBreadcrumb(t *testing.T) {
	f := newFakeFetcher()
	nav, loc := newNavigator(t, f)
	require.NoError(t, wait(t, nav.Toggle(context.Background(), "0")))

	require.NoError(t, nav.Select("0.1"))
	assert.Equal(t, "0.1", loc.Fragment())
	assert.Equal(t, "b", nav.Selected().ID)

	crumbs := nav.Breadcrumb()
	require.Len(t, crumbs, 2)
	assert.Equal(t, "r0", crumbs[0].ID)
	assert.Equal(t, "b", crumbs[1].ID)

	assert.ErrorIs(t, nav.Select("0.2.1"), domainerrors.ErrNotFound)
	assert.Equal(t, "0.1", loc.Fragment(), "failed select keeps the fragment")
}

func TestResolvePermalink_FetchesEachUnloadedAncestor(t *testing.T) {
	f := newFakeFetcher()
	nav, loc := newNavigator(t, f)

	n, ok := nav.ResolvePermalink(context.Background(), "0.2.1")
	require.True(t, ok)
	assert.Equal(t, "c1", n.ID)
	assert.Equal(t, []string{"r0", "c"}, f.calls, "exactly one fetch per unloaded ancestor")
	assert.Equal(t, "0.2.1", loc.Fragment())

	names := []string{}
	for _, c := range nav.Breadcrumb() {
		names = append(names, c.ID)
	}
	assert.Equal(t, []string{"r0", "c", "c1"}, names)

	// Resolving again is served from memory.
	_, ok = nav.ResolvePermalink(context.Background(), "0.2.0")
	require.True(t, ok)
	assert.Equal(t, 2, f.callCount())
}

func TestResolvePermalink_FailsSilently(t *testing.T) {
	tests := map[string]string{
		"missing segment": "0.7.1",
		"missing root":    "9",
		"malformed":       "0..1",
		"empty":           "",
	}
	for name, fragment := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFakeFetcher()
			nav, loc := newNavigator(t, f)
			require.NoError(t, nav.Select("1"))

			n, ok := nav.ResolvePermalink(context.Background(), fragment)
			assert.False(t, ok)
			assert.Nil(t, n)
			assert.Equal(t, "1", loc.Fragment())
			assert.Equal(t, "r1", nav.Selected().ID)
		})
	}

	t.Run("fetch error", func(t *testing.T) {
		f := newFakeFetcher()
		f.fail["c"] = errors.New("boom")
		nav, _ := newNavigator(t, f)

		_, ok := nav.ResolvePermalink(context.Background(), "0.2.1")
		assert.False(t, ok)
		state, _ := nav.State("0.2")
		assert.Equal(t, Collapsed, state)
	})
}

func TestResolveLocation(t *testing.T) {
	f := newFakeFetcher()
	nav, loc := newNavigator(t, f)
	loc.SetFragment("0.2")

	n, ok := nav.ResolveLocation(context.Background())
	require.True(t, ok)
	assert.Equal(t, "c", n.ID)
	assert.Equal(t, 1, f.callCount())
}
