package tree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicplan/plantree/internal/domain"
	domainerrors "github.com/civicplan/plantree/internal/errors"
)

func node(id, parentID string, position int) *domain.Node {
	n := &domain.Node{
		TreeID:   "tree-1",
		ParentID: parentID,
		Position: position,
		Item:     domain.ItemRef{Type: domain.ItemCategoryTerm, ID: "term-" + id},
		Name:     map[string]string{"es": "nodo " + id, "en": "node " + id},
	}
	n.ID = id
	return n
}

func progress(n *domain.Node, p float64) *domain.Node {
	n.Progress = &p
	return n
}

// sample builds:
//
//	a (0)
//	  a1 (0.0)
//	  a2 (0.1)
//	    a2x (0.1.0)
//	b (1)
func sample() []*domain.Node {
	return []*domain.Node{
		node("a2x", "a2", 0),
		node("b", "", 1),
		node("a2", "a", 1),
		node("a", "", 0),
		node("a1", "a", 0),
	}
}

func uids(branches []*Branch) []string {
	out := make([]string, len(branches))
	for i, b := range branches {
		out[i] = b.UID
	}
	return out
}

func TestBuild(t *testing.T) {
	roots, err := Build(sample())
	require.NoError(t, err)
	require.Len(t, roots, 2)

	assert.Equal(t, "a", roots[0].ID())
	assert.Equal(t, "b", roots[1].ID())
	assert.Equal(t, []string{"0.0", "0.1"}, uids(roots[0].Children))
	assert.Equal(t, 2, roots[0].Children[1].Children[0].Level)
	assert.Equal(t, "0.1.0", roots[0].Children[1].Children[0].UID)
	assert.NotNil(t, roots[1].Children, "leaf must carry an empty branch")
	assert.Empty(t, roots[1].Children)
}

func TestBuild_IgnoresStoredLevelAndUID(t *testing.T) {
	nodes := sample()
	for _, n := range nodes {
		n.UID = "9.9"
		n.Level = 7
	}
	roots, err := Build(nodes)
	require.NoError(t, err)

	a2x := roots[0].Children[1].Children[0]
	assert.Equal(t, "0.1.0", a2x.UID)
	assert.Equal(t, 2, a2x.Level)
	assert.Equal(t, "9.9", a2x.Node.UID, "build must not modify its input")
}

func TestBuild_Empty(t *testing.T) {
	roots, err := Build(nil)
	require.NoError(t, err)
	assert.NotNil(t, roots)
	assert.Empty(t, roots)
}

func TestBuild_Orphan(t *testing.T) {
	nodes := append(sample(), node("lost", "missing", 0))
	roots, err := Build(nodes)
	require.Error(t, err)
	assert.Nil(t, roots)
	assert.True(t, domainerrors.Is(err, domainerrors.ErrIntegrity))
}

func TestBuild_StoredCycle(t *testing.T) {
	nodes := []*domain.Node{
		node("root", "", 0),
		node("x", "y", 0),
		node("y", "x", 0),
	}
	_, err := Build(nodes)
	require.Error(t, err)
	assert.True(t, domainerrors.Is(err, domainerrors.ErrIntegrity))
}

func TestBuild_DuplicatePosition(t *testing.T) {
	nodes := []*domain.Node{node("a", "", 0), node("b", "", 0)}
	_, err := Build(nodes)
	assert.True(t, domainerrors.Is(err, domainerrors.ErrIntegrity))
}

func TestBuild_DuplicateID(t *testing.T) {
	nodes := []*domain.Node{node("a", "", 0), node("a", "", 1)}
	_, err := Build(nodes)
	assert.True(t, domainerrors.Is(err, domainerrors.ErrIntegrity))
}

func TestFlatten_RoundTrip(t *testing.T) {
	roots, err := Build(sample())
	require.NoError(t, err)

	flat := Flatten(roots)
	got := uids(flat)
	assert.Equal(t, []string{"0", "0.0", "0.1", "0.1.0", "1"}, got)

	for i := 1; i < len(got); i++ {
		assert.Equal(t, -1, CompareUID(got[i-1], got[i]))
	}
}

func TestFind(t *testing.T) {
	roots, err := Build(sample())
	require.NoError(t, err)

	b, ok := Find(roots, "0.1.0")
	require.True(t, ok)
	assert.Equal(t, "a2x", b.ID())
	assert.Equal(t, []string{"a", "a2"}, []string{b.Ancestors()[0].ID(), b.Ancestors()[1].ID()})

	_, ok = Find(roots, "0.5")
	assert.False(t, ok)
	_, ok = Find(roots, "x")
	assert.False(t, ok)
}

func TestAggregate(t *testing.T) {
	nodes := []*domain.Node{
		node("a", "", 0),
		progress(node("a1", "a", 0), 20),
		node("a2", "a", 1),
		progress(node("a2x", "a2", 0), 50),
		progress(node("a2y", "a2", 1), 100),
		progress(node("b", "", 1), 10),
	}

	t.Run("average", func(t *testing.T) {
		roots, err := Build(nodes)
		require.NoError(t, err)
		Aggregate(roots, Average)

		assert.InDelta(t, 75, *roots[0].Children[1].Value, 1e-9)
		assert.InDelta(t, 47.5, *roots[0].Value, 1e-9)
		assert.InDelta(t, 10, *roots[1].Value, 1e-9)
		assert.InDelta(t, 28.75, GlobalProgress(roots), 1e-9)
	})

	t.Run("sum", func(t *testing.T) {
		roots, err := Build(nodes)
		require.NoError(t, err)
		Aggregate(roots, Sum)
		assert.InDelta(t, 170, *roots[0].Value, 1e-9)
	})

	t.Run("weighted", func(t *testing.T) {
		roots, err := Build(nodes)
		require.NoError(t, err)
		// Weight by number of children, leaves count once.
		Aggregate(roots, Weighted(func(c *Branch) float64 { return float64(max(1, len(c.Children))) }))
		assert.InDelta(t, (20*1+75*2)/3.0, *roots[0].Value, 1e-9)
	})

	t.Run("leaf without progress counts as zero", func(t *testing.T) {
		roots, err := Build([]*domain.Node{node("a", "", 0)})
		require.NoError(t, err)
		Aggregate(roots, Average)
		assert.Zero(t, *roots[0].Value)
	})
}

func TestGlobalProgress_Empty(t *testing.T) {
	assert.Zero(t, GlobalProgress(nil))
}
