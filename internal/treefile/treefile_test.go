package treefile

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicplan/plantree/internal/domain"
	"github.com/civicplan/plantree/internal/service"
	"github.com/civicplan/plantree/internal/siteconfig"
	"github.com/civicplan/plantree/internal/store/sqlite"
)

const planYAML = `site_id: default
kind: plan
name: Plan de Gobierno
slug: plan-2024
max_level: 1
nodes:
  - name:
      es: Eje A
    item:
      type: project
      id: eje-a
    options:
      color: green
    children:
      - name:
          es: Meta 1
        item:
          type: project
          id: meta-1
        progress: 40
      - name:
          es: Meta 2
          en: Goal 2
        item:
          type: project
          id: meta-2
        progress: 80
  - name:
      es: Eje B
    item:
      type: project
      id: eje-b
`

func newService(t *testing.T) (*service.TreeService, *sqlite.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "plantree.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return service.NewTreeService(st, siteconfig.NewRegistry("default", logger), nil, nil, nil, logger), st
}

func TestParse(t *testing.T) {
	doc, err := Parse(strings.NewReader(planYAML))
	require.NoError(t, err)

	assert.Equal(t, domain.TreeKindPlan, doc.Kind)
	require.NotNil(t, doc.MaxLevel)
	assert.Equal(t, 1, *doc.MaxLevel)
	assert.Equal(t, 4, doc.Count())
	require.Len(t, doc.Nodes[0].Children, 2)
	assert.Equal(t, "Goal 2", doc.Nodes[0].Children[1].Name["en"])
}

func TestParse_UnknownField(t *testing.T) {
	_, err := Parse(strings.NewReader("kind: plan\nname: x\ncolour: red\n"))
	assert.Error(t, err)
}

func TestImportExportRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc, st := newService(t)

	doc, err := Parse(strings.NewReader(planYAML))
	require.NoError(t, err)

	pt, err := Import(ctx, svc, doc)
	require.NoError(t, err)
	assert.Equal(t, "plan-2024", pt.Slug)

	nodes, err := st.ListNodes(ctx, pt.ID)
	require.NoError(t, err)
	assert.Len(t, nodes, 4)

	exported, err := FromNodes(pt, nodes)
	require.NoError(t, err)

	var want, got bytes.Buffer
	require.NoError(t, Write(&want, doc))
	require.NoError(t, Write(&got, exported))
	assert.Equal(t, want.String(), got.String())

	payload, err := svc.TreePayload(ctx, pt.ID, "es")
	require.NoError(t, err)
	require.NotNil(t, payload.PlanTree[0].Attributes.Progress)
	assert.Equal(t, 60, *payload.PlanTree[0].Attributes.Progress)
}

func TestImport_InvalidNodeKeepsPartialTree(t *testing.T) {
	ctx := context.Background()
	svc, st := newService(t)

	doc := &Document{
		Kind: domain.TreeKindVocabulary,
		Name: "Categorías",
		Nodes: []*Node{
			{Name: map[string]string{"es": "Salud"}, Item: Item{Type: domain.ItemCategoryTerm, ID: "salud"}},
			{Name: map[string]string{"es": "Roto"}, Item: Item{Type: "book", ID: "x"}},
		},
	}
	pt, err := Import(ctx, svc, doc)
	require.Error(t, err)
	require.NotNil(t, pt)

	nodes, err := st.ListNodes(ctx, pt.ID)
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}
