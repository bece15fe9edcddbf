package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/civicplan/plantree/internal/domain"
	"github.com/civicplan/plantree/internal/store"
)

func makeTestTree(id, siteID, name string) *domain.Tree {
	t := &domain.Tree{
		SiteID:   siteID,
		Kind:     domain.TreeKindPlan,
		Name:     name,
		Slug:     id + "-slug",
		MaxLevel: 1,
	}
	t.ID = id
	t.InitTimestamps()
	return t
}

func TestCreateAndGetTree(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tree := makeTestTree("tree-1", "site-1", "Plan de mandato")
	if err := s.CreateTree(ctx, tree); err != nil {
		t.Fatalf("CreateTree: %v", err)
	}

	got, err := s.GetTree(ctx, "tree-1")
	if err != nil {
		t.Fatalf("GetTree: %v", err)
	}
	if got.Name != tree.Name || got.Kind != domain.TreeKindPlan || got.MaxLevel != 1 {
		t.Errorf("unexpected tree: %+v", got)
	}
	if got.CreatedAt.Unix() != tree.CreatedAt.Unix() {
		t.Errorf("CreatedAt: got %v, want %v", got.CreatedAt, tree.CreatedAt)
	}

	bySlug, err := s.GetTreeBySlug(ctx, "site-1", "tree-1-slug")
	if err != nil {
		t.Fatalf("GetTreeBySlug: %v", err)
	}
	if bySlug.ID != "tree-1" {
		t.Errorf("ID: got %q", bySlug.ID)
	}
}

func TestCreateTree_DuplicateSlug(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateTree(ctx, makeTestTree("tree-1", "site-1", "A")); err != nil {
		t.Fatalf("CreateTree: %v", err)
	}
	dup := makeTestTree("tree-2", "site-1", "B")
	dup.Slug = "tree-1-slug"
	if err := s.CreateTree(ctx, dup); !errors.Is(err, store.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}

	// Same slug on another site is fine.
	other := makeTestTree("tree-3", "site-2", "C")
	other.Slug = "tree-1-slug"
	if err := s.CreateTree(ctx, other); err != nil {
		t.Errorf("CreateTree on other site: %v", err)
	}
}

func TestGetTree_NotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetTree(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListTrees_Pagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, name := range []string{"delta", "Alpha", "charlie", "bravo"} {
		tree := makeTestTree("tree-"+name, "site-1", name)
		tree.CreatedAt = tree.CreatedAt.Add(time.Duration(i) * time.Second)
		if err := s.CreateTree(ctx, tree); err != nil {
			t.Fatalf("CreateTree: %v", err)
		}
	}
	if err := s.CreateTree(ctx, makeTestTree("tree-other", "site-2", "aardvark")); err != nil {
		t.Fatalf("CreateTree: %v", err)
	}

	page, err := s.ListTrees(ctx, "site-1", store.PaginationParams{Limit: 3})
	if err != nil {
		t.Fatalf("ListTrees: %v", err)
	}
	if page.Total != 4 || !page.HasMore || len(page.Items) != 3 {
		t.Fatalf("unexpected first page: total=%d hasMore=%v items=%d", page.Total, page.HasMore, len(page.Items))
	}
	want := []string{"Alpha", "bravo", "charlie"}
	for i, tree := range page.Items {
		if tree.Name != want[i] {
			t.Errorf("item %d: got %q, want %q", i, tree.Name, want[i])
		}
	}

	next, err := s.ListTrees(ctx, "site-1", store.PaginationParams{Limit: 3, Cursor: page.NextCursor})
	if err != nil {
		t.Fatalf("ListTrees page 2: %v", err)
	}
	if len(next.Items) != 1 || next.Items[0].Name != "delta" || next.HasMore {
		t.Errorf("unexpected second page: %+v", next)
	}

	all, err := s.ListTrees(ctx, "", store.DefaultPaginationParams())
	if err != nil {
		t.Fatalf("ListTrees all: %v", err)
	}
	if all.Total != 5 {
		t.Errorf("expected 5 trees across sites, got %d", all.Total)
	}
}

func TestDeleteTree_CascadesNodes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTree(t, s)

	if err := s.DeleteTree(ctx, "tree-1"); err != nil {
		t.Fatalf("DeleteTree: %v", err)
	}
	nodes, err := s.ListNodes(ctx, "tree-1")
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if len(nodes) != 0 {
		t.Errorf("expected nodes to be deleted, got %d", len(nodes))
	}
	if err := s.DeleteTree(ctx, "tree-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteTree_CascadesOnEveryPooledConnection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTree(t, s)

	// Pin one connection so the delete runs on another pooled connection.
	held, err := s.db.Conn(ctx)
	if err != nil {
		t.Fatalf("Conn: %v", err)
	}
	defer held.Close()

	fresh, err := s.db.Conn(ctx)
	if err != nil {
		t.Fatalf("Conn: %v", err)
	}
	var fk int
	if err := fresh.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("query foreign_keys: %v", err)
	}
	fresh.Close()
	if fk != 1 {
		t.Errorf("expected foreign_keys=1 on a fresh connection, got %d", fk)
	}

	if err := s.DeleteTree(ctx, "tree-1"); err != nil {
		t.Fatalf("DeleteTree: %v", err)
	}
	var orphans int
	if err := held.QueryRowContext(ctx, "SELECT COUNT(*) FROM nodes WHERE tree_id = ?", "tree-1").Scan(&orphans); err != nil {
		t.Fatalf("count nodes: %v", err)
	}
	if orphans != 0 {
		t.Errorf("tree deleted but %d nodes remain", orphans)
	}
}
