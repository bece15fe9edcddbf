// Package store defines the persistence interface for trees, nodes and item references.
package store

import (
	"context"

	"github.com/civicplan/plantree/internal/domain"
	"github.com/civicplan/plantree/internal/tree"
)

// Store defines the interface for all persistence operations.
//
// Node reads are single statements so that each one observes a consistent
// snapshot. Writes to a tree's structure go through ApplyChanges only.
type Store interface {
	// Lifecycle
	Close() error

	// Trees
	CreateTree(ctx context.Context, t *domain.Tree) error
	GetTree(ctx context.Context, treeID string) (*domain.Tree, error)
	GetTreeBySlug(ctx context.Context, siteID, slug string) (*domain.Tree, error)
	ListTrees(ctx context.Context, siteID string, params PaginationParams) (*PaginatedResult[*domain.Tree], error)
	DeleteTree(ctx context.Context, treeID string) error

	// Nodes
	ListNodes(ctx context.Context, treeID string) ([]*domain.Node, error)
	ListBranch(ctx context.Context, treeID, nodeID string) ([]*domain.Node, error)
	GetNode(ctx context.Context, treeID, nodeID string) (*domain.Node, error)
	GetNodeByUID(ctx context.Context, treeID, uid string) (*domain.Node, error)
	ApplyChanges(ctx context.Context, treeID string, changes tree.ChangeSet) error

	// Item references
	AddReference(ctx context.Context, ref *domain.Reference) error
	DeleteReference(ctx context.Context, ref *domain.Reference) error
	ListReferences(ctx context.Context, item domain.ItemRef) ([]*domain.Reference, error)
	CountReferences(ctx context.Context, items []domain.ItemRef) (int, error)
}
