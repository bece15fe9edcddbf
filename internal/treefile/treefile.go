// Package treefile reads and writes whole trees as YAML documents, for seeding
// sites and moving trees between installations.
package treefile

import (
	"context"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/civicplan/plantree/internal/domain"
	"github.com/civicplan/plantree/internal/service"
	"github.com/civicplan/plantree/internal/tree"
)

// Document is one tree with its nodes nested in sibling order.
type Document struct {
	SiteID   string          `yaml:"site_id,omitempty"`
	Kind     domain.TreeKind `yaml:"kind"`
	Name     string          `yaml:"name"`
	Slug     string          `yaml:"slug,omitempty"`
	MaxLevel *int            `yaml:"max_level,omitempty"`
	Nodes    []*Node         `yaml:"nodes"`
}

// Node is one entry of a Document.
type Node struct {
	Name     map[string]string `yaml:"name"`
	Item     Item              `yaml:"item"`
	Progress *float64          `yaml:"progress,omitempty"`
	Options  map[string]any    `yaml:"options,omitempty"`
	Children []*Node           `yaml:"children,omitempty"`
}

// Item identifies the payload a node wraps.
type Item struct {
	Type domain.ItemType `yaml:"type"`
	ID   string          `yaml:"id"`
}

// Parse decodes a document. Unknown fields are rejected.
func Parse(r io.Reader) (*Document, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse tree document: %w", err)
	}
	return &doc, nil
}

// ReadFile parses the document at path.
func ReadFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Write encodes doc as YAML.
func Write(w io.Writer, doc *Document) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}

// Count returns the number of nodes in doc.
func (d *Document) Count() int {
	var count func(nodes []*Node) int
	count = func(nodes []*Node) int {
		n := len(nodes)
		for _, c := range nodes {
			n += count(c.Children)
		}
		return n
	}
	return count(d.Nodes)
}

// Trees is the part of the tree service an import needs.
type Trees interface {
	CreateTree(ctx context.Context, req service.CreateTreeRequest) (*domain.Tree, error)
	Insert(ctx context.Context, treeID string, req service.InsertNodeRequest) (*service.MutationResult, error)
}

// Import creates the tree described by doc and inserts its nodes parents
// first. On failure the partially imported tree is left in place and
// returned with the error so that the caller can delete it.
func Import(ctx context.Context, trees Trees, doc *Document) (*domain.Tree, error) {
	t, err := trees.CreateTree(ctx, service.CreateTreeRequest{
		SiteID:   doc.SiteID,
		Kind:     doc.Kind,
		Name:     doc.Name,
		Slug:     doc.Slug,
		MaxLevel: doc.MaxLevel,
	})
	if err != nil {
		return nil, err
	}

	var insert func(parentID string, nodes []*Node) error
	insert = func(parentID string, nodes []*Node) error {
		for _, n := range nodes {
			res, err := trees.Insert(ctx, t.ID, service.InsertNodeRequest{
				ParentID: parentID,
				Item:     service.ItemInput{Type: n.Item.Type, ID: n.Item.ID},
				Name:     n.Name,
				Progress: n.Progress,
				Options:  n.Options,
			})
			if err != nil {
				return fmt.Errorf("insert %s/%s: %w", n.Item.Type, n.Item.ID, err)
			}
			if err := insert(res.NodeID, n.Children); err != nil {
				return err
			}
		}
		return nil
	}
	return t, insert("", doc.Nodes)
}

// FromNodes builds the document of t from its stored nodes.
func FromNodes(t *domain.Tree, nodes []*domain.Node) (*Document, error) {
	roots, err := tree.Build(nodes)
	if err != nil {
		return nil, err
	}
	var convert func(branches []*tree.Branch) []*Node
	convert = func(branches []*tree.Branch) []*Node {
		out := make([]*Node, 0, len(branches))
		for _, b := range branches {
			out = append(out, &Node{
				Name:     b.Node.Name,
				Item:     Item{Type: b.Node.Item.Type, ID: b.Node.Item.ID},
				Progress: b.Node.Progress,
				Options:  b.Node.Options,
				Children: convert(b.Children),
			})
		}
		return out
	}
	maxLevel := t.MaxLevel
	return &Document{
		SiteID:   t.SiteID,
		Kind:     t.Kind,
		Name:     t.Name,
		Slug:     t.Slug,
		MaxLevel: &maxLevel,
		Nodes:    convert(roots),
	}, nil
}
