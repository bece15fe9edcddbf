package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/civicplan/plantree/internal/domain"
	"github.com/civicplan/plantree/internal/store"
	"github.com/civicplan/plantree/internal/tree"
)

// nodeSelect must match the scan order in scanNode.
const nodeSelect = `SELECT n.id, n.tree_id, n.parent_id, n.level, n.position, n.uid,
	n.item_type, n.item_id, n.name, n.progress, n.options, n.created_at, n.updated_at,
	(SELECT COUNT(*) FROM nodes c WHERE c.parent_id = n.id) AS children_count
	FROM nodes n`

func scanNode(scanner interface{ Scan(dest ...any) error }) (*domain.Node, error) {
	var (
		n         domain.Node
		parentID  sql.NullString
		itemType  string
		nameJSON  string
		progress  sql.NullFloat64
		optsJSON  string
		createdAt string
		updatedAt string
	)
	err := scanner.Scan(
		&n.ID,
		&n.TreeID,
		&parentID,
		&n.Level,
		&n.Position,
		&n.UID,
		&itemType,
		&n.Item.ID,
		&nameJSON,
		&progress,
		&optsJSON,
		&createdAt,
		&updatedAt,
		&n.ChildrenCount,
	)
	if err != nil {
		return nil, err
	}

	n.ParentID = parentID.String
	n.Item.Type = domain.ItemType(itemType)
	if progress.Valid {
		p := progress.Float64
		n.Progress = &p
	}
	if err := json.Unmarshal([]byte(nameJSON), &n.Name); err != nil {
		return nil, fmt.Errorf("unmarshal name of node %s: %w", n.ID, err)
	}
	if err := json.Unmarshal([]byte(optsJSON), &n.Options); err != nil {
		return nil, fmt.Errorf("unmarshal options of node %s: %w", n.ID, err)
	}
	if n.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if n.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &n, nil
}

func scanNodes(rows *sql.Rows) ([]*domain.Node, error) {
	defer rows.Close()
	nodes := []*domain.Node{}
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nodes, nil
}

// ListNodes returns every node of a tree in a single statement, so the result is
// one consistent snapshot even while a mutation commits.
func (s *Store) ListNodes(ctx context.Context, treeID string) ([]*domain.Node, error) {
	rows, err := s.db.QueryContext(ctx,
		nodeSelect+` WHERE n.tree_id = ? ORDER BY n.level, n.parent_id, n.position`, treeID)
	if err != nil {
		return nil, err
	}
	return scanNodes(rows)
}

// ListBranch returns a node together with its ancestors and all its descendants.
// That is enough for the tree builder to derive the node's uid and its subtree.
// Returns store.ErrNotFound if the node does not exist in the tree.
func (s *Store) ListBranch(ctx context.Context, treeID, nodeID string) ([]*domain.Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE
			ancestors(id, parent_id) AS (
				SELECT id, parent_id FROM nodes WHERE tree_id = ? AND id = ?
				UNION
				SELECT p.id, p.parent_id FROM nodes p JOIN ancestors a ON p.id = a.parent_id
			),
			descendants(id) AS (
				SELECT id FROM nodes WHERE tree_id = ? AND id = ?
				UNION
				SELECT c.id FROM nodes c JOIN descendants d ON c.parent_id = d.id
			)
		`+nodeSelect+`
		WHERE n.id IN (SELECT id FROM ancestors UNION SELECT id FROM descendants)
		ORDER BY n.level, n.parent_id, n.position`,
		treeID, nodeID, treeID, nodeID)
	if err != nil {
		return nil, err
	}
	nodes, err := scanNodes(rows)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, store.ErrNotFound
	}
	return nodes, nil
}

// GetNode retrieves a node by id.
// Returns store.ErrNotFound if the node does not exist in the tree.
func (s *Store) GetNode(ctx context.Context, treeID, nodeID string) (*domain.Node, error) {
	row := s.db.QueryRowContext(ctx, nodeSelect+` WHERE n.tree_id = ? AND n.id = ?`, treeID, nodeID)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return n, err
}

// GetNodeByUID looks a node up by its cached uid column.
// Returns store.ErrNotFound if no node carries the uid.
func (s *Store) GetNodeByUID(ctx context.Context, treeID, uid string) (*domain.Node, error) {
	row := s.db.QueryRowContext(ctx, nodeSelect+` WHERE n.tree_id = ? AND n.uid = ?`, treeID, uid)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return n, err
}

// ApplyChanges writes a mutation's change set in one transaction: created
// nodes, then placement updates, then deletions. Either all of it commits or
// none does. The tree's updated_at is bumped with it.
func (s *Store) ApplyChanges(ctx context.Context, treeID string, changes tree.ChangeSet) error {
	if changes.Empty() {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, n := range changes.Created {
		if err := insertNode(ctx, tx, treeID, n); err != nil {
			return err
		}
	}

	for _, n := range changes.Updated {
		res, err := tx.ExecContext(ctx, `
			UPDATE nodes SET parent_id = ?, level = ?, position = ?, uid = ?, updated_at = ?
			WHERE tree_id = ? AND id = ?`,
			nullString(n.ParentID),
			n.Level,
			n.Position,
			n.UID,
			formatTime(n.UpdatedAt),
			treeID,
			n.ID,
		)
		if err != nil {
			return fmt.Errorf("update node %s: %w", n.ID, err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return fmt.Errorf("update node %s: %w", n.ID, store.ErrNotFound)
		}
	}

	for _, id := range changes.Deleted {
		// Cascading foreign keys may already have removed descendants.
		if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE tree_id = ? AND id = ?`, treeID, id); err != nil {
			return fmt.Errorf("delete node %s: %w", id, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE trees SET updated_at = ? WHERE id = ?`,
		formatTime(time.Now()), treeID); err != nil {
		return fmt.Errorf("touch tree: %w", err)
	}

	return tx.Commit()
}

func insertNode(ctx context.Context, tx *sql.Tx, treeID string, n *domain.Node) error {
	nameJSON, err := json.Marshal(nonNilNames(n.Name))
	if err != nil {
		return fmt.Errorf("marshal name: %w", err)
	}
	optsJSON, err := json.Marshal(nonNilOptions(n.Options))
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO nodes (id, tree_id, parent_id, level, position, uid,
			item_type, item_id, name, progress, options, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID,
		treeID,
		nullString(n.ParentID),
		n.Level,
		n.Position,
		n.UID,
		string(n.Item.Type),
		n.Item.ID,
		string(nameJSON),
		nullFloat(n.Progress),
		string(optsJSON),
		formatTime(n.CreatedAt),
		formatTime(n.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("insert node %s: %w", n.ID, store.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert node %s: %w", n.ID, err)
	}
	return nil
}

func nonNilNames(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nonNilOptions(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
