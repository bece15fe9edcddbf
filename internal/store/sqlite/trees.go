package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/civicplan/plantree/internal/domain"
	"github.com/civicplan/plantree/internal/store"
)

// treeColumns must match the scan order in scanTree.
const treeColumns = `id, site_id, kind, name, slug, max_level, created_at, updated_at`

func scanTree(scanner interface{ Scan(dest ...any) error }) (*domain.Tree, error) {
	var (
		t         domain.Tree
		kind      string
		createdAt string
		updatedAt string
	)
	if err := scanner.Scan(&t.ID, &t.SiteID, &kind, &t.Name, &t.Slug, &t.MaxLevel, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.Kind = domain.TreeKind(kind)

	var err error
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTree inserts a new tree.
// Returns store.ErrAlreadyExists when the site already has a tree with the same slug.
func (s *Store) CreateTree(ctx context.Context, t *domain.Tree) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trees (`+treeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID,
		t.SiteID,
		string(t.Kind),
		t.Name,
		t.Slug,
		t.MaxLevel,
		formatTime(t.CreatedAt),
		formatTime(t.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	return err
}

// GetTree retrieves a tree by id.
// Returns store.ErrNotFound if the tree does not exist.
func (s *Store) GetTree(ctx context.Context, treeID string) (*domain.Tree, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+treeColumns+` FROM trees WHERE id = ?`, treeID)
	t, err := scanTree(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return t, err
}

// GetTreeBySlug retrieves a site's tree by slug.
// Returns store.ErrNotFound if the tree does not exist.
func (s *Store) GetTreeBySlug(ctx context.Context, siteID, slug string) (*domain.Tree, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+treeColumns+` FROM trees WHERE site_id = ? AND slug = ?`, siteID, slug)
	t, err := scanTree(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return t, err
}

// ListTrees returns a site's trees ordered by name (case-insensitive) then id.
// An empty siteID lists every site.
func (s *Store) ListTrees(ctx context.Context, siteID string, params store.PaginationParams) (*store.PaginatedResult[*domain.Tree], error) {
	params.Validate()

	var cursorName, cursorID string
	if params.Cursor != "" {
		decoded, err := store.DecodeCursor(params.Cursor)
		if err != nil {
			return nil, fmt.Errorf("decode cursor: %w", err)
		}
		parts := strings.SplitN(decoded, "|", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid cursor format")
		}
		cursorName, cursorID = parts[0], parts[1]
	}

	where := `(? = '' OR site_id = ?)`
	args := []any{siteID, siteID}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trees WHERE `+where, args...).Scan(&total); err != nil {
		return nil, err
	}

	if params.Cursor != "" {
		where += ` AND (name COLLATE NOCASE > ? OR (name COLLATE NOCASE = ? AND id > ?))`
		args = append(args, cursorName, cursorName, cursorID)
	}
	// Fetch one extra to determine HasMore.
	args = append(args, params.Limit+1)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+treeColumns+` FROM trees WHERE `+where+`
		ORDER BY name COLLATE NOCASE ASC, id ASC
		LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []*domain.Tree{}
	for rows.Next() {
		t, err := scanTree(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := &store.PaginatedResult[*domain.Tree]{Items: items, Total: total}
	if len(items) > params.Limit {
		result.HasMore = true
		result.Items = items[:params.Limit]
		last := result.Items[params.Limit-1]
		result.NextCursor = store.EncodeCursor(last.Name + "|" + last.ID)
	}
	return result, nil
}

// DeleteTree removes a tree and, through the foreign keys, all its nodes.
// Returns store.ErrNotFound if the tree does not exist.
func (s *Store) DeleteTree(ctx context.Context, treeID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM trees WHERE id = ?`, treeID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
