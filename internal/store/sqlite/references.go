package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/civicplan/plantree/internal/domain"
	"github.com/civicplan/plantree/internal/store"
)

// AddReference records that a subject depends on an item.
// Returns store.ErrAlreadyExists if the reference is already recorded.
func (s *Store) AddReference(ctx context.Context, ref *domain.Reference) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO item_references (item_type, item_id, subject_type, subject_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		string(ref.Item.Type),
		ref.Item.ID,
		ref.SubjectType,
		ref.SubjectID,
		formatTime(ref.CreatedAt),
	)
	if isUniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	return err
}

// DeleteReference removes a reference. Missing references are not an error.
func (s *Store) DeleteReference(ctx context.Context, ref *domain.Reference) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM item_references
		WHERE item_type = ? AND item_id = ? AND subject_type = ? AND subject_id = ?`,
		string(ref.Item.Type), ref.Item.ID, ref.SubjectType, ref.SubjectID)
	return err
}

// ListReferences returns the references to an item, oldest first.
func (s *Store) ListReferences(ctx context.Context, item domain.ItemRef) ([]*domain.Reference, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT item_type, item_id, subject_type, subject_id, created_at
		FROM item_references WHERE item_type = ? AND item_id = ?
		ORDER BY created_at, subject_type, subject_id`,
		string(item.Type), item.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	refs := []*domain.Reference{}
	for rows.Next() {
		var (
			r         domain.Reference
			itemType  string
			createdAt string
		)
		if err := rows.Scan(&itemType, &r.Item.ID, &r.SubjectType, &r.SubjectID, &createdAt); err != nil {
			return nil, err
		}
		r.Item.Type = domain.ItemType(itemType)
		if r.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		refs = append(refs, &r)
	}
	return refs, rows.Err()
}

// CountReferences counts the references to any of items in one statement.
func (s *Store) CountReferences(ctx context.Context, items []domain.ItemRef) (int, error) {
	var (
		conds []string
		args  []any
	)
	for _, item := range items {
		if item.IsZero() {
			continue
		}
		conds = append(conds, "(item_type = ? AND item_id = ?)")
		args = append(args, string(item.Type), item.ID)
	}
	if len(conds) == 0 {
		return 0, nil
	}

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM item_references WHERE `+strings.Join(conds, " OR "), args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count references: %w", err)
	}
	return count, nil
}
