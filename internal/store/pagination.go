package store

import (
	"encoding/base64"
	"fmt"
)

// PaginationParams selects one page of a listing.
type PaginationParams struct {
	Limit  int    // items per page, 100 by default, at most 1000
	Cursor string // opaque, empty for the first page
}

// PaginatedResult is one page of items plus the cursor of the next.
type PaginatedResult[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"` // Empty if no more pages
	HasMore    bool   `json:"has_more"`
	Total      int    `json:"total"`
}

// DefaultPaginationParams returns the first page with the default limit.
func DefaultPaginationParams() PaginationParams {
	return PaginationParams{
		Limit:  100,
		Cursor: "",
	}
}

// Validate clamps Limit into range.
func (p *PaginationParams) Validate() {
	if p.Limit <= 0 {
		p.Limit = 100
	}

	if p.Limit > 1000 {
		p.Limit = 1000
	}
}

// EncodeCursor turns the sort key of the last item on a page into a cursor.
func EncodeCursor(key string) string {
	if key == "" {
		return ""
	}
	return base64.URLEncoding.EncodeToString([]byte(key))
}

// DecodeCursor recovers the sort key from a cursor.
func DecodeCursor(cursor string) (string, error) {
	if cursor == "" {
		return "", nil
	}

	decoded, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return "", fmt.Errorf("invalid cursor: %w", err)
	}

	return string(decoded), nil
}
