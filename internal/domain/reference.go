package domain

import "time"

// Reference records that a subject (a project, a page block) points at a node's payload.
// A payload with references cannot be removed from its tree.
type Reference struct {
	Item        ItemRef   `json:"item"`
	SubjectType string    `json:"subject_type"`
	SubjectID   string    `json:"subject_id"`
	CreatedAt   time.Time `json:"created_at"`
}
