package domain

import "time"

// Syncable provides the identity and timestamp fields shared by persisted entities.
type Syncable struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ID        string    `json:"id"`
}

// Touch updates the UpdatedAt timestamp to the current time.
// Call this whenever the underlying entity changes.
func (s *Syncable) Touch() {
	s.UpdatedAt = time.Now().UTC()
}

// InitTimestamps sets both CreatedAt and UpdatedAt to now.
// Call this when creating a new entity.
func (s *Syncable) InitTimestamps() {
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now
}

// Revision returns a value that changes whenever the entity is touched.
// Caches key on it together with the entity ID.
func (s *Syncable) Revision() int64 {
	return s.UpdatedAt.UnixNano()
}
