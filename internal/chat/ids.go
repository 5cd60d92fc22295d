package chat

import "github.com/google/uuid"

// NewID returns a new UUID v7 identifier: time-ordered, so IDs sort
// chronologically and make reasonable primary keys without a separate
// created_at index for range scans.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
