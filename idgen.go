package durex

import "github.com/google/uuid"

// NewID returns a fresh time-ordered identifier suitable for a Workflow,
// ExecutionLog, or ErrorLog primary key, the same way internal/store
// generates row ids for those tables directly.
func NewID() (uuid.UUID, error) {
	return uuid.NewV7()
}
