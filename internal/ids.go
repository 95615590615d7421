package internal

import "github.com/google/uuid"

// NewUUID returns a random identifier used for execution IDs, workflow
// event IDs and worker session tokens. Centralized so tests can see a
// single seam if they ever need to stub identity generation.
func NewUUID() string {
	return uuid.NewString()
}
