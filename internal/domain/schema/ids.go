package schema

import "github.com/google/uuid"

// NewEventID returns a time-ordered identifier for a published event.
func NewEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
