package domain

import "time"

// Entity carries the identity and timestamps shared by all persisted records.
// It is embedded by value, never inherited from.
type Entity struct {
	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Touch updates the modification timestamp.
func (e *Entity) Touch() {
	e.UpdatedAt = time.Now()
}
