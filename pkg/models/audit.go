package models

import "time"

// AuditEvent is an append-only record of an admin action or a message state
// transition. Audit events are never updated, and no sweep in this codebase
// deletes them.
type AuditEvent struct {
	ID        int64     `json:"id,omitempty" db:"id"`
	Actor     string    `json:"actor" db:"actor"`
	Action    string    `json:"action" db:"action"`
	SubjectID string    `json:"subject_id" db:"subject_id"`
	Outcome   string    `json:"outcome" db:"outcome"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
