package store

import "time"

// Document is the persisted content of a collaborative document. Version
// counts explicit saves.
type Document struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// EventRecord is one row of the collab_events audit table.
type EventRecord struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	DocumentID    string    `json:"documentId"`
	SessionID     string    `json:"sessionId"`
	ParticipantID string    `json:"participantId,omitempty"`
	ConflictID    string    `json:"conflictId,omitempty"`
	Strategy      string    `json:"strategy,omitempty"`
	Sequence      int64     `json:"sequence,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
}
