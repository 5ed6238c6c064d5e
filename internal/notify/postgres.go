package notify

import (
	"context"

	"cowrite/api/internal/collab"
	"cowrite/api/internal/store"
)

// EventWriter is the part of the Postgres store the audit sink needs.
type EventWriter interface {
	InsertEvent(ctx context.Context, e store.EventRecord) error
}

// PostgresSink appends every event to the collab_events table.
type PostgresSink struct {
	writer EventWriter
}

func NewPostgresSink(writer EventWriter) *PostgresSink {
	return &PostgresSink{writer: writer}
}

func (s *PostgresSink) Name() string { return "postgres" }

func (s *PostgresSink) Handle(ctx context.Context, e collab.Event) error {
	return s.writer.InsertEvent(ctx, store.EventRecord{
		ID:            e.ID,
		Type:          string(e.Type),
		DocumentID:    e.DocumentID,
		SessionID:     e.SessionID,
		ParticipantID: e.ParticipantID,
		ConflictID:    e.ConflictID,
		Strategy:      string(e.Strategy),
		Sequence:      e.Sequence,
		OccurredAt:    e.At,
	})
}
