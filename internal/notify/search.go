package notify

import (
	"context"
	"errors"
	"log"
	"time"

	"cowrite/api/internal/collab"
	"cowrite/api/internal/conflict"
	"cowrite/api/internal/store"
)

// EventQuerier is the part of the Postgres store used as the search fallback.
type EventQuerier interface {
	SearchEvents(ctx context.Context, query, documentID string, limit int) ([]store.EventRecord, error)
}

// Search tries Meilisearch while it is healthy and falls back to Postgres.
// Either backend may be nil.
type Search struct {
	meili    *MeiliSink
	postgres EventQuerier
}

func NewSearch(meili *MeiliSink, postgres EventQuerier) *Search {
	return &Search{meili: meili, postgres: postgres}
}

func (s *Search) SearchEvents(query, documentID string, limit int) ([]collab.Event, error) {
	if s.meili != nil && s.meili.Healthy() {
		events, err := s.meili.SearchEvents(query, documentID, limit)
		if err == nil {
			return events, nil
		}
		log.Printf("notify: meilisearch error, falling back to postgres: %v", err)
	}
	if s.postgres == nil {
		return nil, errors.New("event search unavailable")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	records, err := s.postgres.SearchEvents(ctx, query, documentID, limit)
	if err != nil {
		return nil, err
	}
	events := make([]collab.Event, 0, len(records))
	for _, r := range records {
		events = append(events, eventFromRecord(r))
	}
	return events, nil
}

func eventFromRecord(r store.EventRecord) collab.Event {
	return collab.Event{
		ID:            r.ID,
		Type:          collab.EventType(r.Type),
		DocumentID:    r.DocumentID,
		SessionID:     r.SessionID,
		ParticipantID: r.ParticipantID,
		ConflictID:    r.ConflictID,
		Strategy:      conflict.Strategy(r.Strategy),
		Sequence:      r.Sequence,
		At:            r.OccurredAt,
	}
}
