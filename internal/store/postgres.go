package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const defaultEventLimit = 100

// PostgresStore keeps document content and the collaboration audit trail.
// It satisfies collab.DocumentStore.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Load returns the saved content of documentID, or "" for a document that
// was never saved.
func (s *PostgresStore) Load(ctx context.Context, documentID string) (string, error) {
	doc, err := s.GetDocument(ctx, documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return doc.Content, nil
}

func (s *PostgresStore) Save(ctx context.Context, documentID, text string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, content, version, updated_at)
		VALUES ($1, $2, 1, NOW())
		ON CONFLICT (id) DO UPDATE
		SET content = EXCLUDED.content,
		    version = documents.version + 1,
		    updated_at = NOW()
	`, documentID, text)
	if err != nil {
		return fmt.Errorf("save document: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	var doc Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, content, version, updated_at FROM documents WHERE id = $1
	`, documentID).Scan(&doc.ID, &doc.Content, &doc.Version, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, err
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, version, updated_at FROM documents ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.ID, &doc.Content, &doc.Version, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, doc)
	}
	return items, rows.Err()
}

// InsertEvent appends to collab_events. Replayed ids are ignored.
func (s *PostgresStore) InsertEvent(ctx context.Context, e EventRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collab_events (id, event_type, document_id, session_id, participant_id, conflict_id, strategy, sequence, occurred_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), $8, $9)
		ON CONFLICT (id) DO NOTHING
	`, e.ID, e.Type, e.DocumentID, e.SessionID, e.ParticipantID, e.ConflictID, e.Strategy, e.Sequence, e.OccurredAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListEvents returns the newest events of documentID first.
func (s *PostgresStore) ListEvents(ctx context.Context, documentID string, limit int) ([]EventRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = defaultEventLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, document_id, session_id,
		       COALESCE(participant_id, ''), COALESCE(conflict_id, ''), COALESCE(strategy, ''),
		       sequence, occurred_at
		FROM collab_events
		WHERE document_id = $1
		ORDER BY occurred_at DESC, id DESC
		LIMIT $2
	`, documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	items := make([]EventRecord, 0)
	for rows.Next() {
		var e EventRecord
		if err := rows.Scan(&e.ID, &e.Type, &e.DocumentID, &e.SessionID, &e.ParticipantID, &e.ConflictID, &e.Strategy, &e.Sequence, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

// SearchEvents matches query against the text columns of the event log.
// It backs event search when Meilisearch is not available.
func (s *PostgresStore) SearchEvents(ctx context.Context, query, documentID string, limit int) ([]EventRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = defaultEventLimit
	}
	pattern := "%" + strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(query) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, document_id, session_id,
		       COALESCE(participant_id, ''), COALESCE(conflict_id, ''), COALESCE(strategy, ''),
		       sequence, occurred_at
		FROM collab_events
		WHERE ($1 = '' OR document_id = $1)
		  AND (event_type ILIKE $2 OR participant_id ILIKE $2 OR conflict_id ILIKE $2
		       OR strategy ILIKE $2 OR document_id ILIKE $2)
		ORDER BY occurred_at DESC, id DESC
		LIMIT $3
	`, documentID, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search events: %w", err)
	}
	defer rows.Close()

	items := make([]EventRecord, 0)
	for rows.Next() {
		var e EventRecord
		if err := rows.Scan(&e.ID, &e.Type, &e.DocumentID, &e.SessionID, &e.ParticipantID, &e.ConflictID, &e.Strategy, &e.Sequence, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
