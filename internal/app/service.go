package app

import (
	"context"
	"net/http"
	"sort"
	"strings"

	"cowrite/api/internal/collab"
	"cowrite/api/internal/config"
	"cowrite/api/internal/conflict"
	"cowrite/api/internal/gitrepo"
	"cowrite/api/internal/ot"
	"cowrite/api/internal/relay"
	"cowrite/api/internal/store"

	"github.com/prometheus/client_golang/prometheus"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type HistoryReader interface {
	History(documentID string, limit int) ([]gitrepo.CommitInfo, error)
}

type EventLister interface {
	ListEvents(ctx context.Context, documentID string, limit int) ([]store.EventRecord, error)
}

type EventSearcher interface {
	SearchEvents(query, documentID string, limit int) ([]collab.Event, error)
}

// PresenceReader reads the shared presence mirror, for documents hosted on
// another node.
type PresenceReader interface {
	Presence(ctx context.Context, documentID string) ([]collab.Presence, error)
}

// Watcher follows the relayed stream of a document hosted anywhere.
type Watcher interface {
	Listen(ctx context.Context, documentID string) (*relay.Listener, error)
}

// Deps wires the optional backends. Only Registry is required.
type Deps struct {
	Registry  *collab.Registry
	Generator ot.Generator
	Gatherer  prometheus.Gatherer
	Checks    map[string]Pinger
	History   HistoryReader
	Events    EventLister
	Search    EventSearcher
	Presence  PresenceReader
	Watcher   Watcher
}

type Service struct {
	cfg  config.Config
	deps Deps
}

func New(cfg config.Config, deps Deps) *Service {
	if deps.Generator == nil {
		deps.Generator = ot.DiffGenerator{}
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.NewRegistry()
	}
	return &Service{cfg: cfg, deps: deps}
}

// SessionSummary describes an active session for listings.
type SessionSummary struct {
	ID            string               `json:"id"`
	DocumentID    string               `json:"documentId"`
	NodeID        string               `json:"nodeId"`
	Revision      int64                `json:"revision"`
	Sequence      int64                `json:"sequence"`
	Participants  []collab.Participant `json:"participants"`
	OpenConflicts int                  `json:"openConflicts"`
}

type ResolveInput struct {
	ParticipantID  string  `json:"participantId"`
	Strategy       string  `json:"strategy"`
	ChosenOriginID string  `json:"chosenOriginId"`
	CustomText     *string `json:"customText"`
}

func (s *Service) session(documentID string) (*collab.Session, error) {
	session, ok := s.deps.Registry.Get(documentID)
	if !ok {
		return nil, domainError(http.StatusNotFound, "SESSION_NOT_FOUND", "No active session for this document", nil)
	}
	return session, nil
}

func (s *Service) ListSessions(ctx context.Context, documentID string) ([]SessionSummary, error) {
	items := make([]SessionSummary, 0, 1)
	for _, session := range s.deps.Registry.ListActive(documentID) {
		snap, err := session.Snapshot(ctx)
		if err != nil {
			continue
		}
		participants, err := session.Participants(ctx)
		if err != nil {
			continue
		}
		conflicts, err := session.Conflicts(ctx)
		if err != nil {
			continue
		}
		open := 0
		for _, c := range conflicts {
			if !c.Resolved() {
				open++
			}
		}
		items = append(items, SessionSummary{
			ID:            session.ID(),
			DocumentID:    session.DocumentID(),
			NodeID:        s.deps.Registry.NodeID(),
			Revision:      snap.Revision,
			Sequence:      snap.Sequence,
			Participants:  participants,
			OpenConflicts: open,
		})
	}
	return items, nil
}

func (s *Service) Snapshot(ctx context.Context, documentID string) (collab.Snapshot, error) {
	session, err := s.session(documentID)
	if err != nil {
		return collab.Snapshot{}, err
	}
	return session.Snapshot(ctx)
}

func (s *Service) Save(ctx context.Context, documentID, participantID string) (collab.Snapshot, error) {
	if strings.TrimSpace(participantID) == "" {
		return collab.Snapshot{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "participantId is required", nil)
	}
	session, err := s.session(documentID)
	if err != nil {
		return collab.Snapshot{}, err
	}
	return session.Save(ctx, participantID)
}

func (s *Service) Log(ctx context.Context, documentID string, since int64) ([]ot.Operation, error) {
	session, err := s.session(documentID)
	if err != nil {
		return nil, err
	}
	return session.Log(ctx, since)
}

// Presence prefers the hosting session and falls back to the shared mirror.
func (s *Service) Presence(ctx context.Context, documentID string) ([]collab.Presence, error) {
	if session, ok := s.deps.Registry.Get(documentID); ok {
		return session.Presence(ctx)
	}
	if s.deps.Presence != nil {
		return s.deps.Presence.Presence(ctx, documentID)
	}
	return nil, domainError(http.StatusNotFound, "SESSION_NOT_FOUND", "No active session for this document", nil)
}

func (s *Service) Conflicts(ctx context.Context, documentID string, openOnly bool) ([]collab.Conflict, error) {
	session, err := s.session(documentID)
	if err != nil {
		return nil, err
	}
	conflicts, err := session.Conflicts(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]collab.Conflict, 0, len(conflicts))
	for _, c := range conflicts {
		if openOnly && c.Resolved() {
			continue
		}
		items = append(items, c)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].DetectedAt.Before(items[j].DetectedAt) })
	return items, nil
}

func (s *Service) Conflict(ctx context.Context, documentID, conflictID string) (collab.Conflict, error) {
	session, err := s.session(documentID)
	if err != nil {
		return collab.Conflict{}, err
	}
	return session.Conflict(ctx, conflictID)
}

func (s *Service) Suggestions(ctx context.Context, documentID, conflictID, participantID string) ([]conflict.Suggestion, error) {
	session, err := s.session(documentID)
	if err != nil {
		return nil, err
	}
	return session.Suggestions(ctx, conflictID, participantID)
}

// Resolve takes either a strategy or a manual choice, never both.
func (s *Service) Resolve(ctx context.Context, documentID, conflictID string, input ResolveInput) (collab.ResolveResult, error) {
	if strings.TrimSpace(input.ParticipantID) == "" {
		return collab.ResolveResult{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "participantId is required", nil)
	}
	manual := input.ChosenOriginID != "" || input.CustomText != nil
	if manual == (input.Strategy != "") {
		return collab.ResolveResult{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "provide either strategy or chosenOriginId/customText", nil)
	}
	session, err := s.session(documentID)
	if err != nil {
		return collab.ResolveResult{}, err
	}
	if manual {
		return session.ResolveManually(ctx, conflictID, input.ParticipantID, collab.ManualResolution{
			ChosenOriginID: input.ChosenOriginID,
			CustomText:     input.CustomText,
		})
	}
	strategy, ok := conflict.ParseStrategy(input.Strategy)
	if !ok {
		return collab.ResolveResult{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown strategy", map[string]any{"strategy": input.Strategy})
	}
	return session.ResolveAutomatically(ctx, conflictID, strategy, input.ParticipantID)
}

func (s *Service) History(documentID string, limit int) ([]gitrepo.CommitInfo, error) {
	if s.deps.History == nil {
		return nil, domainError(http.StatusNotImplemented, "HISTORY_UNAVAILABLE", "Document history requires the git store", nil)
	}
	return s.deps.History.History(documentID, limit)
}

func (s *Service) Events(ctx context.Context, documentID string, limit int) ([]store.EventRecord, error) {
	if s.deps.Events == nil {
		return nil, domainError(http.StatusNotImplemented, "EVENTS_UNAVAILABLE", "The event log requires Postgres", nil)
	}
	return s.deps.Events.ListEvents(ctx, documentID, limit)
}

func (s *Service) SearchEvents(query, documentID string, limit int) ([]collab.Event, error) {
	if s.deps.Search == nil {
		return nil, domainError(http.StatusNotImplemented, "SEARCH_UNAVAILABLE", "Event search requires Meilisearch", nil)
	}
	return s.deps.Search.SearchEvents(query, documentID, limit)
}

// Ready pings every configured backend.
func (s *Service) Ready(ctx context.Context) (bool, map[string]any) {
	ready := true
	checks := make(map[string]any, len(s.deps.Checks))
	for name, pinger := range s.deps.Checks {
		if err := pinger.Ping(ctx); err != nil {
			ready = false
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}
	return ready, checks
}
