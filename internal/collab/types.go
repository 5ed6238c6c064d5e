// Package collab hosts live collaboration sessions: one actor per document
// that sequences operations, tracks participants and presence, fans messages
// out to subscribers and keeps conflicts until they are resolved.
package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"cowrite/api/internal/conflict"
	"cowrite/api/internal/ot"
	"cowrite/api/internal/rbac"
)

var (
	ErrSessionClosed      = errors.New("session closed")
	ErrUnknownParticipant = errors.New("unknown participant")
	ErrConflictNotFound   = errors.New("conflict not found")
	ErrResolutionStale    = conflict.ErrResolutionStale
	ErrInvalidResolution  = conflict.ErrInvalidResolution
	// ErrTransportLoss ends a subscription whose participant stopped sending
	// heartbeats. The participant may reconnect until the liveness timeout.
	ErrTransportLoss = errors.New("transport lost")
	// ErrLagged ends a subscription whose outbound queue overflowed. The
	// client reconnects with the last offset it received.
	ErrLagged         = errors.New("subscriber lagged")
	ErrForbidden      = errors.New("forbidden")
	ErrDocumentLeased = errors.New("document is hosted by another node")
)

type Status string

const (
	StatusActive Status = "active"
	StatusClosed Status = "closed"
)

type Participant struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Color       string    `json:"color"`
	Role        rbac.Role `json:"role"`
	JoinedAt    time.Time `json:"joinedAt"`
	LastSeen    time.Time `json:"lastSeen"`
}

// Range is a half-open rune range.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Presence is best-effort cursor state. Offsets count runes, like operation
// positions.
type Presence struct {
	ParticipantID string    `json:"participantId"`
	Cursor        int       `json:"cursor"`
	Selection     *Range    `json:"selection,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Snapshot is the session buffer together with the last sequence and the
// revision it reflects. Clients generate operations against Revision.
type Snapshot struct {
	Text     string `json:"text"`
	Sequence int64  `json:"sequence"`
	Revision int64  `json:"revision"`
}

type ConflictState string

const (
	ConflictDetected       ConflictState = "detected"
	ConflictAutoResolving  ConflictState = "auto_resolving"
	ConflictAwaitingManual ConflictState = "awaiting_manual_input"
	ConflictResolved       ConflictState = "resolved"
)

type Resolution struct {
	Strategy       conflict.Strategy `json:"strategy"`
	ResolvedBy     string            `json:"resolvedBy,omitempty"`
	ChosenOriginID string            `json:"chosenOriginId,omitempty"`
	CustomText     *string           `json:"customText,omitempty"`
	Kept           []int64           `json:"kept"`
	Dropped        []int64           `json:"dropped"`
	Effect         []ot.Operation    `json:"effect"`
	Revision       int64             `json:"revision"`
	ResolvedAt     time.Time         `json:"resolvedAt"`
}

type Conflict struct {
	ID          string                `json:"id"`
	DocumentID  string                `json:"documentId"`
	Position    int                   `json:"position"`
	Length      int                   `json:"length"`
	Competitors []conflict.Competitor `json:"competitors"`
	State       ConflictState         `json:"state"`
	Resolution  *Resolution           `json:"resolution,omitempty"`

	// TriggeredBy is the originator of the operation that opened the
	// conflict. It counts as the local side for prefer_local and
	// prefer_remote when the resolver is not a competitor.
	TriggeredBy      string    `json:"triggeredBy"`
	DetectedRevision int64     `json:"detectedRevision"`
	DetectedAt       time.Time `json:"detectedAt"`
}

func (c *Conflict) Resolved() bool {
	return c.State == ConflictResolved
}

func (c *Conflict) clone() Conflict {
	out := *c
	out.Competitors = append([]conflict.Competitor(nil), c.Competitors...)
	if c.Resolution != nil {
		resolution := *c.Resolution
		out.Resolution = &resolution
	}
	return out
}

type ResolveResult struct {
	Conflict Conflict `json:"conflict"`

	// Applied is false when the conflict had already been resolved and this
	// call changed nothing.
	Applied bool `json:"applied"`
}

// ManualResolution picks one originator's competing edits or, when
// CustomText is set, replaces the conflict region with it.
type ManualResolution struct {
	ChosenOriginID string  `json:"chosenOriginId,omitempty"`
	CustomText     *string `json:"customText,omitempty"`
}

type MessageType string

const (
	MessageOperation         MessageType = "operation"
	MessageAck               MessageType = "ack"
	MessageConflict          MessageType = "conflict"
	MessageResolution        MessageType = "resolution"
	MessageSuperseded        MessageType = "superseded"
	MessagePresence          MessageType = "presence"
	MessageParticipantJoined MessageType = "participant_joined"
	MessageParticipantLeft   MessageType = "participant_left"
	MessageResync            MessageType = "resync"
)

// Message is one entry of a session's broadcast stream. Receivers apply
// Effect to a buffer at Revision-1 to reach Revision; an operation message
// without Effect was withheld by a conflict.
type Message struct {
	Offset      int64          `json:"offset"`
	Type        MessageType    `json:"type"`
	DocumentID  string         `json:"documentId"`
	Operation   *ot.Operation  `json:"operation,omitempty"`
	Effect      []ot.Operation `json:"effect,omitempty"`
	Sequence    int64          `json:"sequence,omitempty"`
	Revision    int64          `json:"revision,omitempty"`
	Presence    *Presence      `json:"presence,omitempty"`
	Participant *Participant   `json:"participant,omitempty"`
	Conflict    *Conflict      `json:"conflict,omitempty"`
	Snapshot    *Snapshot      `json:"snapshot,omitempty"`
	Reason      string         `json:"reason,omitempty"`

	// Exclude hides the message from one participant; Target restricts it
	// to one.
	Exclude string `json:"-"`
	Target  string `json:"-"`
}

func (m Message) visibleTo(participantID string) bool {
	if m.Exclude != "" && m.Exclude == participantID {
		return false
	}
	return m.Target == "" || m.Target == participantID
}

type EventType string

const (
	EventSessionCreated    EventType = "session_created"
	EventParticipantJoined EventType = "participant_joined"
	EventParticipantLeft   EventType = "participant_left"
	EventConflictDetected  EventType = "conflict_detected"
	EventConflictResolved  EventType = "conflict_resolved"
	EventSessionClosed     EventType = "session_closed"
	EventDocumentSaved     EventType = "document_saved"
)

type Event struct {
	ID            string            `json:"id"`
	Type          EventType         `json:"type"`
	DocumentID    string            `json:"documentId"`
	SessionID     string            `json:"sessionId"`
	ParticipantID string            `json:"participantId,omitempty"`
	ConflictID    string            `json:"conflictId,omitempty"`
	Strategy      conflict.Strategy `json:"strategy,omitempty"`
	Sequence      int64             `json:"sequence,omitempty"`
	At            time.Time         `json:"at"`
}

// DocumentStore loads the seed text of a new session and receives explicit
// saves.
type DocumentStore interface {
	Load(ctx context.Context, documentID string) (string, error)
	Save(ctx context.Context, documentID, text string) error
}

// Notifier receives lifecycle events. Notify must not block.
type Notifier interface {
	Notify(event Event)
}

// PresenceMirror copies presence to a shared store so other nodes and
// dashboards can read it.
type PresenceMirror interface {
	SetPresence(ctx context.Context, documentID string, presence Presence) error
	RemovePresence(ctx context.Context, documentID, participantID string) error
}

// Lease makes a node the only host of a document's active session.
type Lease interface {
	Acquire(ctx context.Context, documentID, owner string) (bool, error)
	Refresh(ctx context.Context, documentID, owner string) (bool, error)
	Release(ctx context.Context, documentID, owner string) error
}

// Relay forwards every published message off-node. Forward must not block.
type Relay interface {
	Forward(msg Message)
}

// MemoryStore is a DocumentStore backed by a map.
type MemoryStore struct {
	mu    sync.Mutex
	texts map[string]string
	saves int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{texts: make(map[string]string)}
}

func (m *MemoryStore) Load(_ context.Context, documentID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.texts[documentID], nil
}

func (m *MemoryStore) Save(_ context.Context, documentID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts[documentID] = text
	m.saves++
	return nil
}

// Saves reports how many times Save has been called.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
