package collab

import (
	"context"
	"sync"
	"testing"
	"time"

	"cowrite/api/internal/ot"
	"cowrite/api/internal/rbac"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Notify(event Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) types() []EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]EventType, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Type)
	}
	return out
}

func (n *recordingNotifier) count(t EventType) int {
	total := 0
	for _, got := range n.types() {
		if got == t {
			total++
		}
	}
	return total
}

type fakeStore struct {
	mu    sync.Mutex
	texts map[string]string
	loads int
	load  func(documentID string) (string, error)
}

func (f *fakeStore) Load(_ context.Context, documentID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.load != nil {
		return f.load(documentID)
	}
	return f.texts[documentID], nil
}

func (f *fakeStore) Save(_ context.Context, documentID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.texts == nil {
		f.texts = map[string]string{}
	}
	f.texts[documentID] = text
	return nil
}

func editor(id string) Participant {
	return Participant{ID: id, DisplayName: id, Color: "#3366ff", Role: rbac.RoleEditor}
}

func insertOp(origin string, base int64, pos int, text string) ot.Operation {
	return ot.Operation{Kind: ot.Insert, Position: pos, Payload: text, OriginID: origin, Base: base}
}

func deleteOp(origin string, base int64, pos int, text string) ot.Operation {
	return ot.Operation{Kind: ot.Delete, Position: pos, Payload: text, OriginID: origin, Base: base}
}

// replica is a client-side buffer fed only by a subscription.
type replica struct {
	text     string
	revision int64
	offset   int64
	received []Message
}

func (r *replica) apply(t *testing.T, msg Message) {
	t.Helper()
	r.received = append(r.received, msg)
	r.offset = msg.Offset
	switch msg.Type {
	case MessageResync:
		r.text = msg.Snapshot.Text
		r.revision = msg.Snapshot.Revision
	case MessageOperation, MessageAck, MessageResolution:
		if msg.Revision != r.revision+1 {
			return
		}
		text, err := ot.ApplyAll(r.text, msg.Effect)
		if err != nil {
			t.Fatalf("replica apply %s at offset %d: %v", msg.Type, msg.Offset, err)
		}
		r.text = text
		r.revision = msg.Revision
	}
}

// drain applies every message already queued on sub.
func (r *replica) drain(t *testing.T, sub *Subscription) {
	t.Helper()
	for {
		select {
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			r.apply(t, msg)
		default:
			return
		}
	}
}

func next(t *testing.T, sub *Subscription) Message {
	t.Helper()
	select {
	case msg, ok := <-sub.Messages():
		if !ok {
			t.Fatalf("subscription for %s closed: %v", sub.ParticipantID(), sub.Err())
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a message for %s", sub.ParticipantID())
	}
	return Message{}
}

func join(t *testing.T, reg *Registry, documentID string, p Participant) *Session {
	t.Helper()
	s, err := reg.CreateOrJoin(context.Background(), documentID, p)
	if err != nil {
		t.Fatalf("join %s: %v", p.ID, err)
	}
	return s
}

func subscribe(t *testing.T, s *Session, participantID string) *Subscription {
	t.Helper()
	sub, err := s.Subscribe(context.Background(), participantID, -1)
	if err != nil {
		t.Fatalf("subscribe %s: %v", participantID, err)
	}
	return sub
}

func submit(t *testing.T, s *Session, op ot.Operation) int64 {
	t.Helper()
	seq, err := s.Submit(context.Background(), op)
	if err != nil {
		t.Fatalf("submit %+v: %v", op, err)
	}
	return seq
}

func snapshot(t *testing.T, s *Session) Snapshot {
	t.Helper()
	snap, err := s.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return snap
}

func onlyConflict(t *testing.T, s *Session) Conflict {
	t.Helper()
	conflicts, err := s.Conflicts(context.Background())
	if err != nil {
		t.Fatalf("conflicts: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("expected one conflict, got %+v", conflicts)
	}
	return conflicts[0]
}

func replayJournal(t *testing.T, s *Session) string {
	t.Helper()
	journal, err := s.Journal(context.Background())
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	var ops []ot.Operation
	for _, commit := range journal {
		ops = append(ops, commit.Ops...)
	}
	text, err := ot.Replay(ops)
	if err != nil {
		t.Fatalf("replay journal: %v", err)
	}
	return text
}
