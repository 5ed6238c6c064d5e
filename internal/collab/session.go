package collab

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"
	"unicode/utf8"

	"cowrite/api/internal/conflict"
	"cowrite/api/internal/metrics"
	"cowrite/api/internal/ot"
	"cowrite/api/internal/rbac"
	"cowrite/api/internal/util"
)

const mirrorTimeout = 2 * time.Second

type SessionConfig struct {
	Store    DocumentStore
	Notifier Notifier
	Mirror   PresenceMirror
	Relay    Relay
	Metrics  *metrics.Metrics

	// Window is how many messages are retained for reconnecting subscribers.
	Window int
	// QueueSize bounds each subscriber's outbound queue.
	QueueSize int
	// AutoResolve, when set, resolves every new conflict immediately with
	// this strategy. Otherwise conflicts wait for a participant.
	AutoResolve conflict.Strategy
	Now         func() time.Time
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.Window <= 0 {
		c.Window = defaultWindow
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Session is the authoritative state of one document. A single goroutine
// owns every field below inbox; the exported methods hand it closures and
// wait for them to run.
type Session struct {
	id         string
	documentID string
	cfg        SessionConfig
	broadcast  *Broadcaster
	onClose    func(*Session)

	inbox   chan func()
	stopped chan struct{}

	status       Status
	buffer       string
	sequence     int64
	log          []ot.Operation
	history      conflict.History
	participants map[string]*Participant
	presence     map[string]Presence
	conflicts    []*Conflict
}

// NewSession starts a session seeded with text. It has no participants until
// the first Join and closes when the last participant leaves.
func NewSession(documentID, seed string, cfg SessionConfig) *Session {
	return newSession(documentID, seed, cfg, nil)
}

func newSession(documentID, seed string, cfg SessionConfig, onClose func(*Session)) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		id:           util.NewID("ses"),
		documentID:   documentID,
		cfg:          cfg,
		broadcast:    NewBroadcaster(documentID, cfg.Window, cfg.QueueSize, cfg.Relay, cfg.Metrics),
		onClose:      onClose,
		inbox:        make(chan func()),
		stopped:      make(chan struct{}),
		status:       StatusActive,
		buffer:       seed,
		participants: make(map[string]*Participant),
		presence:     make(map[string]Presence),
	}
	if seed != "" {
		s.history = conflict.History{{
			Revision: 1,
			Ops:      []ot.Operation{{Kind: ot.Insert, Position: 0, Payload: seed}},
		}}
	}
	s.cfg.Metrics.SessionOpened()
	s.notify(Event{Type: EventSessionCreated})
	go s.run()
	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) DocumentID() string {
	return s.documentID
}

// Done is closed once the session has closed.
func (s *Session) Done() <-chan struct{} {
	return s.stopped
}

func (s *Session) Closed() bool {
	select {
	case <-s.stopped:
		return true
	default:
		return false
	}
}

func (s *Session) run() {
	defer close(s.stopped)
	for fn := range s.inbox {
		fn()
		if s.status == StatusClosed {
			return
		}
	}
}

// call runs fn on the session goroutine. If ctx ends after fn was handed
// over, fn still runs; only the wait is abandoned.
func (s *Session) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	task := func() {
		defer close(done)
		fn()
	}
	select {
	case s.inbox <- task:
	case <-s.stopped:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Join admits a participant, or refreshes one that is already present, and
// returns the snapshot it should start from. An empty role joins as editor.
func (s *Session) Join(ctx context.Context, p Participant) (Snapshot, error) {
	var snap Snapshot
	var err error
	if callErr := s.call(ctx, func() { snap, err = s.join(p) }); callErr != nil {
		return Snapshot{}, callErr
	}
	return snap, err
}

func (s *Session) join(p Participant) (Snapshot, error) {
	if p.ID == "" {
		return Snapshot{}, fmt.Errorf("%w: participant id is required", ErrUnknownParticipant)
	}
	if p.Role == "" {
		p.Role = rbac.RoleEditor
	}
	now := s.cfg.Now()
	if existing, ok := s.participants[p.ID]; ok {
		existing.DisplayName = p.DisplayName
		existing.Color = p.Color
		existing.Role = p.Role
		existing.LastSeen = now
		return s.snapshot(), nil
	}

	p.JoinedAt = now
	p.LastSeen = now
	s.participants[p.ID] = &p
	joined := p
	s.broadcast.Publish(Message{Type: MessageParticipantJoined, Participant: &joined, Exclude: p.ID})
	s.notify(Event{Type: EventParticipantJoined, ParticipantID: p.ID})
	return s.snapshot(), nil
}

// Leave removes a participant. The last leave closes the session.
func (s *Session) Leave(ctx context.Context, participantID string) error {
	var err error
	if callErr := s.call(ctx, func() {
		if _, ok := s.participants[participantID]; !ok {
			err = ErrUnknownParticipant
			return
		}
		s.remove(participantID, "left", nil)
	}); callErr != nil {
		return callErr
	}
	return err
}

// Heartbeat marks a participant as alive.
func (s *Session) Heartbeat(ctx context.Context, participantID string) error {
	var err error
	if callErr := s.call(ctx, func() {
		p, ok := s.participants[participantID]
		if !ok {
			err = ErrUnknownParticipant
			return
		}
		p.LastSeen = s.cfg.Now()
	}); callErr != nil {
		return callErr
	}
	return err
}

// Expire removes every participant not seen since cutoff and returns their
// ids.
func (s *Session) Expire(ctx context.Context, cutoff time.Time) ([]string, error) {
	var expired []string
	if err := s.call(ctx, func() {
		for id, p := range s.participants {
			if p.LastSeen.Before(cutoff) {
				expired = append(expired, id)
			}
		}
		sort.Strings(expired)
		for _, id := range expired {
			if s.status == StatusClosed {
				break
			}
			s.remove(id, "timeout", ErrTransportLoss)
		}
	}); err != nil {
		return nil, err
	}
	return expired, nil
}

func (s *Session) remove(participantID, reason string, subErr error) {
	p := *s.participants[participantID]
	delete(s.participants, participantID)
	delete(s.presence, participantID)
	s.broadcast.Unsubscribe(participantID, subErr)
	s.broadcast.Publish(Message{Type: MessageParticipantLeft, Participant: &p, Reason: reason})
	s.notify(Event{Type: EventParticipantLeft, ParticipantID: participantID})
	s.mirror(func(ctx context.Context, m PresenceMirror) error {
		return m.RemovePresence(ctx, s.documentID, participantID)
	})
	if len(s.participants) == 0 {
		s.close()
	}
}

// Close ends the session regardless of who is still connected.
func (s *Session) Close(ctx context.Context) error {
	err := s.call(ctx, s.close)
	if errors.Is(err, ErrSessionClosed) {
		return nil
	}
	return err
}

func (s *Session) close() {
	if s.status == StatusClosed {
		return
	}
	s.status = StatusClosed
	s.broadcast.Close(ErrSessionClosed)
	s.cfg.Metrics.SessionClosed()
	s.notify(Event{Type: EventSessionClosed})
	if s.onClose != nil {
		s.onClose(s)
	}
}

// Submit sequences op and either commits it or, when it overlaps an edit
// its originator had not seen, withholds it in a conflict. The assigned
// sequence is returned in both cases.
func (s *Session) Submit(ctx context.Context, op ot.Operation) (int64, error) {
	var seq int64
	var err error
	if callErr := s.call(ctx, func() { seq, err = s.submit(op) }); callErr != nil {
		return 0, callErr
	}
	return seq, err
}

func (s *Session) submit(op ot.Operation) (int64, error) {
	p, ok := s.participants[op.OriginID]
	if !ok {
		return 0, ErrUnknownParticipant
	}
	if !rbac.Can(p.Role, rbac.ActionWrite) {
		return 0, fmt.Errorf("submit operation: %w", ErrForbidden)
	}
	if err := op.Validate(); err != nil {
		return 0, err
	}
	head := s.history.Head()
	if op.Base > head {
		return 0, fmt.Errorf("%w: base revision %d is ahead of head %d", ot.ErrInvalidOperation, op.Base, head)
	}
	p.LastSeen = s.cfg.Now()

	detection := conflict.Detect(op, s.history)
	target := s.conflictWithPending(op.OriginID)
	if target == nil {
		target = s.conflictTouching(detection)
	}

	var next string
	if target == nil && !detection.Conflicted() {
		var err error
		next, err = ot.ApplyAll(s.buffer, detection.Rebased)
		if err != nil {
			concurrent := s.concurrentCommits(op)
			if len(concurrent) == 0 {
				log.Printf("collab: rejected stale %s from %s on %s at base %d: %v", op.Kind, op.OriginID, s.documentID, op.Base, err)
				s.resync(op.OriginID)
				return 0, fmt.Errorf("submit operation: %w", err)
			}
			detection.Overlapping = concurrent
		}
	}

	s.sequence++
	op.Sequence = s.sequence
	s.log = append(s.log, op)
	s.cfg.Metrics.Operation(string(op.Kind))
	logged := op

	if target == nil && !detection.Conflicted() {
		revision := head + 1
		s.history = append(s.history, conflict.Commit{
			Revision: revision,
			Sequence: op.Sequence,
			OriginID: op.OriginID,
			Ops:      detection.Rebased,
		})
		s.buffer = next
		s.broadcast.Publish(Message{Type: MessageOperation, Operation: &logged, Effect: detection.Rebased, Sequence: op.Sequence, Revision: revision, Exclude: op.OriginID})
		s.broadcast.Publish(Message{Type: MessageAck, Operation: &logged, Effect: detection.Rebased, Sequence: op.Sequence, Revision: revision, Target: op.OriginID})
		return op.Sequence, nil
	}

	s.broadcast.Publish(Message{Type: MessageOperation, Operation: &logged, Sequence: op.Sequence, Revision: head, Exclude: op.OriginID})
	s.broadcast.Publish(Message{Type: MessageAck, Operation: &logged, Sequence: op.Sequence, Revision: head, Target: op.OriginID, Reason: "conflict"})

	if target != nil {
		s.extendConflict(target, op, detection.Overlapping)
		s.publishConflict(target)
		return op.Sequence, nil
	}

	c := s.openConflict(op, detection.Overlapping)
	s.publishConflict(c)
	s.notify(Event{Type: EventConflictDetected, ConflictID: c.ID, ParticipantID: op.OriginID, Sequence: op.Sequence})
	s.cfg.Metrics.ConflictDetected()
	log.Printf("collab: conflict %s on %s at %d+%d", c.ID, s.documentID, c.Position, c.Length)

	if s.cfg.AutoResolve != "" {
		c.State = ConflictAutoResolving
		if _, err := s.resolve(c, "", nil, func(in conflict.Input) (conflict.Plan, error) {
			return conflict.PlanStrategy(in, s.cfg.AutoResolve)
		}); err != nil {
			log.Printf("collab: auto-resolve %s with %s: %v", c.ID, s.cfg.AutoResolve, err)
			if !c.Resolved() {
				c.State = ConflictAwaitingManual
			}
		}
		return op.Sequence, nil
	}
	c.State = ConflictAwaitingManual
	return op.Sequence, nil
}

// conflictWithPending returns the open conflict already withholding an edit
// from originID. Later edits from the same originator build on it and wait
// with it.
func (s *Session) conflictWithPending(originID string) *Conflict {
	for _, c := range s.conflicts {
		if c.Resolved() {
			continue
		}
		for _, competitor := range c.Competitors {
			if competitor.Pending() && competitor.Op.OriginID == originID {
				return c
			}
		}
	}
	return nil
}

// conflictTouching returns the open conflict that already holds one of the
// overlapping commits, or whose withheld edits the rebased operation
// overlaps.
func (s *Session) conflictTouching(detection conflict.Detection) *Conflict {
	overlapping := make(map[int64]bool, len(detection.Overlapping))
	for _, commit := range detection.Overlapping {
		overlapping[commit.Revision] = true
	}
	for _, c := range s.conflicts {
		if c.Resolved() {
			continue
		}
		for _, competitor := range c.Competitors {
			if !competitor.Pending() {
				if overlapping[competitor.Revision] {
					return c
				}
				continue
			}
			if len(detection.Rebased) > 0 && competitor.Op.OriginID != detection.Rebased[0].OriginID &&
				ot.OverlapsAny(detection.Rebased, conflict.Rebase(competitor.Op, s.history, nil)) {
				return c
			}
		}
	}
	return nil
}

func (s *Session) concurrentCommits(op ot.Operation) []conflict.Commit {
	var out []conflict.Commit
	for _, commit := range s.history.After(op.Base) {
		if commit.Sequence != 0 && conflict.Concurrent(op, commit) {
			out = append(out, commit)
		}
	}
	return out
}

func (s *Session) openConflict(op ot.Operation, commits []conflict.Commit) *Conflict {
	c := &Conflict{
		ID:               util.NewID("cfl"),
		DocumentID:       s.documentID,
		State:            ConflictDetected,
		TriggeredBy:      op.OriginID,
		DetectedRevision: s.history.Head(),
		DetectedAt:       s.cfg.Now(),
	}
	s.extendConflict(c, op, commits)
	s.conflicts = append(s.conflicts, c)
	return c
}

func (s *Session) extendConflict(c *Conflict, op ot.Operation, commits []conflict.Commit) {
	c.Competitors = append(c.Competitors, conflict.Competitor{Op: op})
	s.addCommits(c, commits)
}

func (s *Session) addCommits(c *Conflict, commits []conflict.Commit) {
	known := make(map[int64]bool, len(c.Competitors))
	for _, competitor := range c.Competitors {
		if !competitor.Pending() {
			known[competitor.Revision] = true
		}
	}
	for _, commit := range commits {
		if commit.Sequence == 0 || known[commit.Revision] {
			continue
		}
		known[commit.Revision] = true
		c.Competitors = append(c.Competitors, conflict.Competitor{
			Op:       s.log[commit.Sequence-1],
			Revision: commit.Revision,
		})
	}
	conflict.SortCompetitors(c.Competitors)
	if start, end, ok := conflict.Region(s.history, c.Competitors); ok {
		c.Position = start
		c.Length = end - start
	}
}

func (s *Session) publishConflict(c *Conflict) {
	snapshot := c.clone()
	s.broadcast.Publish(Message{Type: MessageConflict, Conflict: &snapshot, Revision: s.history.Head()})
}

// redetect moves a conflict's detection point to the head revision and adds
// the commits that drifted into its region as competitors.
func (s *Session) redetect(c *Conflict, drifted []conflict.Commit) {
	c.DetectedRevision = s.history.Head()
	c.State = ConflictAwaitingManual
	s.addCommits(c, drifted)
	s.publishConflict(c)
}

func (s *Session) findConflict(id string) (*Conflict, error) {
	for _, c := range s.conflicts {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrConflictNotFound, id)
}

// authorize checks that by may resolve conflicts. An empty id stands for the
// session itself.
func (s *Session) authorize(by string, action rbac.Action) error {
	if by == "" {
		return nil
	}
	p, ok := s.participants[by]
	if !ok {
		return ErrUnknownParticipant
	}
	if !rbac.Can(p.Role, action) {
		return ErrForbidden
	}
	return nil
}

func (s *Session) input(c *Conflict, by string) conflict.Input {
	local := c.TriggeredBy
	for _, competitor := range c.Competitors {
		if competitor.Op.OriginID == by {
			local = by
			break
		}
	}
	return conflict.Input{
		Buffer:      s.buffer,
		History:     s.history,
		Competitors: c.Competitors,
		LocalOrigin: local,
	}
}

// resolve commits a planned resolution as one new revision. It is a no-op
// for a resolved conflict and re-detects the conflict when the plan is stale.
func (s *Session) resolve(c *Conflict, by string, manual *ManualResolution, build func(conflict.Input) (conflict.Plan, error)) (ResolveResult, error) {
	if c.Resolved() {
		return ResolveResult{Conflict: c.clone()}, nil
	}
	if drifted := conflict.Drift(s.history, c.Competitors, c.DetectedRevision); len(drifted) > 0 {
		s.redetect(c, drifted)
		return ResolveResult{}, fmt.Errorf("resolve conflict %s: %w", c.ID, ErrResolutionStale)
	}
	plan, err := build(s.input(c, by))
	if err != nil {
		if errors.Is(err, ErrResolutionStale) {
			s.redetect(c, nil)
		}
		return ResolveResult{}, fmt.Errorf("resolve conflict %s: %w", c.ID, err)
	}

	revision := s.history.Head() + 1
	s.history = append(s.history, conflict.Commit{Revision: revision, OriginID: by, Ops: plan.Effect})
	s.buffer = plan.Result

	c.State = ConflictResolved
	c.Resolution = &Resolution{
		Strategy:   plan.Strategy,
		ResolvedBy: by,
		Kept:       plan.Kept,
		Dropped:    plan.Dropped,
		Effect:     plan.Effect,
		Revision:   revision,
		ResolvedAt: s.cfg.Now(),
	}
	if manual != nil {
		c.Resolution.ChosenOriginID = manual.ChosenOriginID
		c.Resolution.CustomText = manual.CustomText
	}

	resolved := c.clone()
	s.broadcast.Publish(Message{Type: MessageResolution, Conflict: &resolved, Effect: plan.Effect, Revision: revision})
	for _, originID := range s.superseded(plan.Dropped) {
		s.broadcast.Publish(Message{Type: MessageSuperseded, Conflict: &resolved, Target: originID, Reason: string(plan.Strategy)})
	}
	s.notify(Event{Type: EventConflictResolved, ConflictID: c.ID, ParticipantID: by, Strategy: plan.Strategy})
	s.cfg.Metrics.ConflictResolved(string(plan.Strategy))
	return ResolveResult{Conflict: resolved, Applied: true}, nil
}

// superseded lists the connected originators of dropped sequences.
func (s *Session) superseded(dropped []int64) []string {
	seen := make(map[string]bool)
	var out []string
	for _, seq := range dropped {
		originID := s.log[seq-1].OriginID
		if seen[originID] {
			continue
		}
		seen[originID] = true
		if _, ok := s.participants[originID]; ok {
			out = append(out, originID)
		}
	}
	return out
}

// ResolveAutomatically resolves a conflict with a named strategy. Resolving
// a resolved conflict returns the existing resolution with Applied false.
func (s *Session) ResolveAutomatically(ctx context.Context, conflictID string, strategy conflict.Strategy, by string) (ResolveResult, error) {
	var result ResolveResult
	var err error
	if callErr := s.call(ctx, func() {
		if err = s.authorize(by, rbac.ActionResolve); err != nil {
			return
		}
		var c *Conflict
		if c, err = s.findConflict(conflictID); err != nil {
			return
		}
		if c.Resolved() {
			result = ResolveResult{Conflict: c.clone()}
			return
		}
		if _, ok := conflict.ParseStrategy(string(strategy)); !ok {
			err = fmt.Errorf("%w: unknown strategy %q", ErrInvalidResolution, strategy)
			return
		}
		c.State = ConflictAutoResolving
		result, err = s.resolve(c, by, nil, func(in conflict.Input) (conflict.Plan, error) {
			return conflict.PlanStrategy(in, strategy)
		})
		if err != nil && !c.Resolved() {
			c.State = ConflictAwaitingManual
		}
	}); callErr != nil {
		return ResolveResult{}, callErr
	}
	return result, err
}

// ResolveManually resolves a conflict with a participant's choice: either
// one originator's edits or custom text replacing the conflict region.
func (s *Session) ResolveManually(ctx context.Context, conflictID, by string, choice ManualResolution) (ResolveResult, error) {
	var result ResolveResult
	var err error
	if callErr := s.call(ctx, func() {
		if err = s.authorize(by, rbac.ActionResolve); err != nil {
			return
		}
		var c *Conflict
		if c, err = s.findConflict(conflictID); err != nil {
			return
		}
		if c.Resolved() {
			result = ResolveResult{Conflict: c.clone()}
			return
		}
		var build func(conflict.Input) (conflict.Plan, error)
		switch {
		case choice.CustomText != nil:
			text := *choice.CustomText
			if !utf8.ValidString(text) {
				err = fmt.Errorf("%w: custom text is not valid utf-8", ErrInvalidResolution)
				return
			}
			build = func(in conflict.Input) (conflict.Plan, error) { return conflict.PlanText(in, text) }
		case choice.ChosenOriginID != "":
			build = func(in conflict.Input) (conflict.Plan, error) { return conflict.PlanChoice(in, choice.ChosenOriginID) }
		default:
			err = fmt.Errorf("%w: choose an originator or supply custom text", ErrInvalidResolution)
			return
		}
		result, err = s.resolve(c, by, &choice, build)
	}); callErr != nil {
		return ResolveResult{}, callErr
	}
	return result, err
}

// Suggestions previews the automatic strategies for a conflict from by's
// point of view. Nothing is committed.
func (s *Session) Suggestions(ctx context.Context, conflictID, by string) ([]conflict.Suggestion, error) {
	var out []conflict.Suggestion
	var err error
	if callErr := s.call(ctx, func() {
		var c *Conflict
		if c, err = s.findConflict(conflictID); err != nil {
			return
		}
		if c.Resolved() {
			out = []conflict.Suggestion{}
			return
		}
		out = conflict.Suggest(s.input(c, by))
	}); callErr != nil {
		return nil, callErr
	}
	return out, err
}

// UpdatePresence records a participant's cursor and selection and relays
// them to everyone else. Offsets beyond the buffer are clamped.
func (s *Session) UpdatePresence(ctx context.Context, participantID string, cursor int, selection *Range) error {
	var err error
	if callErr := s.call(ctx, func() {
		if err = s.authorize(participantID, rbac.ActionPresence); err != nil {
			return
		}
		if participantID == "" {
			err = ErrUnknownParticipant
			return
		}
		size := utf8.RuneCountInString(s.buffer)
		presence := Presence{
			ParticipantID: participantID,
			Cursor:        clamp(cursor, size),
			UpdatedAt:     s.cfg.Now(),
		}
		if selection != nil {
			start, end := clamp(selection.Start, size), clamp(selection.End, size)
			if start > end {
				start, end = end, start
			}
			presence.Selection = &Range{Start: start, End: end}
		}
		s.presence[participantID] = presence
		s.participants[participantID].LastSeen = presence.UpdatedAt
		s.broadcast.Publish(Message{Type: MessagePresence, Presence: &presence, Exclude: participantID})
		s.mirror(func(ctx context.Context, m PresenceMirror) error {
			return m.SetPresence(ctx, s.documentID, presence)
		})
	}); callErr != nil {
		return callErr
	}
	return err
}

func clamp(value, size int) int {
	return max(0, min(value, size))
}

// Snapshot returns the current buffer with the sequence and revision it
// reflects.
func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	if err := s.call(ctx, func() { snap = s.snapshot() }); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func (s *Session) snapshot() Snapshot {
	return Snapshot{Text: s.buffer, Sequence: s.sequence, Revision: s.history.Head()}
}

func (s *Session) resync(participantID string) {
	snap := s.snapshot()
	s.broadcast.Publish(Message{Type: MessageResync, Snapshot: &snap, Revision: snap.Revision, Target: participantID})
}

// Save writes the current buffer to the document store.
func (s *Session) Save(ctx context.Context, by string) (Snapshot, error) {
	if s.cfg.Store == nil {
		return Snapshot{}, errors.New("save document: no document store configured")
	}
	var snap Snapshot
	var err error
	if callErr := s.call(ctx, func() {
		if err = s.authorize(by, rbac.ActionSave); err != nil {
			return
		}
		snap = s.snapshot()
	}); callErr != nil {
		return Snapshot{}, callErr
	}
	if err != nil {
		return Snapshot{}, err
	}
	if err := s.cfg.Store.Save(ctx, s.documentID, snap.Text); err != nil {
		return Snapshot{}, fmt.Errorf("save document %s: %w", s.documentID, err)
	}
	s.notify(Event{Type: EventDocumentSaved, ParticipantID: by, Sequence: snap.Sequence})
	return snap, nil
}

// Subscribe opens participantID's message stream. Messages after since are
// replayed from the retained window; a negative since starts with a resync
// snapshot.
func (s *Session) Subscribe(ctx context.Context, participantID string, since int64) (*Subscription, error) {
	var sub *Subscription
	var err error
	if callErr := s.call(ctx, func() {
		p, ok := s.participants[participantID]
		if !ok {
			err = ErrUnknownParticipant
			return
		}
		p.LastSeen = s.cfg.Now()
		sub = s.broadcast.Subscribe(participantID, since, s.snapshot)
	}); callErr != nil {
		return nil, callErr
	}
	return sub, err
}

func (s *Session) Participants(ctx context.Context) ([]Participant, error) {
	var out []Participant
	if err := s.call(ctx, func() {
		out = make([]Participant, 0, len(s.participants))
		for _, p := range s.participants {
			out = append(out, *p)
		}
	}); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out, nil
}

func (s *Session) Presence(ctx context.Context) ([]Presence, error) {
	var out []Presence
	if err := s.call(ctx, func() {
		out = make([]Presence, 0, len(s.presence))
		for _, p := range s.presence {
			out = append(out, p)
		}
	}); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out, nil
}

// Log returns the sequenced operations after since, including withheld ones.
func (s *Session) Log(ctx context.Context, since int64) ([]ot.Operation, error) {
	var out []ot.Operation
	if err := s.call(ctx, func() {
		since = max(0, min(since, int64(len(s.log))))
		out = append([]ot.Operation{}, s.log[since:]...)
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// Journal returns the commits applied to the buffer. Replaying their
// operations from an empty buffer reproduces the current text.
func (s *Session) Journal(ctx context.Context) (conflict.History, error) {
	var out conflict.History
	if err := s.call(ctx, func() {
		out = append(conflict.History{}, s.history...)
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// TextAt rebuilds the buffer as it was at revision, so whole-buffer edits
// made against an older revision can be diffed.
func (s *Session) TextAt(ctx context.Context, revision int64) (string, error) {
	var text string
	var err error
	if callErr := s.call(ctx, func() {
		if head := s.history.Head(); revision < 0 || revision > head {
			err = fmt.Errorf("%w: revision %d outside [0, %d]", ot.ErrInvalidOperation, revision, head)
			return
		}
		text, err = s.history.Text(revision)
	}); callErr != nil {
		return "", callErr
	}
	return text, err
}

func (s *Session) Conflicts(ctx context.Context) ([]Conflict, error) {
	var out []Conflict
	if err := s.call(ctx, func() {
		out = make([]Conflict, 0, len(s.conflicts))
		for _, c := range s.conflicts {
			out = append(out, c.clone())
		}
	}); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Session) Conflict(ctx context.Context, conflictID string) (Conflict, error) {
	var out Conflict
	var err error
	if callErr := s.call(ctx, func() {
		var c *Conflict
		if c, err = s.findConflict(conflictID); err == nil {
			out = c.clone()
		}
	}); callErr != nil {
		return Conflict{}, callErr
	}
	return out, err
}

func (s *Session) notify(event Event) {
	if s.cfg.Notifier == nil {
		return
	}
	event.ID = util.NewID("evt")
	event.DocumentID = s.documentID
	event.SessionID = s.id
	event.At = s.cfg.Now()
	s.cfg.Notifier.Notify(event)
}

func (s *Session) mirror(fn func(ctx context.Context, m PresenceMirror) error) {
	if s.cfg.Mirror == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if err := fn(ctx, s.cfg.Mirror); err != nil {
			log.Printf("collab: presence mirror for %s: %v", s.documentID, err)
		}
	}()
}
