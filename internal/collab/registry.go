package collab

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"cowrite/api/internal/util"
)

const (
	defaultHeartbeatTimeout = 30 * time.Second
	leaseReleaseTimeout     = 5 * time.Second
)

type RegistryConfig struct {
	SessionConfig

	// NodeID owns the document leases taken by this registry.
	NodeID string
	Lease  Lease
	// HeartbeatTimeout is how long a participant may stay silent before the
	// reaper removes it.
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
}

// Registry maps document ids to their single active session.
type Registry struct {
	cfg RegistryConfig

	mu      sync.Mutex
	entries map[string]*entry
}

// entry is a registry slot. ready closes once session or err is set.
type entry struct {
	ready   chan struct{}
	session *Session
	err     error
}

func NewRegistry(cfg RegistryConfig) *Registry {
	cfg.SessionConfig = cfg.SessionConfig.withDefaults()
	if cfg.NodeID == "" {
		cfg.NodeID = util.NewID("node")
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.HeartbeatTimeout / 3
	}
	return &Registry{cfg: cfg, entries: make(map[string]*entry)}
}

func (r *Registry) NodeID() string {
	return r.cfg.NodeID
}

// CreateOrJoin adds p to the active session for documentID, creating and
// seeding one when there is none. Concurrent callers for the same document
// all end up in the same session.
func (r *Registry) CreateOrJoin(ctx context.Context, documentID string, p Participant) (*Session, error) {
	if documentID == "" {
		return nil, errors.New("create or join session: document id is required")
	}
	for {
		r.mu.Lock()
		e, ok := r.entries[documentID]
		if !ok {
			e = &entry{ready: make(chan struct{})}
			r.entries[documentID] = e
			r.mu.Unlock()
			return r.create(ctx, documentID, e, p)
		}
		r.mu.Unlock()

		select {
		case <-e.ready:
		default:
			r.cfg.Metrics.SessionRace()
			select {
			case <-e.ready:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if e.err != nil {
			return nil, e.err
		}

		_, err := e.session.Join(ctx, p)
		if errors.Is(err, ErrSessionClosed) {
			r.forget(documentID, e.session)
			continue
		}
		if err != nil {
			return nil, err
		}
		return e.session, nil
	}
}

func (r *Registry) create(ctx context.Context, documentID string, e *entry, p Participant) (*Session, error) {
	s, err := r.open(ctx, documentID, p)

	r.mu.Lock()
	if err != nil {
		delete(r.entries, documentID)
	}
	e.session, e.err = s, err
	r.mu.Unlock()
	close(e.ready)
	return s, err
}

func (r *Registry) open(ctx context.Context, documentID string, p Participant) (*Session, error) {
	if r.cfg.Lease != nil {
		ok, err := r.cfg.Lease.Acquire(ctx, documentID, r.cfg.NodeID)
		if err != nil {
			return nil, fmt.Errorf("acquire lease for %s: %w", documentID, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrDocumentLeased, documentID)
		}
	}

	seed := ""
	if r.cfg.Store != nil {
		text, err := r.cfg.Store.Load(ctx, documentID)
		if err != nil {
			r.releaseLease(documentID)
			return nil, fmt.Errorf("load document %s: %w", documentID, err)
		}
		seed = text
	}

	s := newSession(documentID, seed, r.cfg.SessionConfig, r.closed)
	if _, err := s.Join(ctx, p); err != nil {
		// The session has no participants yet, so it is closed directly.
		_ = s.Close(context.Background())
		return nil, err
	}
	log.Printf("collab: session %s opened for %s", s.ID(), documentID)
	return s, nil
}

// closed runs on the session goroutine once a session closes.
func (r *Registry) closed(s *Session) {
	r.forget(s.DocumentID(), s)
	r.releaseLease(s.DocumentID())
	log.Printf("collab: session %s closed for %s", s.ID(), s.DocumentID())
}

func (r *Registry) forget(documentID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[documentID]; ok && e.session == s {
		delete(r.entries, documentID)
	}
}

func (r *Registry) releaseLease(documentID string) {
	if r.cfg.Lease == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), leaseReleaseTimeout)
		defer cancel()
		if err := r.cfg.Lease.Release(ctx, documentID, r.cfg.NodeID); err != nil {
			log.Printf("collab: release lease for %s: %v", documentID, err)
		}
	}()
}

// Get returns the active session for documentID, if any.
func (r *Registry) Get(documentID string) (*Session, bool) {
	r.mu.Lock()
	e, ok := r.entries[documentID]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-e.ready:
	default:
		return nil, false
	}
	if e.session == nil || e.session.Closed() {
		return nil, false
	}
	return e.session, true
}

// ListActive is advisory: the answer can change before CreateOrJoin runs.
func (r *Registry) ListActive(documentID string) []*Session {
	if s, ok := r.Get(documentID); ok {
		return []*Session{s}
	}
	return []*Session{}
}

// Sessions returns every active session.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	var out []*Session
	for _, e := range entries {
		select {
		case <-e.ready:
		default:
			continue
		}
		if e.session != nil && !e.session.Closed() {
			out = append(out, e.session)
		}
	}
	return out
}

// Leave removes a participant from session. The last leave closes the
// session and frees the document's slot.
func (r *Registry) Leave(ctx context.Context, s *Session, participantID string) error {
	return s.Leave(ctx, participantID)
}

// Sweep removes participants whose heartbeat is older than the timeout and
// renews document leases. Sessions whose lease was taken over are closed.
func (r *Registry) Sweep(ctx context.Context) {
	cutoff := r.cfg.Now().Add(-r.cfg.HeartbeatTimeout)
	for _, s := range r.Sessions() {
		expired, err := s.Expire(ctx, cutoff)
		if err != nil && !errors.Is(err, ErrSessionClosed) {
			log.Printf("collab: sweep %s: %v", s.DocumentID(), err)
			continue
		}
		for _, id := range expired {
			log.Printf("collab: participant %s timed out on %s", id, s.DocumentID())
		}
		if r.cfg.Lease == nil || s.Closed() {
			continue
		}
		held, err := r.cfg.Lease.Refresh(ctx, s.DocumentID(), r.cfg.NodeID)
		if err != nil {
			log.Printf("collab: refresh lease for %s: %v", s.DocumentID(), err)
			continue
		}
		if !held {
			log.Printf("collab: lease for %s lost, closing session %s", s.DocumentID(), s.ID())
			_ = s.Close(ctx)
		}
	}
}

// Run sweeps on SweepInterval until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Close closes every active session.
func (r *Registry) Close(ctx context.Context) {
	for _, s := range r.Sessions() {
		if err := s.Close(ctx); err != nil {
			log.Printf("collab: close session %s: %v", s.ID(), err)
		}
	}
}
