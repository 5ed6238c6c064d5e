package collab

import (
	"log"
	"sync"

	"cowrite/api/internal/metrics"
)

const (
	defaultWindow    = 1024
	defaultQueueSize = 256
)

// Subscription is one participant's ordered view of a session's messages.
// The channel closes when the subscription ends; Err reports why.
type Subscription struct {
	participantID string
	ch            chan Message

	mu   sync.Mutex
	err  error
	done bool
}

func newSubscription(participantID string, size int) *Subscription {
	return &Subscription{participantID: participantID, ch: make(chan Message, size)}
}

func (s *Subscription) ParticipantID() string {
	return s.participantID
}

func (s *Subscription) Messages() <-chan Message {
	return s.ch
}

// Err is nil while the subscription is open or after it was replaced by a
// newer subscription for the same participant.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) end(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	s.err = err
	close(s.ch)
}

// Broadcaster fans a session's messages out to per-participant queues and
// retains the most recent ones for reconnecting subscribers. Publishing never
// blocks: a subscriber whose queue is full is dropped as lagged.
type Broadcaster struct {
	documentID string
	window     int
	queueSize  int
	relay      Relay
	metrics    *metrics.Metrics

	mu       sync.Mutex
	offset   int64
	retained []Message
	subs     map[string]*Subscription
	closed   bool
}

func NewBroadcaster(documentID string, window, queueSize int, relay Relay, m *metrics.Metrics) *Broadcaster {
	if window <= 0 {
		window = defaultWindow
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Broadcaster{
		documentID: documentID,
		window:     window,
		queueSize:  queueSize,
		relay:      relay,
		metrics:    m,
		subs:       make(map[string]*Subscription),
	}
}

// Publish assigns msg the next offset, retains it and delivers it to every
// subscriber allowed to see it.
func (b *Broadcaster) Publish(msg Message) Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.offset++
	msg.Offset = b.offset
	msg.DocumentID = b.documentID
	b.retained = append(b.retained, msg)
	if len(b.retained) > b.window {
		b.retained = b.retained[len(b.retained)-b.window:]
	}

	for participantID, sub := range b.subs {
		if msg.visibleTo(participantID) {
			b.deliver(sub, msg)
		}
	}
	if b.relay != nil {
		b.relay.Forward(msg)
	}
	return msg
}

func (b *Broadcaster) deliver(sub *Subscription, msg Message) {
	select {
	case sub.ch <- msg:
	default:
		delete(b.subs, sub.participantID)
		sub.end(ErrLagged)
		b.metrics.Lagged()
		log.Printf("collab: subscriber %s on %s lagged at offset %d", sub.participantID, b.documentID, msg.Offset)
	}
}

// Subscribe registers participantID, replacing any earlier subscription it
// held. Retained messages after since are replayed first. When since is
// negative, outside the window, or the backlog would not fit the queue, the
// subscriber instead starts with a resync message built from snapshot.
func (b *Broadcaster) Subscribe(participantID string, since int64, snapshot func() Snapshot) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newSubscription(participantID, b.queueSize)
	if b.closed {
		sub.end(ErrSessionClosed)
		return sub
	}
	if previous, ok := b.subs[participantID]; ok {
		previous.end(nil)
	}
	b.subs[participantID] = sub

	backlog, ok := b.backlog(participantID, since)
	if !ok || len(backlog) > b.queueSize {
		snap := snapshot()
		sub.ch <- Message{
			Offset:     b.offset,
			Type:       MessageResync,
			DocumentID: b.documentID,
			Snapshot:   &snap,
			Target:     participantID,
		}
		return sub
	}
	for _, msg := range backlog {
		sub.ch <- msg
	}
	return sub
}

func (b *Broadcaster) backlog(participantID string, since int64) ([]Message, bool) {
	if since < 0 || since > b.offset {
		return nil, false
	}
	if since == b.offset {
		return nil, true
	}
	oldest := b.offset - int64(len(b.retained)) + 1
	if since+1 < oldest {
		return nil, false
	}
	var out []Message
	for _, msg := range b.retained[since+1-oldest:] {
		if msg.visibleTo(participantID) {
			out = append(out, msg)
		}
	}
	return out, true
}

// Unsubscribe ends participantID's subscription with err.
func (b *Broadcaster) Unsubscribe(participantID string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[participantID]; ok {
		delete(b.subs, participantID)
		sub.end(err)
	}
}

// Close ends every subscription with err. Later subscribers are ended
// immediately.
func (b *Broadcaster) Close(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for participantID, sub := range b.subs {
		delete(b.subs, participantID)
		sub.end(err)
	}
}

func (b *Broadcaster) Offset() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.offset
}
