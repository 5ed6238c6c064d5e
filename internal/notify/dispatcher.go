// Package notify fans collaboration lifecycle events out to sinks without
// ever blocking the session that emitted them.
package notify

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"cowrite/api/internal/collab"
)

const (
	defaultQueueSize = 512
	sinkTimeout      = 5 * time.Second
)

// Sink receives events one at a time from the dispatcher's worker.
type Sink interface {
	Name() string
	Handle(ctx context.Context, event collab.Event) error
}

// Dispatcher implements collab.Notifier. Events are queued and delivered to
// every sink in order by a single worker; when the queue is full the event
// is dropped.
type Dispatcher struct {
	sinks []Sink
	queue chan collab.Event
	wg    sync.WaitGroup

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

func NewDispatcher(queueSize int, sinks ...Sink) *Dispatcher {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	d := &Dispatcher{
		sinks: sinks,
		queue: make(chan collab.Event, queueSize),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) Notify(event collab.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- event:
	default:
		d.dropped.Add(1)
		log.Printf("notify: queue full, dropped %s for %s", event.Type, event.DocumentID)
	}
}

// Dropped reports how many events were discarded.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for event := range d.queue {
		for _, sink := range d.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
			if err := sink.Handle(ctx, event); err != nil {
				log.Printf("notify: %s sink failed for %s %s: %v", sink.Name(), event.Type, event.ID, err)
			}
			cancel()
		}
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

// LogSink writes one line per event to the standard logger.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Handle(_ context.Context, e collab.Event) error {
	switch {
	case e.ConflictID != "":
		log.Printf("notify: %s doc=%s session=%s conflict=%s strategy=%s", e.Type, e.DocumentID, e.SessionID, e.ConflictID, e.Strategy)
	case e.ParticipantID != "":
		log.Printf("notify: %s doc=%s session=%s participant=%s", e.Type, e.DocumentID, e.SessionID, e.ParticipantID)
	default:
		log.Printf("notify: %s doc=%s session=%s seq=%d", e.Type, e.DocumentID, e.SessionID, e.Sequence)
	}
	return nil
}
