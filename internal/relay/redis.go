// Package relay copies session broadcasts onto Redis pub/sub so nodes that
// do not host a document can still follow it.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"cowrite/api/internal/collab"

	"github.com/redis/go-redis/v9"
)

const (
	defaultQueueSize = 1024
	publishTimeout   = 2 * time.Second
)

// Envelope is the payload published for every relayed message.
type Envelope struct {
	NodeID  string         `json:"nodeId"`
	Message collab.Message `json:"message"`
}

// RedisRelay implements collab.Relay. Forward queues the message and a
// single worker publishes in order; a full queue drops messages.
type RedisRelay struct {
	client *redis.Client
	prefix string
	nodeID string

	queue chan collab.Message
	wg    sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	dropped int64
}

func NewRedisRelay(client *redis.Client, nodeID string, queueSize int) *RedisRelay {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	r := &RedisRelay{
		client: client,
		prefix: "cowrite:relay:",
		nodeID: nodeID,
		queue:  make(chan collab.Message, queueSize),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

func (r *RedisRelay) channel(documentID string) string {
	return r.prefix + documentID
}

// Forward skips messages addressed to a single participant; they only make
// sense on the node that holds that participant's connection.
func (r *RedisRelay) Forward(msg collab.Message) {
	if msg.Target != "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- msg:
	default:
		r.dropped++
		log.Printf("relay: queue full, dropped %s offset %d for %s", msg.Type, msg.Offset, msg.DocumentID)
	}
}

// Dropped reports how many messages were discarded because the queue was full.
func (r *RedisRelay) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *RedisRelay) run() {
	defer r.wg.Done()
	for msg := range r.queue {
		data, err := json.Marshal(Envelope{NodeID: r.nodeID, Message: msg})
		if err != nil {
			log.Printf("relay: marshal %s: %v", msg.Type, err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := r.client.Publish(ctx, r.channel(msg.DocumentID), data).Err(); err != nil {
			log.Printf("relay: publish to %s: %v", msg.DocumentID, err)
		}
		cancel()
	}
}

// Close stops accepting messages and waits for the queue to drain.
func (r *RedisRelay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	r.wg.Wait()
}

// Listener receives the relayed messages of one document.
type Listener struct {
	pubsub *redis.PubSub
	ch     chan Envelope
	done   chan struct{}
}

// Listen subscribes to documentID's channel. The subscription is confirmed
// before Listen returns, so no later publish is missed.
func (r *RedisRelay) Listen(ctx context.Context, documentID string) (*Listener, error) {
	pubsub := r.client.Subscribe(ctx, r.channel(documentID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", documentID, err)
	}
	l := &Listener{pubsub: pubsub, ch: make(chan Envelope, defaultQueueSize), done: make(chan struct{})}
	go l.run()
	return l, nil
}

func (l *Listener) run() {
	defer close(l.ch)
	for raw := range l.pubsub.Channel() {
		var env Envelope
		if err := json.Unmarshal([]byte(raw.Payload), &env); err != nil {
			log.Printf("relay: decode message on %s: %v", raw.Channel, err)
			continue
		}
		select {
		case l.ch <- env:
		case <-l.done:
			return
		}
	}
}

func (l *Listener) Messages() <-chan Envelope {
	return l.ch
}

func (l *Listener) Close() error {
	select {
	case <-l.done:
		return nil
	default:
		close(l.done)
	}
	return l.pubsub.Close()
}
