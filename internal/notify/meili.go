package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"cowrite/api/internal/collab"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxEvents = "cowrite_events"

// MeiliSink indexes events in Meilisearch so operators can search the
// collaboration history. Events arriving while Meilisearch is unhealthy
// are skipped.
type MeiliSink struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeiliSink creates the client and configures the index. An unreachable
// server is not an error; the health loop picks it up when it recovers.
func NewMeiliSink(url, apiKey string, healthInterval time.Duration) *MeiliSink {
	if healthInterval <= 0 {
		healthInterval = 10 * time.Second
	}
	m := &MeiliSink{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		done:   make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		log.Printf("notify: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop(healthInterval)
	return m
}

func (m *MeiliSink) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxEvents,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("notify: create index %s (may already exist): %v", idxEvents, err)
	}

	index := m.client.Index(idxEvents)
	filterable := []interface{}{"documentId", "sessionId", "type", "conflictId", "strategy"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("notify: update filterable attrs for %s: %v", idxEvents, err)
	}
	searchable := []string{"type", "documentId", "participantId", "strategy"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("notify: update searchable attrs for %s: %v", idxEvents, err)
	}
}

func (m *MeiliSink) healthLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("notify: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *MeiliSink) Close() {
	close(m.done)
}

func (m *MeiliSink) Healthy() bool {
	return m.healthy.Load()
}

func (m *MeiliSink) Name() string { return "meilisearch" }

func (m *MeiliSink) Handle(_ context.Context, e collab.Event) error {
	if !m.healthy.Load() {
		return nil
	}
	if _, err := m.client.Index(idxEvents).AddDocuments([]collab.Event{e}, nil); err != nil {
		m.healthy.Store(false)
		return fmt.Errorf("index event: %w", err)
	}
	return nil
}

// SearchEvents runs a full-text query over indexed events, optionally
// restricted to one document.
func (m *MeiliSink) SearchEvents(query, documentID string, limit int) ([]collab.Event, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}
	if limit <= 0 {
		limit = 20
	}
	req := &meili.SearchRequest{Limit: int64(limit)}
	if documentID != "" {
		req.Filter = fmt.Sprintf("documentId = %q", documentID)
	}
	resp, err := m.client.Index(idxEvents).Search(query, req)
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch search: %w", err)
	}

	events := make([]collab.Event, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		raw, err := json.Marshal(hit)
		if err != nil {
			return nil, fmt.Errorf("encode hit: %w", err)
		}
		var e collab.Event
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("decode hit: %w", err)
		}
		events = append(events, e)
	}
	return events, nil
}
