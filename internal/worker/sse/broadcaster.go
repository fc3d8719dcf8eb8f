// Package sse streams pipeline lifecycle events to connected clients over
// Server-Sent Events.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Event is the wire envelope for every broadcast. Type is the event name
// (registry_swapped, family_created, ...) and Data carries the event's
// payload.
type Event struct {
	Type string `json:"type"`
	At   int64  `json:"at"`
	Data any    `json:"data,omitempty"`
}

// Client represents a connected SSE client.
type Client struct {
	ID      string
	Writer  http.ResponseWriter
	Flusher http.Flusher
	Done    chan struct{}
}

// Broadcaster manages SSE clients and event distribution.
type Broadcaster struct {
	clients map[string]*Client
	mu      sync.RWMutex
	nextID  int
}

// NewBroadcaster creates a new SSE broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[string]*Client),
	}
}

// AddClient registers a new SSE client and returns it.
func (b *Broadcaster) AddClient(w http.ResponseWriter) (*Client, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	client := &Client{
		ID:      fmt.Sprintf("client-%d", b.nextID),
		Writer:  w,
		Flusher: flusher,
		Done:    make(chan struct{}),
	}
	b.clients[client.ID] = client

	log.Debug().Str("client_id", client.ID).Int("total", len(b.clients)).Msg("SSE client connected")
	return client, nil
}

// RemoveClient unregisters a client.
func (b *Broadcaster) RemoveClient(client *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeClientLocked(client.ID)
}

func (b *Broadcaster) removeClientLocked(id string) {
	client, ok := b.clients[id]
	if !ok {
		return
	}
	delete(b.clients, id)

	select {
	case <-client.Done:
	default:
		close(client.Done)
	}

	log.Debug().Str("client_id", id).Int("total", len(b.clients)).Msg("SSE client disconnected")
}

// Publish wraps a payload in the event envelope and broadcasts it. It
// satisfies the pipeline's event sink.
func (b *Broadcaster) Publish(event string, payload any) {
	b.Broadcast(Event{
		Type: event,
		At:   time.Now().UnixMilli(),
		Data: payload,
	})
}

// Broadcast sends data to all connected clients. Clients whose connection
// has gone away are dropped.
func (b *Broadcaster) Broadcast(data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal SSE event")
		return
	}
	message := fmt.Sprintf("data: %s\n\n", payload)

	b.mu.RLock()
	snapshot := make([]*Client, 0, len(b.clients))
	for _, client := range b.clients {
		snapshot = append(snapshot, client)
	}
	b.mu.RUnlock()

	var dead []string
	for _, client := range snapshot {
		if _, err := fmt.Fprint(client.Writer, message); err != nil {
			dead = append(dead, client.ID)
			continue
		}
		client.Flusher.Flush()
	}

	if len(dead) > 0 {
		b.mu.Lock()
		for _, id := range dead {
			b.removeClientLocked(id)
		}
		b.mu.Unlock()
	}
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// HandleSSE handles an SSE connection request and blocks until the client
// disconnects.
func (b *Broadcaster) HandleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	client, err := b.AddClient(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer b.RemoveClient(client)

	greeting, _ := json.Marshal(Event{
		Type: "connected",
		At:   time.Now().UnixMilli(),
		Data: map[string]string{"client_id": client.ID},
	})
	fmt.Fprintf(w, "data: %s\n\n", greeting)
	client.Flusher.Flush()

	select {
	case <-r.Context().Done():
	case <-client.Done:
	}
}
