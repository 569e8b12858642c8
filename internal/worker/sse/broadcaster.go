// Package sse provides Server-Sent Events broadcasting for the proxylens
// inspection API.
package sse

import (
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// SendBuffer is the per-client message buffer. A client whose buffer fills
// up is not draining and gets dropped rather than blocking a broadcast.
const SendBuffer = 16

// Client represents a connected SSE client. The connection handler is the
// sole writer to the network: it alone drains Send, so broadcasts and
// heartbeats never touch the ResponseWriter concurrently.
type Client struct {
	Send chan string
	Done chan struct{}
	ID   string
}

// Broadcaster manages SSE client registrations and fan-out.
type Broadcaster struct {
	clients map[string]*Client
	nextID  int
	mu      sync.RWMutex
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[string]*Client),
	}
}

// AddClient registers a new SSE connection.
func (b *Broadcaster) AddClient() *Client {
	b.mu.Lock()
	b.nextID++
	client := &Client{
		ID:   fmt.Sprintf("client-%d", b.nextID),
		Send: make(chan string, SendBuffer),
		Done: make(chan struct{}),
	}
	b.clients[client.ID] = client
	total := len(b.clients)
	b.mu.Unlock()

	log.Debug().Str("clientId", client.ID).Int("totalClients", total).Msg("SSE client connected")
	return client
}

// RemoveClient unregisters a client connection.
func (b *Broadcaster) RemoveClient(client *Client) {
	b.mu.Lock()
	delete(b.clients, client.ID)
	total := len(b.clients)
	b.mu.Unlock()

	closeDone(client)
	log.Debug().Str("clientId", client.ID).Int("totalClients", total).Msg("SSE client disconnected")
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Broadcast queues an event with a JSON payload for every client. Sends
// never block: a client with a full buffer is dropped.
func (b *Broadcaster) Broadcast(event string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal SSE payload")
		return
	}
	message := fmt.Sprintf("event: %s\ndata: %s\n\n", event, payload)

	b.mu.RLock()
	clients := make([]*Client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, client := range clients {
		select {
		case client.Send <- message:
		default:
			b.removeSlow(client.ID)
		}
	}
}

func (b *Broadcaster) removeSlow(id string) {
	b.mu.Lock()
	client, exists := b.clients[id]
	if exists {
		delete(b.clients, id)
	}
	total := len(b.clients)
	b.mu.Unlock()

	if exists {
		closeDone(client)
		log.Debug().Str("clientId", id).Int("totalClients", total).Msg("Slow SSE client dropped")
	}
}

func closeDone(client *Client) {
	select {
	case <-client.Done:
	default:
		close(client.Done)
	}
}
