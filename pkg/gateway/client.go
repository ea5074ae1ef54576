package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/calder-ai/steward/pkg/user"
)

// Client is one websocket connection. The request context captured at
// upgrade time (cookies, headers) is reused for every message the client
// sends, so user resolution stays stable for the connection's lifetime.
type Client struct {
	ID           string
	Conn         *websocket.Conn
	Request      user.RequestContext
	ConnectedAt  time.Time
	LastActivity time.Time
	IPAddress    string
	RateLimiter  *ClientRateLimiter

	writeMu sync.Mutex
}

// WriteJSON serializes access to the connection; gorilla allows only one
// concurrent writer.
func (c *Client) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteJSON(v)
}

// ClientRegistry tracks connected clients.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewClientRegistry creates an empty registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[string]*Client),
	}
}

// Add adds a client.
func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clients[client.ID] = client
}

// Remove removes a client.
func (r *ClientRegistry) Remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.clients, clientID)
}

// GetAll returns all connected clients.
func (r *ClientRegistry) GetAll() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	return clients
}

// Count returns the number of connected clients.
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.clients)
}

// UpdateActivity stamps the client's last activity time.
func (r *ClientRegistry) UpdateActivity(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if client, exists := r.clients[clientID]; exists {
		client.LastActivity = time.Now()
	}
}

// ClientRateLimiter implements sliding-window rate limiting per client.
type ClientRateLimiter struct {
	mu                sync.Mutex
	messagesPerMinute int
	maxConcurrent     int
	messages          []time.Time
	concurrent        int
}

// NewClientRateLimiter creates a rate limiter with the given limits.
func NewClientRateLimiter(messagesPerMinute, maxConcurrent int) *ClientRateLimiter {
	return &ClientRateLimiter{
		messagesPerMinute: messagesPerMinute,
		maxConcurrent:     maxConcurrent,
	}
}

// CheckAllowed reports whether a new message may start now.
func (r *ClientRateLimiter) CheckAllowed() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.concurrent >= r.maxConcurrent {
		return false, "too many concurrent messages"
	}

	cutoff := time.Now().Add(-time.Minute)
	valid := r.messages[:0]
	for _, ts := range r.messages {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}
	r.messages = valid

	if len(r.messages) >= r.messagesPerMinute {
		return false, "rate limit exceeded"
	}

	return true, ""
}

// RecordStart records the start of a message turn.
func (r *ClientRateLimiter) RecordStart() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.messages = append(r.messages, time.Now())
	r.concurrent++
}

// RecordEnd records the end of a message turn.
func (r *ClientRateLimiter) RecordEnd() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.concurrent > 0 {
		r.concurrent--
	}
}
