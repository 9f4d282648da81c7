package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client is one websocket connection subscribed to a single topic. Writes are
// serialized so hub broadcasts and direct replies never interleave frames.
type Client struct {
	id           string
	topic        string
	conn         *websocket.Conn
	connectedAt  time.Time
	ipAddress    string
	writeTimeout time.Duration
	rateLimiter  *ClientRateLimiter

	writeMu   sync.Mutex
	closeOnce sync.Once

	activityMu   sync.Mutex
	lastActivity time.Time
}

func newClient(id, topic string, conn *websocket.Conn, ip string, writeTimeout time.Duration, limiter *ClientRateLimiter) *Client {
	now := time.Now()
	return &Client{
		id:           id,
		topic:        topic,
		conn:         conn,
		connectedAt:  now,
		ipAddress:    ip,
		writeTimeout: writeTimeout,
		rateLimiter:  limiter,
		lastActivity: now,
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// WriteMessage sends one text frame.
func (c *Client) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// WriteJSON marshals v and sends it as one text frame.
func (c *Client) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.WriteMessage(data)
}

// Close sends a normal close frame and closes the connection. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Client) touch() {
	c.activityMu.Lock()
	c.lastActivity = time.Now()
	c.activityMu.Unlock()
}

func (c *Client) info(now time.Time) ClientInfo {
	c.activityMu.Lock()
	last := c.lastActivity
	c.activityMu.Unlock()
	return ClientInfo{
		ID:           c.id,
		Topic:        c.topic,
		ConnectedAt:  c.connectedAt,
		LastActivity: last,
		IPAddress:    c.ipAddress,
		Idle:         now.Sub(last) > 5*time.Minute,
	}
}

// ClientRegistry manages connected clients
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewClientRegistry creates a new client registry
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[string]*Client),
	}
}

// Add adds a client to the registry
func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clients[client.id] = client
}

// Remove removes a client from the registry
func (r *ClientRegistry) Remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.clients, clientID)
}

// Get retrieves a client by ID
func (r *ClientRegistry) Get(clientID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, exists := r.clients[clientID]
	return client, exists
}

// GetAll returns all clients
func (r *ClientRegistry) GetAll() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	return clients
}

// Count returns the number of connected clients
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.clients)
}

// GetConnectedClients returns client information for all connected clients
func (r *ClientRegistry) GetConnectedClients() []ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	infos := make([]ClientInfo, 0, len(r.clients))
	for _, client := range r.clients {
		infos = append(infos, client.info(now))
	}
	return infos
}
