package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client is a connected UI window.
type Client interface {
	ID() string
	// URL is the page the client last reported.
	URL() string
	Send(ctx context.Context, msg Message) error
}

// Registry tracks connected clients.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
	order   map[string]int
	seq     int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]Client),
		order:   make(map[string]int),
	}
}

// Add registers c.
func (r *Registry) Add(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.clients[c.ID()] = c
	r.order[c.ID()] = r.seq
}

// Remove forgets the client with id.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, id)
	delete(r.order, id)
}

// List returns clients in connection order.
func (r *Registry) List() []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return r.order[out[i].ID()] < r.order[out[j].ID()] })
	return out
}

// Len returns the number of connected clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

const writeWait = 5 * time.Second

// WSClient is a client connected over a websocket.
type WSClient struct {
	id   string
	conn *websocket.Conn

	mu  sync.Mutex
	url string
}

// NewWSClient wraps conn for a client currently showing url.
func NewWSClient(conn *websocket.Conn, url string) *WSClient {
	return &WSClient{id: uuid.NewString(), conn: conn, url: url}
}

func (c *WSClient) ID() string { return c.id }

func (c *WSClient) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

// Send writes msg as JSON. Writes are serialised per connection.
func (c *WSClient) Send(ctx context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteJSON(msg)
}

// ReadLoop consumes client messages until the connection closes, tracking
// navigate reports. It returns the read error that ended the loop.
func (c *WSClient) ReadLoop() error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == TypeNavigate && msg.URL != "" {
			c.mu.Lock()
			c.url = msg.URL
			c.mu.Unlock()
		}
	}
}

// Close closes the connection.
func (c *WSClient) Close() error {
	return c.conn.Close()
}

// Opener opens a new client window at an absolute URL.
type Opener interface {
	Open(ctx context.Context, url string) error
}

// CommandOpener opens URLs by running a command such as xdg-open. The URL
// is appended as the last argument.
type CommandOpener struct {
	Command string
	Args    []string
}

// ParseCommandOpener splits a configured command line. An empty line
// returns nil.
func ParseCommandOpener(line string) *CommandOpener {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	return &CommandOpener{Command: fields[0], Args: fields[1:]}
}

// Open starts the command and does not wait for it.
func (o *CommandOpener) Open(ctx context.Context, url string) error {
	args := append(append([]string(nil), o.Args...), url)
	cmd := exec.Command(o.Command, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", o.Command, err)
	}
	go cmd.Wait()
	return nil
}
