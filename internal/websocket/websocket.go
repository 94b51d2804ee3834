package websocket

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"commsgate/internal/models"
)

// deadLetterLimit caps the DLQ records carried in one update
const deadLetterLimit = 20

const writeTimeout = 5 * time.Second

// QueueSource supplies queue state for updates
type QueueSource interface {
	GetStats(ctx context.Context) (models.QueueStats, error)
	DeadLetters(ctx context.Context, limit int) ([]models.DeadLetterRecord, error)
}

// ControlsSource supplies the control record for updates
type ControlsSource interface {
	Controls(ctx context.Context) (models.AgentControls, bool)
}

// Update is the message pushed to every dashboard client
type Update struct {
	Stats       models.QueueStats         `json:"stats"`
	Controls    models.AgentControls      `json:"controls"`
	DeadLetters []models.DeadLetterRecord `json:"dead_letters"`
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex // one writer per connection
}

func (c *client) write(u Update) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(u)
}

// Manager manages WebSocket connections and broadcasts
type Manager struct {
	clients   map[*websocket.Conn]*client
	clientsMu sync.Mutex
	queue     QueueSource
	controls  ControlsSource
	logger    *slog.Logger
}

// New creates a new WebSocket manager
func New(queue QueueSource, controls ControlsSource, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		clients:  make(map[*websocket.Conn]*client),
		queue:    queue,
		controls: controls,
		logger:   logger,
	}
}

// AddClient registers a connection, sends it the current state and drops it
// once the peer goes away.
func (m *Manager) AddClient(conn *websocket.Conn) {
	c := &client{conn: conn}

	m.clientsMu.Lock()
	m.clients[conn] = c
	total := len(m.clients)
	m.clientsMu.Unlock()

	m.logger.Info("websocket client connected", "clients", total)

	if err := c.write(m.Snapshot(context.Background())); err != nil {
		m.logger.Warn("websocket initial update failed", "error", err)
	}

	go func() {
		defer m.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (m *Manager) remove(conn *websocket.Conn) {
	m.clientsMu.Lock()
	delete(m.clients, conn)
	total := len(m.clients)
	m.clientsMu.Unlock()

	conn.Close()
	m.logger.Info("websocket client disconnected", "clients", total)
}

// Snapshot gathers the current state. Sources that fail leave their part
// zero-valued.
func (m *Manager) Snapshot(ctx context.Context) Update {
	u := Update{DeadLetters: []models.DeadLetterRecord{}}

	if m.queue != nil {
		if stats, err := m.queue.GetStats(ctx); err != nil {
			m.logger.Warn("websocket stats failed", "error", err)
		} else {
			u.Stats = stats
		}
		if dl, err := m.queue.DeadLetters(ctx, deadLetterLimit); err != nil {
			m.logger.Warn("websocket dead letters failed", "error", err)
		} else {
			u.DeadLetters = dl
		}
	}
	if m.controls != nil {
		u.Controls, _ = m.controls.Controls(ctx)
	}
	return u
}

// Broadcast sends the current state to all connected clients
func (m *Manager) Broadcast() {
	m.clientsMu.Lock()
	clients := make([]*client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.clientsMu.Unlock()

	if len(clients) == 0 {
		return
	}

	u := m.Snapshot(context.Background())
	for _, c := range clients {
		go func(c *client) {
			if err := c.write(u); err != nil {
				m.logger.Warn("websocket update failed", "error", err)
			}
		}(c)
	}
}

// ClientCount returns the number of connected clients
func (m *Manager) ClientCount() int {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	return len(m.clients)
}
