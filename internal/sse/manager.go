package sse

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/civicplan/plantree/internal/id"
)

// Client is one connected stream.
type Client struct {
	ConnectedAt time.Time
	EventChan   chan Event
	Done        chan struct{}
	ID          string
	// TreeID limits delivery to one tree's events. Empty receives all.
	TreeID string
}

// Manager fans events out to connected clients.
type Manager struct {
	clients map[string]*Client
	events  chan Event
	logger  *slog.Logger
	wg      sync.WaitGroup
	mu      sync.RWMutex

	// observe is told about connects (+1) and disconnects (-1).
	observe func(delta int)

	heartbeatInterval time.Duration

	shutdownMu sync.RWMutex
	shutdown   bool
}

// NewManager creates a manager. observe may be nil.
func NewManager(logger *slog.Logger, observe func(delta int)) *Manager {
	if observe == nil {
		observe = func(int) {}
	}
	return &Manager{
		clients:           make(map[string]*Client),
		events:            make(chan Event, 1000),
		logger:            logger,
		observe:           observe,
		heartbeatInterval: 30 * time.Second,
	}
}

// Start runs the broadcast loop until ctx is done or Shutdown drains the queue.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	defer m.wg.Done()

	m.logger.Info("event stream manager starting")

	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-m.events:
			if !ok {
				m.closeAllClients()
				return
			}
			m.broadcast(event)
		case <-ticker.C:
			m.broadcast(NewHeartbeatEvent())
		case <-ctx.Done():
			m.logger.Info("event stream manager stopping")
			m.closeAllClients()
			return
		}
	}
}

// Shutdown stops accepting events and waits for the broadcast loop to
// deliver what is queued.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdownMu.Lock()
	if m.shutdown {
		m.shutdownMu.Unlock()
		return nil
	}
	m.shutdown = true
	close(m.events)
	m.shutdownMu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("event stream drain timed out, some events may be lost")
		return ctx.Err()
	}
	m.logger.Info("event stream manager shut down")
	return nil
}

func (m *Manager) broadcast(event Event) {
	var delivered, dropped int

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.clients {
		if event.TreeID != "" && c.TreeID != "" && event.TreeID != c.TreeID {
			continue
		}
		// Slow clients lose events rather than stall the loop.
		select {
		case c.EventChan <- event:
			delivered++
		default:
			dropped++
			m.logger.Warn("dropped event for slow client",
				slog.String("client_id", c.ID),
				slog.String("event_type", string(event.Type)))
		}
	}

	if event.Type != EventHeartbeat {
		m.logger.Debug("event broadcast",
			slog.String("event_type", string(event.Type)),
			slog.String("tree_id", event.TreeID),
			slog.Group("stats", slog.Int("delivered", delivered), slog.Int("dropped", dropped)))
	}
}

// Connect registers a client for treeID ("" for every tree).
func (m *Manager) Connect(treeID string) (*Client, error) {
	clientID, err := id.Generate(id.PrefixClient)
	if err != nil {
		return nil, err
	}
	c := &Client{
		ID:          clientID,
		TreeID:      treeID,
		EventChan:   make(chan Event, 100),
		Done:        make(chan struct{}),
		ConnectedAt: time.Now(),
	}

	m.mu.Lock()
	m.clients[c.ID] = c
	total := len(m.clients)
	m.mu.Unlock()
	m.observe(1)

	m.logger.Info("stream client connected",
		slog.String("client_id", clientID),
		slog.String("tree_id", treeID),
		slog.Int("total_clients", total))
	return c, nil
}

// Disconnect removes a client and closes its channels.
func (m *Manager) Disconnect(clientID string) {
	m.mu.Lock()
	c, ok := m.clients[clientID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.clients, clientID)
	total := len(m.clients)
	m.mu.Unlock()
	m.observe(-1)

	close(c.Done)
	close(c.EventChan)

	m.logger.Info("stream client disconnected",
		slog.String("client_id", clientID),
		slog.Duration("duration", time.Since(c.ConnectedAt)),
		slog.Int("total_clients", total))
}

// Emit queues an event without blocking. Events emitted after Shutdown are dropped.
func (m *Manager) Emit(event Event) {
	m.shutdownMu.RLock()
	defer m.shutdownMu.RUnlock()
	if m.shutdown {
		return
	}

	select {
	case m.events <- event:
	default:
		m.logger.Error("event queue full, dropping event",
			slog.String("event_type", string(event.Type)),
			slog.String("tree_id", event.TreeID))
	}
}

// ClientCount returns the number of connected clients.
func (m *Manager) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

func (m *Manager) closeAllClients() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.clients {
		close(c.Done)
		close(c.EventChan)
		m.observe(-1)
	}
	m.clients = make(map[string]*Client)
}
