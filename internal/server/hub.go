// Package server coordinates connection registration, presence broadcast, and
// connection cleanup for the chat socket via the Hub type.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/Tyrowin/chatpresence/internal/logger"
)

// ErrHubClosed is returned when registering with a hub that has shut down.
var ErrHubClosed = errors.New("server: hub closed")

const defaultSendBuffer = 256

// Hub owns every live session and the identity registry. All registry
// mutations happen on the Run goroutine, and each one is followed by a
// getOnlineUsers frame queued to every session before the next event is
// handled, so sessions see presence changes in mutation order.
type Hub struct {
	sessions   map[*Client]bool
	registry   *Registry
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}

	sendBuffer int
	sinks      *sinkWorker
}

// HubOption customizes a Hub at construction time.
type HubOption func(*Hub)

// WithRegistry injects the registry the hub will own.
func WithRegistry(r *Registry) HubOption {
	return func(h *Hub) {
		if r != nil {
			h.registry = r
		}
	}
}

// WithSinks mirrors every presence snapshot to the given sinks.
func WithSinks(sinks ...PresenceSink) HubOption {
	return func(h *Hub) {
		if len(sinks) > 0 {
			h.sinks = newSinkWorker(sinks, defaultSinkQueue)
		}
	}
}

// WithSendBuffer sets the per-session outbound queue length.
func WithSendBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

// NewHub creates and initializes a new Hub instance with all necessary channels.
// The returned Hub is ready to manage connections once Run is started.
func NewHub(opts ...HubOption) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		sessions:   make(map[*Client]bool),
		registry:   NewRegistry(),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		sendBuffer: defaultSendBuffer,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register hands a new session to the hub. It blocks until the Run loop has
// accepted it or the hub is shut down.
func (h *Hub) Register(c *Client) error {
	select {
	case h.register <- c:
		return nil
	case <-h.ctx.Done():
		return ErrHubClosed
	}
}

// Unregister reports that a session's transport has gone away.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
}

// OnlineUsers returns the identities currently holding a registered connection.
func (h *Hub) OnlineUsers() []string {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.registry.Online()
}

// SessionCount returns the number of live sessions, anonymous ones included.
func (h *Hub) SessionCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.sessions)
}

// EmitTo queues an event for the connection registered under identity.
// Delivery is at most once: it reports false when the identity is offline or
// its queue is full.
func (h *Hub) EmitTo(identity, event string, data interface{}) bool {
	h.mutex.RLock()
	client, ok := h.registry.Handle(identity)
	h.mutex.RUnlock()
	if !ok {
		return false
	}

	payload, err := encodeFrame(event, data)
	if err != nil {
		logger.Errorf("Error encoding %s frame for %s: %v", event, identity, err)
		return false
	}
	return h.safeSend(client, payload)
}

func (h *Hub) safeSend(client *Client, message []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Recovered from panic in safeSend: %v", r)
		}
	}()

	// Hold the lock during the entire send operation so the channel cannot be closed underneath us
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	_, exists := h.sessions[client]
	if !exists || client.closed {
		return false
	}

	select {
	case client.send <- message:
		return true
	default:
		return false
	}
}

// Run starts the hub's main event loop, handling session registration and
// unregistration and the presence broadcast that follows each of them. It
// should be called in a separate goroutine as it runs until Shutdown.
func (h *Hub) Run() {
	defer close(h.done)
	if h.sinks != nil {
		go h.sinks.run()
		defer h.sinks.stop()
	}

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				logger.Warnf("Received nil client registration; skipping")
				continue
			}
			h.handleRegister(client)

		case client := <-h.unregister:
			if client == nil {
				continue
			}
			h.handleUnregister(client)
		}
	}
}

func (h *Hub) handleRegister(client *Client) {
	h.mutex.Lock()
	client.closed = false
	client.registered = true
	h.sessions[client] = true
	bound := h.registry.Connect(client.identity, client)
	sessionCount := len(h.sessions)
	h.mutex.Unlock()

	if bound {
		logger.Infof("User %s connected (conn %s from %s). Sessions: %d", client.identity, client.id, client.addr, sessionCount)
	} else {
		logger.Infof("Anonymous connection %s from %s. Sessions: %d", client.id, client.addr, sessionCount)
	}

	if client.conn != nil {
		h.wg.Add(2)
		go func() {
			defer h.wg.Done()
			client.writePump()
		}()
		go func() {
			defer h.wg.Done()
			client.readPump()
		}()
	}

	h.broadcastPresence()
}

func (h *Hub) handleUnregister(client *Client) {
	h.mutex.Lock()
	if !client.registered {
		h.mutex.Unlock()
		return
	}
	client.registered = false
	if _, ok := h.sessions[client]; ok {
		delete(h.sessions, client)
		client.closed = true
		close(client.send)
	}
	removed := h.registry.Disconnect(client.identity)
	sessionCount := len(h.sessions)
	h.mutex.Unlock()

	if removed {
		logger.Infof("User %s disconnected (conn %s). Sessions: %d", client.identity, client.id, sessionCount)
	} else {
		logger.Infof("Connection %s from %s closed. Sessions: %d", client.id, client.addr, sessionCount)
	}

	h.broadcastPresence()
}

// broadcastPresence sends the current online set to every session.
func (h *Hub) broadcastPresence() {
	h.mutex.RLock()
	online := h.registry.Online()
	h.mutex.RUnlock()

	payload, err := json.Marshal(online)
	if err != nil {
		logger.Errorf("Error encoding online users: %v", err)
		return
	}
	frame, err := json.Marshal(Frame{Event: EventOnlineUsers, Data: payload})
	if err != nil {
		logger.Errorf("Error encoding presence frame: %v", err)
		return
	}

	clients := h.getClientSnapshot()
	logger.Debugf("Broadcasting %d online users to %d sessions", len(online), len(clients))

	var clientsToRemove []*Client
	for _, client := range clients {
		if !h.safeSend(client, frame) {
			clientsToRemove = append(clientsToRemove, client)
		}
	}
	h.removeFailedClients(clientsToRemove)

	if h.sinks != nil {
		h.sinks.enqueue(online)
	}
}

// getClientSnapshot returns a thread-safe snapshot of all current sessions
func (h *Hub) getClientSnapshot() []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	clients := make([]*Client, 0, len(h.sessions))
	for client := range h.sessions {
		clients = append(clients, client)
	}
	return clients
}

// removeFailedClients drops sessions whose send buffer is full. Their
// identity stays registered until the transport reports the disconnect.
func (h *Hub) removeFailedClients(clientsToRemove []*Client) {
	if len(clientsToRemove) == 0 {
		return
	}

	h.mutex.Lock()
	var channelsToClose []chan []byte
	for _, client := range clientsToRemove {
		if _, exists := h.sessions[client]; exists {
			delete(h.sessions, client)
			client.closed = true
			channelsToClose = append(channelsToClose, client.send)
			logger.Warnf("Connection %s from %s removed due to full send buffer", client.id, client.addr)
		}
	}
	h.mutex.Unlock()

	// Close channels after releasing the lock
	for _, ch := range channelsToClose {
		close(ch)
	}
}

// shutdownClients gracefully closes all active connections
func (h *Hub) shutdownClients() {
	logger.Infof("Shutting down all client connections...")

	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.sessions))
	for client := range h.sessions {
		clients = append(clients, client)
		delete(h.sessions, client)
		client.closed = true
		close(client.send)
	}
	h.mutex.Unlock()

	for _, client := range clients {
		if client.conn != nil {
			if err := client.conn.Close(); err != nil {
				if !isExpectedCloseError(err) {
					logger.Warnf("Error closing client connection from %s: %v", client.addr, err)
				}
			}
		}
	}

	logger.Infof("Closed %d client connections", len(clients))
}

// Shutdown initiates graceful shutdown of the hub and waits for all goroutines to complete.
// It returns after all client connections are closed and goroutines have finished,
// or when the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	logger.Infof("Initiating hub shutdown...")

	h.cancel()

	// Wait for Run() to complete
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Infof("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		logger.Warnf("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
