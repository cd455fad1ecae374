package session

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"github.com/Tyrowin/chatpresence/internal/logger"
)

// ConnectionFactory owns the single presence connection for the current user.
type ConnectionFactory struct {
	dialer     Dialer
	onPresence func([]string)

	mu       sync.Mutex
	socket   Socket
	identity string
}

// NewConnectionFactory returns a factory that reports every presence
// snapshot to onPresence.
func NewConnectionFactory(dialer Dialer, onPresence func([]string)) *ConnectionFactory {
	return &ConnectionFactory{dialer: dialer, onPresence: onPresence}
}

// Connect opens a connection for user. It is a no-op when user is nil or a
// connection for the same user is already open, so calling it twice never
// yields two sockets. An open connection for a different user is replaced.
func (f *ConnectionFactory) Connect(ctx context.Context, user *UserProfile) error {
	if user == nil || user.ID == "" {
		return nil
	}

	f.mu.Lock()
	if f.socket != nil && f.socket.Connected() && f.identity == user.ID {
		f.mu.Unlock()
		return nil
	}
	stale := f.socket
	f.socket = nil
	f.identity = ""
	f.mu.Unlock()

	if stale != nil {
		_ = stale.Close()
	}

	s, err := f.dialer.Dial(ctx, user.ID)
	if err != nil {
		return errors.Wrap(err, "open presence connection")
	}

	f.mu.Lock()
	if f.socket != nil && f.socket.Connected() && f.identity == user.ID {
		// lost a race with a concurrent Connect
		f.mu.Unlock()
		_ = s.Close()
		return nil
	}
	previous := f.socket
	f.socket = s
	f.identity = user.ID
	f.mu.Unlock()

	if previous != nil {
		_ = previous.Close()
	}

	f.listen(s)
	logger.Debugf("Presence connection open for %s", user.ID)
	return nil
}

// listen replaces any presence handler on s with exactly one.
func (f *ConnectionFactory) listen(s Socket) {
	s.Off(EventOnlineUsers)
	s.On(EventOnlineUsers, func(data json.RawMessage) {
		var ids []string
		if err := json.Unmarshal(data, &ids); err != nil {
			logger.Debugf("Ignoring malformed presence snapshot: %v", err)
			return
		}
		f.mu.Lock()
		current := f.socket == s
		f.mu.Unlock()
		// snapshots from a socket that was already replaced are dropped
		if current && f.onPresence != nil {
			f.onPresence(ids)
		}
	})
}

// Disconnect closes the current connection, if any.
func (f *ConnectionFactory) Disconnect() {
	f.mu.Lock()
	s := f.socket
	f.socket = nil
	f.identity = ""
	f.mu.Unlock()

	if s != nil {
		if err := s.Close(); err != nil {
			logger.Debugf("Closing presence connection: %v", err)
		}
	}
}

// Socket returns the open connection, or nil.
func (f *ConnectionFactory) Socket() Socket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.socket
}
