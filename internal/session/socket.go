package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/Tyrowin/chatpresence/internal/logger"
)

// EventOnlineUsers is the presence event name the server pushes.
const EventOnlineUsers = "getOnlineUsers"

// Handler receives the raw data of one event.
type Handler func(data json.RawMessage)

// Socket is a live event connection to the server.
type Socket interface {
	On(event string, fn Handler)
	// Off removes every handler registered for event.
	Off(event string)
	Emit(event string, data interface{}) error
	Connected() bool
	Close() error
}

// Dialer opens a Socket tagged with an identity.
type Dialer interface {
	Dial(ctx context.Context, identity string) (Socket, error)
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// WSDialer dials the server's websocket endpoint, passing the identity as
// the userId query parameter. The stored credential, when there is one, is
// sent in the token header; the server only relays messages for sessions it
// could verify.
type WSDialer struct {
	BaseURL string
	// Origin is sent so the server's origin check passes. Empty omits it.
	Origin      string
	Credentials CredentialStore
	Dialer      *websocket.Dialer
}

func (d *WSDialer) endpoint(identity string) (string, error) {
	u, err := url.Parse(strings.TrimRight(d.BaseURL, "/") + "/ws")
	if err != nil {
		return "", errors.Wrap(err, "parse server url")
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("userId", identity)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (d *WSDialer) Dial(ctx context.Context, identity string) (Socket, error) {
	endpoint, err := d.endpoint(identity)
	if err != nil {
		return nil, err
	}
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	if d.Origin != "" {
		header.Set("Origin", d.Origin)
	}
	if d.Credentials != nil {
		if token, ok := d.Credentials.Get(TokenKey); ok && token != "" {
			header.Set(TokenHeader, token)
		}
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", endpoint)
	}

	s := &wsSocket{
		conn:      conn,
		handlers:  make(map[string][]Handler),
		connected: true,
		done:      make(chan struct{}),
	}
	return s, nil
}

type wsSocket struct {
	conn *websocket.Conn

	mu        sync.Mutex
	handlers  map[string][]Handler
	connected bool

	writeMu   sync.Mutex
	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

// On registers fn for event. Reading starts with the first registration so
// frames the server sends right after the handshake are not lost.
func (s *wsSocket) On(event string, fn Handler) {
	s.mu.Lock()
	s.handlers[event] = append(s.handlers[event], fn)
	s.mu.Unlock()
	s.startOnce.Do(func() { go s.readLoop() })
}

func (s *wsSocket) Off(event string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, event)
}

func (s *wsSocket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *wsSocket) Emit(event string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "encode event data")
	}
	if !s.Connected() {
		return errors.New("socket is closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(frame{Event: event, Data: raw})
}

func (s *wsSocket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.markClosed()
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
		// never started reading: nothing to wait for
		s.startOnce.Do(func() { close(s.done) })
		<-s.done
	})
	return err
}

func (s *wsSocket) markClosed() {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
}

func (s *wsSocket) readLoop() {
	defer close(s.done)
	defer s.markClosed()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && s.Connected() {
				logger.Warnf("Socket read failed: %v", err)
			}
			return
		}

		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			logger.Debugf("Dropping malformed frame: %v", err)
			continue
		}

		s.mu.Lock()
		handlers := append([]Handler(nil), s.handlers[f.Event]...)
		s.mu.Unlock()
		for _, fn := range handlers {
			fn(f.Data)
		}
	}
}
