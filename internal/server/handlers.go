// Package server exposes the HTTP handlers for the socket upgrade and the
// liveness check.
package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/chatpresence/internal/logger"
)

const (
	// IdentityParam is the handshake query parameter naming the connecting user.
	IdentityParam = "userId"
	// TokenParam carries the signed credential, as a query parameter or a
	// request header of the same name.
	TokenParam = "token"
)

// TokenVerifier resolves a signed credential to the user id it was issued for.
type TokenVerifier func(token string) (string, error)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// NewWebSocketHandler returns the handler that upgrades GET requests to a
// socket session and hands it to hub. The optional userId query parameter
// tags the session with an identity for presence; without it the session is
// anonymous. Only a session whose token verify accepts may send messages,
// and its identity is the token's subject. A nil verify disables sending.
func NewWebSocketHandler(hub *Hub, verify TokenVerifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
			return
		}

		identity := strings.TrimSpace(r.URL.Query().Get(IdentityParam))
		verified := false
		if token := handshakeToken(r); token != "" && verify != nil {
			subject, err := verify(token)
			if err != nil {
				logger.Debugf("Rejecting socket from %s: %v", r.RemoteAddr, err)
				http.Error(w, "Unauthorized - Invalid token", http.StatusUnauthorized)
				return
			}
			if identity != "" && identity != subject {
				logger.Warnf("Socket from %s claimed %s with a token for %s", r.RemoteAddr, identity, subject)
				http.Error(w, "Token does not match userId", http.StatusForbidden)
				return
			}
			identity = subject
			verified = true
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warnf("WebSocket upgrade failed: %v", err)
			return
		}

		client := NewClient(conn, hub, r.RemoteAddr, identity)
		client.canSend = verified

		// The hub launches the pump goroutines once it has registered the client.
		if err := hub.Register(client); err != nil {
			logger.Warnf("Rejecting connection from %s: %v", r.RemoteAddr, err)
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			_ = conn.Close()
		}
	}
}

func handshakeToken(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get(TokenParam)); token != "" {
		return token
	}
	return strings.TrimSpace(r.Header.Get(TokenParam))
}

// HealthHandler responds with a plain text liveness message.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "Server is live")
}
