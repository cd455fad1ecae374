// Package server defines the event frames exchanged over the socket and
// utility helpers that are reused across client and hub logic.
package server

import (
	"encoding/json"
	"strings"
)

// Event names carried in Frame.Event.
const (
	EventOnlineUsers = "getOnlineUsers"
	EventSendMessage = "sendMessage"
	EventNewMessage  = "newMessage"
)

// Frame is the JSON envelope for every message on the socket.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ChatMessage is relayed between registered identities. From is always set
// by the server from the sender's handshake identity.
type ChatMessage struct {
	From      string `json:"senderId"`
	To        string `json:"receiverId"`
	Text      string `json:"text,omitempty"`
	Image     string `json:"image,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

// encodeFrame builds the wire form of an event.
func encodeFrame(event string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
