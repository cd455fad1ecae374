// Package server implements the presence side of the chat backend.
//
// A Hub owns every live socket session and a Registry that binds each user
// identity to exactly one session (the most recent one to connect). Each
// connect or disconnect is followed by a getOnlineUsers frame carrying the
// full online set to every session, in the order the changes happened.
//
// The package also holds the socket handshake handler, configuration,
// origin policy, per-connection rate limiting and the optional presence
// sinks that mirror the online set to Redis or NATS.
package server
