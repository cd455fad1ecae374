// Package session is the client side of the chat service: it keeps the
// credential, verifies it with the server, and holds the presence connection
// open while the user is signed in.
package session

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/Tyrowin/chatpresence/internal/logger"
)

// State is where the session is in its lifecycle.
type State int

const (
	// StateAnonymous has no credential and no connection.
	StateAnonymous State = iota
	// StateVerifying holds a credential the server has not confirmed yet.
	StateVerifying
	// StateAuthenticated has a confirmed profile but the presence
	// connection could not be opened.
	StateAuthenticated
	// StateConnected has a confirmed profile and an open presence connection.
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateVerifying:
		return "verifying"
	case StateAuthenticated:
		return "authenticated"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

var (
	// ErrVerificationRejected means the server answered the credential check
	// with success:false. The session is logged out without a notification.
	ErrVerificationRejected = errors.New("credential rejected by server")
	// ErrVerificationTransport means the credential check itself failed.
	ErrVerificationTransport = errors.New("credential check failed")
	// ErrStaleResponse means a newer action superseded the one that produced
	// the response, so the response was discarded.
	ErrStaleResponse = errors.New("response superseded by a newer action")
)

const (
	msgLoggedOut      = "Logged out successfully"
	msgProfileUpdated = "Profile updated successfully"
	msgRequestFailed  = "Request failed"
)

// Options wires a Controller to its collaborators. Notifier defaults to
// LogNotifier.
type Options struct {
	Backend     Backend
	Credentials CredentialStore
	Dialer      Dialer
	Notifier    Notifier
}

// Controller drives the session lifecycle. All methods are safe to call from
// multiple goroutines; when actions overlap, the newest one wins and older
// responses are dropped.
type Controller struct {
	backend Backend
	creds   CredentialStore
	notify  Notifier
	factory *ConnectionFactory

	mu     sync.Mutex
	state  State
	token  string
	user   *UserProfile
	online []string
	// gen advances on every state replacement. A response is applied only
	// if gen has not moved since its request was sent.
	gen uint64
}

// NewController returns an anonymous Controller. Backend and Dialer are
// required; Credentials defaults to a MemoryStore.
func NewController(opts Options) (*Controller, error) {
	if opts.Backend == nil {
		return nil, errors.New("session: backend is required")
	}
	if opts.Dialer == nil {
		return nil, errors.New("session: dialer is required")
	}
	if opts.Credentials == nil {
		opts.Credentials = NewMemoryStore()
	}
	if opts.Notifier == nil {
		opts.Notifier = LogNotifier{}
	}
	c := &Controller{
		backend: opts.Backend,
		creds:   opts.Credentials,
		notify:  opts.Notifier,
	}
	c.factory = NewConnectionFactory(opts.Dialer, c.setOnline)
	return c, nil
}

// Start runs the load-time check. Without a stored credential it stays
// anonymous and makes no call.
func (c *Controller) Start(ctx context.Context) error {
	token, ok := c.creds.Get(TokenKey)
	if !ok || token == "" {
		logger.Debug("No stored credential, staying anonymous")
		return nil
	}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.token = token
	c.state = StateVerifying
	c.mu.Unlock()

	resp, err := c.backend.Check(ctx)
	if err != nil {
		if c.forceLogout(gen) {
			c.notify.Error(MessageOf(err))
		}
		return errors.Wrap(ErrVerificationTransport, MessageOf(err))
	}
	if !resp.Success || resp.User == nil {
		if c.forceLogout(gen) {
			logger.Infof("Stored credential rejected: %s", resp.Message)
		}
		return ErrVerificationRejected
	}

	if _, ok := c.commit(gen, token, resp.User, false); !ok {
		return ErrStaleResponse
	}
	return c.connect(ctx, gen)
}

// Login signs in or signs up depending on mode. On success the credential is
// persisted and the presence connection opened; any previous session is
// replaced.
func (c *Controller) Login(ctx context.Context, mode Mode, creds Credentials) error {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	resp, err := c.backend.Login(ctx, mode, creds)
	if err != nil {
		c.notify.Error(MessageOf(err))
		return err
	}
	if !resp.Success || resp.UserData == nil || resp.Token == "" {
		msg := resp.Message
		if msg == "" {
			msg = msgRequestFailed
		}
		c.notify.Error(msg)
		return &APIError{Status: 200, Message: msg}
	}

	gen, ok := c.commit(gen, resp.Token, resp.UserData, true)
	if !ok {
		return ErrStaleResponse
	}

	connErr := c.connect(ctx, gen)
	if errors.Is(connErr, ErrStaleResponse) {
		// superseded while connecting; the newer action reports its own outcome
		return connErr
	}
	c.notify.Success(resp.Message)
	return connErr
}

// Logout clears the credential and closes the connection. Calling it while
// anonymous is harmless.
func (c *Controller) Logout() {
	c.mu.Lock()
	c.gen++
	c.clearLocked()
	c.mu.Unlock()

	c.factory.Disconnect()
	c.notify.Success(msgLoggedOut)
}

// UpdateProfile changes profile fields and replaces the local profile with
// the server's copy.
func (c *Controller) UpdateProfile(ctx context.Context, update ProfileUpdate) error {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	resp, err := c.backend.UpdateProfile(ctx, update)
	if err != nil {
		c.notify.Error(MessageOf(err))
		return err
	}
	if !resp.Success || resp.User == nil {
		msg := resp.Message
		if msg == "" {
			msg = msgRequestFailed
		}
		c.notify.Error(msg)
		return &APIError{Status: 200, Message: msg}
	}

	c.mu.Lock()
	if c.gen != gen || c.user == nil {
		c.mu.Unlock()
		logger.Debug("Dropping profile update for a replaced session")
		return ErrStaleResponse
	}
	profile := *resp.User
	c.user = &profile
	c.mu.Unlock()

	c.notify.Success(msgProfileUpdated)
	return nil
}

// Reconnect retries the presence connection for an authenticated session.
func (c *Controller) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	gen := c.gen
	state := c.state
	c.mu.Unlock()

	if state != StateAuthenticated && state != StateConnected {
		return nil
	}
	return c.connect(ctx, gen)
}

// Close tears the session down without touching the stored credential.
func (c *Controller) Close() {
	c.mu.Lock()
	c.gen++
	c.mu.Unlock()
	c.factory.Disconnect()
}

// State reports the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Token returns the credential in use, empty when anonymous.
func (c *Controller) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// User returns a copy of the current profile, or nil.
func (c *Controller) User() *UserProfile {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == nil {
		return nil
	}
	u := *c.user
	return &u
}

// OnlineUsers returns the last presence snapshot.
func (c *Controller) OnlineUsers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.online...)
}

// Socket returns the open presence connection, or nil.
func (c *Controller) Socket() Socket {
	return c.factory.Socket()
}

// commit installs a confirmed profile if gen is still current and returns
// the generation the caller continues under. With replace set, in-flight
// responses from before the call are invalidated and the credential is
// persisted. The store is written under c.mu so a Logout cannot run between
// the check and the write. The open connection is kept when it already
// belongs to the same user.
func (c *Controller) commit(gen uint64, token string, user *UserProfile, replace bool) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		logger.Debug("Dropping response for a replaced session")
		return 0, false
	}
	if replace {
		c.gen++
		if err := c.creds.Set(TokenKey, token); err != nil {
			logger.Warnf("Could not persist credential: %v", err)
		}
	}
	if c.user == nil || c.user.ID != user.ID {
		c.online = nil
	}
	profile := *user
	c.user = &profile
	c.token = token
	c.state = StateAuthenticated
	return c.gen, true
}

func (c *Controller) connect(ctx context.Context, gen uint64) error {
	c.mu.Lock()
	user := c.user
	c.mu.Unlock()

	if err := c.factory.Connect(ctx, user); err != nil {
		logger.Warnf("Presence connection failed: %v", err)
		return err
	}

	c.mu.Lock()
	if c.gen != gen {
		loggedOut := c.user == nil
		c.mu.Unlock()
		// a logout raced the dial; the socket it missed is closed here
		if loggedOut {
			c.factory.Disconnect()
		}
		return ErrStaleResponse
	}
	c.state = StateConnected
	c.mu.Unlock()
	return nil
}

// forceLogout clears the session if gen is still current.
func (c *Controller) forceLogout(gen uint64) bool {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return false
	}
	c.gen++
	c.clearLocked()
	c.mu.Unlock()

	c.factory.Disconnect()
	return true
}

func (c *Controller) clearLocked() {
	if err := c.creds.Delete(TokenKey); err != nil {
		logger.Warnf("Could not remove credential: %v", err)
	}
	c.token = ""
	c.user = nil
	c.online = nil
	c.state = StateAnonymous
}

func (c *Controller) setOnline(ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == nil {
		return
	}
	c.online = append([]string(nil), ids...)
}
