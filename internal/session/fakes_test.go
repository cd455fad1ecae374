package session_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatpresence/internal/session"
)

type fakeSocket struct {
	identity string

	mu        sync.Mutex
	handlers  map[string][]session.Handler
	connected bool
	closes    int
}

func (s *fakeSocket) On(event string, fn session.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = append(s.handlers[event], fn)
}

func (s *fakeSocket) Off(event string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, event)
}

func (s *fakeSocket) Emit(string, interface{}) error { return nil }

func (s *fakeSocket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.closes++
	return nil
}

func (s *fakeSocket) listeners(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers[event])
}

func (s *fakeSocket) closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes > 0
}

// push delivers an event as if the server sent it.
func (s *fakeSocket) push(t *testing.T, event string, v interface{}) {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	s.mu.Lock()
	handlers := append([]session.Handler(nil), s.handlers[event]...)
	s.mu.Unlock()
	for _, fn := range handlers {
		fn(raw)
	}
}

type fakeDialer struct {
	// hook runs at the start of every Dial, outside the lock.
	hook func()

	mu      sync.Mutex
	sockets []*fakeSocket
	err     error
}

func (d *fakeDialer) Dial(_ context.Context, identity string) (session.Socket, error) {
	if d.hook != nil {
		d.hook()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	s := &fakeSocket{identity: identity, handlers: map[string][]session.Handler{}, connected: true}
	d.sockets = append(d.sockets, s)
	return s, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sockets)
}

func (d *fakeDialer) last() *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sockets) == 0 {
		return nil
	}
	return d.sockets[len(d.sockets)-1]
}

type fakeBackend struct {
	check  func(ctx context.Context) (*session.CheckResponse, error)
	login  func(ctx context.Context, mode session.Mode, creds session.Credentials) (*session.AuthResponse, error)
	update func(ctx context.Context, u session.ProfileUpdate) (*session.ProfileResponse, error)

	mu     sync.Mutex
	checks int
}

func (b *fakeBackend) Check(ctx context.Context) (*session.CheckResponse, error) {
	b.mu.Lock()
	b.checks++
	b.mu.Unlock()
	return b.check(ctx)
}

func (b *fakeBackend) Login(ctx context.Context, mode session.Mode, creds session.Credentials) (*session.AuthResponse, error) {
	return b.login(ctx, mode, creds)
}

func (b *fakeBackend) UpdateProfile(ctx context.Context, u session.ProfileUpdate) (*session.ProfileResponse, error) {
	return b.update(ctx, u)
}

func (b *fakeBackend) checkCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.checks
}

type recordingNotifier struct {
	mu        sync.Mutex
	successes []string
	errors    []string
}

func (n *recordingNotifier) Success(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.successes = append(n.successes, msg)
}

func (n *recordingNotifier) Error(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errors = append(n.errors, msg)
}

func (n *recordingNotifier) counts() (int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.successes), len(n.errors)
}

// gatedStore is a MemoryStore whose first Set parks until release is closed.
type gatedStore struct {
	*session.MemoryStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		MemoryStore: session.NewMemoryStore(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
}

func (s *gatedStore) Set(key, value string) error {
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.entered)
		<-s.release
	}
	return s.MemoryStore.Set(key, value)
}
