package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatpresence/internal/logger"
	"github.com/Tyrowin/chatpresence/internal/session"
)

type fixture struct {
	creds    *session.MemoryStore
	dialer   *fakeDialer
	backend  *fakeBackend
	notifier *recordingNotifier
	ctrl     *session.Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger.Set(zap.NewNop())

	f := &fixture{
		creds:    session.NewMemoryStore(),
		dialer:   &fakeDialer{},
		notifier: &recordingNotifier{},
		backend: &fakeBackend{
			check: func(context.Context) (*session.CheckResponse, error) {
				return nil, errors.New("unexpected check")
			},
			login: func(context.Context, session.Mode, session.Credentials) (*session.AuthResponse, error) {
				return nil, errors.New("unexpected login")
			},
			update: func(context.Context, session.ProfileUpdate) (*session.ProfileResponse, error) {
				return nil, errors.New("unexpected update")
			},
		},
	}
	ctrl, err := session.NewController(session.Options{
		Backend:     f.backend,
		Credentials: f.creds,
		Dialer:      f.dialer,
		Notifier:    f.notifier,
	})
	require.NoError(t, err)
	t.Cleanup(ctrl.Close)
	f.ctrl = ctrl
	return f
}

func (f *fixture) acceptCheck(user session.UserProfile) {
	f.backend.check = func(context.Context) (*session.CheckResponse, error) {
		return &session.CheckResponse{Success: true, User: &user}, nil
	}
}

func (f *fixture) acceptLogin(token string, user session.UserProfile) {
	f.backend.login = func(context.Context, session.Mode, session.Credentials) (*session.AuthResponse, error) {
		return &session.AuthResponse{Success: true, Token: token, UserData: &user, Message: "Login successful"}, nil
	}
}

func TestNewControllerRequiresCollaborators(t *testing.T) {
	_, err := session.NewController(session.Options{Dialer: &fakeDialer{}})
	assert.Error(t, err)
	_, err = session.NewController(session.Options{Backend: &fakeBackend{}})
	assert.Error(t, err)
}

func TestStartWithoutCredentialStaysAnonymous(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.ctrl.Start(context.Background()))

	assert.Equal(t, session.StateAnonymous, f.ctrl.State())
	assert.Zero(t, f.backend.checkCalls())
	assert.Zero(t, f.dialer.dials())
	assert.Nil(t, f.ctrl.Socket())
}

func TestStartWithValidCredentialConnects(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.creds.Set(session.TokenKey, "T1"))
	f.acceptCheck(session.UserProfile{ID: "u1", FullName: "User One"})

	require.NoError(t, f.ctrl.Start(context.Background()))

	assert.Equal(t, session.StateConnected, f.ctrl.State())
	assert.Equal(t, "T1", f.ctrl.Token())
	require.NotNil(t, f.ctrl.User())
	assert.Equal(t, "u1", f.ctrl.User().ID)
	require.Equal(t, 1, f.dialer.dials())
	assert.Equal(t, "u1", f.dialer.last().identity)

	f.dialer.last().push(t, session.EventOnlineUsers, []string{"u1"})
	assert.Equal(t, []string{"u1"}, f.ctrl.OnlineUsers())

	successes, failures := f.notifier.counts()
	assert.Zero(t, successes)
	assert.Zero(t, failures)
}

func TestStartWithRejectedCredentialLogsOutSilently(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.creds.Set(session.TokenKey, "expired"))
	f.backend.check = func(context.Context) (*session.CheckResponse, error) {
		return &session.CheckResponse{Success: false, Message: "jwt expired"}, nil
	}

	err := f.ctrl.Start(context.Background())

	assert.True(t, errors.Is(err, session.ErrVerificationRejected))
	assert.False(t, errors.Is(err, session.ErrVerificationTransport))
	assert.Equal(t, session.StateAnonymous, f.ctrl.State())
	_, ok := f.creds.Get(session.TokenKey)
	assert.False(t, ok, "credential should be removed")
	assert.Empty(t, f.ctrl.Token())
	assert.Zero(t, f.dialer.dials())

	successes, failures := f.notifier.counts()
	assert.Zero(t, successes)
	assert.Zero(t, failures)
}

func TestStartWithTransportErrorNotifiesOnce(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.creds.Set(session.TokenKey, "T1"))
	f.backend.check = func(context.Context) (*session.CheckResponse, error) {
		return nil, &session.APIError{Status: 500, Message: "Internal server error"}
	}

	err := f.ctrl.Start(context.Background())

	assert.True(t, errors.Is(err, session.ErrVerificationTransport))
	assert.False(t, errors.Is(err, session.ErrVerificationRejected))
	assert.Equal(t, session.StateAnonymous, f.ctrl.State())
	_, ok := f.creds.Get(session.TokenKey)
	assert.False(t, ok)

	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	assert.Equal(t, []string{"Internal server error"}, f.notifier.errors)
	assert.Empty(t, f.notifier.successes)
}

func TestLoginStoresCredentialAndConnects(t *testing.T) {
	f := newFixture(t)
	f.acceptLogin("T2", session.UserProfile{ID: "u2", FullName: "User Two"})

	err := f.ctrl.Login(context.Background(), session.ModeLogin, session.Credentials{Email: "u2@example.com", Password: "pw"})
	require.NoError(t, err)

	stored, ok := f.creds.Get(session.TokenKey)
	require.True(t, ok)
	assert.Equal(t, "T2", stored)
	assert.Equal(t, session.StateConnected, f.ctrl.State())

	f.dialer.last().push(t, session.EventOnlineUsers, []string{"u1", "u2"})
	assert.Contains(t, f.ctrl.OnlineUsers(), "u2")

	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	assert.Equal(t, []string{"Login successful"}, f.notifier.successes)
	assert.Empty(t, f.notifier.errors)
}

func TestLoginRejectedNotifiesServerMessage(t *testing.T) {
	f := newFixture(t)
	f.backend.login = func(context.Context, session.Mode, session.Credentials) (*session.AuthResponse, error) {
		return &session.AuthResponse{Success: false, Message: "Invalid credentials"}, nil
	}

	err := f.ctrl.Login(context.Background(), session.ModeLogin, session.Credentials{Email: "x", Password: "y"})

	require.Error(t, err)
	assert.Equal(t, "Invalid credentials", session.MessageOf(err))
	assert.Equal(t, session.StateAnonymous, f.ctrl.State())
	_, ok := f.creds.Get(session.TokenKey)
	assert.False(t, ok)

	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	assert.Equal(t, []string{"Invalid credentials"}, f.notifier.errors)
	assert.Empty(t, f.notifier.successes)
}

func TestLoginTransportErrorFallsBackToErrorText(t *testing.T) {
	f := newFixture(t)
	f.backend.login = func(context.Context, session.Mode, session.Credentials) (*session.AuthResponse, error) {
		return nil, errors.New("connection refused")
	}

	err := f.ctrl.Login(context.Background(), session.ModeSignup, session.Credentials{})
	require.Error(t, err)

	_, failures := f.notifier.counts()
	assert.Equal(t, 1, failures)
	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	assert.Equal(t, "connection refused", f.notifier.errors[0])
}

func TestConnectTwiceKeepsOneListener(t *testing.T) {
	dialer := &fakeDialer{}
	var snapshots [][]string
	factory := session.NewConnectionFactory(dialer, func(ids []string) {
		snapshots = append(snapshots, ids)
	})
	t.Cleanup(factory.Disconnect)
	user := &session.UserProfile{ID: "u1"}

	require.NoError(t, factory.Connect(context.Background(), user))
	require.NoError(t, factory.Connect(context.Background(), user))

	require.Equal(t, 1, dialer.dials())
	sock := dialer.last()
	assert.Equal(t, 1, sock.listeners(session.EventOnlineUsers))

	sock.push(t, session.EventOnlineUsers, []string{"u1"})
	assert.Len(t, snapshots, 1)
}

func TestConnectWithoutUserIsNoop(t *testing.T) {
	dialer := &fakeDialer{}
	factory := session.NewConnectionFactory(dialer, nil)

	require.NoError(t, factory.Connect(context.Background(), nil))
	require.NoError(t, factory.Connect(context.Background(), &session.UserProfile{}))
	assert.Zero(t, dialer.dials())
	assert.Nil(t, factory.Socket())
}

func TestConnectAfterDropRedials(t *testing.T) {
	dialer := &fakeDialer{}
	factory := session.NewConnectionFactory(dialer, nil)
	t.Cleanup(factory.Disconnect)
	user := &session.UserProfile{ID: "u1"}

	require.NoError(t, factory.Connect(context.Background(), user))
	first := dialer.last()
	first.mu.Lock()
	first.connected = false
	first.mu.Unlock()

	require.NoError(t, factory.Connect(context.Background(), user))
	assert.Equal(t, 2, dialer.dials())
	assert.True(t, first.closed())
	assert.Equal(t, 1, dialer.last().listeners(session.EventOnlineUsers))
}

func TestPresenceFromReplacedSocketIsIgnored(t *testing.T) {
	dialer := &fakeDialer{}
	var snapshots [][]string
	factory := session.NewConnectionFactory(dialer, func(ids []string) {
		snapshots = append(snapshots, ids)
	})
	t.Cleanup(factory.Disconnect)

	require.NoError(t, factory.Connect(context.Background(), &session.UserProfile{ID: "u1"}))
	old := dialer.last()
	require.NoError(t, factory.Connect(context.Background(), &session.UserProfile{ID: "u2"}))

	assert.True(t, old.closed())
	old.push(t, session.EventOnlineUsers, []string{"u1"})
	assert.Empty(t, snapshots)

	dialer.last().push(t, session.EventOnlineUsers, []string{"u2"})
	assert.Equal(t, [][]string{{"u2"}}, snapshots)
}

func TestLogoutIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.acceptLogin("T2", session.UserProfile{ID: "u2"})
	require.NoError(t, f.ctrl.Login(context.Background(), session.ModeLogin, session.Credentials{}))
	sock := f.dialer.last()
	sock.push(t, session.EventOnlineUsers, []string{"u2"})

	f.ctrl.Logout()
	f.ctrl.Logout()

	assert.Equal(t, session.StateAnonymous, f.ctrl.State())
	assert.Empty(t, f.ctrl.Token())
	assert.Nil(t, f.ctrl.User())
	assert.Empty(t, f.ctrl.OnlineUsers())
	assert.Nil(t, f.ctrl.Socket())
	assert.True(t, sock.closed())
	_, ok := f.creds.Get(session.TokenKey)
	assert.False(t, ok)

	// presence arriving after logout does not resurrect the view
	sock.push(t, session.EventOnlineUsers, []string{"u2"})
	assert.Empty(t, f.ctrl.OnlineUsers())

	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	assert.Equal(t, []string{"Login successful", "Logged out successfully", "Logged out successfully"}, f.notifier.successes)
	assert.Empty(t, f.notifier.errors)
}

func TestLogoutDuringVerificationDiscardsResponse(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.creds.Set(session.TokenKey, "T1"))

	inFlight := make(chan struct{})
	release := make(chan struct{})
	f.backend.check = func(context.Context) (*session.CheckResponse, error) {
		close(inFlight)
		<-release
		return &session.CheckResponse{Success: true, User: &session.UserProfile{ID: "u1"}}, nil
	}

	result := make(chan error, 1)
	go func() { result <- f.ctrl.Start(context.Background()) }()

	<-inFlight
	assert.Equal(t, session.StateVerifying, f.ctrl.State())
	f.ctrl.Logout()
	close(release)

	err := <-result
	assert.True(t, errors.Is(err, session.ErrStaleResponse))
	assert.Equal(t, session.StateAnonymous, f.ctrl.State())
	assert.Nil(t, f.ctrl.User())
	assert.Zero(t, f.dialer.dials())
}

func TestLogoutDuringLoginDiscardsResponse(t *testing.T) {
	f := newFixture(t)

	inFlight := make(chan struct{})
	release := make(chan struct{})
	f.backend.login = func(context.Context, session.Mode, session.Credentials) (*session.AuthResponse, error) {
		close(inFlight)
		<-release
		return &session.AuthResponse{Success: true, Token: "T9", UserData: &session.UserProfile{ID: "u9"}}, nil
	}

	result := make(chan error, 1)
	go func() { result <- f.ctrl.Login(context.Background(), session.ModeLogin, session.Credentials{}) }()

	<-inFlight
	f.ctrl.Logout()
	close(release)

	assert.True(t, errors.Is(<-result, session.ErrStaleResponse))
	assert.Equal(t, session.StateAnonymous, f.ctrl.State())
	_, ok := f.creds.Get(session.TokenKey)
	assert.False(t, ok)
	assert.Zero(t, f.dialer.dials())

	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	assert.Equal(t, []string{"Logged out successfully"}, f.notifier.successes)
	assert.Empty(t, f.notifier.errors)
}

func TestLogoutWhileLoginPersistsCredential(t *testing.T) {
	logger.Set(zap.NewNop())
	creds := newGatedStore()
	dialer := &fakeDialer{}
	backend := &fakeBackend{
		login: func(context.Context, session.Mode, session.Credentials) (*session.AuthResponse, error) {
			return &session.AuthResponse{Success: true, Token: "T1", UserData: &session.UserProfile{ID: "u1"}}, nil
		},
	}
	ctrl, err := session.NewController(session.Options{
		Backend:     backend,
		Credentials: creds,
		Dialer:      dialer,
		Notifier:    &recordingNotifier{},
	})
	require.NoError(t, err)
	t.Cleanup(ctrl.Close)

	loginDone := make(chan error, 1)
	go func() { loginDone <- ctrl.Login(context.Background(), session.ModeLogin, session.Credentials{}) }()
	<-creds.entered

	logoutDone := make(chan struct{})
	go func() {
		ctrl.Logout()
		close(logoutDone)
	}()
	// let Logout reach the controller lock before the write completes
	time.Sleep(50 * time.Millisecond)
	close(creds.release)

	<-loginDone
	<-logoutDone

	_, ok := creds.Get(session.TokenKey)
	assert.False(t, ok, "logout must leave no stored credential")
	assert.Equal(t, session.StateAnonymous, ctrl.State())
	assert.Empty(t, ctrl.Token())
	assert.Nil(t, ctrl.Socket())
	if sock := dialer.last(); sock != nil {
		assert.True(t, sock.closed())
	}
}

func TestLogoutWhileLoginDialsSuppressesSuccess(t *testing.T) {
	f := newFixture(t)
	f.acceptLogin("T1", session.UserProfile{ID: "u1"})
	dialing := make(chan struct{})
	release := make(chan struct{})
	f.dialer.hook = func() {
		close(dialing)
		<-release
	}

	result := make(chan error, 1)
	go func() { result <- f.ctrl.Login(context.Background(), session.ModeLogin, session.Credentials{}) }()

	<-dialing
	f.ctrl.Logout()
	close(release)

	assert.True(t, errors.Is(<-result, session.ErrStaleResponse))
	assert.Equal(t, session.StateAnonymous, f.ctrl.State())
	assert.Nil(t, f.ctrl.Socket())
	require.Equal(t, 1, f.dialer.dials())
	assert.True(t, f.dialer.last().closed(), "socket dialed for the replaced session is closed")
	_, ok := f.creds.Get(session.TokenKey)
	assert.False(t, ok)

	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	assert.Equal(t, []string{"Logged out successfully"}, f.notifier.successes)
	assert.Empty(t, f.notifier.errors)
}

func TestLoginAsAnotherUserReplacesConnection(t *testing.T) {
	f := newFixture(t)
	f.acceptLogin("TA", session.UserProfile{ID: "a"})
	require.NoError(t, f.ctrl.Login(context.Background(), session.ModeLogin, session.Credentials{}))
	first := f.dialer.last()

	f.acceptLogin("TB", session.UserProfile{ID: "b"})
	require.NoError(t, f.ctrl.Login(context.Background(), session.ModeLogin, session.Credentials{}))

	assert.True(t, first.closed())
	assert.Equal(t, 2, f.dialer.dials())
	assert.Equal(t, "b", f.dialer.last().identity)
	assert.Equal(t, "TB", f.ctrl.Token())
	stored, _ := f.creds.Get(session.TokenKey)
	assert.Equal(t, "TB", stored)
}

func TestDialFailureKeepsSessionAuthenticated(t *testing.T) {
	f := newFixture(t)
	f.dialer.err = errors.New("dial refused")
	f.acceptLogin("T2", session.UserProfile{ID: "u2"})

	err := f.ctrl.Login(context.Background(), session.ModeLogin, session.Credentials{})
	require.Error(t, err)
	assert.Equal(t, session.StateAuthenticated, f.ctrl.State())
	assert.Equal(t, "T2", f.ctrl.Token())

	successes, failures := f.notifier.counts()
	assert.Equal(t, 1, successes)
	assert.Zero(t, failures)

	f.dialer.mu.Lock()
	f.dialer.err = nil
	f.dialer.mu.Unlock()
	require.NoError(t, f.ctrl.Reconnect(context.Background()))
	assert.Equal(t, session.StateConnected, f.ctrl.State())
}

func TestUpdateProfile(t *testing.T) {
	f := newFixture(t)
	f.acceptLogin("T2", session.UserProfile{ID: "u2", FullName: "Old"})
	require.NoError(t, f.ctrl.Login(context.Background(), session.ModeLogin, session.Credentials{}))

	f.backend.update = func(_ context.Context, u session.ProfileUpdate) (*session.ProfileResponse, error) {
		require.NotNil(t, u.FullName)
		return &session.ProfileResponse{Success: true, User: &session.UserProfile{ID: "u2", FullName: *u.FullName}}, nil
	}
	name := "New"
	require.NoError(t, f.ctrl.UpdateProfile(context.Background(), session.ProfileUpdate{FullName: &name}))
	assert.Equal(t, "New", f.ctrl.User().FullName)

	f.backend.update = func(context.Context, session.ProfileUpdate) (*session.ProfileResponse, error) {
		return &session.ProfileResponse{Success: false, Message: "Full name cannot be empty"}, nil
	}
	empty := ""
	err := f.ctrl.UpdateProfile(context.Background(), session.ProfileUpdate{FullName: &empty})
	require.Error(t, err)
	assert.Equal(t, "New", f.ctrl.User().FullName)

	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	assert.Equal(t, []string{"Login successful", "Profile updated successfully"}, f.notifier.successes)
	assert.Equal(t, []string{"Full name cannot be empty"}, f.notifier.errors)
}

func TestCloseKeepsCredential(t *testing.T) {
	f := newFixture(t)
	f.acceptLogin("T2", session.UserProfile{ID: "u2"})
	require.NoError(t, f.ctrl.Login(context.Background(), session.ModeLogin, session.Credentials{}))
	sock := f.dialer.last()

	f.ctrl.Close()

	assert.True(t, sock.closed())
	stored, ok := f.creds.Get(session.TokenKey)
	assert.True(t, ok)
	assert.Equal(t, "T2", stored)
}
