package session_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jrsteele09/go-devtracker-auth/authapi"
	apperrors "github.com/jrsteele09/go-devtracker-auth/internal/errors"
	"github.com/jrsteele09/go-devtracker-auth/session"
	"github.com/jrsteele09/go-devtracker-auth/storage/memkv"
	"github.com/jrsteele09/go-devtracker-auth/tokenstore"
	"github.com/jrsteele09/go-devtracker-auth/users"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	loginResp    *authapi.AuthResponse
	loginErr     error
	registerResp *authapi.AuthResponse
	registerErr  error

	refreshResp  *authapi.RefreshResponse
	refreshErr   error
	refreshCalls atomic.Int32
	refreshGate  chan struct{} // when set Refresh blocks until it is closed
	refreshSeen  chan struct{}
	seenOnce     sync.Once

	logoutCalls atomic.Int32
}

func (f *fakeAPI) Login(context.Context, authapi.LoginRequest) (*authapi.AuthResponse, error) {
	return f.loginResp, f.loginErr
}

func (f *fakeAPI) Register(context.Context, authapi.RegisterRequest) (*authapi.AuthResponse, error) {
	return f.registerResp, f.registerErr
}

func (f *fakeAPI) Refresh(context.Context, string) (*authapi.RefreshResponse, error) {
	f.refreshCalls.Add(1)
	if f.refreshSeen != nil {
		f.seenOnce.Do(func() { close(f.refreshSeen) })
	}
	if f.refreshGate != nil {
		<-f.refreshGate
	}
	return f.refreshResp, f.refreshErr
}

func (f *fakeAPI) Logout(context.Context) error {
	f.logoutCalls.Add(1)
	return nil
}

func authResponse(id, token, refresh string) *authapi.AuthResponse {
	return &authapi.AuthResponse{
		User:         &users.User{ID: id, Email: "dev@example.com"},
		Token:        token,
		RefreshToken: refresh,
	}
}

func newManager(t *testing.T, api *fakeAPI, kv *memkv.MemKV, options ...session.ManagerOption) *session.Manager {
	t.Helper()
	m, err := session.NewManager(api, tokenstore.New(kv), options...)
	require.NoError(t, err)
	return m
}

func requireInvariant(t *testing.T, s session.State) {
	t.Helper()
	require.Equal(t, s.User != nil && s.AccessToken != "", s.IsAuthenticated)
}

func TestNewManager_RequiresDependencies(t *testing.T) {
	_, err := session.NewManager(nil, tokenstore.New(memkv.New()))
	require.Error(t, err)
	_, err = session.NewManager(&fakeAPI{}, nil)
	require.Error(t, err)
}

func TestLogin_Success(t *testing.T) {
	ctx := context.Background()
	kv := memkv.New()
	m := newManager(t, &fakeAPI{loginResp: authResponse("u1", "t1", "r1")}, kv)

	require.NoError(t, m.Login(ctx, "dev@example.com", "pw12345678"))

	s := m.State()
	require.True(t, s.IsAuthenticated)
	require.Equal(t, "u1", s.User.ID)
	require.Equal(t, "t1", s.AccessToken)
	require.Equal(t, "r1", s.RefreshToken)
	require.False(t, s.IsLoading)
	require.Empty(t, s.LastError)
	require.Equal(t, session.StatusAuthenticated, s.Status())

	rec, err := tokenstore.New(kv).Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, "u1", rec.User.ID)
	require.Equal(t, "t1", rec.AccessToken)
	require.Equal(t, "r1", rec.RefreshToken)
}

func TestLogin_Failure(t *testing.T) {
	ctx := context.Background()

	t.Run("backend message", func(t *testing.T) {
		err := apperrors.NewStatusError(http.StatusUnauthorized, "Invalid email or password", nil, true)
		m := newManager(t, &fakeAPI{loginErr: err}, memkv.New())

		require.ErrorIs(t, m.Login(ctx, "dev@example.com", "wrong"), apperrors.ErrInvalidCredentials)
		s := m.State()
		require.False(t, s.IsAuthenticated)
		require.False(t, s.IsLoading)
		require.Equal(t, "Invalid email or password", s.LastError)
		requireInvariant(t, s)
	})

	t.Run("fallback message", func(t *testing.T) {
		m := newManager(t, &fakeAPI{loginErr: apperrors.ErrNetwork}, memkv.New())
		require.Error(t, m.Login(ctx, "dev@example.com", "pw12345678"))
		require.Equal(t, "login failed", m.State().LastError)
		require.False(t, m.State().IsLoading)
	})

	t.Run("keeps an existing session", func(t *testing.T) {
		api := &fakeAPI{loginErr: apperrors.ErrNetwork}
		m := newManager(t, api, memkv.New())
		require.NoError(t, m.SetAuth(ctx, &users.User{ID: "u1"}, "t1", "r1"))

		require.Error(t, m.Login(ctx, "dev@example.com", "pw12345678"))
		require.True(t, m.State().IsAuthenticated)
		require.Equal(t, "t1", m.State().AccessToken)
	})
}

func TestLogin_LoadingTransitions(t *testing.T) {
	m := newManager(t, &fakeAPI{loginResp: authResponse("u1", "t1", "r1")}, memkv.New())

	var statuses []session.Status
	unsubscribe := m.Subscribe(func(s session.State) {
		statuses = append(statuses, s.Status())
	})
	require.NoError(t, m.Login(context.Background(), "dev@example.com", "pw12345678"))
	unsubscribe()

	require.Equal(t, []session.Status{session.StatusAuthenticating, session.StatusAuthenticated}, statuses)

	m.Logout(context.Background())
	require.Len(t, statuses, 2, "unsubscribed listener must not be called")
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	req := authapi.RegisterRequest{Email: "new@example.com", Password: "pw12345678", Nickname: "new", DeveloperType: users.DeveloperMobile}

	m := newManager(t, &fakeAPI{registerResp: authResponse("u2", "t2", "r2")}, memkv.New())
	require.NoError(t, m.Register(ctx, req))
	require.Equal(t, "u2", m.State().User.ID)

	failing := newManager(t, &fakeAPI{registerErr: errors.New("boom")}, memkv.New())
	require.Error(t, failing.Register(ctx, req))
	require.Equal(t, "registration failed", failing.State().LastError)
	require.False(t, failing.State().IsLoading)
}

func TestSetAuth(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, &fakeAPI{}, memkv.New())

	require.ErrorIs(t, m.SetAuth(ctx, nil, "t1", "r1"), apperrors.ErrValidation)
	require.ErrorIs(t, m.SetAuth(ctx, &users.User{ID: "u1"}, "", "r1"), apperrors.ErrValidation)
	require.False(t, m.State().IsAuthenticated)

	u := &users.User{ID: "u1", Nickname: "dev"}
	require.NoError(t, m.SetAuth(ctx, u, "t1", ""))
	u.Nickname = "mutated"
	require.Equal(t, "dev", m.State().User.Nickname)
	require.True(t, m.State().IsAuthenticated)
}

func TestSetAuth_StorageFailureIsSwallowed(t *testing.T) {
	kv := memkv.New()
	kv.FailWith(errors.New("disk full"))
	m := newManager(t, &fakeAPI{loginResp: authResponse("u1", "t1", "r1")}, kv)

	require.NoError(t, m.Login(context.Background(), "dev@example.com", "pw12345678"))
	require.True(t, m.State().IsAuthenticated)
}

func TestLogout_Idempotent(t *testing.T) {
	ctx := context.Background()
	kv := memkv.New()
	var hookCalls int
	m := newManager(t, &fakeAPI{}, kv, session.WithLogoutHook(func(context.Context) { hookCalls++ }))

	require.NoError(t, m.SetAuth(ctx, &users.User{ID: "u1"}, "t1", "r1"))
	require.Equal(t, 3, kv.Len())

	m.Logout(ctx)
	first := m.State()
	m.Logout(ctx)
	second := m.State()

	require.Equal(t, first, second)
	require.False(t, second.IsAuthenticated)
	require.Nil(t, second.User)
	require.Empty(t, second.AccessToken)
	require.Empty(t, second.RefreshToken)
	require.Zero(t, kv.Len())
	require.Equal(t, 1, hookCalls)
}

func TestSignOut(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{}
	m := newManager(t, api, memkv.New())

	m.SignOut(ctx)
	require.Zero(t, api.logoutCalls.Load(), "anonymous sign out must not call the backend")

	require.NoError(t, m.SetAuth(ctx, &users.User{ID: "u1"}, "t1", "r1"))
	m.SignOut(ctx)
	require.Equal(t, int32(1), api.logoutCalls.Load())
	require.False(t, m.State().IsAuthenticated)
}

func TestCheckAuthStatus_RoundTrip(t *testing.T) {
	ctx := context.Background()
	kv := memkv.New()

	first := newManager(t, &fakeAPI{loginResp: authResponse("u1", "t1", "r1")}, kv, session.WithPreferences(kv))
	require.NoError(t, first.Login(ctx, "dev@example.com", "pw12345678"))
	first.SetFirstLaunch(ctx, false)

	restarted := newManager(t, &fakeAPI{}, kv, session.WithPreferences(kv))
	require.True(t, restarted.State().IsFirstLaunch)
	restarted.CheckAuthStatus(ctx)

	s := restarted.State()
	require.True(t, s.IsAuthenticated)
	require.Equal(t, "u1", s.User.ID)
	require.Equal(t, "t1", s.AccessToken)
	require.Equal(t, "r1", s.RefreshToken)
	require.False(t, s.IsFirstLaunch)
}

func TestCheckAuthStatus_PartialRecord(t *testing.T) {
	ctx := context.Background()
	kv := memkv.New()
	require.NoError(t, kv.MultiSet(ctx, map[string]string{
		tokenstore.KeyAuthToken: "t1",
		tokenstore.KeyUserData:  `{"id":"u1"}`,
	}))

	m := newManager(t, &fakeAPI{}, kv)
	m.CheckAuthStatus(ctx)
	require.False(t, m.State().IsAuthenticated)
	require.Nil(t, m.State().User)
}

func TestCheckAuthStatus_StorageError(t *testing.T) {
	kv := memkv.New()
	kv.FailWith(errors.New("unreadable"))
	m := newManager(t, &fakeAPI{}, kv, session.WithPreferences(kv))

	m.CheckAuthStatus(context.Background())
	s := m.State()
	require.Equal(t, session.StatusAnonymous, s.Status())
	require.True(t, s.IsFirstLaunch)
}

func TestRefreshAuth(t *testing.T) {
	ctx := context.Background()

	t.Run("rotates both tokens", func(t *testing.T) {
		kv := memkv.New()
		api := &fakeAPI{refreshResp: &authapi.RefreshResponse{Token: "t2", RefreshToken: "r2"}}
		m := newManager(t, api, kv)
		require.NoError(t, m.SetAuth(ctx, &users.User{ID: "u1"}, "t1", "r1"))

		require.True(t, m.RefreshAuth(ctx))
		s := m.State()
		require.Equal(t, "t2", s.AccessToken)
		require.Equal(t, "r2", s.RefreshToken)
		require.Equal(t, "u1", s.User.ID)

		rec, err := tokenstore.New(kv).Load(ctx)
		require.NoError(t, err)
		require.Equal(t, "t2", rec.AccessToken)
		require.Equal(t, "r2", rec.RefreshToken)
	})

	t.Run("no refresh token", func(t *testing.T) {
		api := &fakeAPI{}
		m := newManager(t, api, memkv.New())
		require.NoError(t, m.SetAuth(ctx, &users.User{ID: "u1"}, "t1", ""))

		require.False(t, m.RefreshAuth(ctx))
		require.Zero(t, api.refreshCalls.Load())
		require.True(t, m.State().IsAuthenticated)
	})

	t.Run("failure logs out", func(t *testing.T) {
		kv := memkv.New()
		api := &fakeAPI{refreshErr: apperrors.NewStatusError(http.StatusUnauthorized, "expired", nil, true)}
		m := newManager(t, api, kv)
		require.NoError(t, m.SetAuth(ctx, &users.User{ID: "u1"}, "t1", "r1"))

		require.False(t, m.RefreshAuth(ctx))
		s := m.State()
		require.False(t, s.IsAuthenticated)
		require.Nil(t, s.User)
		require.Empty(t, s.AccessToken)
		require.Empty(t, s.RefreshToken)
		require.Zero(t, kv.Len())
	})
}

func TestRefreshAuth_ConcurrentCallersShareOneCall(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{
		refreshResp: &authapi.RefreshResponse{Token: "t2", RefreshToken: "r2"},
		refreshGate: make(chan struct{}),
		refreshSeen: make(chan struct{}),
	}
	m := newManager(t, api, memkv.New())
	require.NoError(t, m.SetAuth(ctx, &users.User{ID: "u1"}, "t1", "r1"))

	const callers = 8
	results := make(chan bool, callers)
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- m.RefreshAuth(ctx)
		}()
	}

	<-api.refreshSeen
	// give the remaining callers time to join the in-flight refresh
	time.Sleep(50 * time.Millisecond)
	close(api.refreshGate)
	wg.Wait()
	close(results)

	for ok := range results {
		require.True(t, ok)
	}
	require.Equal(t, int32(1), api.refreshCalls.Load())
	require.Equal(t, "t2", m.AccessToken())
}

func TestRefreshAuth_LogoutDuringRefreshWins(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{
		refreshResp: &authapi.RefreshResponse{Token: "t2", RefreshToken: "r2"},
		refreshGate: make(chan struct{}),
		refreshSeen: make(chan struct{}),
	}
	m := newManager(t, api, memkv.New())
	require.NoError(t, m.SetAuth(ctx, &users.User{ID: "u1"}, "t1", "r1"))

	done := make(chan bool)
	go func() { done <- m.RefreshAuth(ctx) }()

	<-api.refreshSeen
	m.Logout(ctx)
	close(api.refreshGate)

	require.False(t, <-done)
	require.False(t, m.State().IsAuthenticated)
	require.Empty(t, m.AccessToken())
}

func TestRefreshAuth_StaleFailureKeepsNewerLogin(t *testing.T) {
	ctx := context.Background()
	kv := memkv.New()
	api := &fakeAPI{
		loginResp:   authResponse("u2", "t2", "r2"),
		refreshErr:  apperrors.NewStatusError(http.StatusUnauthorized, "refresh token revoked", nil, true),
		refreshGate: make(chan struct{}),
		refreshSeen: make(chan struct{}),
	}
	var hookCalls atomic.Int32
	m := newManager(t, api, kv, session.WithLogoutHook(func(context.Context) { hookCalls.Add(1) }))
	require.NoError(t, m.SetAuth(ctx, &users.User{ID: "u1"}, "t1", "r1"))

	done := make(chan bool)
	go func() { done <- m.RefreshAuth(ctx) }()

	<-api.refreshSeen
	require.NoError(t, m.Login(ctx, "dev@example.com", "pw12345678"))
	close(api.refreshGate)

	require.True(t, <-done)
	s := m.State()
	require.True(t, s.IsAuthenticated)
	require.Equal(t, "u2", s.User.ID)
	require.Equal(t, "t2", s.AccessToken)
	require.Equal(t, "r2", s.RefreshToken)
	require.Zero(t, hookCalls.Load())

	rec, err := tokenstore.New(kv).Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, "u2", rec.User.ID)
	require.Equal(t, "t2", rec.AccessToken)
}

func TestSetUser(t *testing.T) {
	ctx := context.Background()
	kv := memkv.New()
	var hookCalls int
	m := newManager(t, &fakeAPI{}, kv, session.WithLogoutHook(func(context.Context) { hookCalls++ }))
	require.NoError(t, m.SetAuth(ctx, &users.User{ID: "u1"}, "t1", "r1"))

	m.SetUser(ctx, &users.User{ID: "u1", Nickname: "renamed"})
	rec, err := tokenstore.New(kv).Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "renamed", rec.User.Nickname)
	require.Equal(t, "t1", m.AccessToken())

	m.SetUser(ctx, nil)
	s := m.State()
	require.False(t, s.IsAuthenticated)
	require.Nil(t, s.User)
	require.Empty(t, s.AccessToken)
	require.Empty(t, s.RefreshToken)
	require.Zero(t, kv.Len())
	require.Equal(t, 1, hookCalls)
}

func TestInvariantHoldsAcrossOperations(t *testing.T) {
	ctx := context.Background()
	kv := memkv.New()
	api := &fakeAPI{
		loginResp:   authResponse("u1", "t1", "r1"),
		refreshResp: &authapi.RefreshResponse{Token: "t2", RefreshToken: "r2"},
	}
	m := newManager(t, api, kv)
	m.Subscribe(func(s session.State) { requireInvariant(t, s) })

	require.NoError(t, m.Login(ctx, "dev@example.com", "pw12345678"))
	require.True(t, m.RefreshAuth(ctx))
	m.SetUser(ctx, &users.User{ID: "u1", Nickname: "renamed"})
	m.SetUser(ctx, nil)
	requireInvariant(t, m.State())
	m.Logout(ctx)
	requireInvariant(t, m.State())
}

func TestClearError(t *testing.T) {
	m := newManager(t, &fakeAPI{loginErr: errors.New("nope")}, memkv.New())
	require.Error(t, m.Login(context.Background(), "dev@example.com", "pw12345678"))
	require.NotEmpty(t, m.State().LastError)
	m.ClearError()
	require.Empty(t, m.State().LastError)
}
