package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jrsteele09/go-devtracker-auth/authapi"
	apperrors "github.com/jrsteele09/go-devtracker-auth/internal/errors"
	"github.com/jrsteele09/go-devtracker-auth/internal/metrics"
	"github.com/jrsteele09/go-devtracker-auth/storage"
	"github.com/jrsteele09/go-devtracker-auth/token"
	"github.com/jrsteele09/go-devtracker-auth/tokenstore"
	"github.com/jrsteele09/go-devtracker-auth/users"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	// KeyPreferences holds the onboarding flag, separate from the auth record
	KeyPreferences = "auth-storage"

	loginFallback    = "login failed"
	registerFallback = "registration failed"
	refreshKey       = "refresh"
)

// API is the subset of the backend the manager calls.
type API interface {
	Login(ctx context.Context, req authapi.LoginRequest) (*authapi.AuthResponse, error)
	Register(ctx context.Context, req authapi.RegisterRequest) (*authapi.AuthResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*authapi.RefreshResponse, error)
	Logout(ctx context.Context) error
}

// Store persists the auth record. *tokenstore.Store implements it.
type Store interface {
	Save(ctx context.Context, rec tokenstore.Record) error
	Load(ctx context.Context) (*tokenstore.Record, error)
	Clear(ctx context.Context) error
}

var _ Store = (*tokenstore.Store)(nil)

type preferences struct {
	IsFirstLaunch bool `json:"isFirstLaunch"`
}

// Manager owns the single authoritative session. All mutations go through it
// and are mirrored to the token store before the mutating call returns.
type Manager struct {
	api   API
	store Store
	prefs storage.KV

	log     zerolog.Logger
	metrics *metrics.Recorder
	nowTime func() time.Time

	state     State
	stateLock sync.RWMutex

	persistLock sync.Mutex
	refreshes   singleflight.Group

	listeners     map[int]func(State)
	nextListener  int
	listenersLock sync.Mutex

	logoutHooks []func(ctx context.Context)
}

// ManagerOption defines a function type to modify the Manager instance.
type ManagerOption func(*Manager)

func WithLogger(log zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.log = log
	}
}

func WithMetrics(r *metrics.Recorder) ManagerOption {
	return func(m *Manager) {
		m.metrics = r
	}
}

// WithPreferences persists the first launch flag into kv.
func WithPreferences(kv storage.KV) ManagerOption {
	return func(m *Manager) {
		m.prefs = kv
	}
}

// WithLogoutHook registers fn to run after every logout that cleared a session.
func WithLogoutHook(fn func(ctx context.Context)) ManagerOption {
	return func(m *Manager) {
		if fn != nil {
			m.logoutHooks = append(m.logoutHooks, fn)
		}
	}
}

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.nowTime = nowFunc
	}
}

func NewManager(api API, store Store, options ...ManagerOption) (*Manager, error) {
	if api == nil {
		return nil, errors.New("[NewManager] api is required")
	}
	if store == nil {
		return nil, errors.New("[NewManager] store is required")
	}

	m := &Manager{
		api:       api,
		store:     store,
		log:       zerolog.Nop(),
		nowTime:   time.Now,
		state:     State{IsFirstLaunch: true},
		listeners: make(map[int]func(State)),
	}
	for _, opt := range options {
		opt(m)
	}
	return m, nil
}

// State returns a snapshot of the session.
func (m *Manager) State() State {
	m.stateLock.RLock()
	defer m.stateLock.RUnlock()
	return m.state.clone()
}

func (m *Manager) AccessToken() string {
	m.stateLock.RLock()
	defer m.stateLock.RUnlock()
	return m.state.AccessToken
}

// Subscribe registers fn to receive a snapshot after every mutation. The
// returned func removes it.
func (m *Manager) Subscribe(fn func(State)) func() {
	m.listenersLock.Lock()
	defer m.listenersLock.Unlock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = fn
	return func() {
		m.listenersLock.Lock()
		defer m.listenersLock.Unlock()
		delete(m.listeners, id)
	}
}

// update applies mutate in one critical section, restores the invariant and
// notifies listeners. It reports whether mutate changed anything.
func (m *Manager) update(mutate func(s *State) bool) bool {
	m.stateLock.Lock()
	if !mutate(&m.state) {
		m.stateLock.Unlock()
		return false
	}
	m.state.normalize()
	snapshot := m.state.clone()
	m.stateLock.Unlock()

	m.listenersLock.Lock()
	fns := make([]func(State), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.listenersLock.Unlock()

	for _, fn := range fns {
		fn(snapshot.clone())
	}
	return true
}

// persist mirrors the current auth state into the store. Writes are serialized
// and always use the state as of the write, so storage converges to memory.
// Failures are logged and never surface to the caller.
func (m *Manager) persist(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	m.persistLock.Lock()
	defer m.persistLock.Unlock()

	s := m.State()
	if s.IsAuthenticated {
		if err := m.store.Save(ctx, tokenstore.Record{
			User:         s.User,
			AccessToken:  s.AccessToken,
			RefreshToken: s.RefreshToken,
		}); err != nil {
			m.log.Err(err).Msg("failed to persist session")
		}
		return
	}
	if err := m.store.Clear(ctx); err != nil {
		m.log.Err(err).Msg("failed to clear persisted session")
	}
}

func (m *Manager) begin() {
	m.update(func(s *State) bool {
		s.IsLoading = true
		s.LastError = ""
		return true
	})
}

func (m *Manager) fail(err error, fallback string) {
	msg := apperrors.Message(err, fallback)
	m.update(func(s *State) bool {
		s.IsLoading = false
		s.LastError = msg
		return true
	})
}

// Login authenticates with email and password. On failure LastError holds the
// backend message or "login failed" and the session is otherwise unchanged.
func (m *Manager) Login(ctx context.Context, email, password string) error {
	m.begin()
	resp, err := m.api.Login(ctx, authapi.LoginRequest{Email: email, Password: password})
	if err != nil {
		m.log.Warn().Err(err).Str("email", email).Msg("login failed")
		m.fail(err, loginFallback)
		return errors.WithMessage(err, "[Manager.Login]")
	}
	m.authenticate(ctx, resp.User, resp.Token, resp.RefreshToken)
	m.log.Info().Str("user_id", resp.User.ID).Msg("logged in")
	return nil
}

// Register creates an account and logs the new user in.
func (m *Manager) Register(ctx context.Context, req authapi.RegisterRequest) error {
	m.begin()
	resp, err := m.api.Register(ctx, req)
	if err != nil {
		m.log.Warn().Err(err).Str("email", req.Email).Msg("registration failed")
		m.fail(err, registerFallback)
		return errors.WithMessage(err, "[Manager.Register]")
	}
	m.authenticate(ctx, resp.User, resp.Token, resp.RefreshToken)
	m.log.Info().Str("user_id", resp.User.ID).Msg("registered")
	return nil
}

// SetAuth switches to an authenticated session immediately, then persists it.
// The refresh token may be empty for sessions that cannot be refreshed.
func (m *Manager) SetAuth(ctx context.Context, user *users.User, accessToken, refreshToken string) error {
	if user == nil || accessToken == "" {
		return errors.Wrap(apperrors.ErrValidation, "[Manager.SetAuth] user and access token are required")
	}
	m.authenticate(ctx, user, accessToken, refreshToken)
	return nil
}

func (m *Manager) authenticate(ctx context.Context, user *users.User, accessToken, refreshToken string) {
	user = user.Clone()
	m.update(func(s *State) bool {
		s.User = user
		s.AccessToken = accessToken
		s.RefreshToken = refreshToken
		s.IsLoading = false
		s.LastError = ""
		return true
	})
	m.persist(ctx)
}

// RefreshAuth rotates the token pair. Concurrent callers share one call to
// the backend. A failed refresh logs out the session it was refreshing.
func (m *Manager) RefreshAuth(ctx context.Context) bool {
	ctx = context.WithoutCancel(ctx)
	_, err, shared := m.refreshes.Do(refreshKey, func() (any, error) {
		return nil, m.refresh(ctx)
	})
	if shared {
		m.log.Debug().Msg("joined in-flight refresh")
	}
	return err == nil
}

func (m *Manager) refresh(ctx context.Context) error {
	refreshToken := m.State().RefreshToken
	if refreshToken == "" {
		m.metrics.SessionRefreshed(metrics.OutcomeSkipped)
		return errors.Wrap(apperrors.ErrRefreshFailed, "no refresh token")
	}

	resp, err := m.api.Refresh(ctx, refreshToken)
	if err != nil {
		m.metrics.SessionRefreshed(metrics.OutcomeFailure)
		if !m.clearSession(ctx, func(s *State) bool { return s.RefreshToken == refreshToken }) {
			if m.State().IsAuthenticated {
				m.log.Info().Err(err).Msg("stale token refresh failed, keeping newer session")
				return nil
			}
			return errors.Wrap(apperrors.ErrRefreshFailed, err.Error())
		}
		m.log.Warn().Err(err).Msg("token refresh failed, logged out")
		return errors.Wrap(apperrors.ErrRefreshFailed, err.Error())
	}

	// a logout or new login while the call was in flight wins over this result
	applied := m.update(func(s *State) bool {
		if s.RefreshToken != refreshToken || s.User == nil {
			return false
		}
		s.AccessToken = resp.Token
		s.RefreshToken = resp.RefreshToken
		return true
	})
	if !applied {
		if m.State().IsAuthenticated {
			return nil
		}
		m.metrics.SessionRefreshed(metrics.OutcomeFailure)
		return errors.Wrap(apperrors.ErrRefreshFailed, "session ended during refresh")
	}

	m.persist(ctx)
	m.metrics.SessionRefreshed(metrics.OutcomeSuccess)
	m.log.Debug().Time("expires_at", token.Expiry(resp.Token)).Msg("tokens refreshed")
	return nil
}

// Logout clears the session and the persisted record. Logging out an
// anonymous session is a no-op.
func (m *Manager) Logout(ctx context.Context) {
	if m.clearSession(ctx, nil) {
		m.log.Info().Msg("logged out")
	}
}

// clearSession clears a non-anonymous session for which match holds, then
// persists and runs the logout hooks. A nil match clears any session.
func (m *Manager) clearSession(ctx context.Context, match func(*State) bool) bool {
	cleared := m.update(func(s *State) bool {
		if s.User == nil && s.AccessToken == "" && s.RefreshToken == "" {
			return false
		}
		if match != nil && !match(s) {
			return false
		}
		s.clearAuth()
		return true
	})
	if !cleared {
		return false
	}
	m.persist(ctx)
	for _, hook := range m.logoutHooks {
		hook(context.WithoutCancel(ctx))
	}
	return true
}

// SignOut tells the backend to end the session, then logs out locally even if
// the backend call fails.
func (m *Manager) SignOut(ctx context.Context) {
	if m.State().IsAuthenticated {
		if err := m.api.Logout(ctx); err != nil {
			m.log.Warn().Err(err).Msg("backend logout failed")
		}
	}
	m.Logout(ctx)
}

// CheckAuthStatus restores a persisted session without any network call.
// Storage failures are logged and treated as no stored session.
func (m *Manager) CheckAuthStatus(ctx context.Context) {
	m.restorePreferences(ctx)

	rec, err := m.store.Load(ctx)
	if err != nil {
		m.log.Err(err).Msg("failed to restore session")
		return
	}
	if rec == nil {
		m.log.Debug().Msg("no stored session")
		return
	}

	m.update(func(s *State) bool {
		s.User = rec.User
		s.AccessToken = rec.AccessToken
		s.RefreshToken = rec.RefreshToken
		return true
	})

	log := m.log.Info().Str("user_id", rec.User.ID)
	if token.Expired(rec.AccessToken, m.nowTime()) {
		log = log.Bool("access_token_expired", true)
	}
	log.Msg("session restored")
}

// SetUser replaces the profile of the current session. A nil user ends the
// session the same way Logout does.
func (m *Manager) SetUser(ctx context.Context, user *users.User) {
	if user == nil {
		m.Logout(ctx)
		return
	}
	user = user.Clone()
	m.update(func(s *State) bool {
		s.User = user
		return true
	})
	m.persist(ctx)
}

func (m *Manager) ClearError() {
	m.update(func(s *State) bool {
		if s.LastError == "" {
			return false
		}
		s.LastError = ""
		return true
	})
}

func (m *Manager) SetFirstLaunch(ctx context.Context, firstLaunch bool) {
	m.update(func(s *State) bool {
		s.IsFirstLaunch = firstLaunch
		return true
	})
	if m.prefs == nil {
		return
	}
	data, err := json.Marshal(preferences{IsFirstLaunch: firstLaunch})
	if err != nil {
		m.log.Err(err).Msg("failed to encode preferences")
		return
	}
	if err := m.prefs.Set(context.WithoutCancel(ctx), KeyPreferences, string(data)); err != nil {
		m.log.Err(err).Msg("failed to persist preferences")
	}
}

func (m *Manager) restorePreferences(ctx context.Context) {
	if m.prefs == nil {
		return
	}
	raw, ok, err := m.prefs.Get(ctx, KeyPreferences)
	if err != nil {
		m.log.Err(err).Msg("failed to read preferences")
		return
	}
	if !ok {
		return
	}
	var p preferences
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		m.log.Warn().Err(err).Msg("ignoring malformed preferences")
		return
	}
	m.update(func(s *State) bool {
		s.IsFirstLaunch = p.IsFirstLaunch
		return true
	})
}
