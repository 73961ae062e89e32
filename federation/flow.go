package federation

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/jrsteele09/go-devtracker-auth/authapi"
	apperrors "github.com/jrsteele09/go-devtracker-auth/internal/errors"
	"github.com/jrsteele09/go-devtracker-auth/internal/metrics"
	"github.com/jrsteele09/go-devtracker-auth/storage"
	"github.com/jrsteele09/go-devtracker-auth/users"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// Storage keys written after a successful sign-in
const (
	KeyGitHubToken     = "github_access_token"
	KeyDevTrackerToken = "devtracker_token"
)

const (
	stateLength = 16

	msgCancelled   = "login_cancelled"
	msgDismissed   = "authentication failed"
	msgUnavailable = "in-app browser unavailable, continue in the system browser"
	msgMissingCode = "authorization code not found in callback"
	msgState       = "state mismatch, please try again"
	msgNetwork     = "network error, please try again"
	msgExchange    = "failed to exchange authorization code"
	msgProfile     = "failed to fetch GitHub profile"
	msgBackend     = "GitHub login failed"
)

// Phase is the step the sign-in is currently in.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAwaitingProviderRedirect
	PhaseExchangingCode
	PhaseFetchingProviderProfile
	PhaseAuthenticatingWithBackend
	PhaseComplete
)

func (p Phase) String() string {
	switch p {
	case PhaseAwaitingProviderRedirect:
		return "awaiting_provider_redirect"
	case PhaseExchangingCode:
		return "exchanging_code"
	case PhaseFetchingProviderProfile:
		return "fetching_provider_profile"
	case PhaseAuthenticatingWithBackend:
		return "authenticating_with_backend"
	case PhaseComplete:
		return "complete"
	default:
		return "idle"
	}
}

// Backend exchanges the provider identity for a DevTracker session.
type Backend interface {
	GitHub(ctx context.Context, req authapi.GitHubRequest) (*authapi.GitHubResponse, error)
}

// Session receives the DevTracker session once sign-in succeeds.
type Session interface {
	SetAuth(ctx context.Context, user *users.User, accessToken, refreshToken string) error
}

// Config describes the GitHub OAuth app.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
	AuthURL      string
	TokenURL     string
	APIURL       string
}

// Result is what SignIn reports. Err keeps the typed error behind Error.
type Result struct {
	Success bool
	User    *users.User
	Token   string
	Error   string
	Err     error
}

// StoredTokens are the provider and backend tokens kept after sign-in.
type StoredTokens struct {
	GitHubToken     string
	DevTrackerToken string
}

// Flow runs the GitHub authorization code flow and hands the resulting
// DevTracker session to Session.
type Flow struct {
	oauth   *oauth2.Config
	apiURL  string
	browser Browser
	opener  Opener
	backend Backend
	session Session
	kv      storage.KV

	httpClient *http.Client
	parseQuery QueryParser
	onPhase    func(Phase)
	log        zerolog.Logger
	metrics    *metrics.Recorder
}

type FlowOption func(*Flow)

// WithOpener is used to fall back to the system browser.
func WithOpener(o Opener) FlowOption {
	return func(f *Flow) {
		f.opener = o
	}
}

func WithHTTPClient(hc *http.Client) FlowOption {
	return func(f *Flow) {
		if hc != nil {
			f.httpClient = hc
		}
	}
}

// WithQueryParser replaces the redirect URL parser. The pattern scan is used
// whenever it fails.
func WithQueryParser(p QueryParser) FlowOption {
	return func(f *Flow) {
		f.parseQuery = p
	}
}

// WithPhaseListener reports every phase change to fn.
func WithPhaseListener(fn func(Phase)) FlowOption {
	return func(f *Flow) {
		f.onPhase = fn
	}
}

func WithLogger(log zerolog.Logger) FlowOption {
	return func(f *Flow) {
		f.log = log
	}
}

func WithMetrics(r *metrics.Recorder) FlowOption {
	return func(f *Flow) {
		f.metrics = r
	}
}

func New(cfg Config, browser Browser, backend Backend, session Session, kv storage.KV, options ...FlowOption) (*Flow, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("[federation.New] client id is required")
	}
	if cfg.RedirectURI == "" {
		return nil, errors.New("[federation.New] redirect uri is required")
	}
	if browser == nil {
		return nil, errors.New("[federation.New] browser is required")
	}
	if backend == nil {
		return nil, errors.New("[federation.New] backend is required")
	}
	if session == nil {
		return nil, errors.New("[federation.New] session is required")
	}
	if kv == nil {
		return nil, errors.New("[federation.New] storage is required")
	}

	f := &Flow{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		apiURL:     strings.TrimRight(cfg.APIURL, "/"),
		browser:    browser,
		backend:    backend,
		session:    session,
		kv:         kv,
		httpClient: http.DefaultClient,
		parseQuery: parseQuery,
		log:        zerolog.Nop(),
	}
	for _, opt := range options {
		opt(f)
	}
	return f, nil
}

// flowError carries the user facing message alongside the typed error.
type flowError struct {
	kind  error
	msg   string
	cause error
}

func (e *flowError) Error() string {
	return e.msg
}

func (e *flowError) Unwrap() []error {
	if e.cause == nil {
		return []error{e.kind}
	}
	return []error{e.kind, e.cause}
}

func fail(kind error, msg string, cause error) error {
	return &flowError{kind: kind, msg: msg, cause: cause}
}

func (f *Flow) phase(p Phase) {
	f.log.Debug().Stringer("phase", p).Msg("github sign-in")
	if f.onPhase != nil {
		f.onPhase(p)
	}
}

// SignIn runs the whole flow. Every failure is reported through the Result;
// on failure nothing is persisted and the session is left untouched.
func (f *Flow) SignIn(ctx context.Context) Result {
	res, err := f.signIn(ctx)
	if err == nil {
		f.metrics.SignIn(metrics.OutcomeSuccess)
		return res
	}

	f.phase(PhaseIdle)
	var msg string
	var fe *flowError
	switch {
	case errors.As(err, &fe):
		msg = fe.msg
	case errors.Is(err, apperrors.ErrNetwork):
		msg = msgNetwork
	default:
		msg = msgBackend
	}

	if errors.Is(err, apperrors.ErrUserCancelled) {
		f.metrics.SignIn(metrics.OutcomeCancelled)
		f.log.Info().Msg("github sign-in cancelled")
	} else {
		f.metrics.SignIn(metrics.OutcomeFailure)
		f.log.Warn().Err(err).Msg("github sign-in failed")
	}
	return Result{Success: false, Error: msg, Err: err}
}

func (f *Flow) signIn(ctx context.Context) (Result, error) {
	state, err := newState()
	if err != nil {
		return Result{}, errors.Wrap(err, "[Flow.SignIn] generate state")
	}

	verifier := oauth2.GenerateVerifier()

	f.phase(PhaseAwaitingProviderRedirect)
	callbackURL, err := f.authorize(ctx, state, verifier)
	if err != nil {
		return Result{}, err
	}

	code, err := f.callbackCode(callbackURL, state)
	if err != nil {
		return Result{}, err
	}

	f.phase(PhaseExchangingCode)
	httpCtx := context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
	tok, err := f.oauth.Exchange(httpCtx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return Result{}, exchangeError(err)
	}

	f.phase(PhaseFetchingProviderProfile)
	profile, err := f.fetchProfile(httpCtx, tok)
	if err != nil {
		return Result{}, err
	}

	f.phase(PhaseAuthenticatingWithBackend)
	resp, err := f.backend.GitHub(ctx, authapi.GitHubRequest{
		GitHubAccessToken: tok.AccessToken,
		GitHubUser:        *profile,
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrNetwork) {
			return Result{}, fail(apperrors.ErrNetwork, msgNetwork, err)
		}
		return Result{}, fail(apperrors.ErrBackendRejected, apperrors.Message(err, msgBackend), err)
	}
	if !resp.Success || resp.Data == nil {
		msg := resp.Message
		if msg == "" {
			msg = msgBackend
		}
		return Result{}, fail(apperrors.ErrBackendRejected, msg, nil)
	}

	data := resp.Data
	if err := f.kv.MultiSet(ctx, map[string]string{
		KeyGitHubToken:     tok.AccessToken,
		KeyDevTrackerToken: data.Token,
	}); err != nil {
		f.log.Err(err).Msg("failed to store github tokens")
	}
	if err := f.session.SetAuth(ctx, data.User, data.Token, data.RefreshToken); err != nil {
		return Result{}, fail(apperrors.ErrBackendRejected, msgBackend, err)
	}

	f.phase(PhaseComplete)
	f.log.Info().Str("user_id", data.User.ID).Str("github_login", profile.Login).Msg("github sign-in complete")
	return Result{Success: true, User: data.User.Clone(), Token: data.Token}, nil
}

// authorize sends the user to GitHub and returns the callback URL.
func (f *Flow) authorize(ctx context.Context, state, verifier string) (string, error) {
	authURL := f.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))

	res, err := f.browser.OpenAuth(ctx, authURL, f.oauth.RedirectURL)
	if err != nil {
		return "", fail(apperrors.ErrBrowserUnavailable, msgUnavailable, err)
	}

	switch res.Outcome {
	case OutcomeSuccess:
		return res.URL, nil
	case OutcomeCancelled:
		return "", fail(apperrors.ErrUserCancelled, msgCancelled, nil)
	case OutcomeUnavailable:
		if f.opener == nil {
			return "", fail(apperrors.ErrBrowserUnavailable, msgUnavailable, nil)
		}
		if err := f.opener.OpenURL(ctx, authURL); err != nil {
			return "", fail(apperrors.ErrBrowserUnavailable, msgUnavailable, err)
		}
		f.log.Info().Msg("opened github authorization in the system browser")
		return "", fail(apperrors.ErrBrowserUnavailable, msgUnavailable, nil)
	default:
		return "", fail(apperrors.ErrProviderRejected, msgDismissed, nil)
	}
}

func (f *Flow) callbackCode(callbackURL, state string) (string, error) {
	params := extractParams(callbackURL, f.parseQuery)

	if providerErr := params.Get("error"); providerErr != "" {
		if providerErr == "access_denied" {
			return "", fail(apperrors.ErrUserCancelled, msgCancelled, nil)
		}
		msg := params.Get("error_description")
		if msg == "" {
			msg = providerErr
		}
		return "", fail(apperrors.ErrProviderRejected, msg, nil)
	}

	code := params.Get("code")
	if code == "" {
		return "", fail(apperrors.ErrMissingCode, msgMissingCode, nil)
	}
	if params.Get("state") != state {
		return "", fail(apperrors.ErrStateMismatch, msgState, nil)
	}
	return code, nil
}

func exchangeError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		msg := re.ErrorDescription
		if msg == "" {
			msg = re.ErrorCode
		}
		if msg == "" {
			msg = msgExchange
		}
		return fail(apperrors.ErrProviderRejected, msg, err)
	}
	return fail(apperrors.ErrNetwork, msgNetwork, err)
}

// SignOut forgets the stored provider and backend tokens.
func (f *Flow) SignOut(ctx context.Context) error {
	if err := f.kv.MultiRemove(ctx, KeyGitHubToken, KeyDevTrackerToken); err != nil {
		return errors.Wrap(err, "[Flow.SignOut]")
	}
	return nil
}

// HasProviderToken reports whether a GitHub access token is stored.
func (f *Flow) HasProviderToken(ctx context.Context) bool {
	v, ok, err := f.kv.Get(ctx, KeyGitHubToken)
	if err != nil {
		f.log.Err(err).Msg("failed to read github token")
		return false
	}
	return ok && v != ""
}

func (f *Flow) StoredTokens(ctx context.Context) (StoredTokens, error) {
	values, err := f.kv.MultiGet(ctx, KeyGitHubToken, KeyDevTrackerToken)
	if err != nil {
		return StoredTokens{}, errors.Wrap(err, "[Flow.StoredTokens]")
	}
	return StoredTokens{
		GitHubToken:     values[KeyGitHubToken],
		DevTrackerToken: values[KeyDevTrackerToken],
	}, nil
}

func newState() (string, error) {
	b := make([]byte, stateLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
