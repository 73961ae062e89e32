package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jrsteele09/go-devtracker-auth/authapi"
	"github.com/jrsteele09/go-devtracker-auth/federation"
	"github.com/jrsteele09/go-devtracker-auth/federation/browser"
	"github.com/jrsteele09/go-devtracker-auth/gateway"
	"github.com/jrsteele09/go-devtracker-auth/internal/config"
	"github.com/jrsteele09/go-devtracker-auth/internal/logging"
	"github.com/jrsteele09/go-devtracker-auth/internal/metrics"
	"github.com/jrsteele09/go-devtracker-auth/session"
	"github.com/jrsteele09/go-devtracker-auth/storage"
	"github.com/jrsteele09/go-devtracker-auth/storage/filekv"
	"github.com/jrsteele09/go-devtracker-auth/tokenstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// App is the explicit root of the client. Everything that would otherwise be
// a process global hangs off it.
type App struct {
	Config   config.Config
	Log      zerolog.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Recorder
	Storage  storage.KV
	Gateway  *gateway.Client
	API      *authapi.Client
	Session  *session.Manager
	GitHub   *federation.Flow
}

type options struct {
	kv         storage.KV
	browser    federation.Browser
	opener     federation.Opener
	httpClient *http.Client
	log        *zerolog.Logger
}

type Option func(*options)

// WithStorage replaces the file backed store.
func WithStorage(kv storage.KV) Option {
	return func(o *options) {
		o.kv = kv
	}
}

func WithBrowser(b federation.Browser) Option {
	return func(o *options) {
		o.browser = b
	}
}

func WithOpener(op federation.Opener) Option {
	return func(o *options) {
		o.opener = op
	}
}

// WithHTTPClient is used for both the DevTracker API and GitHub.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) {
		o.httpClient = hc
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(o *options) {
		o.log = &log
	}
}

// New wires the client from cfg.
func New(cfg config.Config, opts ...Option) (*App, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	log := logging.New(cfg.GetLogLevel(), cfg.IsDev())
	if o.log != nil {
		log = *o.log
	}
	log = log.With().Str("app", cfg.GetAppName()).Logger()

	registry := prometheus.NewRegistry()
	recorder, err := metrics.New(registry)
	if err != nil {
		return nil, fmt.Errorf("[app.New] metrics: %w", err)
	}

	kv := o.kv
	if kv == nil {
		fileStore, err := filekv.New(cfg.GetStorageFile(), filekv.WithPassphrase(cfg.GetStoragePassphrase()))
		if err != nil {
			return nil, fmt.Errorf("[app.New] storage: %w", err)
		}
		kv = fileStore
	}

	gw := gateway.New(cfg.GetAPIBaseURL(),
		gateway.WithHTTPClient(o.httpClient),
		gateway.WithTimeout(cfg.GetAPITimeout()),
		gateway.WithLogger(log.With().Str("component", "gateway").Logger()),
		gateway.WithMetrics(recorder),
	)
	api := authapi.New(gw)

	opener := o.opener
	if opener == nil {
		opener = browser.SystemOpener{}
	}
	authBrowser := o.browser
	if authBrowser == nil {
		authBrowser = browser.NewLoopback(opener, browser.WithLogger(log.With().Str("component", "loopback").Logger()))
	}

	a := &App{
		Config:   cfg,
		Log:      log,
		Registry: registry,
		Metrics:  recorder,
		Storage:  kv,
		Gateway:  gw,
		API:      api,
	}

	mgr, err := session.NewManager(api, tokenstore.New(kv),
		session.WithLogger(log.With().Str("component", "session").Logger()),
		session.WithMetrics(recorder),
		session.WithPreferences(kv),
		session.WithLogoutHook(a.forgetProviderTokens),
	)
	if err != nil {
		return nil, fmt.Errorf("[app.New] session: %w", err)
	}
	gw.Bind(mgr)
	a.Session = mgr

	flowOptions := []federation.FlowOption{
		federation.WithOpener(opener),
		federation.WithLogger(log.With().Str("component", "github").Logger()),
		federation.WithMetrics(recorder),
	}
	if o.httpClient != nil {
		flowOptions = append(flowOptions, federation.WithHTTPClient(o.httpClient))
	}
	flow, err := federation.New(federation.Config{
		ClientID:     cfg.GetGitHubClientID(),
		ClientSecret: cfg.GetGitHubClientSecret(),
		RedirectURI:  cfg.GetGitHubRedirectURI(),
		Scopes:       cfg.GetGitHubScopes(),
		AuthURL:      cfg.GetGitHubAuthURL(),
		TokenURL:     cfg.GetGitHubTokenURL(),
		APIURL:       cfg.GetGitHubAPIURL(),
	}, authBrowser, api, mgr, kv, flowOptions...)
	if err != nil {
		return nil, fmt.Errorf("[app.New] github: %w", err)
	}
	a.GitHub = flow

	return a, nil
}

// Start restores any persisted session. It never calls the network.
func (a *App) Start(ctx context.Context) {
	a.Session.CheckAuthStatus(ctx)
}

// Logout ends the backend session and clears every stored token.
func (a *App) Logout(ctx context.Context) {
	a.Session.SignOut(ctx)
}

func (a *App) forgetProviderTokens(ctx context.Context) {
	if a.GitHub == nil {
		return
	}
	if err := a.GitHub.SignOut(ctx); err != nil {
		a.Log.Err(err).Msg("failed to clear github tokens")
	}
}
