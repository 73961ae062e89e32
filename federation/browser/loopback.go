package browser

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/jrsteele09/go-devtracker-auth/federation"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var _ federation.Browser = (*Loopback)(nil)

const callbackPage = `<!DOCTYPE html>
<html>
<head><title>DevTracker</title></head>
<body>
<h2>%s</h2>
<p>You can close this window and return to DevTracker.</p>
</body>
</html>`

// Loopback completes the redirect on a local listener. It only serves
// http redirect URIs on 127.0.0.1, ::1 or localhost.
type Loopback struct {
	opener federation.Opener
	log    zerolog.Logger
}

type LoopbackOption func(*Loopback)

func WithLogger(log zerolog.Logger) LoopbackOption {
	return func(l *Loopback) {
		l.log = log
	}
}

func NewLoopback(opener federation.Opener, options ...LoopbackOption) *Loopback {
	l := &Loopback{opener: opener, log: zerolog.Nop()}
	for _, opt := range options {
		opt(l)
	}
	return l
}

// OpenAuth opens authURL in the system browser and waits for the first request
// to the redirect path. Cancelling ctx ends the wait with OutcomeCancelled.
func (l *Loopback) OpenAuth(ctx context.Context, authURL, redirectURI string) (federation.BrowserResult, error) {
	redirect, err := url.Parse(redirectURI)
	if err != nil || !isLoopback(redirect) {
		return federation.BrowserResult{Outcome: federation.OutcomeUnavailable}, nil
	}

	listener, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return federation.BrowserResult{}, errors.Wrapf(err, "[Loopback.OpenAuth] listen on %s", redirect.Host)
	}

	callbacks := make(chan *url.URL, 1)
	path := redirect.Path
	if path == "" {
		path = "/"
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		callback := *redirect
		callback.RawQuery = r.URL.RawQuery

		heading := "Signed in"
		if r.URL.Query().Get("error") != "" {
			heading = "Sign-in was not completed"
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprintf(w, callbackPage, heading)

		select {
		case callbacks <- &callback:
		default:
		}
	})

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.log.Err(err).Msg("loopback listener stopped")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			l.log.Warn().Err(err).Msg("loopback shutdown")
		}
	}()

	if err := l.opener.OpenURL(ctx, authURL); err != nil {
		return federation.BrowserResult{}, errors.Wrap(err, "[Loopback.OpenAuth] open browser")
	}
	l.log.Info().Str("listen", redirect.Host).Msg("waiting for github redirect")

	select {
	case callback := <-callbacks:
		if callback.Query().Get("error") == "access_denied" {
			return federation.BrowserResult{Outcome: federation.OutcomeCancelled}, nil
		}
		return federation.BrowserResult{Outcome: federation.OutcomeSuccess, URL: callback.String()}, nil
	case <-ctx.Done():
		return federation.BrowserResult{Outcome: federation.OutcomeCancelled}, nil
	}
}

// IsLoopbackRedirect reports whether redirectURI can be served by a Loopback,
// that is an http URL on localhost or a loopback IP with an explicit port.
func IsLoopbackRedirect(redirectURI string) bool {
	u, err := url.Parse(redirectURI)
	return err == nil && isLoopback(u)
}

func isLoopback(u *url.URL) bool {
	if u.Scheme != "http" || u.Port() == "" {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
