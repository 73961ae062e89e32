package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/jrsteele09/go-devtracker-auth/internal/errors"
	"github.com/jrsteele09/go-devtracker-auth/internal/metrics"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	defaultTimeout   = 10 * time.Second
	requestIDHeader  = "X-Request-ID"
	maxResponseBytes = 4 << 20
)

// Session is the part of the session manager the gateway relies on.
type Session interface {
	AccessToken() string
	RefreshAuth(ctx context.Context) bool
	Logout(ctx context.Context)
}

// Request describes one backend call. The gateway never mutates it.
type Request struct {
	Method string
	Path   string // relative to the base URL, e.g. "/auth/login"
	Query  url.Values
	Body   any // JSON encoded when non-nil
	Header http.Header

	// SkipAuthRefresh keeps a 401 from entering the refresh cycle (login, register, refresh)
	SkipAuthRefresh bool
	// Credentials marks endpoints where a 401 means the supplied credentials were wrong
	Credentials bool
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return errors.New("empty response body")
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return errors.Wrap(err, "decode response body")
	}
	return nil
}

// envelope carries the per-request retry bookkeeping so caller requests stay untouched.
type envelope struct {
	req        *Request
	retryCount int
}

// Client is the single HTTP client for the DevTracker API. It attaches the
// session's bearer token and turns one 401 per request into a refresh-and-retry.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	userAgent  string
	log        zerolog.Logger
	metrics    *metrics.Recorder

	session     Session
	sessionLock sync.RWMutex
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout sets the fixed per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

func WithMetrics(r *metrics.Recorder) Option {
	return func(c *Client) {
		c.metrics = r
	}
}

func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

func New(baseURL string, options ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: http.DefaultClient,
		timeout:    defaultTimeout,
		userAgent:  "DevTracker-App",
		log:        zerolog.Nop(),
	}
	for _, opt := range options {
		opt(c)
	}

	// copy so the timeout never leaks into a caller supplied client
	hc := *c.httpClient
	hc.Timeout = c.timeout
	c.httpClient = &hc
	return c
}

// Bind attaches the session whose token is sent and refreshed. Without a
// session the client sends anonymous requests and never refreshes.
func (c *Client) Bind(s Session) {
	c.sessionLock.Lock()
	defer c.sessionLock.Unlock()
	c.session = s
}

func (c *Client) boundSession() Session {
	c.sessionLock.RLock()
	defer c.sessionLock.RUnlock()
	return c.session
}

// Do sends the request. Non-2xx responses are returned as *errors.StatusError;
// transport failures and timeouts wrap errors.ErrNetwork.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, errors.New("[gateway.Do] request is required")
	}
	env := &envelope{req: req}

	for {
		resp, sentToken, err := c.send(ctx, env)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		statusErr := apperrors.NewStatusError(resp.StatusCode, backendMessage(resp.Body), resp.Body, req.Credentials)
		if resp.StatusCode != http.StatusUnauthorized || !c.canRefresh(env) {
			return nil, statusErr
		}

		env.retryCount++
		if !c.refresh(ctx, env, sentToken) {
			return nil, statusErr
		}
	}
}

func (c *Client) canRefresh(env *envelope) bool {
	if env.retryCount > 0 || env.req.SkipAuthRefresh {
		return false
	}
	if env.req.Header.Get("Authorization") != "" {
		return false
	}
	return c.boundSession() != nil
}

// refresh runs the single refresh cycle for env. sentToken is the token the
// rejected request carried; if the session already holds a newer one another
// request has refreshed and only the retry is needed.
func (c *Client) refresh(ctx context.Context, env *envelope, sentToken string) bool {
	s := c.boundSession()
	log := c.log.With().Str("method", env.req.Method).Str("path", env.req.Path).Logger()

	if current := s.AccessToken(); current != "" && current != sentToken {
		log.Debug().Msg("token already refreshed, retrying")
		c.metrics.GatewayRefreshed(metrics.OutcomeSkipped)
		return true
	}

	if s.RefreshAuth(ctx) {
		log.Debug().Msg("refreshed after 401, retrying")
		c.metrics.GatewayRefreshed(metrics.OutcomeSuccess)
		return true
	}

	log.Warn().Msg("refresh after 401 failed, logging out")
	c.metrics.GatewayRefreshed(metrics.OutcomeFailure)
	s.Logout(ctx)
	return false
}

// send performs one HTTP exchange and reports the bearer token it attached.
func (c *Client) send(ctx context.Context, env *envelope) (*Response, string, error) {
	req := env.req
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, "", errors.Wrap(err, "[gateway.send] encode body")
		}
		body = bytes.NewReader(data)
	}

	target := c.baseURL + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, "", errors.Wrap(err, "[gateway.send] build request")
	}

	for k, v := range req.Header {
		httpReq.Header[k] = append([]string(nil), v...)
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}
	requestID := uuid.New().String()
	httpReq.Header.Set(requestIDHeader, requestID)

	var sentToken string
	if httpReq.Header.Get("Authorization") == "" {
		if s := c.boundSession(); s != nil {
			if sentToken = s.AccessToken(); sentToken != "" {
				httpReq.Header.Set("Authorization", "Bearer "+sentToken)
			}
		}
	}

	log := c.log.With().
		Str("request_id", requestID).
		Str("method", method).
		Str("path", req.Path).
		Int("retry", env.retryCount).
		Logger()

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.metrics.Request(0)
		log.Debug().Err(err).Msg("request failed")
		return nil, "", fmt.Errorf("%s %s: %w: %w", method, req.Path, apperrors.ErrNetwork, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		c.metrics.Request(0)
		return nil, "", fmt.Errorf("%s %s: read body: %w: %w", method, req.Path, apperrors.ErrNetwork, err)
	}

	c.metrics.Request(httpResp.StatusCode)
	log.Debug().
		Int("status", httpResp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("response")

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
	}, sentToken, nil
}

// backendMessage pulls the human readable message out of an error body.
func backendMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if len(body) == 0 || json.Unmarshal(body, &payload) != nil {
		return ""
	}
	if payload.Message != "" {
		return payload.Message
	}
	return payload.Error
}
