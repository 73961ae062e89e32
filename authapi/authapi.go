package authapi

import (
	"context"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/jrsteele09/go-devtracker-auth/gateway"
	apperrors "github.com/jrsteele09/go-devtracker-auth/internal/errors"
	"github.com/jrsteele09/go-devtracker-auth/users"
	"github.com/pkg/errors"
)

// Backend endpoints, relative to the API base URL
const (
	PathLogin    = "/auth/login"
	PathRegister = "/auth/register"
	PathRefresh  = "/auth/refresh"
	PathLogout   = "/auth/logout"
	PathGitHub   = "/auth/github"
	PathMe       = "/users/me"
)

// Doer sends requests through the gateway.
type Doer interface {
	Do(ctx context.Context, req *gateway.Request) (*gateway.Response, error)
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type RegisterRequest struct {
	Email          string              `json:"email" validate:"required,email"`
	Password       string              `json:"password" validate:"required,min=8"`
	Nickname       string              `json:"nickname" validate:"required"`
	DeveloperType  users.DeveloperType `json:"developerType" validate:"required,oneof=FRONTEND BACKEND FULLSTACK MOBILE DESIGNER DEVOPS OTHER"`
	HourlyRate     *float64            `json:"hourlyRate,omitempty" validate:"omitempty,gte=0"`
	GitHubUsername string              `json:"githubUsername,omitempty"`
}

// AuthResponse is returned by login and register.
type AuthResponse struct {
	User         *users.User `json:"user" validate:"required"`
	Token        string      `json:"token" validate:"required"`
	RefreshToken string      `json:"refreshToken" validate:"required"`
}

// RefreshResponse carries the rotated token pair.
type RefreshResponse struct {
	Token        string `json:"token" validate:"required"`
	RefreshToken string `json:"refreshToken" validate:"required"`
}

// GitHubUser is the provider profile forwarded to the backend.
type GitHubUser struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

type GitHubRequest struct {
	GitHubAccessToken string     `json:"githubAccessToken"`
	GitHubUser        GitHubUser `json:"githubUser"`
}

type GitHubSession struct {
	User         *users.User `json:"user" validate:"required"`
	Token        string      `json:"token" validate:"required"`
	RefreshToken string      `json:"refreshToken,omitempty"`
}

// GitHubResponse reports success in-band; Data is only set on success.
type GitHubResponse struct {
	Success bool           `json:"success"`
	Data    *GitHubSession `json:"data,omitempty"`
	Message string         `json:"message,omitempty"`
}

// Client wraps the DevTracker authentication endpoints.
type Client struct {
	gw       Doer
	validate *validator.Validate
}

func New(gw Doer) *Client {
	return &Client{gw: gw, validate: validator.New()}
}

// Login exchanges credentials for a session. A 401 unwraps to ErrInvalidCredentials.
func (c *Client) Login(ctx context.Context, req LoginRequest) (*AuthResponse, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrValidation, "[authapi.Login] %v", err)
	}
	var out AuthResponse
	if err := c.call(ctx, &gateway.Request{
		Method:          http.MethodPost,
		Path:            PathLogin,
		Body:            req,
		SkipAuthRefresh: true,
		Credentials:     true,
	}, &out); err != nil {
		return nil, errors.WithMessage(err, "[authapi.Login]")
	}
	return &out, nil
}

func (c *Client) Register(ctx context.Context, req RegisterRequest) (*AuthResponse, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrValidation, "[authapi.Register] %v", err)
	}
	var out AuthResponse
	if err := c.call(ctx, &gateway.Request{
		Method:          http.MethodPost,
		Path:            PathRegister,
		Body:            req,
		SkipAuthRefresh: true,
	}, &out); err != nil {
		return nil, errors.WithMessage(err, "[authapi.Register]")
	}
	return &out, nil
}

// Refresh never enters the gateway's refresh cycle itself.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*RefreshResponse, error) {
	if refreshToken == "" {
		return nil, errors.Wrap(apperrors.ErrValidation, "[authapi.Refresh] refresh token is required")
	}
	var out RefreshResponse
	if err := c.call(ctx, &gateway.Request{
		Method:          http.MethodPost,
		Path:            PathRefresh,
		Body:            map[string]string{"refreshToken": refreshToken},
		SkipAuthRefresh: true,
		Credentials:     true,
	}, &out); err != nil {
		return nil, errors.WithMessage(err, "[authapi.Refresh]")
	}
	return &out, nil
}

// Logout tells the backend to revoke the current session.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.gw.Do(ctx, &gateway.Request{
		Method:          http.MethodPost,
		Path:            PathLogout,
		SkipAuthRefresh: true,
	})
	return errors.WithMessage(err, "[authapi.Logout]")
}

// GitHub trades a provider access token and profile for a DevTracker session.
// A rejected sign-in is reported through Success and Message, not an error.
func (c *Client) GitHub(ctx context.Context, req GitHubRequest) (*GitHubResponse, error) {
	if req.GitHubAccessToken == "" {
		return nil, errors.Wrap(apperrors.ErrValidation, "[authapi.GitHub] github access token is required")
	}
	resp, err := c.gw.Do(ctx, &gateway.Request{
		Method:          http.MethodPost,
		Path:            PathGitHub,
		Body:            req,
		SkipAuthRefresh: true,
	})
	if err != nil {
		return nil, errors.WithMessage(err, "[authapi.GitHub]")
	}

	var out GitHubResponse
	if err := resp.Decode(&out); err != nil {
		return nil, errors.Wrap(err, "[authapi.GitHub]")
	}
	if out.Success {
		if out.Data == nil {
			return nil, errors.Wrap(apperrors.ErrBackendRejected, "[authapi.GitHub] success without data")
		}
		if err := c.validate.Struct(out.Data); err != nil {
			return nil, errors.Wrapf(apperrors.ErrBackendRejected, "[authapi.GitHub] malformed session: %v", err)
		}
	}
	return &out, nil
}

// Me fetches the current user's profile. It goes through the refresh cycle.
func (c *Client) Me(ctx context.Context) (*users.User, error) {
	var out users.User
	if err := c.call(ctx, &gateway.Request{Method: http.MethodGet, Path: PathMe}, &out); err != nil {
		return nil, errors.WithMessage(err, "[authapi.Me]")
	}
	return &out, nil
}

// call sends req and decodes and validates the JSON body into out.
func (c *Client) call(ctx context.Context, req *gateway.Request, out any) error {
	resp, err := c.gw.Do(ctx, req)
	if err != nil {
		return err
	}
	if err := resp.Decode(out); err != nil {
		return err
	}
	if err := c.validate.Struct(out); err != nil {
		return errors.Wrap(err, "unexpected response shape")
	}
	return nil
}
