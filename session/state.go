package session

import (
	"time"

	"github.com/jrsteele09/go-devtracker-auth/token"
	"github.com/jrsteele09/go-devtracker-auth/users"
)

// Status is derived from State, never stored.
type Status int

const (
	StatusAnonymous Status = iota
	StatusAuthenticating
	StatusAuthenticated
)

func (s Status) String() string {
	switch s {
	case StatusAuthenticating:
		return "authenticating"
	case StatusAuthenticated:
		return "authenticated"
	default:
		return "anonymous"
	}
}

// State is a snapshot of the session. IsAuthenticated holds exactly when both
// User and AccessToken are set.
type State struct {
	User            *users.User
	AccessToken     string
	RefreshToken    string
	IsAuthenticated bool
	IsLoading       bool
	LastError       string
	IsFirstLaunch   bool
}

func (s State) Status() Status {
	switch {
	case s.IsAuthenticated:
		return StatusAuthenticated
	case s.IsLoading:
		return StatusAuthenticating
	default:
		return StatusAnonymous
	}
}

// AccessTokenExpiry reads exp from the access token when it is a JWT; zero otherwise.
func (s State) AccessTokenExpiry() time.Time {
	return token.Expiry(s.AccessToken)
}

func (s State) clone() State {
	s.User = s.User.Clone()
	return s
}

func (s *State) normalize() {
	s.IsAuthenticated = s.User != nil && s.AccessToken != ""
}

func (s *State) clearAuth() {
	s.User = nil
	s.AccessToken = ""
	s.RefreshToken = ""
	s.IsAuthenticated = false
	s.LastError = ""
}
