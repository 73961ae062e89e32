package config

import (
	"strings"

	"golang.org/x/oauth2/github"
)

type GitHubConfig interface {
	GetGitHubClientID() string
	GetGitHubClientSecret() string
	GetGitHubRedirectURI() string
	GetGitHubScopes() []string
	GetGitHubAuthURL() string
	GetGitHubTokenURL() string
	GetGitHubAPIURL() string
}

type GitHub struct{}

var _ GitHubConfig = GitHub{}

func (GitHub) GetGitHubClientID() string {
	return GetEnv("GITHUB_CLIENT_ID", "Ov23liJgJ5EQFHHpJUts")
}

// GetGitHubClientSecret is empty for the mobile app; desktop OAuth apps may need one.
func (GitHub) GetGitHubClientSecret() string {
	return GetEnv("GITHUB_CLIENT_SECRET", "")
}

func (GitHub) GetGitHubRedirectURI() string {
	return GetEnv("GITHUB_REDIRECT_URI", "com.devtracker.app://oauth/callback")
}

func (GitHub) GetGitHubScopes() []string {
	return strings.Fields(GetEnv("GITHUB_SCOPES", "user:email read:user"))
}

func (GitHub) GetGitHubAuthURL() string {
	return GetEnv("GITHUB_AUTH_URL", github.Endpoint.AuthURL)
}

func (GitHub) GetGitHubTokenURL() string {
	return GetEnv("GITHUB_TOKEN_URL", github.Endpoint.TokenURL)
}

func (GitHub) GetGitHubAPIURL() string {
	return strings.TrimRight(GetEnv("GITHUB_API_URL", "https://api.github.com"), "/")
}
