package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/jrsteele09/go-devtracker-auth/authapi"
	apperrors "github.com/jrsteele09/go-devtracker-auth/internal/errors"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

const (
	githubAccept    = "application/vnd.github.v3+json"
	githubUserAgent = "DevTracker-App"
)

type githubProfile struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// fetchProfile loads the GitHub user, filling a private email from /user/emails.
func (f *Flow) fetchProfile(ctx context.Context, tok *oauth2.Token) (*authapi.GitHubUser, error) {
	client := f.oauth.Client(ctx, tok)

	var profile githubProfile
	if err := f.getJSON(ctx, client, "/user", &profile); err != nil {
		if errors.Is(err, apperrors.ErrNetwork) {
			return nil, fail(apperrors.ErrNetwork, msgNetwork, err)
		}
		return nil, fail(apperrors.ErrProviderRejected, msgProfile, err)
	}

	if profile.Email == "" {
		var emails []githubEmail
		if err := f.getJSON(ctx, client, "/user/emails", &emails); err != nil {
			f.log.Warn().Err(err).Msg("could not read github emails")
		}
		for _, e := range emails {
			if e.Primary {
				profile.Email = e.Email
				break
			}
		}
	}

	return &authapi.GitHubUser{
		ID:        profile.ID,
		Login:     profile.Login,
		Name:      profile.Name,
		Email:     profile.Email,
		AvatarURL: profile.AvatarURL,
	}, nil
}

func (f *Flow) getJSON(ctx context.Context, client *http.Client, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.apiURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", githubAccept)
	req.Header.Set("User-Agent", githubUserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w: %w", path, apperrors.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		return apperrors.NewStatusError(resp.StatusCode, string(body), nil, false)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode %s", path)
	}
	return nil
}
